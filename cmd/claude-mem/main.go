// Command claude-mem runs the session work queue daemon and talks to it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// Set via ldflags during build.
var Version = "dev"

var (
	flagAddr  string
	flagToken string
	flagJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "claude-mem",
	Short: "Persistent per-session work queue for tool observations",
	Long: `claude-mem queues tool observations and summary requests per session,
processes them in order with one consumer per session, and recovers
unfinished work after a crash.

Run "claude-mem serve" to start the daemon; the other commands talk to a
running daemon over HTTP.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon address (default: bind_addr from config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "API token (default: api_token from config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "always print JSON, even on a terminal")
}

// stdoutIsTerminal decides between styled and JSON output.
var stdoutIsTerminal = func() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func styledOutput() bool {
	return !flagJSON && stdoutIsTerminal()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
