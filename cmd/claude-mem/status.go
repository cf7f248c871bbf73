package main

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/vietdev99/claude-mem-sub001/internal/session"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")).
			Width(18)

	busyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	idleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("236"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is processing and which sessions are live",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var st session.Status
		if err := c.do(cmd.Context(), http.MethodGet, "/api/processing-status", &st); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !styledOutput() {
			return printJSON(out, st)
		}
		_, err = io.WriteString(out, renderStatus(st, time.Now()))
		return err
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func renderStatus(st session.Status, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("claude-mem") + "\n")

	state := idleStyle.Render("idle")
	if st.IsProcessing {
		state = busyStyle.Render("processing")
	}
	fmt.Fprintf(&b, "%s%s\n", labelStyle.Render("state"), state)
	fmt.Fprintf(&b, "%s%d\n", labelStyle.Render("queue depth"), st.QueueDepth)
	fmt.Fprintf(&b, "%s%d\n", labelStyle.Render("active sessions"), st.ActiveSessions)

	if len(st.Sessions) == 0 {
		return b.String()
	}
	b.WriteString("\n" + headerStyle.Render(fmt.Sprintf(" %-8s %-24s %-16s %-9s %s ", "SESSION", "CONVERSATION", "PROJECT", "CONSUMER", "OLDEST")) + "\n")
	for _, s := range st.Sessions {
		consumer := dimStyle.Render(fmt.Sprintf("%-9s", "stopped"))
		if s.ConsumerRunning {
			consumer = idleStyle.Render(fmt.Sprintf("%-9s", "running"))
		}
		oldest := "-"
		if s.EarliestPending != nil {
			oldest = now.Sub(*s.EarliestPending).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(&b, " %-8d %-24s %-16s %s %s\n",
			s.SessionID, truncate(s.ConversationID, 24), truncate(s.Project, 16), consumer, oldest)
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
