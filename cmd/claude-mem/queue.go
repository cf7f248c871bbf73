package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
	"github.com/vietdev99/claude-mem-sub001/internal/session"
)

var (
	listStatus  string
	listSession int64
	listLimit   int
	stuckAfter  int
)

// queueItem mirrors the JSON form of persistence.QueueItem.
type queueItem struct {
	ID         int64                `json:"id"`
	SessionID  int64                `json:"session_id"`
	Kind       persistence.ItemKind `json:"kind"`
	Status     string               `json:"status"`
	RetryCount int                  `json:"retry_count"`
	LastError  string               `json:"last_error,omitempty"`
}

type queueListing struct {
	Items  []queueItem             `json:"items"`
	Counts persistence.QueueCounts `json:"counts"`
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and repair the work queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if listStatus != "" {
			q.Set("status", listStatus)
		}
		if listSession > 0 {
			q.Set("session", strconv.FormatInt(listSession, 10))
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/api/queue"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var listing queueListing
		if err := c.do(cmd.Context(), http.MethodGet, path, &listing); err != nil {
			return err
		}
		if !styledOutput() {
			return printJSON(cmd.OutOrStdout(), listing)
		}
		_, err = io.WriteString(cmd.OutOrStdout(), renderListing(listing))
		return err
	},
}

func renderListing(l queueListing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s pending %d · processing %d · processed %d · failed %d\n",
		titleStyle.Render("queue"), l.Counts.Pending, l.Counts.Processing, l.Counts.Processed, l.Counts.Failed)
	if len(l.Items) == 0 {
		b.WriteString(dimStyle.Render("no items") + "\n")
		return b.String()
	}
	b.WriteString(headerStyle.Render(fmt.Sprintf(" %-8s %-8s %-11s %-11s %-6s %s ", "ITEM", "SESSION", "KIND", "STATUS", "RETRY", "ERROR")) + "\n")
	for _, it := range l.Items {
		status := fmt.Sprintf("%-11s", it.Status)
		switch it.Status {
		case string(persistence.StatusFailed):
			status = busyStyle.Render(status)
		case string(persistence.StatusProcessed):
			status = dimStyle.Render(status)
		}
		fmt.Fprintf(&b, " %-8d %-8d %-11s %s %-6d %s\n",
			it.ID, it.SessionID, it.Kind, status, it.RetryCount, truncate(it.LastError, 60))
	}
	return b.String()
}

// adminAction builds a command that POSTs to path and prints the response.
func adminAction(use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return postAndPrint(cmd, path)
		},
	}
}

func postAndPrint(cmd *cobra.Command, path string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var out map[string]any
	if err := c.do(cmd.Context(), http.MethodPost, path, &out); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

var queueRetryStuckCmd = &cobra.Command{
	Use:   "retry-stuck",
	Short: "Return items stuck in processing to pending",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := "/api/queue/retry-stuck"
		if stuckAfter > 0 {
			path += "?threshold_seconds=" + strconv.Itoa(stuckAfter)
		}
		return postAndPrint(cmd, path)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Re-arm a failed item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid item id %q", args[0])
		}
		return postAndPrint(cmd, fmt.Sprintf("/api/queue/%d/retry", id))
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run a recovery sweep now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var report session.RecoveryReport
		if err := c.do(cmd.Context(), http.MethodPost, "/api/recovery", &report); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	queueListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (pending, processing, processed, failed)")
	queueListCmd.Flags().Int64Var(&listSession, "session", 0, "filter by session id")
	queueListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum items to list (server default 100)")
	queueRetryStuckCmd.Flags().IntVar(&stuckAfter, "older-than", 0, "seconds in processing before an item counts as stuck (default: server threshold)")

	queueCmd.AddCommand(
		queueListCmd,
		adminAction("clear-failed", "Delete permanently failed items", "/api/queue/clear-failed"),
		adminAction("clear-all", "Stop live consumers and delete every queue item", "/api/queue/clear-all"),
		queueRetryStuckCmd,
		queueRetryCmd,
	)
	rootCmd.AddCommand(queueCmd, recoverCmd)
}
