// Command crash_recovery checks that an item claimed by a process that dies
// mid-flight is back to pending once the queue is reopened.
//
//	crash_recovery -mode prepare -db /tmp/q.db
//	crash_recovery -mode claim-sleep -db /tmp/q.db & sleep 1; kill -9 $!
//	crash_recovery -mode recover -db /tmp/q.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vietdev99/claude-mem-sub001/internal/persistence"
)

const conversationID = "crash-recovery-drill"

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, persistence.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		sess, err := store.InitSession(ctx, conversationID, "drill", "crash drill")
		if err != nil {
			fail("init session", err)
		}
		itemID, err := store.Enqueue(ctx, sess.ID, persistence.Observation{
			ToolName:  "Bash",
			ToolInput: "sleep forever",
		}, sess.PromptCounter)
		if err != nil {
			fail("enqueue", err)
		}
		fmt.Printf("SESSION_ID=%d\n", sess.ID)
		fmt.Printf("PREPARED_ITEM_ID=%d\n", itemID)
	case "claim-sleep":
		sessionID := drillSession(ctx, store)
		item, err := store.ClaimNext(ctx, sessionID)
		if err != nil {
			fail("claim", err)
		}
		if item == nil {
			fmt.Fprintln(os.Stderr, "no claimable item")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_ITEM_ID=%d\n", item.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		sessionID := drillSession(ctx, store)
		requeued, err := store.RequeueProcessing(ctx, sessionID)
		if err != nil {
			fail("requeue processing", err)
		}
		items, err := store.ListItems(ctx, persistence.ListFilter{SessionID: sessionID})
		if err != nil {
			fail("list items", err)
		}
		fmt.Printf("REQUEUED=%d\n", requeued)
		pass := len(items) > 0
		for _, item := range items {
			fmt.Printf("ITEM_STATUS id=%d status=%s retry_count=%d\n", item.ID, item.Status, item.RetryCount)
			if item.Status != persistence.StatusPending {
				pass = false
			}
		}
		if pass {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: items not pending after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}

func drillSession(ctx context.Context, store *persistence.Store) int64 {
	sess, err := store.InitSession(ctx, conversationID, "", "crash drill")
	if err != nil {
		fail("init session", err)
	}
	return sess.ID
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
