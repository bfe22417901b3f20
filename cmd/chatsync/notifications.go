package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/thebooksclub/chatsync"
)

var (
	notificationsJSON     bool
	notificationsMarkRead bool
	notificationsWait     time.Duration
)

func init() {
	rootCmd.AddCommand(notificationsCmd)
	rootCmd.AddCommand(notifyCmd)

	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output raw JSON")
	notificationsCmd.Flags().BoolVar(&notificationsMarkRead, "mark-read", false, "Mark every listed notification read")
	notificationsCmd.Flags().DurationVar(&notificationsWait, "wait", 3*time.Second, "How long to wait for the initial sync")
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List recent notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		// An empty feed never announces a change; give up after --wait.
		syncCtx, cancelSync := context.WithTimeout(ctx, notificationsWait)
		err = waitUntil(syncCtx, s.Notifications.OnChange, func() bool { return len(s.Notifications.Items()) > 0 })
		cancelSync()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		items := s.Notifications.Items()
		if notificationsJSON {
			if err := printJSON(items); err != nil {
				return err
			}
		} else {
			printNotifications(items, s.Notifications.Unread())
		}

		if notificationsMarkRead {
			r := s.Notifications.MarkAllRead(ctx)
			if r.Skipped {
				return nil
			}
			if err := resultErr("mark read", r); err != nil {
				return err
			}
			fmt.Println("All notifications marked read.")
		}
		return nil
	},
}

func printNotifications(items []chatsync.Notification, unread int) {
	if len(items) == 0 {
		fmt.Println("No notifications.")
		return
	}
	for _, n := range items {
		mark := " "
		if !n.IsRead {
			mark = "*"
		}
		when := ""
		if n.CreatedAt != nil {
			when = humanize.Time(*n.CreatedAt)
		}
		actors := strings.Join(n.ActorUsernames, ", ")
		if n.Total > len(n.ActorUsernames) && len(n.ActorUsernames) > 0 {
			actors += fmt.Sprintf(" and %d more", n.Total-len(n.ActorUsernames))
		}
		fmt.Printf("%s %6d  %-10s %s %s", mark, n.ID, n.Action, actors, n.Text)
		if when != "" {
			fmt.Printf(" (%s)", when)
		}
		fmt.Println()
	}
	fmt.Printf("\n%d unread\n", unread)
}

var notifyCmd = &cobra.Command{
	Use:   "notify <comment-id>",
	Short: "Ask the server to notify about a new comment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		commentID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || commentID <= 0 {
			return fmt.Errorf("invalid comment id %q", args[0])
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := resultErr("notify", s.Notifications.SendNotification(ctx, commentID)); err != nil {
			return err
		}
		fmt.Printf("Notification sent for comment %d\n", commentID)
		return nil
	},
}
