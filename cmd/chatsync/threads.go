package main

import (
	"fmt"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/thebooksclub/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	threadsJSON  bool
	messagesJSON bool

	// send
	sendReplyTo int64

	// new
	newTitle   string
	newMessage string
)

func init() {
	rootCmd.AddCommand(threadsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(reactCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(leaveCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(dmCmd)

	threadsCmd.Flags().BoolVar(&threadsJSON, "json", false, "Output raw JSON")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	sendCmd.Flags().Int64Var(&sendReplyTo, "reply-to", 0, "Message ID to reply to")
	newCmd.Flags().StringVar(&newTitle, "title", "", "Thread title")
	newCmd.Flags().StringVarP(&newMessage, "message", "m", "", "First message")
}

// ============================================================================
// threads
// ============================================================================

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List your threads with unread counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		threads := s.Threads.Threads()
		if threadsJSON {
			return printJSON(threads)
		}
		if len(threads) == 0 {
			fmt.Println("No threads.")
			return nil
		}

		for _, t := range threads {
			title := t.Title
			if title == "" {
				title = strings.Join(t.Participants, ", ")
			}
			last := "never"
			if t.LastMessageAt != nil {
				last = humanize.Time(*t.LastMessageAt)
			}
			unread := ""
			if n := s.Threads.Unread(t.ID); n > 0 {
				unread = fmt.Sprintf(" (%d unread)", n)
			}
			fmt.Printf("%6d  %s%s, last message %s\n", t.ID, title, unread, last)
		}
		fmt.Printf("\n%d unread in total\n", s.Threads.UnreadTotal())
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <thread-id>",
	Short: "Show a thread's messages without marking them read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := focus(ctx, s, args[0]); err != nil {
			return err
		}
		msgs := s.Threads.ActiveMessages()
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

func printMessage(m chatsync.Message) {
	if m.IsFirstUnread {
		fmt.Println("------ new ------")
	}
	text := m.Text
	if m.Deleted {
		text = "(deleted)"
	}
	reply := ""
	if m.ParentID != nil {
		reply = fmt.Sprintf(" re #%d", *m.ParentID)
	}
	fmt.Printf("#%d [%s] %s%s: %s\n", m.ID, humanize.Time(m.Timestamp), m.Sender, reply, text)
	for _, a := range m.Attachments {
		fmt.Printf("      attachment: %s %s\n", valueOrDefault(a.Name, strconv.FormatInt(a.ID, 10)), a.URL)
	}
	if len(m.ReactionCounts) > 0 {
		parts := make([]string, len(m.ReactionCounts))
		for i, rc := range m.ReactionCounts {
			parts[i] = fmt.Sprintf("%s %d", rc.Emoji, rc.Count)
		}
		fmt.Printf("      %s\n", strings.Join(parts, "  "))
	}
}

// ============================================================================
// send / read
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <thread-id> <message>",
	Short: "Post a message to a thread",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		tid, err := focus(ctx, s, args[0])
		if err != nil {
			return err
		}
		opts := chatsync.SendOptions{Text: args[1]}
		if sendReplyTo > 0 {
			parent := chatsync.MessageID(sendReplyTo)
			opts.ParentID = &parent
		}
		if err := resultErr("send", s.Threads.SendMessage(ctx, opts)); err != nil {
			return err
		}
		fmt.Printf("Message sent to thread %d\n", tid)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read <thread-id>",
	Short: "Print a thread and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if _, err := focus(ctx, s, args[0]); err != nil {
			return err
		}
		for _, m := range s.Threads.ActiveMessages() {
			printMessage(m)
		}
		return resultErr("mark read", s.Threads.MarkActiveAsRead(ctx))
	},
}

// ============================================================================
// Thread management
// ============================================================================

var renameCmd = &cobra.Command{
	Use:   "rename <thread-id> <title>",
	Short: "Change a thread's title",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThread(cmd, args[0], func(s *chatsync.Session) error {
			return resultErr("rename", s.Threads.ChangeTitle(cmd.Context(), args[1]))
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <thread-id> <message-id> <emoji>",
	Short: "Add a reaction to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[1:2])
		if err != nil {
			return err
		}
		return withThread(cmd, args[0], func(s *chatsync.Session) error {
			return resultErr("react", s.Threads.AddMessageReaction(cmd.Context(), chatsync.MessageID(ids[0]), args[2]))
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <thread-id> <message-id>",
	Short: "Delete one of your messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		return withThread(cmd, args[0], func(s *chatsync.Session) error {
			return resultErr("delete", s.Threads.DeleteMessage(cmd.Context(), chatsync.MessageID(ids[0])))
		})
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <thread-id>",
	Short: "Leave a group thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withThread(cmd, args[0], func(s *chatsync.Session) error {
			return resultErr("leave", s.Threads.LeaveThread(cmd.Context()))
		})
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite <thread-id> <user-id>...",
	Short: "Add users to a thread",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		userIDs, err := parseIDs(args[1:])
		if err != nil {
			return err
		}
		return withThread(cmd, args[0], func(s *chatsync.Session) error {
			return resultErr("invite", s.Threads.AddUsersToThread(cmd.Context(), userIDs))
		})
	},
}

// withThread opens a session, focuses the thread and runs fn. The command's
// context is replaced by one bounded by --timeout.
func withThread(cmd *cobra.Command, arg string, fn func(*chatsync.Session) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := focus(ctx, s, arg); err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	fmt.Println("Done.")
	return nil
}

// ============================================================================
// new / dm
// ============================================================================

var newCmd = &cobra.Command{
	Use:   "new <user-id>...",
	Short: "Create a thread with the given users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userIDs, err := parseIDs(args)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		r := s.Threads.CreateThreadAndSend(ctx, chatsync.CreateThreadOptions{
			ParticipantIDs: userIDs,
			Title:          newTitle,
			Text:           newMessage,
		})
		if err := resultErr("create thread", r); err != nil {
			return err
		}
		fmt.Printf("Thread %d created\n", r.ThreadID)
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <user-id> <username> [message]",
	Short: "Open (or start) a one-to-one thread",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseIDs(args[:1])
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		r := s.Threads.SearchOrCreateThread(ctx, chatsync.Participant{ID: ids[0], Username: args[1]})
		if err := resultErr("open thread", r); err != nil {
			return err
		}
		if len(args) == 3 {
			if err := resultErr("send", s.Threads.SendMessage(ctx, chatsync.SendOptions{Text: args[2]})); err != nil {
				return err
			}
		}
		fmt.Printf("Thread %d with %s\n", r.ThreadID, args[1])
		return nil
	},
}
