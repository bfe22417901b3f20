package chatsync

import (
	"context"
	"testing"
)

// ============================================================================
// Preconditions
// ============================================================================

func TestActionsSkipWithoutConnection(t *testing.T) {
	f := newFakeTransport()
	f.credentials = false
	s := NewThreadStore(f, nil, nil)
	_ = s.Connect(context.Background())
	ctx := context.Background()

	results := map[string]Result{
		"send":             s.SendMessage(ctx, SendOptions{Text: "hi"}),
		"create":           s.CreateThreadAndSend(ctx, CreateThreadOptions{ParticipantIDs: []int64{9}, Text: "hi"}),
		"search":           s.SearchThread(ctx, []int64{9}),
		"search or create": s.SearchOrCreateThread(ctx, Participant{ID: 9, Username: "ana"}),
		"title":            s.ChangeTitle(ctx, "New"),
		"leave":            s.LeaveThread(ctx),
		"react":            s.AddMessageReaction(ctx, 1, "👍"),
		"delete":           s.DeleteMessage(ctx, 1),
		"add users":        s.AddUsersToThread(ctx, []int64{4}),
		"refresh":          s.RefreshThreads(ctx),
		"mark read":        s.MarkActiveAsRead(ctx),
	}
	for name, r := range results {
		if !r.Skipped {
			t.Errorf("%s: result = %+v, want skipped", name, r)
		}
	}
	if n := len(f.frames); n != 0 {
		t.Fatalf("%d frames sent without a connection", n)
	}
}

func TestActionsSkipWithoutActiveThread(t *testing.T) {
	s, f := connectedStore(t)
	ctx := context.Background()

	for name, r := range map[string]Result{
		"send":      s.SendMessage(ctx, SendOptions{Text: "hi"}),
		"title":     s.ChangeTitle(ctx, "New"),
		"leave":     s.LeaveThread(ctx),
		"react":     s.AddMessageReaction(ctx, 1, "👍"),
		"delete":    s.DeleteMessage(ctx, 1),
		"add users": s.AddUsersToThread(ctx, []int64{4}),
	} {
		if !r.Skipped {
			t.Errorf("%s: result = %+v, want skipped", name, r)
		}
	}
	if n := len(f.frames); n != 0 {
		t.Fatalf("%d frames sent without an active thread", n)
	}
}

// ============================================================================
// SendMessage
// ============================================================================

func TestSendMessage(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	parent := MessageID(4)

	r := s.SendMessage(context.Background(), SendOptions{Text: "hello", ParentID: &parent})
	if !r.OK || r.ThreadID != 1 {
		t.Fatalf("result = %+v", r)
	}
	sent := f.sent(ReqSend)
	if len(sent) != 1 {
		t.Fatalf("%d send frames, want 1", len(sent))
	}
	p := sent[0].(sendPayload)
	if p.ThreadID != 1 || p.Text != "hello" || *p.ParentID != 4 || p.AttachmentIDs == nil {
		t.Fatalf("payload = %+v", p)
	}
	if msgs, _ := s.Messages(1); len(msgs) != 0 {
		t.Fatalf("message inserted locally: %+v", msgs)
	}
}

func TestSendMessageNothingToSend(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	if r := s.SendMessage(context.Background(), SendOptions{Text: "   "}); !r.Skipped {
		t.Fatalf("result = %+v, want skipped", r)
	}
	if r := s.SendMessage(context.Background(), SendOptions{AttachmentIDs: []int64{3}}); !r.OK {
		t.Fatalf("attachment-only result = %+v", r)
	}
	if n := f.count(ReqSend); n != 1 {
		t.Fatalf("%d send frames, want 1", n)
	}
}

// ============================================================================
// CreateThreadAndSend
// ============================================================================

func TestCreateThreadAndSend(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	var got Result
	s.createThread(CreateThreadOptions{ParticipantIDs: []int64{9}, Text: "  hi  "}, func(r Result) { got = r })

	f.respond(t, ReqCreateThread, Thread{ID: 42, Participants: []string{"ana"}})

	if !got.OK || got.ThreadID != 42 {
		t.Fatalf("result = %+v", got)
	}
	threads := s.Threads()
	if len(threads) != 2 || threads[0].ID != 42 {
		t.Fatalf("threads = %+v", threads)
	}
	if s.ActiveThreadID() != 42 {
		t.Fatalf("active = %d, want 42", s.ActiveThreadID())
	}
	sent := f.sent(ReqSend)
	if len(sent) != 1 {
		t.Fatalf("%d send frames, want 1", len(sent))
	}
	if p := sent[0].(sendPayload); p.ThreadID != 42 || p.Text != "hi" {
		t.Fatalf("payload = %+v", p)
	}
}

func TestCreateThreadRacingRefresh(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	s.createThread(CreateThreadOptions{ParticipantIDs: []int64{9}, Text: "hi"}, nil)

	// The refresh broadcast wins the race.
	f.fire(EventThreadsRefresh, nil)
	f.respond(t, ReqGetThreads, []Thread{{ID: 42}, {ID: 1}})
	f.respond(t, ReqCreateThread, Thread{ID: 42})

	n := 0
	for _, th := range s.Threads() {
		if th.ID == 42 {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("thread 42 listed %d times, want 1", n)
	}
}

func TestCreateThreadWithoutText(t *testing.T) {
	s, f := connectedStore(t)
	s.createThread(CreateThreadOptions{ParticipantIDs: []int64{9}}, nil)
	f.respond(t, ReqCreateThread, Thread{ID: 42})

	if n := f.count(ReqSend); n != 0 {
		t.Fatalf("%d send frames, want 0", n)
	}
	if s.ActiveThreadID() != 42 {
		t.Fatalf("active = %d, want 42", s.ActiveThreadID())
	}
}

func TestCreateThreadRejected(t *testing.T) {
	tests := []struct {
		name  string
		reply any
	}{
		{"null", nil},
		{"no id", map[string]any{"title": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f := connectedStore(t, Thread{ID: 1})
			var got Result
			s.createThread(CreateThreadOptions{ParticipantIDs: []int64{9}, Text: "hi"}, func(r Result) { got = r })
			f.respond(t, ReqCreateThread, tt.reply)

			if got.Err != ErrRejected {
				t.Fatalf("err = %v, want ErrRejected", got.Err)
			}
			if len(s.Threads()) != 1 || s.ActiveThreadID() != 1 {
				t.Fatal("state changed after rejected create")
			}
		})
	}
}

// ============================================================================
// Search
// ============================================================================

func TestSearchThread(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 1}, Thread{ID: 5})
		var got Result
		s.searchThread([]int64{7}, func(r Result) { got = r })
		f.respond(t, ReqSearchThread, Thread{ID: 5})
		if !got.OK || got.ThreadID != 5 || s.ActiveThreadID() != 5 {
			t.Fatalf("result = %+v, active = %d", got, s.ActiveThreadID())
		}
	})

	t.Run("not found clears focus", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 1})
		var got Result
		s.searchThread([]int64{7}, func(r Result) { got = r })
		f.respond(t, ReqSearchThread, nil)
		if !got.OK || got.ThreadID != 0 || s.ActiveThreadID() != 0 {
			t.Fatalf("result = %+v, active = %d", got, s.ActiveThreadID())
		}
	})
}

func TestSearchOrCreateThread(t *testing.T) {
	t.Run("existing one-to-one", func(t *testing.T) {
		s, f := connectedStore(t,
			Thread{ID: 1, Participants: []string{"ana", "ben"}},
			Thread{ID: 2, Participants: []string{"ana"}},
		)
		r := s.SearchOrCreateThread(context.Background(), Participant{ID: 9, Username: "ana"})
		if !r.OK || r.ThreadID != 2 {
			t.Fatalf("result = %+v", r)
		}
		if !s.PanelVisible() {
			t.Fatal("panel not opened")
		}
		if n := f.count(ReqCreateThread); n != 0 {
			t.Fatalf("create_thread sent %d times", n)
		}
	})

	t.Run("creates when missing", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 1, Participants: []string{"ben"}})
		var got Result
		s.searchOrCreate(Participant{ID: 9, Username: "ana"}, func(r Result) { got = r })

		created := f.sent(ReqCreateThread)
		if len(created) != 1 {
			t.Fatalf("create_thread sent %d times", len(created))
		}
		if p := created[0].(createThreadPayload); len(p.ParticipantIDs) != 1 || p.ParticipantIDs[0] != 9 {
			t.Fatalf("payload = %+v", p)
		}
		f.respond(t, ReqCreateThread, Thread{ID: 30, Participants: []string{"ana"}})
		if got.ThreadID != 30 || s.ActiveThreadID() != 30 {
			t.Fatalf("result = %+v", got)
		}
		if n := f.count(ReqSend); n != 0 {
			t.Fatalf("empty first message sent")
		}
	})
}

// ============================================================================
// ChangeTitle
// ============================================================================

func TestChangeTitle(t *testing.T) {
	t.Run("rejected rolls back", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 7, Title: "Old"})
		var got Result
		s.changeTitle("New", func(r Result) { got = r })

		if th, _ := s.Thread(7); th.Title != "New" {
			t.Fatalf("optimistic title = %q, want New", th.Title)
		}
		f.respond(t, ReqChangeTitle, rejectAck)
		if th, _ := s.Thread(7); th.Title != "Old" {
			t.Fatalf("title = %q, want Old", th.Title)
		}
		if got.Err != ErrRejected {
			t.Fatalf("err = %v", got.Err)
		}
		if n := f.pendingCount(ReqGetThreads); n != 1 {
			t.Fatalf("%d get_threads pending after rejection, want 1", n)
		}
	})

	t.Run("timeout rolls back", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 7, Title: "Old"})
		s.changeTitle("New", nil)
		f.fail(t, ReqChangeTitle, ErrAckTimeout)
		if th, _ := s.Thread(7); th.Title != "Old" {
			t.Fatalf("title = %q, want Old", th.Title)
		}
	})

	t.Run("accepted refreshes", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 7, Title: "Old"})
		f.reply(ReqChangeTitle, okAck)
		r := s.ChangeTitle(context.Background(), "New")
		if !r.OK {
			t.Fatalf("result = %+v", r)
		}
		p := f.sent(ReqChangeTitle)[0].(titlePayload)
		if p.ThreadID != 7 || p.Title != "New" || p.Locale != "fr" {
			t.Fatalf("payload = %+v", p)
		}
		if n := f.pendingCount(ReqGetThreads); n != 1 {
			t.Fatalf("%d get_threads pending, want 1", n)
		}
	})

	t.Run("refresh wins over rollback", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 7, Title: "Old"})
		s.changeTitle("New", nil)
		f.fire(EventThreadUpdated, threadUpdatedPayload{ID: 7, Title: "Other"})
		f.respond(t, ReqGetThreads, []Thread{{ID: 7, Title: "Other"}})
		f.respond(t, ReqChangeTitle, rejectAck)
		if th, _ := s.Thread(7); th.Title != "Other" {
			t.Fatalf("title = %q, want Other", th.Title)
		}
	})
}

// ============================================================================
// Leave, react, delete, invite
// ============================================================================

func TestLeaveThread(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 1, Unread: 2}, Thread{ID: 2})
		f.fire(EventMessage, Message{ID: 1, ThreadID: 1})
		f.reply(ReqLeaveThread, okAck)

		if r := s.LeaveThread(context.Background()); !r.OK || r.ThreadID != 1 {
			t.Fatalf("result = %+v", r)
		}
		if _, ok := s.Thread(1); ok {
			t.Fatal("thread still listed")
		}
		if _, ok := s.Messages(1); ok {
			t.Fatal("messages still cached")
		}
		if s.Unread(1) != 0 || s.UnreadTotal() != 0 {
			t.Fatalf("unread = %d, total = %d", s.Unread(1), s.UnreadTotal())
		}
		if s.ActiveThreadID() != 0 {
			t.Fatalf("active = %d, want 0", s.ActiveThreadID())
		}
		if p := f.sent(ReqLeaveThread)[0].(leavePayload); p.Locale != "fr" {
			t.Fatalf("payload = %+v", p)
		}
		if n := f.pendingCount(ReqGetThreads); n != 1 {
			t.Fatalf("%d get_threads pending, want 1", n)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		s, f := connectedStore(t, Thread{ID: 1})
		f.reply(ReqLeaveThread, rejectAck)
		if r := s.LeaveThread(context.Background()); r.Err != ErrRejected {
			t.Fatalf("result = %+v", r)
		}
		if _, ok := s.Thread(1); !ok || s.ActiveThreadID() != 1 {
			t.Fatal("thread dropped after rejection")
		}
		if n := f.pendingCount(ReqGetThreads); n != 1 {
			t.Fatalf("%d get_threads pending after rejection, want 1", n)
		}
	})
}

func TestMessageMutationsReload(t *testing.T) {
	tests := []struct {
		name  string
		event string
		run   func(s *ThreadStore, done func(Result))
	}{
		{"reaction", ReqAddReaction, func(s *ThreadStore, done func(Result)) { s.addReaction(3, "👍", done) }},
		{"delete", ReqDeleteMessage, func(s *ThreadStore, done func(Result)) { s.deleteMessage(3, done) }},
	}

	for _, tt := range tests {
		t.Run(tt.name+" accepted", func(t *testing.T) {
			s, f := connectedStore(t, Thread{ID: 1})
			var got Result
			tt.run(s, func(r Result) { got = r })
			f.respond(t, tt.event, okAck)
			if !got.OK {
				t.Fatalf("result = %+v", got)
			}
			if n := f.count(ReqLoadThread, threadRef{ThreadID: 1}); n != 1 {
				t.Fatalf("load_thread sent %d times, want 1", n)
			}
		})

		t.Run(tt.name+" rejected", func(t *testing.T) {
			s, f := connectedStore(t, Thread{ID: 1})
			var got Result
			tt.run(s, func(r Result) { got = r })
			f.respond(t, tt.event, rejectAck)
			if got.Err != ErrRejected {
				t.Fatalf("result = %+v", got)
			}
			if n := f.count(ReqLoadThread); n != 0 {
				t.Fatalf("load_thread sent %d times, want 0", n)
			}
		})
	}
}

func TestMutationReloadsThreadOfRequest(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1}, Thread{ID: 2})
	s.addReaction(3, "👍", nil)
	s.activate(2, nil)
	f.reset()

	f.respond(t, ReqAddReaction, okAck)
	if n := f.count(ReqLoadThread, threadRef{ThreadID: 1}); n != 1 {
		t.Fatalf("load_thread{1} sent %d times, want 1", n)
	}
}

func TestDeleteMessagePayload(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	s.deleteMessage(3, nil)
	p := f.sent(ReqDeleteMessage)[0].(deletePayload)
	if p != (deletePayload{ThreadID: 1, MessageID: 3, Locale: "fr"}) {
		t.Fatalf("payload = %+v", p)
	}
}

func TestAddUsersToThread(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	f.reply(ReqAddUsers, okAck)

	if r := s.AddUsersToThread(context.Background(), []int64{4, 5}); !r.OK {
		t.Fatalf("result = %+v", r)
	}
	if n := f.pendingCount(ReqGetThreads); n != 1 {
		t.Fatalf("%d get_threads pending, want 1", n)
	}
	if n := f.count(ReqJoinThread, threadRef{ThreadID: 1}); n != 1 {
		t.Fatalf("join_thread sent %d times, want 1", n)
	}
	if n := f.count(ReqLoadThread, threadRef{ThreadID: 1}); n != 1 {
		t.Fatalf("load_thread sent %d times, want 1", n)
	}
	if r := s.AddUsersToThread(context.Background(), nil); !r.Skipped {
		t.Fatalf("empty user list result = %+v", r)
	}
}

func TestAddUsersToThreadRejected(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	f.reply(ReqAddUsers, rejectAck)

	if r := s.AddUsersToThread(context.Background(), []int64{4}); r.Err != ErrRejected {
		t.Fatalf("result = %+v", r)
	}
	if n := f.pendingCount(ReqGetThreads); n != 1 {
		t.Fatalf("%d get_threads pending, want 1", n)
	}
	if n := f.count(ReqJoinThread); n != 0 {
		t.Fatalf("join_thread sent %d times after rejection", n)
	}
}

func TestRefreshThreads(t *testing.T) {
	s, f := connectedStore(t, Thread{ID: 1})
	f.reply(ReqGetThreads, []Thread{{ID: 1}, {ID: 2}})
	if r := s.RefreshThreads(context.Background()); !r.OK {
		t.Fatalf("result = %+v", r)
	}
	if n := len(s.Threads()); n != 2 {
		t.Fatalf("%d threads, want 2", n)
	}
}
