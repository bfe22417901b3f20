package chatsync

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Actions are UI-triggered: an unmet precondition (no connection, no active
// thread, nothing to send) is not an error and yields a skipped Result.
// Every public action blocks until the server acknowledges or ctx ends; a
// rollback still applies when the acknowledgment arrives late.

// SendOptions describes a message to post in the active thread.
type SendOptions struct {
	Text          string
	ParentID      *MessageID
	AttachmentIDs []int64
}

func (o SendOptions) empty() bool {
	return strings.TrimSpace(o.Text) == "" && len(o.AttachmentIDs) == 0
}

// CreateThreadOptions describes a new thread and its optional first message.
type CreateThreadOptions struct {
	ParticipantIDs []int64
	Title          string
	Text           string
	AttachmentIDs  []int64
}

// Participant identifies the other side of a one-to-one thread.
type Participant struct {
	ID       int64
	Username string
}

// activeThread returns the focused thread when a connection is present.
func (s *ThreadStore) activeThread() (ThreadID, bool) {
	if !s.conn.Present() {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != 0
}

// ============================================================================
// Messages
// ============================================================================

// SendMessage posts a message to the active thread. No message is inserted
// locally: it arrives through the inbound message event.
func (s *ThreadStore) SendMessage(ctx context.Context, opts SendOptions) Result {
	tid, ok := s.activeThread()
	if !ok || opts.empty() {
		return skipped
	}
	return s.send(ctx, tid, opts)
}

func (s *ThreadStore) send(ctx context.Context, tid ThreadID, opts SendOptions) Result {
	ids := opts.AttachmentIDs
	if ids == nil {
		ids = []int64{}
	}
	err := s.conn.Emit(ctx, ReqSend, sendPayload{
		ThreadID:      tid,
		Text:          opts.Text,
		ParentID:      opts.ParentID,
		AttachmentIDs: ids,
	})
	if err != nil {
		s.log.Warn("send failed", zap.Int64("thread_id", int64(tid)), zap.Error(err))
		return Result{Err: err, ThreadID: tid}
	}
	return Result{OK: true, ThreadID: tid}
}

// AddMessageReaction reacts to a message of the active thread and reloads
// the thread's messages once the server accepts it.
func (s *ThreadStore) AddMessageReaction(ctx context.Context, messageID MessageID, emoji string) Result {
	return await(ctx, func(done func(Result)) { s.addReaction(messageID, emoji, done) })
}

func (s *ThreadStore) addReaction(messageID MessageID, emoji string, done func(Result)) {
	tid, ok := s.activeThread()
	if !ok || messageID == 0 || emoji == "" {
		finish(done, skipped)
		return
	}
	s.conn.Request(ReqAddReaction, reactionPayload{ThreadID: tid, MessageID: messageID, Emoji: emoji}, func(ack Ack) {
		s.reloadOnSuccess(tid, ack, done)
	})
}

// DeleteMessage deletes a message of the active thread and reloads the
// thread's messages once the server accepts it.
func (s *ThreadStore) DeleteMessage(ctx context.Context, messageID MessageID) Result {
	return await(ctx, func(done func(Result)) { s.deleteMessage(messageID, done) })
}

func (s *ThreadStore) deleteMessage(messageID MessageID, done func(Result)) {
	tid, ok := s.activeThread()
	if !ok || messageID == 0 {
		finish(done, skipped)
		return
	}
	payload := deletePayload{ThreadID: tid, MessageID: messageID, Locale: s.locale.Locale()}
	s.conn.Request(ReqDeleteMessage, payload, func(ack Ack) {
		s.reloadOnSuccess(tid, ack, done)
	})
}

func (s *ThreadStore) reloadOnSuccess(tid ThreadID, ack Ack, done func(Result)) {
	if err := ack.Reason(); err != nil {
		finish(done, Result{Err: err, ThreadID: tid})
		return
	}
	finish(done, Result{OK: true, ThreadID: tid})
	s.loadThread(tid, nil)
}

// ============================================================================
// Threads
// ============================================================================

// CreateThreadAndSend creates a thread, focuses it and posts the first
// message when there is text or an attachment.
func (s *ThreadStore) CreateThreadAndSend(ctx context.Context, opts CreateThreadOptions) Result {
	return await(ctx, func(done func(Result)) { s.createThread(opts, done) })
}

func (s *ThreadStore) createThread(opts CreateThreadOptions, done func(Result)) {
	if !s.conn.Present() || len(opts.ParticipantIDs) == 0 {
		finish(done, skipped)
		return
	}
	first := SendOptions{Text: strings.TrimSpace(opts.Text), AttachmentIDs: opts.AttachmentIDs}

	payload := createThreadPayload{ParticipantIDs: opts.ParticipantIDs, Title: opts.Title}
	s.conn.Request(ReqCreateThread, payload, func(ack Ack) {
		var t Thread
		if err := ack.Decode(&t); err != nil || t.ID == 0 {
			if err == nil {
				err = ErrRejected
			}
			s.log.Warn("create_thread failed", zap.Error(err))
			finish(done, failed(err))
			return
		}

		s.mu.Lock()
		// threads_refresh may have delivered it first.
		if s.indexLocked(t.ID) < 0 {
			s.threads = append([]Thread{t}, s.threads...)
		}
		s.mu.Unlock()
		s.changes.emit()

		s.activate(t.ID, nil)
		if !first.empty() {
			if r := s.send(context.Background(), t.ID, first); r.Err != nil {
				finish(done, r)
				return
			}
		}
		finish(done, Result{OK: true, ThreadID: t.ID})
	})
}

// SearchThread focuses the existing thread with exactly these participants.
// When there is none, focus is cleared and the Result carries a zero ThreadID.
func (s *ThreadStore) SearchThread(ctx context.Context, participantIDs []int64) Result {
	return await(ctx, func(done func(Result)) { s.searchThread(participantIDs, done) })
}

func (s *ThreadStore) searchThread(participantIDs []int64, done func(Result)) {
	if !s.conn.Present() || len(participantIDs) == 0 {
		finish(done, skipped)
		return
	}
	s.conn.Request(ReqSearchThread, searchThreadPayload{ParticipantIDs: participantIDs}, func(ack Ack) {
		if ack.Err != nil {
			finish(done, failed(ack.Err))
			return
		}
		var t Thread
		if ack.Decode(&t) != nil || t.ID == 0 {
			s.activate(0, nil)
			finish(done, Result{OK: true})
			return
		}
		s.activate(t.ID, nil)
		finish(done, Result{OK: true, ThreadID: t.ID})
	})
}

// SearchOrCreateThread opens the one-to-one thread with p, creating it when
// no thread has p as its single participant. The panel is made visible.
func (s *ThreadStore) SearchOrCreateThread(ctx context.Context, p Participant) Result {
	return await(ctx, func(done func(Result)) { s.searchOrCreate(p, done) })
}

func (s *ThreadStore) searchOrCreate(p Participant, done func(Result)) {
	if !s.conn.Present() {
		finish(done, skipped)
		return
	}
	s.mu.Lock()
	var match ThreadID
	for _, t := range s.threads {
		if len(t.Participants) == 1 && t.Participants[0] == p.Username {
			match = t.ID
			break
		}
	}
	s.mu.Unlock()

	s.SetPanelVisible(true)
	if match == 0 {
		s.createThread(CreateThreadOptions{ParticipantIDs: []int64{p.ID}}, done)
		return
	}
	s.activate(match, nil)
	finish(done, Result{OK: true, ThreadID: match})
}

// ChangeTitle renames the active thread. The new title shows immediately and
// is reverted if the server rejects it. Either way the thread list is then
// re-fetched.
func (s *ThreadStore) ChangeTitle(ctx context.Context, title string) Result {
	return await(ctx, func(done func(Result)) { s.changeTitle(title, done) })
}

func (s *ThreadStore) changeTitle(title string, done func(Result)) {
	tid, ok := s.activeThread()
	if !ok {
		finish(done, skipped)
		return
	}

	s.mu.Lock()
	var prev string
	i := s.indexLocked(tid)
	if i >= 0 {
		prev = s.threads[i].Title
		s.threads[i].Title = title
	}
	s.mu.Unlock()
	s.changes.emit()

	payload := titlePayload{ThreadID: tid, Title: title, Locale: s.locale.Locale()}
	s.conn.Request(ReqChangeTitle, payload, func(ack Ack) {
		if err := ack.Reason(); err != nil {
			s.mu.Lock()
			// Leave it alone if a refresh already replaced the optimistic title.
			if j := s.indexLocked(tid); i >= 0 && j >= 0 && s.threads[j].Title == title {
				s.threads[j].Title = prev
			}
			s.mu.Unlock()
			s.changes.emit()
			finish(done, Result{Err: err, ThreadID: tid})
			s.refresh(false, nil)
			return
		}
		finish(done, Result{OK: true, ThreadID: tid})
		s.refresh(false, nil)
	})
}

// LeaveThread leaves the active thread. Its messages and counter are dropped
// once the server accepts.
func (s *ThreadStore) LeaveThread(ctx context.Context) Result {
	return await(ctx, s.leave)
}

func (s *ThreadStore) leave(done func(Result)) {
	tid, ok := s.activeThread()
	if !ok {
		finish(done, skipped)
		return
	}
	s.conn.Request(ReqLeaveThread, leavePayload{ThreadID: tid, Locale: s.locale.Locale()}, func(ack Ack) {
		if err := ack.Reason(); err != nil {
			finish(done, Result{Err: err, ThreadID: tid})
			s.refresh(false, nil)
			return
		}
		s.mu.Lock()
		if i := s.indexLocked(tid); i >= 0 {
			s.threads = append(s.threads[:i:i], s.threads[i+1:]...)
		}
		delete(s.messages, tid)
		delete(s.unread, tid)
		if s.active == tid {
			s.active = 0
		}
		s.mu.Unlock()
		s.changes.emit()
		finish(done, Result{OK: true, ThreadID: tid})
		s.refresh(false, nil)
	})
}

// AddUsersToThread invites users to the active thread, then refreshes the
// thread list and reloads the thread.
func (s *ThreadStore) AddUsersToThread(ctx context.Context, userIDs []int64) Result {
	return await(ctx, func(done func(Result)) { s.addUsers(userIDs, done) })
}

func (s *ThreadStore) addUsers(userIDs []int64, done func(Result)) {
	tid, ok := s.activeThread()
	if !ok || len(userIDs) == 0 {
		finish(done, skipped)
		return
	}
	s.conn.Request(ReqAddUsers, addUsersPayload{ThreadID: tid, UserIDs: userIDs}, func(ack Ack) {
		if err := ack.Reason(); err != nil {
			finish(done, Result{Err: err, ThreadID: tid})
			s.refresh(false, nil)
			return
		}
		finish(done, Result{OK: true, ThreadID: tid})
		s.refresh(false, nil)
		s.activate(tid, nil)
	})
}

// RefreshThreads replaces the thread list with the server's.
func (s *ThreadStore) RefreshThreads(ctx context.Context) Result {
	return await(ctx, func(done func(Result)) { s.refresh(false, done) })
}
