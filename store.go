package chatsync

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Transport is the subset of *Conn the stores depend on.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	Present() bool
	Emit(ctx context.Context, event string, payload any) error
	Request(event string, payload any, cb func(Ack))
	On(event string, h EventHandler) (unsubscribe func())
	OnConnected(h func()) (unsubscribe func())
	OnceConnected(h func()) (unsubscribe func())
}

// ============================================================================
// Change notifications
// ============================================================================

type changeNotifier struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]func()
}

func (n *changeNotifier) subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listeners == nil {
		n.listeners = make(map[uint64]func())
	}
	n.nextID++
	id := n.nextID
	n.listeners[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.listeners, id)
		n.mu.Unlock()
	}
}

func (n *changeNotifier) emit() {
	n.mu.RLock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn()
		}()
	}
}

// binding collects the unsubscribe funcs of one registration pass.
type binding []func()

func (b binding) release() {
	for _, off := range b {
		off()
	}
}

// ============================================================================
// ThreadStore
// ============================================================================

// ThreadStore is the local cache of threads, their messages and unread
// counters. It is mutated only by inbound events and by actions that
// round-trip through the server.
type ThreadStore struct {
	conn    Transport
	locale  LocaleProvider
	log     *zap.Logger
	changes changeNotifier

	bindMu sync.Mutex
	bound  binding

	mu       sync.Mutex
	threads  []Thread
	messages map[ThreadID][]Message
	unread   map[ThreadID]int
	active   ThreadID
	visible  bool
	loaded   bool
}

// NewThreadStore creates a store on top of conn. Nothing is sent until Connect.
func NewThreadStore(conn Transport, locale LocaleProvider, log *zap.Logger) *ThreadStore {
	if locale == nil {
		locale = StaticLocale("en")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ThreadStore{
		conn:     conn,
		locale:   locale,
		log:      log.Named("threads"),
		messages: make(map[ThreadID][]Message),
		unread:   make(map[ThreadID]int),
	}
}

// Connect binds the store's event handlers unless they are already bound and
// asks the connection manager to connect. A closed store can be connected again.
func (s *ThreadStore) Connect(ctx context.Context) error {
	s.bindMu.Lock()
	if s.bound == nil {
		s.bound = s.bind()
	}
	s.bindMu.Unlock()
	return s.conn.Connect(ctx)
}

func (s *ThreadStore) bind() binding {
	return binding{
		s.conn.OnConnected(s.handleConnected),
		s.conn.On(EventMessage, s.handleMessage),
		s.conn.On(EventThreadsRefresh, func(json.RawMessage) { s.refresh(true, nil) }),
		s.conn.On(EventThreadUpdated, s.handleThreadUpdated),
		s.conn.On(EventAddedReaction, s.handleThreadChanged),
		s.conn.On(EventMessageDeleted, s.handleThreadChanged),
		s.conn.On(EventThreadInvited, func(json.RawMessage) { s.refresh(false, nil) }),
	}
}

// Close releases the store's event handlers. The cached state stays readable.
func (s *ThreadStore) Close() {
	s.bindMu.Lock()
	b := s.bound
	s.bound = nil
	s.bindMu.Unlock()
	b.release()
}

// OnChange registers fn to run after every state change.
func (s *ThreadStore) OnChange(fn func()) (unsubscribe func()) {
	return s.changes.subscribe(fn)
}

// ============================================================================
// Inbound events
// ============================================================================

// handleConnected runs after every successful (re)connect, before the first
// inbound event of the new connection.
func (s *ThreadStore) handleConnected() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	s.conn.Request(ReqGetThreads, nil, func(ack Ack) {
		var list []Thread
		if err := ack.decodeList(&list); err != nil {
			s.log.Warn("get_threads failed", zap.Error(err))
			return
		}
		s.mu.Lock()
		s.threads = list
		s.loaded = true
		for _, t := range list {
			s.unread[t.ID] = t.Unread
		}
		pick := s.pickFirstLocked()
		s.mu.Unlock()
		s.changes.emit()
		if pick != 0 {
			s.activate(pick, nil)
		}
	})

	if active != 0 {
		// The server is the source of truth for anything missed while offline.
		s.join(active)
		s.loadThread(active, nil)
	}
}

func (s *ThreadStore) pickFirstLocked() ThreadID {
	if s.active != 0 || len(s.threads) == 0 {
		return 0
	}
	return s.threads[0].ID
}

func (s *ThreadStore) handleMessage(payload json.RawMessage) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil || m.ThreadID == 0 {
		s.log.Warn("malformed message event", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.messages[m.ThreadID] = append(s.messages[m.ThreadID], m)
	if !(s.visible && s.active == m.ThreadID) {
		s.unread[m.ThreadID]++
	}
	s.mu.Unlock()
	s.changes.emit()
}

func (s *ThreadStore) handleThreadUpdated(payload json.RawMessage) {
	var upd threadUpdatedPayload
	_ = json.Unmarshal(payload, &upd)
	s.log.Debug("thread updated", zap.Int64("thread_id", int64(upd.ID)), zap.String("title", upd.Title))
	s.refresh(false, nil)
}

// handleThreadChanged serves added_reaction and message_deleted.
func (s *ThreadStore) handleThreadChanged(payload json.RawMessage) {
	var ref threadRef
	_ = json.Unmarshal(payload, &ref)

	s.refresh(false, nil)

	s.mu.Lock()
	reload := ref.ThreadID != 0 && ref.ThreadID == s.active
	s.mu.Unlock()
	if reload {
		s.loadThread(ref.ThreadID, nil)
	}
}

// refresh replaces the thread list with the server's. When pickFirst is set
// and no thread is active, the first thread is activated.
func (s *ThreadStore) refresh(pickFirst bool, done func(Result)) {
	if !s.conn.Present() {
		finish(done, skipped)
		return
	}
	s.conn.Request(ReqGetThreads, nil, func(ack Ack) {
		var list []Thread
		if err := ack.decodeList(&list); err != nil {
			s.log.Warn("get_threads failed", zap.Error(err))
			finish(done, failed(err))
			return
		}
		s.mu.Lock()
		// A null reply keeps the current list.
		if list != nil {
			s.threads = list
		}
		s.loaded = true
		var pick ThreadID
		if pickFirst {
			pick = s.pickFirstLocked()
		}
		s.mu.Unlock()
		s.changes.emit()
		if pick != 0 {
			s.activate(pick, nil)
		}
		finish(done, Result{OK: true})
	})
}

// ============================================================================
// Focus & loading
// ============================================================================

// SetActiveThread switches focus to id, subscribes to its channel and reloads
// its messages. A zero id clears focus. It returns once the messages are
// loaded; without a connection only the focus changes.
func (s *ThreadStore) SetActiveThread(ctx context.Context, id ThreadID) Result {
	return await(ctx, func(done func(Result)) { s.activate(id, done) })
}

func (s *ThreadStore) activate(id ThreadID, done func(Result)) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
	s.changes.emit()

	if id == 0 {
		finish(done, Result{OK: true})
		return
	}
	if s.conn.Present() {
		s.join(id)
	}
	s.loadThread(id, done)
}

func (s *ThreadStore) join(id ThreadID) {
	if err := s.conn.Emit(context.Background(), ReqJoinThread, threadRef{ThreadID: id}); err != nil {
		s.log.Debug("join_thread not sent", zap.Int64("thread_id", int64(id)), zap.Error(err))
	}
}

// LoadActiveThread replaces the active thread's messages with the server's.
func (s *ThreadStore) LoadActiveThread(ctx context.Context) Result {
	return await(ctx, func(done func(Result)) {
		s.mu.Lock()
		id := s.active
		s.mu.Unlock()
		s.loadThread(id, done)
	})
}

// loadThread fetches the messages of id. The reply is stored under id even
// if focus has moved on meanwhile.
func (s *ThreadStore) loadThread(id ThreadID, done func(Result)) {
	if id == 0 || !s.conn.Present() {
		finish(done, Result{Skipped: true, ThreadID: id})
		return
	}
	s.conn.Request(ReqLoadThread, threadRef{ThreadID: id}, func(ack Ack) {
		var msgs []Message
		if err := ack.decodeList(&msgs); err != nil {
			s.log.Warn("load_thread failed", zap.Int64("thread_id", int64(id)), zap.Error(err))
			finish(done, Result{Err: err, ThreadID: id})
			return
		}
		if msgs == nil {
			msgs = []Message{}
		}
		s.mu.Lock()
		s.messages[id] = msgs
		markRead := s.visible && s.active == id
		s.mu.Unlock()
		s.changes.emit()
		if markRead {
			s.markRead(nil)
		}
		finish(done, Result{OK: true, ThreadID: id})
	})
}

// SetPanelVisible records whether the active thread is on screen. Opening
// the panel marks the active thread as read.
func (s *ThreadStore) SetPanelVisible(visible bool) {
	s.mu.Lock()
	s.visible = visible
	s.mu.Unlock()
	s.changes.emit()
	if visible {
		s.markRead(nil)
	}
}

// MarkActiveAsRead zeroes the active thread's counter and confirms it with the
// server. The previous value is restored when the server does not confirm.
func (s *ThreadStore) MarkActiveAsRead(ctx context.Context) Result {
	return await(ctx, s.markRead)
}

func (s *ThreadStore) markRead(done func(Result)) {
	s.mu.Lock()
	id := s.active
	if id == 0 || !s.conn.Present() {
		s.mu.Unlock()
		finish(done, skipped)
		return
	}
	prev := s.unread[id]
	s.unread[id] = 0
	s.mu.Unlock()
	s.changes.emit()

	s.conn.Request(ReqMarkRead, threadRef{ThreadID: id}, func(ack Ack) {
		if err := ack.Reason(); err != nil {
			// Known race: an overlapping call may have captured a stale value.
			s.mu.Lock()
			if _, still := s.unread[id]; still {
				s.unread[id] = prev
			}
			s.mu.Unlock()
			s.changes.emit()
			s.log.Debug("mark read rolled back", zap.Int64("thread_id", int64(id)), zap.Int("unread", prev), zap.Error(err))
			finish(done, Result{Err: err, ThreadID: id})
			return
		}
		finish(done, Result{OK: true, ThreadID: id})
	})
}

// ============================================================================
// Read side
// ============================================================================

// Threads returns a copy of the thread list in server order.
func (s *ThreadStore) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Thread, len(s.threads))
	copy(out, s.threads)
	return out
}

// Thread returns the thread with the given id.
func (s *ThreadStore) Thread(id ThreadID) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.threads[i], true
	}
	return Thread{}, false
}

func (s *ThreadStore) indexLocked(id ThreadID) int {
	for i := range s.threads {
		if s.threads[i].ID == id {
			return i
		}
	}
	return -1
}

// Messages returns a copy of the cached messages of id; ok is false when the
// thread was never loaded and never received a message.
func (s *ThreadStore) Messages(id ThreadID) (msgs []Message, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return append([]Message(nil), list...), true
}

func (s *ThreadStore) ActiveMessages() []Message {
	s.mu.Lock()
	id := s.active
	s.mu.Unlock()
	if id == 0 {
		return nil
	}
	msgs, _ := s.Messages(id)
	return msgs
}

func (s *ThreadStore) ActiveThreadID() ThreadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *ThreadStore) Unread(id ThreadID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[id]
}

// UnreadTotal is the badge figure: every counter except the active thread's
// while the panel is visible.
func (s *ThreadStore) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for id, n := range s.unread {
		if id == s.active && s.visible {
			continue
		}
		total += n
	}
	return total
}

// PanelVisible reports the last value passed to SetPanelVisible.
func (s *ThreadStore) PanelVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Loaded reports whether the thread list has been fetched at least once.
func (s *ThreadStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}
