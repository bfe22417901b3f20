package chatsync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// NotificationFeed is the cache of cross-cutting notifications (replies,
// mentions, invites). It is synced independently of the thread store over the
// same connection and always kept newest id first.
type NotificationFeed struct {
	conn    Transport
	locale  LocaleProvider
	log     *zap.Logger
	changes changeNotifier

	attachMu sync.Mutex
	bound    binding

	mu     sync.Mutex
	items  []Notification
	unread int
}

// NewNotificationFeed creates a detached feed on top of conn.
func NewNotificationFeed(conn Transport, locale LocaleProvider, log *zap.Logger) *NotificationFeed {
	if locale == nil {
		locale = StaticLocale("en")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationFeed{
		conn:   conn,
		locale: locale,
		log:    log.Named("notifications"),
	}
}

// Attach binds the feed to the connection and requests a full sync, now if
// connected or else on the next successful connect. It is a no-op when already
// attached, and nothing is attached when no connection can exist (signed out).
func (f *NotificationFeed) Attach(ctx context.Context) error {
	f.attachMu.Lock()
	defer f.attachMu.Unlock()
	if f.bound != nil {
		return nil
	}

	err := f.conn.Connect(ctx)
	if !f.conn.Present() {
		return err
	}
	if err != nil {
		// Reconnecting in the background; the sync request waits for it.
		f.log.Debug("attaching while reconnecting", zap.Error(err))
	}

	b := binding{
		f.conn.On(EventNotificationsSync, f.handleSync),
		f.conn.On(EventNotificationsNew, f.handleNew),
	}
	// The hook goes in before the state check so a connect finishing in
	// between still requests the sync. once keeps it to one request.
	var once sync.Once
	initial := func() { once.Do(f.requestSync) }
	hook := f.conn.OnceConnected(initial)
	if f.conn.Connected() {
		hook()
		initial()
	} else {
		b = append(b, hook)
	}
	f.bound = b
	return nil
}

// Detach releases the feed's handlers and clears its contents.
func (f *NotificationFeed) Detach() {
	f.attachMu.Lock()
	b := f.bound
	f.bound = nil
	f.attachMu.Unlock()
	if b == nil {
		return
	}
	b.release()

	f.mu.Lock()
	f.items = nil
	f.unread = 0
	f.mu.Unlock()
	f.changes.emit()
}

// Attached reports whether the feed is bound to the connection.
func (f *NotificationFeed) Attached() bool {
	f.attachMu.Lock()
	defer f.attachMu.Unlock()
	return f.bound != nil
}

func (f *NotificationFeed) requestSync() {
	if err := f.conn.Emit(context.Background(), ReqNotificationsSync, localePayload{Locale: f.locale.Locale()}); err != nil {
		f.log.Warn("sync request not sent", zap.Error(err))
	}
}

// OnChange registers fn to run after every change of items or unread total.
func (f *NotificationFeed) OnChange(fn func()) (unsubscribe func()) {
	return f.changes.subscribe(fn)
}

// ============================================================================
// Inbound events
// ============================================================================

func (f *NotificationFeed) handleSync(payload json.RawMessage) {
	var msg notificationSyncPayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		f.log.Warn("malformed notifications:sync", zap.Error(err))
		return
	}
	f.mu.Lock()
	f.items = mergeByID(f.items, msg.Items)
	f.unread = msg.Unread
	f.mu.Unlock()
	f.changes.emit()
}

func (f *NotificationFeed) handleNew(payload json.RawMessage) {
	n, err := decodePushed(payload)
	if err != nil {
		f.log.Warn("malformed notifications:new", zap.Error(err))
		return
	}
	f.mu.Lock()
	var prev *Notification
	f.items, prev = upsert(f.items, n)
	switch {
	case !n.IsRead && (prev == nil || prev.IsRead):
		f.unread++
	case n.IsRead && prev != nil && !prev.IsRead && f.unread > 0:
		f.unread--
	}
	f.mu.Unlock()
	f.changes.emit()
}

// decodePushed accepts both the bare notification and an {"item": ...} wrapper.
func decodePushed(payload json.RawMessage) (Notification, error) {
	var wrapped struct {
		Item *Notification `json:"item"`
	}
	if json.Unmarshal(payload, &wrapped) == nil && wrapped.Item != nil {
		return *wrapped.Item, nil
	}
	var n Notification
	err := json.Unmarshal(payload, &n)
	return n, err
}

// mergeByID returns the union of existing and incoming, incoming entries
// replacing existing ones with the same id, sorted by id descending. Nothing
// from existing is dropped.
func mergeByID(existing, incoming []Notification) []Notification {
	byID := make(map[int64]Notification, len(existing)+len(incoming))
	for _, n := range existing {
		byID[n.ID] = n
	}
	for _, n := range incoming {
		byID[n.ID] = n
	}
	out := make([]Notification, 0, len(byID))
	for _, n := range byID {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

// upsert replaces the entry with n's id or inserts n keeping the id-descending
// order. It returns the replaced entry, if any.
func upsert(items []Notification, n Notification) ([]Notification, *Notification) {
	for i := range items {
		if items[i].ID == n.ID {
			prev := items[i]
			items[i] = n
			return items, &prev
		}
	}
	i := sort.Search(len(items), func(i int) bool { return items[i].ID < n.ID })
	items = append(items, Notification{})
	copy(items[i+1:], items[i:])
	items[i] = n
	return items, nil
}

// ============================================================================
// Actions
// ============================================================================

// MarkAllRead marks every currently unread item as opened. Local state only
// changes after the server confirms, and only for the ids that were sent:
// items pushed in the meantime stay unread.
func (f *NotificationFeed) MarkAllRead(ctx context.Context) Result {
	return await(ctx, f.markAllRead)
}

func (f *NotificationFeed) markAllRead(done func(Result)) {
	if !f.conn.Present() {
		finish(done, skipped)
		return
	}
	f.mu.Lock()
	var ids []int64
	for _, n := range f.items {
		if !n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	f.mu.Unlock()
	if len(ids) == 0 {
		finish(done, skipped)
		return
	}

	f.conn.Request(ReqNotificationsOpened, openedPayload{IDs: ids}, func(ack Ack) {
		if err := ack.Reason(); err != nil {
			f.log.Debug("notifications:opened not confirmed", zap.Error(err))
			finish(done, failed(err))
			return
		}
		opened := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			opened[id] = struct{}{}
		}
		f.mu.Lock()
		for i := range f.items {
			if _, ok := opened[f.items[i].ID]; ok {
				f.items[i].IsRead = true
			}
		}
		f.unread = 0
		f.mu.Unlock()
		f.changes.emit()
		finish(done, Result{OK: true})
	})
}

// SendNotification asks the server to notify the author of the parent of
// commentID about a new reply.
func (f *NotificationFeed) SendNotification(ctx context.Context, commentID int64) Result {
	if !f.conn.Present() || commentID == 0 {
		return skipped
	}
	err := f.conn.Emit(ctx, ReqSendNotification, sendNotificationPayload{CommentID: commentID, Locale: f.locale.Locale()})
	if err != nil {
		return failed(err)
	}
	return Result{OK: true}
}

// ============================================================================
// Read side
// ============================================================================

// Items returns a copy of the feed, newest id first.
func (f *NotificationFeed) Items() []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Notification(nil), f.items...)
}

// Unread returns the server's unread total adjusted by pushes since the last sync.
func (f *NotificationFeed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}
