package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

type frame struct {
	event   string
	payload any
}

type fakeRequest struct {
	event   string
	payload any
	cb      func(Ack)
}

// fakeTransport is an in-memory Transport. Requests stay pending until the
// test answers them with respond or fail, unless an automatic reply is set.
type fakeTransport struct {
	*eventDispatcher

	mu          sync.Mutex
	state       State
	credentials bool
	dialErr     error
	connects    int
	frames      []frame
	pending     []*fakeRequest
	replies     map[string]any
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		eventDispatcher: newEventDispatcher(),
		state:           StateDisconnected,
		credentials:     true,
		replies:         make(map[string]any),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if !f.credentials || f.state != StateDisconnected {
		f.mu.Unlock()
		return nil
	}
	f.connects++
	if f.dialErr != nil {
		f.state = StateReconnecting
		err := f.dialErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	f.establish()
	return nil
}

// establish completes a (re)connect.
func (f *fakeTransport) establish() {
	f.mu.Lock()
	f.state = StateConnected
	f.mu.Unlock()
	f.emitConnected()
}

// drop loses the connection; pending requests fail.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.state = StateReconnecting
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, p := range pending {
		p.cb(Ack{Err: ErrConnectionLost})
	}
	f.emitDisconnected(ErrConnectionLost)
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == StateConnected
}

func (f *fakeTransport) Present() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != StateDisconnected
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.frames = append(f.frames, frame{event: event, payload: payload})
	return nil
}

func (f *fakeTransport) Request(event string, payload any, cb func(Ack)) {
	f.mu.Lock()
	if f.state != StateConnected {
		f.mu.Unlock()
		cb(Ack{Err: ErrNotConnected})
		return
	}
	f.frames = append(f.frames, frame{event: event, payload: payload})
	reply, auto := f.replies[event]
	if !auto {
		f.pending = append(f.pending, &fakeRequest{event: event, payload: payload, cb: cb})
	}
	f.mu.Unlock()
	if auto {
		cb(ackOf(reply))
	}
}

func (f *fakeTransport) On(event string, h EventHandler) func() { return f.on(event, h) }

func (f *fakeTransport) OnConnected(h func()) func() { return f.connected(h, false) }

func (f *fakeTransport) OnceConnected(h func()) func() { return f.connected(h, true) }

// reply makes every later request of event acknowledge with payload at once.
func (f *fakeTransport) reply(event string, payload any) {
	f.mu.Lock()
	f.replies[event] = payload
	f.mu.Unlock()
}

func ackOf(payload any) Ack {
	data, _ := json.Marshal(payload)
	return Ack{Payload: data}
}

func (f *fakeTransport) take(t *testing.T, event string) *fakeRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.pending {
		if p.event == event {
			f.pending = append(f.pending[:i:i], f.pending[i+1:]...)
			return p
		}
	}
	t.Fatalf("no pending %s request", event)
	return nil
}

// respond acknowledges the oldest pending request of event.
func (f *fakeTransport) respond(t *testing.T, event string, payload any) {
	t.Helper()
	f.take(t, event).cb(ackOf(payload))
}

// fail completes the oldest pending request of event without an answer.
func (f *fakeTransport) fail(t *testing.T, event string, err error) {
	t.Helper()
	f.take(t, event).cb(Ack{Err: err})
}

// fire delivers an inbound server event.
func (f *fakeTransport) fire(event string, payload any) {
	data, _ := json.Marshal(payload)
	f.dispatch(event, data)
}

func (f *fakeTransport) pendingCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pending {
		if p.event == event {
			n++
		}
	}
	return n
}

// count returns how many frames of event were sent, optionally only those
// whose payload equals want.
func (f *fakeTransport) count(event string, want ...any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.event != event {
			continue
		}
		if len(want) > 0 && !reflect.DeepEqual(fr.payload, want[0]) {
			continue
		}
		n++
	}
	return n
}

func (f *fakeTransport) sent(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, fr := range f.frames {
		if fr.event == event {
			out = append(out, fr.payload)
		}
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

func (f *fakeTransport) handlerCount(event string) int {
	f.eventDispatcher.mu.Lock()
	defer f.eventDispatcher.mu.Unlock()
	return len(f.events[event])
}

var errBoom = errors.New("boom")

var okAck = map[string]bool{"ok": true}
var rejectAck = map[string]bool{"ok": false}

// connectedStore returns a store connected over a fake transport, with the
// given threads loaded and the first one active and loaded.
func connectedStore(t *testing.T, threads ...Thread) (*ThreadStore, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	s := NewThreadStore(f, StaticLocale("fr"), nil)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	f.respond(t, ReqGetThreads, threads)
	if len(threads) > 0 {
		f.respond(t, ReqLoadThread, []Message{})
	}
	f.reset()
	return s, f
}
