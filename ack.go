package chatsync

import (
	"context"
	"encoding/json"
	"errors"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned when a frame is written without a live connection.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrConnectionLost completes requests that were in flight when the connection dropped.
	ErrConnectionLost = errors.New("chatsync: connection lost")
	// ErrAckTimeout completes requests the server did not acknowledge in time.
	ErrAckTimeout = errors.New("chatsync: acknowledgment timeout")
	// ErrRejected reports an explicit {ok:false} or an empty acknowledgment.
	ErrRejected = errors.New("chatsync: request rejected")
	// ErrNoCredentials is logged when Connect is skipped for lack of a session.
	ErrNoCredentials = errors.New("chatsync: no credentials")
)

// ============================================================================
// Ack
// ============================================================================

// Ack is the server's answer to a Request. Err is set when no answer arrived
// (timeout, lost connection, write failure).
type Ack struct {
	Payload json.RawMessage
	Err     error
}

func (a Ack) empty() bool {
	return len(a.Payload) == 0 || string(a.Payload) == "null"
}

// OK reports whether the acknowledgment carries {"ok": true}.
func (a Ack) OK() bool {
	if a.Err != nil || a.empty() {
		return false
	}
	var body struct {
		OK bool `json:"ok"`
	}
	if json.Unmarshal(a.Payload, &body) != nil {
		return false
	}
	return body.OK
}

// Reason returns nil for a positive {ok} acknowledgment and the cause of failure otherwise.
func (a Ack) Reason() error {
	if a.Err != nil {
		return a.Err
	}
	if !a.OK() {
		return ErrRejected
	}
	return nil
}

// Decode unmarshals the payload into v. A missing or null payload is ErrRejected.
func (a Ack) Decode(v any) error {
	if a.Err != nil {
		return a.Err
	}
	if a.empty() {
		return ErrRejected
	}
	return json.Unmarshal(a.Payload, v)
}

// decodeList is Decode for list replies, where null means an empty list.
func (a Ack) decodeList(v any) error {
	if a.Err != nil {
		return a.Err
	}
	if a.empty() {
		return nil
	}
	return json.Unmarshal(a.Payload, v)
}

func (a Ack) outcome() string {
	switch {
	case errors.Is(a.Err, ErrAckTimeout):
		return "timeout"
	case a.Err != nil:
		return "error"
	default:
		return "acked"
	}
}

// ============================================================================
// Result
// ============================================================================

// Result is the outcome of a user action. Exactly one of OK, Skipped or a
// non-nil Err describes it.
type Result struct {
	OK bool
	// Skipped is set when the action's preconditions were not met and nothing was sent.
	Skipped bool
	Err     error
	// ThreadID is set by actions that resolve or create a thread.
	ThreadID ThreadID
}

var skipped = Result{Skipped: true}

func failed(err error) Result {
	return Result{Err: err}
}

func finish(done func(Result), r Result) {
	if done != nil {
		done(r)
	}
}

// await starts an asynchronous action and blocks until it reports its result
// or ctx ends. The action keeps running (and rolls back) after ctx ends.
func await(ctx context.Context, start func(done func(Result))) Result {
	ch := make(chan Result, 1)
	start(func(r Result) {
		select {
		case ch <- r:
		default:
		}
	})
	select {
	case r := <-ch:
		return r
	case <-ctx.Done():
		return failed(ctx.Err())
	}
}
