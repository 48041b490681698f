package channel

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies a frame on the control channel
type MessageType int

const (
	MessageInvocation MessageType = 1
	MessageCompletion MessageType = 3
	MessagePing       MessageType = 6
	MessageClose      MessageType = 7
)

// Message is one JSON frame. An invocation without an InvocationID expects
// no completion.
type Message struct {
	Type         MessageType       `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// InvocationError is an error returned by the peer for an invocation. It
// is a logic error and never retried.
type InvocationError struct {
	Target  string
	Message string
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s failed on server: %s", e.Target, e.Message)
}

// marshalError marks argument encoding failures, which are never retried
type marshalError struct {
	err error
}

func (e *marshalError) Error() string { return e.err.Error() }
func (e *marshalError) Unwrap() error { return e.err }

func newInvocation(id, target string, args ...any) (*Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, &marshalError{err: fmt.Errorf("failed to marshal argument %d of %s: %w", i, target, err)}
		}
		raw = append(raw, data)
	}
	return &Message{
		Type:         MessageInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	}, nil
}

// Arg decodes the i-th argument of an inbound invocation into v
func Arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("missing argument %d", i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("invalid argument %d: %w", i, err)
	}
	return nil
}
