package conn

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Open when the connection was closed before or
// during the handshake sequence.
var ErrClosed = errors.New("conn: connection closed")

// ConnectionError reports handshake failures that exhausted every attempt.
type ConnectionError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("conn %s: giving up after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MessageParseError reports a stream payload that could not be decoded.
// The message is dropped; the connection stays up.
type MessageParseError struct {
	Key     string
	Payload string
	Err     error
}

func (e *MessageParseError) Error() string {
	return fmt.Sprintf("conn %s: malformed message %q: %v", e.Key, e.Payload, e.Err)
}

func (e *MessageParseError) Unwrap() error { return e.Err }
