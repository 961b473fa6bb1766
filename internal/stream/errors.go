package stream

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrClosing is returned from Conn operations after Close.
var ErrClosing = errors.New("stream closing")

// ConnectionError means channel dial, send or receive failed and the
// connection is unusable. Supervisor redials on it when reconnect is enabled.
type ConnectionError struct {
	Op      string // dial, send, receive
	Role    string
	Channel string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream %s %s channel=%s: %v", e.Role, e.Op, e.Channel, e.Err)
}
func (e *ConnectionError) Unwrap() error { return e.Err }

func IsConnectionError(err error) bool {
	_, ok := errors.Cause(err).(*ConnectionError)
	return ok
}

func connError(op, role, channel string, err error) error {
	return errors.Trace(&ConnectionError{Op: op, Role: role, Channel: channel, Err: err})
}
