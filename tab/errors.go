package tab

import (
	"errors"
	"fmt"

	"deltatabs/world"
)

var (
	ErrHandshakeTimeout = errors.New("tab: handshake timeout")
	ErrClosed           = errors.New("tab: connection closed")
	ErrOutdated         = errors.New("tab: client version outdated")
	ErrNotSpawned       = errors.New("tab: player not spawned")
)

// ConnectError reports a failed socket open.
type ConnectError struct {
	Role world.Role
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("tab %s: connect %s: %v", e.Role, e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
