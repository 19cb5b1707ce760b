// Package source defines the inbound binlog event source boundary (spec
// §6): a library-provided collaborator that serially delivers parsed
// events. The wire protocol codec itself stays out of scope — only the
// translation into internal/event.Event is this module's concern, done by
// internal/source/gomysql.
package source

import (
	"context"
	"fmt"
	"time"

	"mysql-cdc-reader/internal/event"
)

// StartOptions configures where and how a Source connects, per spec §6's
// "Configurable start point" and the recognized configuration options of
// §6's Configuration table.
type StartOptions struct {
	Host     string
	Port     uint16
	User     string
	Password string

	ServerID  uint32
	KeepAlive bool

	ConnectTimeout time.Duration

	StartFile     string
	StartPosition uint64
	StartGTIDSet  string // empty to start from file/position instead
}

// Source is the inbound collaborator the dispatcher depends on. NextEvent
// delivers events in binlog order; a nil event with a nil error is never
// returned — io.EOF-equivalent conditions come back as an error.
type Source interface {
	// Connect establishes the replication session and positions the
	// stream at opts' start point. A timeout or authentication failure
	// here is fatal (spec §7: ConnectTimeout, AuthenticationFailed).
	Connect(ctx context.Context, opts StartOptions) error
	// NextEvent blocks for the next event, or returns a TransportError /
	// DeserializationError wrapping the underlying failure.
	NextEvent(ctx context.Context) (*event.Event, error)
	// Close disconnects. Idempotent.
	Close() error
}

// ConnectTimeoutError is fatal, surfaced with enough detail to diagnose
// without a stack trace (spec §7).
type ConnectTimeoutError struct {
	Host string
	Port uint16
	User string
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("source: connect timeout to %s:%d as %s", e.Host, e.Port, e.User)
}

// AuthenticationFailedError is fatal; the scenario in spec §8.6 requires
// the message to mention host, port, and user.
type AuthenticationFailedError struct {
	Host string
	Port uint16
	User string
	Err  error
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("source: authentication failed for %s@%s:%d: %v", e.User, e.Host, e.Port, e.Err)
}

func (e *AuthenticationFailedError) Unwrap() error { return e.Err }

// TransportError wraps a mid-stream disconnect or I/O error (spec §7's
// TransportFailed). It drives the dispatcher to FAILED.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("source: transport failed: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// DeserializationError wraps a malformed event (spec §7's
// DeserializationFailed). It also drives the dispatcher to FAILED.
type DeserializationError struct{ Err error }

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("source: deserialization failed: %v", e.Err)
}
func (e *DeserializationError) Unwrap() error { return e.Err }
