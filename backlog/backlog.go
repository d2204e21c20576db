// Package backlog stores the traffic of a network so that it can be replayed
// to clients attaching later.
//
// Records are grouped by context: one per channel, plus a single context
// holding private messages. Records are append-only and numbered by a
// per-context sequence starting at 1. A prefix of a context can be
// discarded once its delivery has been confirmed.
package backlog

import (
	"context"
	"errors"
	"time"

	"gopkg.in/irc.v4"
)

// NickContext is the name of the context holding private messages.
const NickContext = ""

// ErrLocked is returned when a context is already opened by another
// process.
var ErrLocked = errors.New("backlog: context is locked by another process")

type Kind int

const (
	// A message received from or sent to the network
	KindMessage Kind = iota
	// The state of a channel at some point in time
	KindSnapshot
	// The connection to the network was lost
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindSnapshot:
		return "snapshot"
	case KindShutdown:
		return "shutdown"
	}
	return "unknown"
}

type Snapshot struct {
	Topic      string
	TopicKnown bool
	// Members with their membership prefixes
	Members []string
}

type Record struct {
	Seq  uint64
	Time time.Time
	Kind Kind

	// Source is the nickname or server name the message originates from
	Source   string
	Outgoing bool
	Message  *irc.Message

	Snapshot *Snapshot

	// Peer is the address of the server we were disconnected from
	Peer string
}

// Store is a per-network store for backlog records.
//
// Context names must already be case-mapped.
type Store interface {
	// Append adds a record to a context and returns its sequence number.
	Append(ctx context.Context, name string, rec *Record) (uint64, error)
	// Load returns all records of a context, oldest first.
	Load(ctx context.Context, name string) ([]*Record, error)
	// Reset drops all records of a context and replaces them with rec.
	Reset(ctx context.Context, name string, rec *Record) (uint64, error)
	// Discard drops all records of a context whose sequence number is lower
	// than or equal to upTo. It returns the number of records dropped.
	Discard(ctx context.Context, name string, upTo uint64) (int, error)
	// Bounds returns the sequence number of the first record of a context
	// and the sequence number the next record will get.
	Bounds(ctx context.Context, name string) (first, next uint64, err error)
	Close() error
}

// Logger is used to report non-fatal errors.
type Logger interface {
	Printf(format string, v ...interface{})
}
