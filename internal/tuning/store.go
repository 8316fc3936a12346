package tuning

import (
	"context"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoSession is returned when a profile has no active tuning session.
var ErrNoSession = errors.New("tuning: no active session")

// Store persists tuning sessions and their archived records. At most one
// active session exists per device profile; finished cycles move to the
// records table atomically.
type Store interface {
	// CreateSession starts a new session for a profile. It fails if the
	// profile already has an active session.
	CreateSession(ctx context.Context, session *TuningSession) error

	// Session returns the active session for a profile, or ErrNoSession.
	Session(ctx context.Context, profileID string) (*TuningSession, error)

	// UpdateSession overwrites the stored state of an existing session.
	UpdateSession(ctx context.Context, session *TuningSession) error

	// DeleteSession removes the active session for a profile without
	// archiving it.
	DeleteSession(ctx context.Context, profileID string) error

	// ArchiveSession writes the completed record and deletes the active
	// session in one transaction.
	ArchiveSession(ctx context.Context, record *CompletedTuningRecord) error

	// Records returns the archived cycles for a profile, oldest first.
	Records(ctx context.Context, profileID string) ([]*CompletedTuningRecord, error)

	// Close releases all database connections. Safe to call repeatedly.
	Close() error
}
