package storage

import (
	"context"
	"time"
)

// Phase names the pipeline pass an Entry belongs to.
type Phase string

const (
	PhaseFetch Phase = "fetch"
	PhaseClean Phase = "clean"
)

// Cycle is everything recorded about one pipeline run.
type Cycle struct {
	ID         string    // uuid
	StartedAt  time.Time
	FinishedAt time.Time
	Restart    bool
	Err        string // fatal error that aborted the cycle, if any
	Entries    []Entry
}

// Entry is the outcome of one pass over one device.
type Entry struct {
	CycleID    string     `db:"cycle_id"`
	DeviceID   string     `db:"device_id"`
	Label      string     `db:"label"`
	Phase      Phase      `db:"phase"`
	At         time.Time  `db:"at"`
	Count      int        `db:"count"`      // readings appended or cleaned readings written
	Checkpoint *time.Time `db:"checkpoint"` // fetch only
	Err        string     `db:"error"`
}

// Store abstracts the persistence of the run journal.
type Store interface {
	// Save stores a cycle and all its entries in a single transaction.
	Save(ctx context.Context, c *Cycle) error

	// Query returns the entries of deviceID recorded in [from, to].
	// If deviceID is empty the call returns entries for all devices.
	// The returned slice is sorted by At ascending.
	Query(ctx context.Context, deviceID string, from, to time.Time) ([]Entry, error)

	// Close releases any resources (e.g. DB connections).
	Close() error
}
