package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthentication means no session credential could be obtained.
	ErrAuthentication = errors.New("authentication failed")
	// ErrFetch matches every *FetchError.
	ErrFetch = errors.New("remote fetch failed")
)

// Source is the public contract of a remote telemetry service.
type Source interface {
	// Authenticate obtains the session credential every Fetch needs.
	Authenticate(ctx context.Context) error

	// Fetch returns the samples of sensorID in [start, end] as two parallel
	// sequences, in the order the service produced them.
	Fetch(ctx context.Context, sensorID string, start, end time.Time) (*Series, error)
}

// Series is the undecoded body of a history query.
type Series struct {
	Times  []string
	Values []float64
}

// Len is the number of timestamps returned.
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Times)
}

// FetchError reports a failed history query for one sensor.
type FetchError struct {
	SensorID string
	Status   int // HTTP status, 0 when the request never completed
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch sensor %s: status %d: %v", e.SensorID, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch sensor %s: %v", e.SensorID, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}
