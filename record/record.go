package record

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"

	"gaugewatch/device"
)

// Layout is the timestamp format used in record files, checkpoints and
// requests to the remote source.
const Layout = "2006-01-02 15:04:05"

// Header is the first row of every record file.
var Header = []string{"datetime", "value"}

// Variant distinguishes the raw and cleaned record of a device.
type Variant string

const (
	Raw     Variant = "raw"
	Cleaned Variant = "cleaned"
)

// Reading is a single time-stamped sample.
type Reading struct {
	Time  time.Time
	Value float64
}

// ParseTime parses a wall-clock timestamp in Layout. The result is in UTC so
// that formatting it again yields the same string.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(Layout, s)
}

// FormatTime formats t's wall clock in Layout.
func FormatTime(t time.Time) string {
	return t.Format(Layout)
}

// FormatValue renders v with the fewest digits that round-trip.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Path returns the record file of d inside dir.
func Path(dir string, d device.Device, v Variant) string {
	name := fmt.Sprintf("%s_%d_%s_%s_%s.csv", d.Location, d.Position, d.Type, d.ID, v)
	return filepath.Join(dir, name)
}

// Create truncates (or creates) path so that it holds only the header row.
func Create(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	return f.Close()
}

// Append adds readings to the end of path in the given order. A missing or
// empty file gets the header row first. The data is synced before Append
// returns so callers may advance their checkpoint afterwards.
func Append(path string, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open record: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat record: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := writeRows(w, readings); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	return f.Close()
}

// Replace atomically rewrites path with the header followed by readings.
func Replace(path string, readings []Reading) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("open pending record: %w", err)
	}
	defer pf.Cleanup()

	w := csv.NewWriter(pf)
	if err := w.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := writeRows(w, readings); err != nil {
		return err
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace record: %w", err)
	}
	return nil
}

func writeRows(w *csv.Writer, readings []Reading) error {
	for _, r := range readings {
		if err := w.Write([]string{FormatTime(r.Time), FormatValue(r.Value)}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	return nil
}

// Reader streams the readings of a record file.
type Reader struct {
	f    *os.File
	csv  *csv.Reader
	line int
}

// Open opens path and validates its header row.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open record: %w", err)
	}
	r := &Reader{f: f, csv: csv.NewReader(bufio.NewReader(f))}
	r.csv.FieldsPerRecord = len(Header)

	head, err := r.csv.Read()
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: missing header row", path)
		}
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	if head[0] != Header[0] || head[1] != Header[1] {
		_ = f.Close()
		return nil, fmt.Errorf("%s: unexpected header %q", path, head)
	}
	r.line = 1
	return r, nil
}

// Next returns the next reading, or io.EOF after the last one.
func (r *Reader) Next() (Reading, error) {
	row, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Reading{}, io.EOF
		}
		return Reading{}, fmt.Errorf("line %d: %w", r.line+1, err)
	}
	r.line++
	ts, err := ParseTime(row[0])
	if err != nil {
		return Reading{}, fmt.Errorf("line %d: bad datetime %q: %w", r.line, row[0], err)
	}
	v, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return Reading{}, fmt.Errorf("line %d: bad value %q: %w", r.line, row[1], err)
	}
	return Reading{Time: ts, Value: v}, nil
}

// Line is the 1-based file line of the last reading returned by Next.
func (r *Reader) Line() int {
	return r.line
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// ReadAll loads every reading of path.
func ReadAll(path string) ([]Reading, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Reading
	for {
		rd, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, rd)
	}
}

// Last returns the final reading of path; ok is false when the file is
// missing or holds only the header.
func Last(path string) (last Reading, ok bool, err error) {
	r, err := Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Reading{}, false, nil
		}
		return Reading{}, false, err
	}
	defer r.Close()

	for {
		rd, err := r.Next()
		if errors.Is(err, io.EOF) {
			return last, ok, nil
		}
		if err != nil {
			return Reading{}, false, fmt.Errorf("%s: %w", path, err)
		}
		last, ok = rd, true
	}
}
