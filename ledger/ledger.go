// Package ledger adapts the shared, externally hosted tabular store that
// records both completed annotations and in-progress lock state. The
// store is a flat row/column table: row 1 is the header, every data row
// is keyed by the natural-key column, and columns are appended lazily and
// never removed. The adapter offers only read-modify-write primitives;
// there is no compare-and-swap, no transaction, no push notification.
package ledger

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Mandatory columns. Annotation-field columns are appended after these on
// demand.
const (
	ColKey       = "doi"
	ColTitle     = "title"
	ColCorpus    = "dataset"
	ColAnnotator = "annotator"

	// Lock metadata, meaningful only while work is in progress.
	ColLockHolder = "lock_annotator"
	ColLockStamp  = "lock_timestamp"
)

func BaseColumns() []string {
	return []string{ColKey, ColTitle, ColCorpus, ColAnnotator, ColLockHolder, ColLockStamp}
}

// Row is one data row. Num is the 1-based row number in the table, with
// the header occupying row 1, so data rows start at 2. Row numbers shift
// when rows above them are deleted; callers doing multi-step mutations
// must account for that themselves.
type Row struct {
	Num   int
	Cells map[string]string
}

func (r Row) Cell(col string) string {
	return r.Cells[col]
}

// IsPlaceholder reports whether the row exists only to hold a lease: no
// annotator has been recorded yet.
func (r Row) IsPlaceholder() bool {
	return trimmed(r.Cell(ColAnnotator)) == ""
}

// Table is the adapter every higher layer mutates the shared ledger
// through. Implementations perform blocking network round trips; callers
// must not hold in-process locks across these calls.
type Table interface {
	// Header returns the current column names, empty if the table is blank.
	Header(ctx context.Context) ([]string, error)
	// SetHeader replaces the header row.
	SetHeader(ctx context.Context, columns []string) error
	// Rows returns every data row, in table order.
	Rows(ctx context.Context) ([]Row, error)
	// Find returns the first data row whose column equals value.
	Find(ctx context.Context, column, value string) (Row, bool, error)
	// Append adds a data row at the bottom. Cells for columns absent from
	// the header are silently dropped.
	Append(ctx context.Context, cells map[string]string) error
	// Update overwrites the given cells of row num, leaving other cells as
	// they are.
	Update(ctx context.Context, num int, cells map[string]string) error
	// Delete removes row num outright, renumbering all rows below it.
	Delete(ctx context.Context, num int) error
}

// StampLayout is the human-readable lock timestamp format written by
// current clients. Older clients wrote a raw unix epoch; ParseStamp
// accepts both.
const StampLayout = "01/02/2006 - 03:04:05 PM"

func FormatStamp(t time.Time) string {
	return t.Format(StampLayout)
}

// ParseStamp parses a lock timestamp, trying the structured layout first
// and falling back to a numeric epoch.
func ParseStamp(s string) (time.Time, bool) {
	s = trimmed(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.ParseInLocation(StampLayout, s, time.Local); err == nil {
		return t, true
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(epoch)
		return time.Unix(sec, int64((epoch-float64(sec))*1e9)), true
	}
	return time.Time{}, false
}

// LockActive reports whether a lock stamped with the given cell value is
// still live at now. An empty or unparseable stamp is not a lock.
func LockActive(stamp string, now time.Time, ttl time.Duration) bool {
	t, ok := ParseStamp(stamp)
	if !ok {
		return false
	}
	return now.Sub(t) < ttl
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
