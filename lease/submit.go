package lease

import (
	"context"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/ledger"
)

var Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "lease",
	Name:      "submissions",
}, []string{"result"})

// Submission is one finalized annotation. Fields carry the dynamic
// annotation columns as cell values; new field names grow the ledger
// header on demand.
type Submission struct {
	Key       string
	Title     string
	Corpus    string
	Annotator string
	Fields    map[string]string
}

// Submit finalizes an annotation: grow the header for any new field
// columns, overwrite or append the row, release the lease, drop the key
// from the queue, and mark it completed in the process state. The steps
// run in that order and are not rolled back on partial failure; a row
// write failure returns before the lease is touched, so the lease stays
// intact for a retry by the same or another session.
func (m *Manager) Submit(ctx context.Context, sub Submission) error {
	table, err := m.reg.Ledger()
	if err != nil {
		return err
	}

	cells := map[string]string{
		ledger.ColKey:       sub.Key,
		ledger.ColTitle:     sub.Title,
		ledger.ColCorpus:    sub.Corpus,
		ledger.ColAnnotator: sub.Annotator,
	}
	for col, val := range sub.Fields {
		cells[col] = val
	}

	if err := m.ensureColumns(ctx, table, cells); err != nil {
		Submissions.WithLabelValues("error").Inc()
		return err
	}

	header, err := table.Header(ctx)
	if err != nil {
		Submissions.WithLabelValues("error").Inc()
		return err
	}
	// Full-row overwrite: every header column gets a value, which also
	// clears the lock cells of the row being finalized.
	full := make(map[string]string, len(header))
	for _, col := range header {
		full[col] = cells[col]
	}

	row, found, err := table.Find(ctx, ledger.ColKey, sub.Key)
	if err != nil {
		Submissions.WithLabelValues("error").Inc()
		return err
	}
	if found {
		err = table.Update(ctx, row.Num, full)
	} else {
		err = table.Append(ctx, full)
	}
	if err != nil {
		Submissions.WithLabelValues("error").Inc()
		return err
	}

	m.Release(ctx, sub.Key)

	if q, ok := m.reg.Queue(sub.Corpus); ok {
		q.Remove(sub.Key)
	}
	m.reg.MarkCompleted(sub.Key)

	Submissions.WithLabelValues("ok").Inc()
	m.log.Info("annotation submitted", "key", sub.Key, "corpus", sub.Corpus, "annotator", sub.Annotator)
	return nil
}

// ensureColumns appends a header column for every cell name not yet
// present. Columns are only ever added, never removed; new names are
// appended in sorted order to keep concurrent writers convergent.
func (m *Manager) ensureColumns(ctx context.Context, table ledger.Table, cells map[string]string) error {
	header, err := table.Header(ctx)
	if err != nil {
		return err
	}
	if len(header) == 0 {
		header = ledger.BaseColumns()
		if err := table.SetHeader(ctx, header); err != nil {
			return err
		}
	}

	known := make(map[string]struct{}, len(header))
	for _, col := range header {
		known[col] = struct{}{}
	}
	var missing []string
	for col := range cells {
		if _, ok := known[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return table.SetHeader(ctx, append(header, missing...))
}
