// Package lease implements the mutual-exclusion protocol on top of the
// shared ledger. A lease is nothing but two lock cells on a ledger row:
// holder identity and acquisition stamp. It is active while the stamp is
// younger than the TTL; there is no heartbeat, only implicit renewal
// when the same holder is re-selected. The ledger offers no
// compare-and-swap, so two sessions can race to the same candidate;
// every write here is an idempotent re-stamp, and every selection starts
// from a fresh ledger scan, which makes the race unlikely but not
// impossible. That gap is inherent to the store and is accepted.
package lease

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/corpus"
	"github.com/margonote/margo/ledger"
	"github.com/margonote/margo/margo_errors"
	"github.com/margonote/margo/session"
	"github.com/margonote/margo/utils"
)

// DefaultTTL bounds lease lifetime at two hours.
const DefaultTTL = 2 * time.Hour

var Acquires = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "lease",
	Name:      "acquires",
}, []string{"result"})

var Releases = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "lease",
	Name:      "releases",
}, []string{"result"})

var Skips = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "lease",
	Name:      "skips",
})

var SweepCleared = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "lease",
	Name:      "sweep_cleared",
})

// Manager performs candidate selection against the per-corpus queue,
// cross-checked against the live ledger, and owns every lease mutation.
// It holds no in-process lock across ledger round trips.
type Manager struct {
	reg   *session.Registry
	log   utils.Logger
	ttl   time.Duration
	now   func() time.Time
	check ResourceChecker
	retry *ledger.Retrier
}

func NewManager(reg *session.Registry, retry *ledger.Retrier, ttl time.Duration, log utils.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		reg:   reg,
		log:   log,
		ttl:   ttl,
		now:   time.Now,
		check: SchemeChecker{},
		retry: retry,
	}
}

// SetResourceChecker replaces the default URL-shape check, e.g. with a
// proxy-backed reachability probe.
func (m *Manager) SetResourceChecker(c ResourceChecker) {
	if c != nil {
		m.check = c
	}
}

// Info describes the lease attached to a returned candidate. Confirmed
// is false when the ledger write failed and the lease exists only in
// intent; the candidate is still handed out because losing selected work
// is worse than a possibly-redundant lease.
type Info struct {
	Holder     string
	AcquiredAt time.Time
	Remaining  time.Duration
	Confirmed  bool
}

// Selection is one successfully selected candidate.
type Selection struct {
	Record  *corpus.Record
	Lease   Info
	Partial map[string]string
}

type SelectOptions struct {
	RequireResource bool
	ExcludeKey      string
}

// SelectNext walks the corpus queue in order and returns the first
// candidate that is not completed, not excluded, not actively leased by
// another holder, inside the active filter if one is set, and carrying a
// usable resource if one is required. On success the candidate's lease
// is written to the ledger; a failed write degrades to an unconfirmed
// lease instead of discarding the candidate.
func (m *Manager) SelectNext(ctx context.Context, corpusName, holder string, opts SelectOptions) (*Selection, error) {
	table, err := m.reg.Ledger()
	if err != nil {
		return nil, err
	}
	c, ok := m.reg.Corpus(corpusName)
	if !ok {
		return nil, margo_errors.ErrCorpusUnknown
	}
	q, ok := m.reg.Queue(corpusName)
	if !ok {
		return nil, margo_errors.ErrQueueNotLoaded
	}
	ctx = utils.WithDefaultArgs(ctx, "corpus", corpusName, "holder", holder)

	// Fresh full scan; lease reads are never cached.
	rows, err := table.Rows(ctx)
	if err != nil {
		return nil, err
	}
	unavailable := m.unavailableKeys(rows, holder)
	for key := range m.reg.CompletedSet() {
		unavailable[key] = struct{}{}
	}
	if opts.ExcludeKey != "" {
		unavailable[opts.ExcludeKey] = struct{}{}
	}

	filter := m.reg.Filter(corpusName)
	if filter != nil && len(filter.Keys) == 0 {
		return nil, margo_errors.ErrFilterExhausted
	}

	var candidate *corpus.Entry
	skippedByFilter := 0
	for _, entry := range q.Snapshot() {
		if _, bad := unavailable[entry.Key]; bad {
			continue
		}
		if filter != nil {
			if _, match := filter.Keys[entry.Key]; !match {
				skippedByFilter++
				continue
			}
		}
		if opts.RequireResource && !m.check.Check(ctx, entry.Resource) {
			continue
		}
		e := entry
		candidate = &e
		break
	}
	if candidate == nil {
		if filter != nil && skippedByFilter > 0 {
			return nil, margo_errors.ErrFilterExhausted
		}
		return nil, margo_errors.ErrNoCandidate
	}

	rec, err := c.Index.FetchFull(candidate.Key)
	if err != nil {
		return nil, err
	}

	sel := &Selection{
		Record: rec,
		Lease: Info{
			Holder:     holder,
			AcquiredAt: m.now(),
			Remaining:  m.ttl,
			Confirmed:  true,
		},
	}
	if err := m.writeLease(ctx, table, corpusName, rec, holder); err != nil {
		// Degraded mode: caller keeps the candidate, lease unconfirmed.
		m.log.WarnCtx(ctx, "lease write failed, returning candidate unconfirmed",
			"key", rec.Key, "error", err)
		Acquires.WithLabelValues("degraded").Inc()
		sel.Lease.Confirmed = false
	} else {
		Acquires.WithLabelValues("ok").Inc()
	}

	if partial, ok := m.reg.Partial(rec.Key); ok {
		sel.Partial = partial
	}
	return sel, nil
}

// unavailableKeys collects every key actively leased by someone other
// than holder, plus every key the ledger already records as completed.
func (m *Manager) unavailableKeys(rows []ledger.Row, holder string) map[string]struct{} {
	now := m.now()
	out := make(map[string]struct{})
	for _, row := range rows {
		key := row.Cell(ledger.ColKey)
		if key == "" {
			continue
		}
		if !row.IsPlaceholder() {
			// Annotator recorded: the ledger says this one is done.
			out[key] = struct{}{}
			continue
		}
		if lockHolder(row) != holder && ledger.LockActive(row.Cell(ledger.ColLockStamp), now, m.ttl) {
			out[key] = struct{}{}
		}
	}
	return out
}

func lockHolder(row ledger.Row) string {
	return row.Cell(ledger.ColLockHolder)
}

// writeLease finds or creates the candidate's row and stamps the lock
// cells. A fresh ledger gets the base header first.
func (m *Manager) writeLease(ctx context.Context, table ledger.Table, corpusName string, rec *corpus.Record, holder string) error {
	lock := map[string]string{
		ledger.ColLockHolder: holder,
		ledger.ColLockStamp:  ledger.FormatStamp(m.now()),
	}
	row, found, err := table.Find(ctx, ledger.ColKey, rec.Key)
	if err != nil {
		return err
	}
	if found {
		return table.Update(ctx, row.Num, lock)
	}

	header, err := table.Header(ctx)
	if err != nil {
		return err
	}
	if len(header) == 0 {
		if err := table.SetHeader(ctx, ledger.BaseColumns()); err != nil {
			return err
		}
	}
	cells := map[string]string{
		ledger.ColKey:    rec.Key,
		ledger.ColTitle:  rec.Title,
		ledger.ColCorpus: corpusName,
	}
	for col, val := range lock {
		cells[col] = val
	}
	return table.Append(ctx, cells)
}

// Transfer moves the holder's attention to newKey: the previous lease is
// deleted outright if its row is a placeholder, or merely stripped of
// lock metadata if annotation data is present; then newKey's row is
// found or created and stamped. A delete above the target row shifts it
// down by one, which must be accounted for before the second write.
func (m *Manager) Transfer(ctx context.Context, corpusName, newKey, holder string) error {
	table, err := m.reg.Ledger()
	if err != nil {
		return err
	}
	c, ok := m.reg.Corpus(corpusName)
	if !ok {
		return margo_errors.ErrCorpusUnknown
	}

	rows, err := table.Rows(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	var oldRow, newRow *ledger.Row
	for i := range rows {
		row := rows[i]
		if row.Cell(ledger.ColKey) == newKey {
			newRow = &rows[i]
		}
		if oldRow == nil && row.Cell(ledger.ColKey) != newKey &&
			lockHolder(row) == holder && ledger.LockActive(row.Cell(ledger.ColLockStamp), now, m.ttl) {
			oldRow = &rows[i]
		}
	}

	if oldRow != nil {
		if oldRow.IsPlaceholder() {
			if err := table.Delete(ctx, oldRow.Num); err != nil {
				return err
			}
			if newRow != nil && newRow.Num > oldRow.Num {
				newRow.Num--
			}
		} else {
			if err := table.Update(ctx, oldRow.Num, clearedLock()); err != nil {
				return err
			}
		}
	}

	lock := map[string]string{
		ledger.ColLockHolder: holder,
		ledger.ColLockStamp:  ledger.FormatStamp(now),
	}
	if newRow != nil {
		return table.Update(ctx, newRow.Num, lock)
	}

	rec, err := c.Index.FetchFull(newKey)
	if err != nil {
		return err
	}
	cells := map[string]string{
		ledger.ColKey:    newKey,
		ledger.ColTitle:  rec.Title,
		ledger.ColCorpus: corpusName,
	}
	for col, val := range lock {
		cells[col] = val
	}
	return table.Append(ctx, cells)
}

func clearedLock() map[string]string {
	return map[string]string{
		ledger.ColLockHolder: "",
		ledger.ColLockStamp:  "",
	}
}

// Release clears the lock cells on the row for key. It never surfaces an
// error: an absent row or ledger is a no-op, and a transient failure is
// handed to the retrier so the pending release is not dropped.
func (m *Manager) Release(ctx context.Context, key string) {
	table, err := m.reg.Ledger()
	if err != nil {
		Releases.WithLabelValues("no_ledger").Inc()
		return
	}
	ctx = utils.WithDefaultArgs(ctx, "key", key)
	if err := clearLock(ctx, table, key); err != nil {
		Releases.WithLabelValues("deferred").Inc()
		m.log.WarnCtx(ctx, "lease release deferred", "error", err)
		// Resolved per attempt: a reconnect must redirect the pending
		// release to the current ledger, not the one it failed on.
		m.retry.Enqueue("release "+key, func(ctx context.Context) error {
			table, err := m.reg.Ledger()
			if err != nil {
				return err
			}
			return clearLock(ctx, table, key)
		})
		return
	}
	Releases.WithLabelValues("ok").Inc()
}

func clearLock(ctx context.Context, table ledger.Table, key string) error {
	row, found, err := table.Find(ctx, ledger.ColKey, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return table.Update(ctx, row.Num, clearedLock())
}

// Skip abandons the current candidate: a pure placeholder row is deleted
// from the ledger, a row with annotation data just loses its lock. The
// queue entry is moved to the tail, not removed.
func (m *Manager) Skip(ctx context.Context, corpusName, key string) error {
	table, err := m.reg.Ledger()
	if err != nil {
		return err
	}

	ctx = utils.WithDefaultArgs(ctx, "corpus", corpusName, "key", key)
	row, found, err := table.Find(ctx, ledger.ColKey, key)
	if err == nil && found {
		if row.IsPlaceholder() {
			if derr := table.Delete(ctx, row.Num); derr != nil {
				m.log.WarnCtx(ctx, "could not delete placeholder row for skipped key", "error", derr)
			}
		} else {
			m.Release(ctx, key)
		}
	} else if err != nil {
		m.log.WarnCtx(ctx, "could not inspect ledger row for skipped key", "error", err)
	}

	if q, ok := m.reg.Queue(corpusName); ok {
		q.MoveToTail(key)
	}
	Skips.Inc()
	return nil
}

// Resumable reports the newest key for which the holder still has an
// active lease, scanning the ledger bottom-up. Any failure degrades to
// "nothing to resume".
type Resumable struct {
	Key    string
	Title  string
	Corpus string
}

func (m *Manager) Resumable(ctx context.Context, holder string) (*Resumable, bool) {
	table, err := m.reg.Ledger()
	if err != nil {
		return nil, false
	}
	rows, err := table.Rows(ctx)
	if err != nil {
		m.log.Warn("resumable scan failed", "holder", holder, "error", err)
		return nil, false
	}
	now := m.now()
	for i := len(rows) - 1; i >= 0; i-- {
		row := rows[i]
		if lockHolder(row) == holder && ledger.LockActive(row.Cell(ledger.ColLockStamp), now, m.ttl) {
			return &Resumable{
				Key:    row.Cell(ledger.ColKey),
				Title:  row.Cell(ledger.ColTitle),
				Corpus: row.Cell(ledger.ColCorpus),
			}, true
		}
	}
	return nil, false
}

// Status is the probed lock state of one key.
type Status struct {
	Locked    bool
	Holder    string
	Remaining time.Duration
}

// LockStatus reports whether key is actively leased and for how much
// longer. Unknown rows and unparseable stamps read as unlocked.
func (m *Manager) LockStatus(ctx context.Context, key string) Status {
	table, err := m.reg.Ledger()
	if err != nil {
		return Status{}
	}
	row, found, err := table.Find(ctx, ledger.ColKey, key)
	if err != nil || !found {
		return Status{}
	}
	stamp, ok := ledger.ParseStamp(row.Cell(ledger.ColLockStamp))
	if !ok {
		return Status{}
	}
	elapsed := m.now().Sub(stamp)
	if elapsed >= m.ttl {
		return Status{}
	}
	return Status{
		Locked:    true,
		Holder:    lockHolder(row),
		Remaining: m.ttl - elapsed,
	}
}

// Sweep clears lock metadata whose stamp has aged past the TTL. It
// returns how many rows were cleared.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	table, err := m.reg.Ledger()
	if err != nil {
		return 0, err
	}
	rows, err := table.Rows(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	cleared := 0
	for _, row := range rows {
		stampCell := row.Cell(ledger.ColLockStamp)
		if stampCell == "" {
			continue
		}
		stamp, ok := ledger.ParseStamp(stampCell)
		if !ok || now.Sub(stamp) < m.ttl {
			continue
		}
		if err := table.Update(ctx, row.Num, clearedLock()); err != nil {
			return cleared, err
		}
		cleared++
	}
	if cleared > 0 {
		SweepCleared.Add(float64(cleared))
		m.log.Info("cleared stale locks", "count", cleared)
	}
	return cleared, nil
}

// Fetch returns the full record for a key together with its live lock
// status and any partial annotation, without touching any lease.
func (m *Manager) Fetch(ctx context.Context, corpusName, key string) (*Selection, error) {
	c, ok := m.reg.Corpus(corpusName)
	if !ok {
		return nil, margo_errors.ErrCorpusUnknown
	}
	rec, err := c.Index.FetchFull(key)
	if err != nil {
		return nil, err
	}
	sel := &Selection{Record: rec}
	if st := m.LockStatus(ctx, key); st.Locked {
		sel.Lease = Info{
			Holder:    st.Holder,
			Remaining: st.Remaining,
			Confirmed: true,
		}
	}
	if partial, ok := m.reg.Partial(key); ok {
		sel.Partial = partial
	}
	return sel, nil
}
