// Package margo coordinates many annotators working through large,
// append-only document corpora. It owns a byte-offset index per corpus,
// a per-corpus candidate queue, and a lease protocol over a shared
// tabular ledger that has no native locks or transactions.
package margo

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/corpus"
	"github.com/margonote/margo/lease"
	"github.com/margonote/margo/ledger"
	"github.com/margonote/margo/margo_errors"
	"github.com/margonote/margo/queue"
	"github.com/margonote/margo/session"
	"github.com/margonote/margo/utils"
)

type Options struct {
	// CorpusDir is scanned for *.jsonl corpus files.
	CorpusDir string
	// CacheDir holds the per-corpus index stores.
	CacheDir string

	LedgerEndpoint string
	LedgerTimeout  time.Duration

	LeaseTTL time.Duration

	Logger utils.Logger
}

func (o *Options) SetDefaults() {
	if o.CorpusDir == "" {
		o.CorpusDir = "data"
	}
	if o.CacheDir == "" {
		o.CacheDir = filepath.Join(o.CorpusDir, "cache")
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = ledger.DefaultTimeout
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = lease.DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

// Engine ties the registry, the lease manager, and the ledger retrier
// together and runs corpus discovery and indexing in the background so
// startup never stalls callers; readiness is observable through Ready.
type Engine struct {
	opts Options
	log  utils.Logger

	reg    *session.Registry
	leases *lease.Manager
	retry  *ledger.Retrier

	ready    chan struct{}
	statusMu sync.Mutex
	status   string
	startErr error

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// Open starts an engine. Corpus discovery and index builds run on a
// background goroutine; use Ready to wait and Err to check the outcome.
func Open(opts Options) *Engine {
	opts.SetDefaults()
	log := opts.Logger

	reg := session.NewRegistry(log)
	retry := ledger.NewRetrier(log)
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		opts:   opts,
		log:    log,
		reg:    reg,
		leases: lease.NewManager(reg, retry, opts.LeaseTTL, log),
		retry:  retry,
		ready:  make(chan struct{}),
		status: "starting",
		ctx:    ctx,
		cancel: cancel,
	}
	go e.startup(ctx)
	return e
}

func (e *Engine) startup(ctx context.Context) {
	defer close(e.ready)
	e.setStatus("discovering corpora", nil)
	if err := e.DiscoverCorpora(ctx); err != nil {
		e.setStatus("startup failed", err)
		e.log.Error("startup failed", "error", err)
		return
	}
	e.setStatus("ready", nil)
}

func (e *Engine) setStatus(msg string, err error) {
	e.statusMu.Lock()
	e.status = msg
	e.startErr = err
	e.statusMu.Unlock()
}

// Ready is closed once background startup has finished, successfully or
// not; check Err afterwards.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

func (e *Engine) Err() error {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.startErr
}

func (e *Engine) Status() string {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.retry.Close()
		for _, name := range e.reg.CorpusNames() {
			e.reg.DropCorpus(name)
		}
	})
}

// Leases exposes the lease manager for selection, skip, transfer,
// submission, and lock probes.
func (e *Engine) Leases() *lease.Manager { return e.leases }

// Registry exposes the per-corpus session state.
func (e *Engine) Registry() *session.Registry { return e.reg }

// Collectors returns every metric the engine and its packages expose,
// for registration with the caller's prometheus registry.
func (e *Engine) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		corpus.BuildCount,
		corpus.BuildRecords,
		corpus.BuildDuration,
		queue.Depth,
		ledger.RoundTripDuration,
		ledger.RoundTripErrors,
		ledger.RetryQueueDepth,
		ledger.RetryResults,
		lease.Acquires,
		lease.Releases,
		lease.Skips,
		lease.SweepCleared,
		lease.Submissions,
		NewStoreCollector(e.reg),
	}
}

// DiscoverCorpora scans the corpus directory: new *.jsonl files are
// registered and indexed if stale, vanished ones dropped together with
// their filters and queues.
func (e *Engine) DiscoverCorpora(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return margo_errors.ErrClosed
	}
	paths, err := filepath.Glob(filepath.Join(e.opts.CorpusDir, "*.jsonl"))
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		seen[name] = struct{}{}
		if _, ok := e.reg.Corpus(name); ok {
			continue
		}
		e.setStatus(fmt.Sprintf("indexing %s", name), nil)
		if err := e.registerCorpus(ctx, name, path); err != nil {
			return fmt.Errorf("corpus %s: %w", name, err)
		}
	}

	for _, name := range e.reg.CorpusNames() {
		if _, ok := seen[name]; !ok {
			e.log.Info("corpus file vanished, dropping", "corpus", name)
			e.reg.DropCorpus(name)
		}
	}
	return nil
}

func (e *Engine) registerCorpus(ctx context.Context, name, path string) error {
	ix, err := corpus.OpenIndex(name, path, e.opts.CacheDir, e.log)
	if err != nil {
		return err
	}
	if ix.IsStale() {
		if _, err := ix.Build(ctx); err != nil {
			_ = ix.Close()
			return err
		}
	}
	e.reg.RegisterCorpus(&session.Corpus{Name: name, Path: path, Index: ix})
	return nil
}

// ConnectLedger dials the configured remote ledger endpoint and seeds
// the completion and partial-annotation state from a full scan.
func (e *Engine) ConnectLedger(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return margo_errors.ErrClosed
	}
	if e.opts.LedgerEndpoint == "" {
		return margo_errors.ErrNoLedger
	}
	table, err := ledger.NewRemote(e.opts.LedgerEndpoint, e.opts.LedgerTimeout)
	if err != nil {
		return err
	}
	return e.reg.Connect(ctx, table)
}

// ConnectLedgerTable installs an already-constructed ledger table, e.g.
// an in-memory one.
func (e *Engine) ConnectLedgerTable(ctx context.Context, table ledger.Table) error {
	if e.ctx.Err() != nil {
		return margo_errors.ErrClosed
	}
	return e.reg.Connect(ctx, table)
}

// LoadCorpus rebuilds a stale index if needed and then rebuilds the
// corpus queue. It returns how many candidates were queued and how many
// records the index holds.
func (e *Engine) LoadCorpus(ctx context.Context, name string, prioritizeIncomplete bool) (queued, total int, err error) {
	if e.ctx.Err() != nil {
		return 0, 0, margo_errors.ErrClosed
	}
	c, ok := e.reg.Corpus(name)
	if !ok {
		return 0, 0, margo_errors.ErrCorpusUnknown
	}
	if c.Index.IsStale() {
		if _, err := c.Index.Build(ctx); err != nil {
			return 0, 0, err
		}
	}
	return e.reg.LoadQueue(name, prioritizeIncomplete, nil)
}

// ReindexStale rebuilds every registered index whose corpus file has
// changed. Offered for periodic background maintenance.
func (e *Engine) ReindexStale(ctx context.Context) error {
	if e.ctx.Err() != nil {
		return margo_errors.ErrClosed
	}
	for _, name := range e.reg.CorpusNames() {
		c, ok := e.reg.Corpus(name)
		if !ok || !c.Index.IsStale() {
			continue
		}
		if _, err := c.Index.Build(ctx); err != nil {
			return fmt.Errorf("corpus %s: %w", name, err)
		}
	}
	return nil
}
