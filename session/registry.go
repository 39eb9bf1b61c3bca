// Package session owns the per-process view of the shared ledger: which
// corpora are registered, which keys are known complete or partially
// annotated, which filter is active, and the current queue for each
// corpus. The view is seeded on ledger connect and corpus load and is
// only eventually consistent with the ledger; anything that needs a
// bound on staleness must rescan the ledger itself.
package session

import (
	"context"
	"math/rand"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/margonote/margo/corpus"
	"github.com/margonote/margo/ledger"
	"github.com/margonote/margo/margo_errors"
	"github.com/margonote/margo/queue"
	"github.com/margonote/margo/suggest"
	"github.com/margonote/margo/utils"
)

// Filter is one active full-text filter for a corpus. Keys may be empty,
// which is an exhausted filter, deliberately distinct from no filter at
// all.
type Filter struct {
	Query string
	Keys  map[string]struct{}
}

// Corpus binds a registered corpus name to its index.
type Corpus struct {
	Name  string
	Path  string
	Index *corpus.Index
}

const filterCacheSize = 128

// Registry is the explicit state object replacing what used to be
// process-wide globals. All mutation goes through accessors; per-corpus
// queue state is guarded inside the queue itself, completion and partial
// maps are concurrent maps shared across corpora.
type Registry struct {
	log utils.Logger

	corpora *xsync.MapOf[string, *Corpus]
	queues  *xsync.MapOf[string, *queue.Queue]
	filters *xsync.MapOf[string, *Filter]

	completed *xsync.MapOf[string, struct{}]
	partial   *xsync.MapOf[string, map[string]string]

	// Search result sets cached per corpus. The cache key is the
	// schema-resolved query, not the words the user typed: the same
	// literal query under two schemas must never share an entry.
	filterCache *lru.Cache[string, map[string]struct{}]

	mu    sync.Mutex
	table ledger.Table
}

func NewRegistry(log utils.Logger) *Registry {
	cache, _ := lru.New[string, map[string]struct{}](filterCacheSize)
	return &Registry{
		log:         log,
		corpora:     xsync.NewMapOf[string, *Corpus](),
		queues:      xsync.NewMapOf[string, *queue.Queue](),
		filters:     xsync.NewMapOf[string, *Filter](),
		completed:   xsync.NewMapOf[string, struct{}](),
		partial:     xsync.NewMapOf[string, map[string]string](),
		filterCache: cache,
	}
}

// --- corpora ---

func (r *Registry) RegisterCorpus(c *Corpus) {
	r.corpora.Store(c.Name, c)
}

// DropCorpus forgets a corpus along with its queue and filter. The
// index is closed; completion state is ledger-scoped and stays.
func (r *Registry) DropCorpus(name string) {
	if c, ok := r.corpora.LoadAndDelete(name); ok && c.Index != nil {
		_ = c.Index.Close()
	}
	r.queues.Delete(name)
	r.filters.Delete(name)
}

func (r *Registry) Corpus(name string) (*Corpus, bool) {
	return r.corpora.Load(name)
}

func (r *Registry) CorpusNames() []string {
	var names []string
	r.corpora.Range(func(name string, _ *Corpus) bool {
		names = append(names, name)
		return true
	})
	return names
}

// --- ledger connection & seeding ---

// Connect installs the ledger table and seeds the completion and partial
// maps from a full scan of its rows: a row with an annotator is
// complete; a row without one but with any annotation column populated
// is a genuinely incomplete annotation eligible for resume; a row with
// only lock metadata is a placeholder and contributes nothing.
func (r *Registry) Connect(ctx context.Context, table ledger.Table) error {
	rows, err := table.Rows(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.table = table
	r.mu.Unlock()

	r.completed.Clear()
	r.partial.Clear()

	complete, partial := 0, 0
	for _, row := range rows {
		key := row.Cell(ledger.ColKey)
		if key == "" {
			continue
		}
		if !row.IsPlaceholder() {
			r.completed.Store(key, struct{}{})
			complete++
			continue
		}
		if cells := annotationCells(row); len(cells) > 0 {
			r.partial.Store(key, cells)
			partial++
		}
	}
	r.log.Info("ledger connected", "rows", len(rows), "complete", complete, "partial", partial)
	return nil
}

// annotationCells returns the non-empty cells of a row that are neither
// base columns nor lock metadata.
func annotationCells(row ledger.Row) map[string]string {
	base := map[string]struct{}{
		ledger.ColKey: {}, ledger.ColTitle: {}, ledger.ColCorpus: {},
		ledger.ColAnnotator: {}, ledger.ColLockHolder: {}, ledger.ColLockStamp: {},
	}
	var cells map[string]string
	for col, val := range row.Cells {
		if _, skip := base[col]; skip || val == "" {
			continue
		}
		if cells == nil {
			cells = make(map[string]string)
		}
		cells[col] = val
	}
	return cells
}

func (r *Registry) Ledger() (ledger.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.table == nil {
		return nil, margo_errors.ErrNoLedger
	}
	return r.table, nil
}

// --- completion & partial tracking ---

func (r *Registry) MarkCompleted(key string) {
	r.completed.Store(key, struct{}{})
	r.partial.Delete(key)
}

func (r *Registry) IsCompleted(key string) bool {
	_, ok := r.completed.Load(key)
	return ok
}

func (r *Registry) CompletedSet() map[string]struct{} {
	out := make(map[string]struct{})
	r.completed.Range(func(key string, _ struct{}) bool {
		out[key] = struct{}{}
		return true
	})
	return out
}

func (r *Registry) Partial(key string) (map[string]string, bool) {
	return r.partial.Load(key)
}

func (r *Registry) PartialSet() map[string]struct{} {
	out := make(map[string]struct{})
	r.partial.Range(func(key string, _ map[string]string) bool {
		out[key] = struct{}{}
		return true
	})
	return out
}

// --- queues ---

// LoadQueue rebuilds the queue for a corpus from the current index
// listing and tracking state, replacing any previous queue wholesale.
// Loading clears the corpus's active filter, matching a fresh session.
func (r *Registry) LoadQueue(name string, prioritizeIncomplete bool, rnd *rand.Rand) (queued, total int, err error) {
	c, ok := r.Corpus(name)
	if !ok {
		return 0, 0, margo_errors.ErrCorpusUnknown
	}
	entries, err := c.Index.ListAll()
	if err != nil {
		return 0, 0, err
	}
	r.ClearFilter(name)

	q := queue.Build(name, entries, r.CompletedSet(), r.PartialSet(), prioritizeIncomplete, rnd)
	r.queues.Store(name, q)
	return q.Len(), len(entries), nil
}

func (r *Registry) Queue(name string) (*queue.Queue, bool) {
	return r.queues.Load(name)
}

// --- filters ---

// SetFilter resolves the query (rewriting it through the schema's field
// labels when one applies), executes it against the corpus search table,
// and installs the result as the corpus's active filter. An empty query
// clears the filter instead. Result sets are cached per corpus under the
// resolved query.
func (r *Registry) SetFilter(name, query string, schema *suggest.Schema) (matches int, active bool, err error) {
	c, ok := r.Corpus(name)
	if !ok {
		return 0, false, margo_errors.ErrCorpusUnknown
	}
	trimmedQuery := strings.TrimSpace(query)
	if trimmedQuery == "" {
		r.ClearFilter(name)
		return 0, false, nil
	}

	resolved := suggest.RewriteQuery(trimmedQuery, schema)
	cacheKey := name + "\x00" + resolved
	keys, cached := r.filterCache.Get(cacheKey)
	if !cached {
		keys, err = c.Index.Search(resolved)
		if err != nil {
			return 0, false, err
		}
		r.filterCache.Add(cacheKey, keys)
	}

	r.filters.Store(name, &Filter{Query: trimmedQuery, Keys: keys})
	r.log.Info("filter set", "corpus", name, "query", trimmedQuery, "resolved", resolved, "matches", len(keys))
	return len(keys), true, nil
}

func (r *Registry) ClearFilter(name string) {
	r.filters.Delete(name)
}

// Filter returns the active filter for a corpus, or nil when none is
// set. Callers must treat a non-nil filter with zero keys as "nothing
// matches", never as "no filter".
func (r *Registry) Filter(name string) *Filter {
	f, ok := r.filters.Load(name)
	if !ok {
		return nil
	}
	return f
}
