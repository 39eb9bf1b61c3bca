// Package queue builds and holds the per-corpus, per-session candidate
// ordering the lease manager walks. A queue is replaced wholesale on
// every corpus load and mutated only through its accessors, which hold a
// queue-scoped mutex so unrelated corpora never serialize on each other.
package queue

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/corpus"
)

var Depth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "margo",
	Subsystem: "queue",
	Name:      "depth",
}, []string{"corpus"})

// Queue is an ordered sequence of index entries for one corpus and one
// load session. It never contains a fully annotated key.
type Queue struct {
	corpus  string
	session string

	mu    sync.Mutex
	items []corpus.Entry
}

// Build partitions the index listing into resume (keys with a partial
// annotation, index order preserved) and fresh (unannotated keys,
// shuffled), dropping completed keys. With prioritizeIncomplete the
// final order is resume then fresh; otherwise both partitions are merged
// and reshuffled together. rnd may be nil, in which case a time-seeded
// source is used.
func Build(corpusName string, entries []corpus.Entry,
	completed map[string]struct{}, partial map[string]struct{},
	prioritizeIncomplete bool, rnd *rand.Rand) *Queue {

	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var resume, fresh []corpus.Entry
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		if _, done := completed[e.Key]; done {
			continue
		}
		if _, started := partial[e.Key]; started {
			resume = append(resume, e)
		} else {
			fresh = append(fresh, e)
		}
	}

	rnd.Shuffle(len(fresh), func(i, j int) {
		fresh[i], fresh[j] = fresh[j], fresh[i]
	})

	items := append(resume, fresh...)
	if !prioritizeIncomplete {
		rnd.Shuffle(len(items), func(i, j int) {
			items[i], items[j] = items[j], items[i]
		})
	}

	q := &Queue{
		corpus:  corpusName,
		session: uuid.NewString(),
		items:   items,
	}
	Depth.WithLabelValues(corpusName).Set(float64(len(items)))
	return q
}

func (q *Queue) Corpus() string  { return q.corpus }
func (q *Queue) Session() string { return q.session }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the current ordering. Selection walks the
// copy so no lock is held across ledger round trips.
func (q *Queue) Snapshot() []corpus.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]corpus.Entry(nil), q.items...)
}

// Remove drops the entry with the given key, if present.
func (q *Queue) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.Key == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			Depth.WithLabelValues(q.corpus).Set(float64(len(q.items)))
			return true
		}
	}
	return false
}

// MoveToTail sends the entry with the given key to the back of the
// queue, so it is revisited only after every other candidate has had a
// turn. The entry is not removed.
func (q *Queue) MoveToTail(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.items {
		if e.Key == key {
			q.items = append(append(q.items[:i], q.items[i+1:]...), e)
			return true
		}
	}
	return false
}
