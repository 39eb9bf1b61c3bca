package corpus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/margonote/margo/margo_errors"
	"github.com/margonote/margo/utils"
)

var BuildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "index",
	Name:      "builds",
}, []string{"corpus", "result"})

var BuildRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "margo",
	Subsystem: "index",
	Name:      "build_records",
}, []string{"corpus", "kind"})

var BuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "margo",
	Subsystem: "index",
	Name:      "build_duration_seconds",
	Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
}, []string{"corpus"})

// Pebble keyspace. Three logical tables plus build metadata:
//
//	'L' <key>              -> listing (title, resource, offset), JSON
//	'O' <key>              -> byte offset, 8 bytes big-endian
//	'S' <hash:8> 0x00 <key> -> nil, keyword posting
//	'M' <name>             -> build metadata
func listKey(key string) []byte {
	return append([]byte{'L'}, key...)
}

func offKey(key string) []byte {
	return append([]byte{'O'}, key...)
}

func postKey(hash uint64, key string) []byte {
	k := make([]byte, 0, 10+len(key))
	k = append(k, 'S')
	k = binary.BigEndian.AppendUint64(k, hash)
	k = append(k, 0)
	return append(k, key...)
}

func metaKey(name string) []byte {
	return append([]byte{'M'}, name...)
}

const (
	metaBuiltAt = "built_at"
	metaCount   = "count"
)

// Entry is the cached projection of one corpus record, as stored in the
// listing table.
type Entry struct {
	Key      string `json:"-"`
	Title    string `json:"title"`
	Resource string `json:"resource"`
	Offset   int64  `json:"offset"`
}

// BuildStats summarizes one full corpus scan.
type BuildStats struct {
	Indexed      int
	Duplicates   int
	SkippedNoKey int
	Malformed    int
	Elapsed      time.Duration
}

const recordCacheSize = 512

// Index is the byte-offset index over one corpus file, backed by an
// embedded pebble store in the cache directory. All reads are safe for
// concurrent use; Build serializes against other processes through a
// file lock next to the store.
type Index struct {
	name string
	path string
	db   *pebble.DB
	file *os.File
	flk  *flock.Flock
	log  utils.Logger

	cache *lru.Cache[string, *Record]

	buildMu sync.Mutex
}

// OpenIndex opens (creating if needed) the index store for the corpus at
// path. The store lives under cacheDir, named after the corpus file.
func OpenIndex(name, path, cacheDir string, log utils.Logger) (*Index, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	db, err := pebble.Open(filepath.Join(cacheDir, stem+".idx"), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	cache, _ := lru.New[string, *Record](recordCacheSize)
	return &Index{
		name:  name,
		path:  path,
		db:    db,
		file:  file,
		flk:   flock.New(filepath.Join(cacheDir, stem+".lock")),
		log:   log,
		cache: cache,
	}, nil
}

func (ix *Index) Name() string { return ix.name }

// Metrics exposes the backing store's internal metrics.
func (ix *Index) Metrics() *pebble.Metrics { return ix.db.Metrics() }

func (ix *Index) Close() error {
	err := ix.db.Close()
	if cerr := ix.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// IsStale reports whether the index must be rebuilt before use: it is
// unbuilt, holds zero entries, or the corpus file's modification time is
// not strictly older than the build time.
func (ix *Index) IsStale() bool {
	builtAt, count, err := ix.buildMeta()
	if err != nil || count == 0 {
		return true
	}
	st, err := os.Stat(ix.path)
	if err != nil {
		return true
	}
	return !st.ModTime().Before(builtAt)
}

func (ix *Index) buildMeta() (builtAt time.Time, count uint64, err error) {
	val, closer, err := ix.db.Get(metaKey(metaBuiltAt))
	if err != nil {
		return time.Time{}, 0, err
	}
	builtAt = time.Unix(0, int64(binary.BigEndian.Uint64(val)))
	_ = closer.Close()

	val, closer, err = ix.db.Get(metaKey(metaCount))
	if err != nil {
		return time.Time{}, 0, err
	}
	count = binary.BigEndian.Uint64(val)
	_ = closer.Close()
	return builtAt, count, nil
}

// Build performs a single forward scan of the corpus file and rebuilds all
// three tables in one batch. The batch commits only if the whole scan
// succeeds, so a failed build leaves the previous index intact and the
// staleness check forcing a retry. Malformed lines and lines without a
// natural key are counted and skipped; a key seen before is counted as a
// duplicate and its later occurrences ignored.
func (ix *Index) Build(ctx context.Context) (BuildStats, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()

	if err := ix.flk.Lock(); err != nil {
		return BuildStats{}, fmt.Errorf("index %s: lock cache dir: %w", ix.name, err)
	}
	defer func() { _ = ix.flk.Unlock() }()

	start := time.Now()
	stats, err := ix.build(ctx, start)
	stats.Elapsed = time.Since(start)
	if err != nil {
		BuildCount.WithLabelValues(ix.name, "error").Inc()
		return stats, err
	}
	BuildCount.WithLabelValues(ix.name, "ok").Inc()
	BuildDuration.WithLabelValues(ix.name).Observe(stats.Elapsed.Seconds())
	BuildRecords.WithLabelValues(ix.name, "indexed").Add(float64(stats.Indexed))
	BuildRecords.WithLabelValues(ix.name, "duplicate").Add(float64(stats.Duplicates))
	BuildRecords.WithLabelValues(ix.name, "no_key").Add(float64(stats.SkippedNoKey))
	BuildRecords.WithLabelValues(ix.name, "malformed").Add(float64(stats.Malformed))
	ix.log.Info("index built", "corpus", ix.name,
		"indexed", stats.Indexed, "duplicates", stats.Duplicates,
		"no_key", stats.SkippedNoKey, "malformed", stats.Malformed,
		"elapsed", stats.Elapsed)
	return stats, nil
}

func (ix *Index) build(ctx context.Context, start time.Time) (stats BuildStats, err error) {
	f, err := os.Open(ix.path)
	if err != nil {
		return stats, err
	}
	defer f.Close()

	batch := ix.db.NewIndexedBatch()
	defer func() {
		if err != nil {
			_ = batch.Close()
		}
	}()

	// Drop-and-recreate: all four prefixes go at once.
	for _, p := range []byte{'L', 'M', 'O', 'S'} {
		if err = batch.DeleteRange([]byte{p}, []byte{p + 1}, nil); err != nil {
			return stats, err
		}
	}

	reader := bufio.NewReaderSize(f, 1<<20)
	var offset int64
	for {
		if cerr := ctx.Err(); cerr != nil {
			return stats, cerr
		}
		line, rerr := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineStart := offset
			offset += int64(len(line))
			if serr := indexLine(batch, line, lineStart, &stats); serr != nil {
				return stats, serr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return stats, rerr
		}
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(start.UnixNano()))
	if err = batch.Set(metaKey(metaBuiltAt), buf[:], nil); err != nil {
		return stats, err
	}
	binary.BigEndian.PutUint64(buf[:], uint64(stats.Indexed))
	if err = batch.Set(metaKey(metaCount), buf[:], nil); err != nil {
		return stats, err
	}

	if err = batch.Commit(pebble.Sync); err != nil {
		return stats, err
	}
	ix.cache.Purge()
	return stats, nil
}

func indexLine(batch *pebble.Batch, line []byte, offset int64, stats *BuildStats) error {
	rec, err := ParseRecord(line)
	if err != nil {
		stats.Malformed++
		return nil
	}
	if rec.Key == "" {
		stats.SkippedNoKey++
		return nil
	}

	// First occurrence wins.
	_, closer, err := batch.Get(offKey(rec.Key))
	if err == nil {
		_ = closer.Close()
		stats.Duplicates++
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	var off [8]byte
	binary.BigEndian.PutUint64(off[:], uint64(offset))
	if err := batch.Set(offKey(rec.Key), off[:], nil); err != nil {
		return err
	}
	listing, err := json.Marshal(Entry{Title: rec.Title, Resource: rec.Resource, Offset: offset})
	if err != nil {
		return err
	}
	if err := batch.Set(listKey(rec.Key), listing, nil); err != nil {
		return err
	}
	for _, hash := range tokenHashes(rec.Title + " " + rec.Abstract) {
		if err := batch.Set(postKey(hash, rec.Key), nil, nil); err != nil {
			return err
		}
	}
	stats.Indexed++
	return nil
}

// Lookup returns the byte offset of the record with the given natural key.
func (ix *Index) Lookup(key string) (int64, error) {
	val, closer, err := ix.db.Get(offKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", margo_errors.ErrRecordUnknown, key)
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return int64(binary.BigEndian.Uint64(val)), nil
}

// ListAll returns every listing entry. The order is stable between calls
// but carries no relation to corpus order.
func (ix *Index) ListAll() ([]Entry, error) {
	if _, _, err := ix.buildMeta(); err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, margo_errors.ErrIndexUnbuilt
		}
		return nil, err
	}
	iter, err := ix.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{'L'},
		UpperBound: []byte{'L' + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, err
		}
		e.Key = string(iter.Key()[1:])
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

// FetchFull seeks to the stored offset and re-parses exactly one line. A
// record that no longer parses, or whose key no longer matches, means the
// corpus file changed under the index; that is reported as staleness, not
// as corruption.
func (ix *Index) FetchFull(key string) (*Record, error) {
	if rec, ok := ix.cache.Get(key); ok {
		return rec, nil
	}
	offset, err := ix.Lookup(key)
	if err != nil {
		return nil, err
	}
	line, err := ix.readLineAt(offset)
	if err != nil {
		return nil, fmt.Errorf("%w: corpus %s offset %d: %v", margo_errors.ErrStaleIndex, ix.name, offset, err)
	}
	rec, err := ParseRecord(line)
	if err != nil || rec.Key != key {
		return nil, fmt.Errorf("%w: record at offset %d no longer matches %s", margo_errors.ErrStaleIndex, offset, key)
	}
	ix.cache.Add(key, rec)
	return rec, nil
}

// readLineAt reads one full line starting at offset using positional
// reads, so concurrent fetches never race over a shared file position.
func (ix *Index) readLineAt(offset int64) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := ix.file.ReadAt(chunk, offset+int64(len(buf)))
		if n > 0 {
			if i := bytes.IndexByte(chunk[:n], '\n'); i >= 0 {
				return append(buf, chunk[:i+1]...), nil
			}
			buf = append(buf, chunk[:n]...)
		}
		if err == io.EOF {
			if len(buf) == 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
