package corpus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margonote/margo/margo_errors"
	"github.com/margonote/margo/utils"
)

const fixtureCorpus = `{"doi":"10.1/a1","title":"Machine learning for tidal energy","abstract":"We study turbines."}
{"doi":"10.1/a2","title":"Deep learning in medicine","abstract":"Clinical trials.","open_access_pdf":{"url":"https://example.org/a2.pdf"}}
not a json line
{"doi":"10.1/a1","title":"Duplicate of a1","abstract":"should be ignored"}
{"title":"No key here","abstract":"skipped"}
{"doi":"10.1/a3","title":"Tidal turbines revisited","abstract":"Energy systems.","open_access_pdf":"https://example.org/a3.pdf"}
`

func testIndex(t *testing.T, corpus string) (*Index, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "papers.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(corpus), 0o644))
	ix, err := OpenIndex("papers.jsonl", path, filepath.Join(dir, "cache"), utils.NewDefaultLogger(slog.LevelError))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	return ix, path
}

func TestBuildCountsAndDedup(t *testing.T) {
	ix, _ := testIndex(t, fixtureCorpus)

	stats, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.SkippedNoKey)
	assert.Equal(t, 1, stats.Malformed)

	entries, err := ix.ListAll()
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	// First occurrence wins for the duplicated key.
	rec, err := ix.FetchFull("10.1/a1")
	require.NoError(t, err)
	assert.Equal(t, "Machine learning for tidal energy", rec.Title)
}

func TestFetchFullByteIdentical(t *testing.T) {
	ix, path := testIndex(t, fixtureCorpus)
	_, err := ix.Build(context.Background())
	require.NoError(t, err)

	offset, err := ix.Lookup("10.1/a2")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := raw[offset:]
	if i := indexOf(line, '\n'); i >= 0 {
		line = line[:i]
	}

	rec, err := ix.FetchFull("10.1/a2")
	require.NoError(t, err)
	assert.Equal(t, line, rec.Raw)
	assert.Equal(t, "https://example.org/a2.pdf", rec.Resource)
	assert.True(t, rec.HasResource())
}

func indexOf(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

func TestLookupUnknownKey(t *testing.T) {
	ix, _ := testIndex(t, fixtureCorpus)
	_, err := ix.Build(context.Background())
	require.NoError(t, err)

	_, err = ix.Lookup("10.1/nope")
	assert.True(t, errors.Is(err, margo_errors.ErrRecordUnknown))
	_, err = ix.FetchFull("10.1/nope")
	assert.True(t, errors.Is(err, margo_errors.ErrRecordUnknown))
}

func TestStaleness(t *testing.T) {
	ix, path := testIndex(t, fixtureCorpus)
	assert.True(t, ix.IsStale(), "unbuilt index is stale")

	_, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.False(t, ix.IsStale())

	// Touch the corpus into the future; the index must notice.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.True(t, ix.IsStale())
}

func TestListAllBeforeBuild(t *testing.T) {
	ix, _ := testIndex(t, fixtureCorpus)
	_, err := ix.ListAll()
	assert.ErrorIs(t, err, margo_errors.ErrIndexUnbuilt)

	_, err = ix.Build(context.Background())
	require.NoError(t, err)
	entries, err := ix.ListAll()
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestEmptyCorpusIsStale(t *testing.T) {
	ix, _ := testIndex(t, "")
	_, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.True(t, ix.IsStale(), "zero entries keeps the index stale")
}

func TestFetchAfterCorpusMutation(t *testing.T) {
	ix, path := testIndex(t, fixtureCorpus)
	_, err := ix.Build(context.Background())
	require.NoError(t, err)

	// Rewrite the file so stored offsets point at garbage.
	require.NoError(t, os.WriteFile(path, []byte("{\"doi\":\"other\"}\n"), 0o644))

	_, err = ix.FetchFull("10.1/a2")
	assert.True(t, errors.Is(err, margo_errors.ErrStaleIndex))
}

func TestSearch(t *testing.T) {
	ix, _ := testIndex(t, fixtureCorpus)
	_, err := ix.Build(context.Background())
	require.NoError(t, err)

	keys, err := ix.Search("tidal")
	require.NoError(t, err)
	assert.Equal(t, set("10.1/a1", "10.1/a3"), keys)

	// Tokens within a clause are conjunctive.
	keys, err = ix.Search("tidal turbines")
	require.NoError(t, err)
	assert.Equal(t, set("10.1/a3"), keys)

	// OR joins clauses; quoting groups phrases.
	keys, err = ix.Search(`"deep learning" OR "tidal energy"`)
	require.NoError(t, err)
	assert.Equal(t, set("10.1/a1", "10.1/a2"), keys)

	// Case folding.
	keys, err = ix.Search("MEDICINE")
	require.NoError(t, err)
	assert.Equal(t, set("10.1/a2"), keys)

	// Unbalanced quote: advisory, empty result.
	keys, err = ix.Search(`"broken`)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = ix.Search("noWhereToBeFound")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func set(keys ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func TestRebuildReplacesPostings(t *testing.T) {
	ix, path := testIndex(t, fixtureCorpus)
	_, err := ix.Build(context.Background())
	require.NoError(t, err)

	replacement := `{"doi":"10.2/b1","title":"Entirely new subject","abstract":"fresh"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(replacement), 0o644))

	stats, err := ix.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)

	keys, err := ix.Search("tidal")
	require.NoError(t, err)
	assert.Empty(t, keys, "old postings dropped on rebuild")

	entries, err := ix.ListAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "10.2/b1", entries[0].Key)
}
