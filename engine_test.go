package margo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margonote/margo/lease"
	"github.com/margonote/margo/ledger"
	"github.com/margonote/margo/margo_errors"
	"github.com/margonote/margo/utils"
)

func writeCorpus(t *testing.T, dir, name string, n int) {
	t.Helper()
	body := ""
	for i := 1; i <= n; i++ {
		body += fmt.Sprintf(
			`{"doi":"10.5/%s-%d","title":"Paper %d","abstract":"abstract %d"}`+"\n",
			name, i, i, i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".jsonl"), []byte(body), 0o644))
}

func openEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e := Open(Options{
		CorpusDir: dir,
		CacheDir:  filepath.Join(dir, "cache"),
		Logger:    utils.NewDefaultLogger(slog.LevelError),
	})
	t.Cleanup(e.Close)

	select {
	case <-e.Ready():
	case <-time.After(30 * time.Second):
		t.Fatal("engine startup did not finish")
	}
	require.NoError(t, e.Err())
	return e
}

func TestOpenDiscoversAndIndexes(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 3)
	writeCorpus(t, dir, "beta", 2)

	e := openEngine(t, dir)
	assert.Equal(t, "ready", e.Status())

	names := e.Registry().CorpusNames()
	assert.ElementsMatch(t, []string{"alpha.jsonl", "beta.jsonl"}, names)

	c, ok := e.Registry().Corpus("alpha.jsonl")
	require.True(t, ok)
	assert.False(t, c.Index.IsStale())
}

func TestOpenEmptyDirIsReady(t *testing.T) {
	e := openEngine(t, t.TempDir())
	assert.NoError(t, e.Err())
	assert.Empty(t, e.Registry().CorpusNames())
}

func TestDiscoverDropsVanishedCorpus(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 2)
	writeCorpus(t, dir, "beta", 2)
	e := openEngine(t, dir)
	require.Len(t, e.Registry().CorpusNames(), 2)

	require.NoError(t, os.Remove(filepath.Join(dir, "beta.jsonl")))
	require.NoError(t, e.DiscoverCorpora(context.Background()))

	assert.Equal(t, []string{"alpha.jsonl"}, e.Registry().CorpusNames())
}

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 4)
	e := openEngine(t, dir)
	ctx := context.Background()

	require.NoError(t, e.ConnectLedgerTable(ctx, ledger.NewMemory(ledger.BaseColumns()...)))

	queued, total, err := e.LoadCorpus(ctx, "alpha.jsonl", true)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, 4, queued)

	_, _, err = e.LoadCorpus(ctx, "nope.jsonl", true)
	assert.ErrorIs(t, err, margo_errors.ErrCorpusUnknown)
}

func TestLoadCorpusRebuildsStaleIndex(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 2)
	e := openEngine(t, dir)
	ctx := context.Background()
	require.NoError(t, e.ConnectLedgerTable(ctx, ledger.NewMemory(ledger.BaseColumns()...)))

	// Grow the corpus and bump its mtime past the build stamp.
	writeCorpus(t, dir, "alpha", 5)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "alpha.jsonl"), future, future))

	_, total, err := e.LoadCorpus(ctx, "alpha.jsonl", true)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
}

func TestSelectThroughEngine(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 3)
	e := openEngine(t, dir)
	ctx := context.Background()

	require.NoError(t, e.ConnectLedgerTable(ctx, ledger.NewMemory(ledger.BaseColumns()...)))
	_, _, err := e.LoadCorpus(ctx, "alpha.jsonl", true)
	require.NoError(t, err)

	sel, err := e.Leases().SelectNext(ctx, "alpha.jsonl", "alice", lease.SelectOptions{})
	require.NoError(t, err)
	assert.True(t, sel.Lease.Confirmed)
	assert.NotEmpty(t, sel.Record.Key)
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 1)
	e := openEngine(t, dir)
	ctx := context.Background()
	e.Close()

	_, _, err := e.LoadCorpus(ctx, "alpha.jsonl", true)
	assert.ErrorIs(t, err, margo_errors.ErrClosed)
	assert.ErrorIs(t, e.DiscoverCorpora(ctx), margo_errors.ErrClosed)
	assert.ErrorIs(t, e.ReindexStale(ctx), margo_errors.ErrClosed)
	assert.ErrorIs(t, e.ConnectLedgerTable(ctx, ledger.NewMemory()), margo_errors.ErrClosed)
}

func TestConnectLedgerWithoutEndpoint(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	err := e.ConnectLedger(context.Background())
	assert.ErrorIs(t, err, margo_errors.ErrNoLedger)
}

func TestCollectorsRegister(t *testing.T) {
	dir := t.TempDir()
	writeCorpus(t, dir, "alpha", 1)
	e := openEngine(t, dir)

	reg := prometheus.NewRegistry()
	for _, c := range e.Collectors() {
		require.NoError(t, reg.Register(c))
	}
	metrics, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, metrics)
}

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "margo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"corpus_dir: /data/corpora\n"+
			"cache_dir: /data/cache\n"+
			"ledger_endpoint: http://ledger.local:8080\n"+
			"ledger_timeout: 20s\n"+
			"lease_ttl: 90m\n"), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/corpora", opts.CorpusDir)
	assert.Equal(t, "/data/cache", opts.CacheDir)
	assert.Equal(t, "http://ledger.local:8080", opts.LedgerEndpoint)
	assert.Equal(t, 20*time.Second, opts.LedgerTimeout)
	assert.Equal(t, 90*time.Minute, opts.LeaseTTL)

	_, err = LoadOptions(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("lease_ttl: [oops\n"), 0o644))
	_, err = LoadOptions(path)
	assert.Error(t, err)
}

func TestLoadOptionsDefaults(t *testing.T) {
	var opts Options
	opts.SetDefaults()
	assert.Equal(t, "data", opts.CorpusDir)
	assert.Equal(t, filepath.Join("data", "cache"), opts.CacheDir)
	assert.Equal(t, ledger.DefaultTimeout, opts.LedgerTimeout)
	assert.Equal(t, lease.DefaultTTL, opts.LeaseTTL)
	assert.NotNil(t, opts.Logger)
}
