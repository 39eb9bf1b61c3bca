package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/margonote/margo/margo_errors"
)

// recordingServer serves a fixed table document and records every
// mutation request it receives.
type recordingServer struct {
	srv *httptest.Server

	mu   sync.Mutex
	doc  tableDoc
	reqs []recordedReq
}

type recordedReq struct {
	Method string
	Path   string
	Body   map[string]any
}

func newRecordingServer(t *testing.T, doc tableDoc) *recordingServer {
	t.Helper()
	rs := &recordingServer{doc: doc}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/table" {
			rs.mu.Lock()
			doc := rs.doc
			rs.mu.Unlock()
			_ = json.NewEncoder(w).Encode(doc)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rs.mu.Lock()
		rs.reqs = append(rs.reqs, recordedReq{Method: r.Method, Path: r.URL.Path, Body: body})
		rs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recordingServer) recorded() []recordedReq {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]recordedReq(nil), rs.reqs...)
}

func TestRemoteRowsMaterialization(t *testing.T) {
	rs := newRecordingServer(t, tableDoc{
		Header: []string{ColKey, ColTitle, ColAnnotator},
		Rows: [][]string{
			{"10.1/a1", "Alpha", "alice"},
			{"10.1/a2"},
		},
	})
	remote, err := NewRemote(rs.srv.URL, 0)
	require.NoError(t, err)
	ctx := context.Background()

	header, err := remote.Header(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ColKey, ColTitle, ColAnnotator}, header)

	rows, err := remote.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Data rows number from 2; short rows read as empty cells.
	assert.Equal(t, 2, rows[0].Num)
	assert.Equal(t, 3, rows[1].Num)
	assert.Equal(t, "alice", rows[0].Cell(ColAnnotator))
	assert.False(t, rows[0].IsPlaceholder())
	assert.Equal(t, "", rows[1].Cell(ColTitle))
	assert.True(t, rows[1].IsPlaceholder())

	row, found, err := remote.Find(ctx, ColKey, "10.1/a2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, row.Num)

	_, found, err = remote.Find(ctx, ColKey, "10.1/absent")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemoteMutationRequests(t *testing.T) {
	rs := newRecordingServer(t, tableDoc{})
	// A trailing slash on the endpoint must not double up in paths.
	remote, err := NewRemote(rs.srv.URL+"/", 0)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, remote.SetHeader(ctx, []string{ColKey, ColTitle}))
	require.NoError(t, remote.Append(ctx, map[string]string{ColKey: "10.1/a1"}))
	require.NoError(t, remote.Update(ctx, 4, map[string]string{ColLockHolder: "alice"}))
	require.NoError(t, remote.Delete(ctx, 3))

	reqs := rs.recorded()
	require.Len(t, reqs, 4)

	assert.Equal(t, http.MethodPut, reqs[0].Method)
	assert.Equal(t, "/header", reqs[0].Path)
	assert.Equal(t, []any{ColKey, ColTitle}, reqs[0].Body["columns"])

	assert.Equal(t, http.MethodPost, reqs[1].Method)
	assert.Equal(t, "/rows", reqs[1].Path)
	assert.Equal(t, map[string]any{ColKey: "10.1/a1"}, reqs[1].Body["cells"])

	assert.Equal(t, "/update", reqs[2].Path)
	assert.Equal(t, float64(4), reqs[2].Body["row"])
	assert.Equal(t, map[string]any{ColLockHolder: "alice"}, reqs[2].Body["cells"])

	assert.Equal(t, "/delete", reqs[3].Path)
	assert.Equal(t, float64(3), reqs[3].Body["row"])
}

func TestRemoteErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	var statusMu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		statusMu.Lock()
		s := status
		statusMu.Unlock()
		w.WriteHeader(s)
	}))
	t.Cleanup(srv.Close)

	remote, err := NewRemote(srv.URL, 0)
	require.NoError(t, err)
	ctx := context.Background()

	// 5xx: outcome unknown, retryable.
	err = remote.Append(ctx, map[string]string{ColKey: "10.1/a1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, margo_errors.ErrLedgerTransient)

	_, err = remote.Rows(ctx)
	assert.ErrorIs(t, err, margo_errors.ErrLedgerTransient)

	// 4xx: the request itself is wrong, retrying cannot help.
	statusMu.Lock()
	status = http.StatusNotFound
	statusMu.Unlock()
	err = remote.Delete(ctx, 3)
	require.Error(t, err)
	assert.False(t, errors.Is(err, margo_errors.ErrLedgerTransient))
}

func TestRemoteNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	remote, err := NewRemote(srv.URL, 0)
	require.NoError(t, err)
	srv.Close()

	err = remote.Append(context.Background(), map[string]string{ColKey: "10.1/a1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, margo_errors.ErrLedgerTransient)
}

func TestRemoteTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	remote, err := NewRemote(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = remote.Rows(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, margo_errors.ErrLedgerTransient)
}

func TestNewRemoteRejectsEmptyEndpoint(t *testing.T) {
	_, err := NewRemote("", time.Second)
	assert.Error(t, err)
}
