package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteService mimics the /jobs API of another instance: results become
// available after readyAfter polls.
type remoteService struct {
	t          *testing.T
	readyAfter int32
	polls      atomic.Int32
	server     *httptest.Server
	gotField   string
	gotFile    string
}

func newRemoteService(t *testing.T, readyAfter int32) *remoteService {
	rs := &remoteService{t: t, readyAfter: readyAfter}
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		rs.gotField = r.FormValue("mode")
		f, _, err := r.FormFile("input")
		if err == nil {
			buf := make([]byte, 64)
			n, _ := f.Read(buf)
			rs.gotFile = string(buf[:n])
			_ = f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(SubmitResponse{Name: "remote1", ResultsURL: rs.server.URL + "/jobs/remote1/results"})
	})
	mux.HandleFunc("/jobs/remote1/results", func(w http.ResponseWriter, r *http.Request) {
		if rs.polls.Add(1) <= rs.readyAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(ResultsResponse{Results: []Result{{Name: "out.pdb", URL: "http://remote/out.pdb"}}})
	})
	rs.server = httptest.NewServer(mux)
	t.Cleanup(rs.server.Close)
	return rs
}

func TestRESTSubmitAndWait(t *testing.T) {
	rs := newRemoteService(t, 2)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.txt"), []byte("ATOM"), 0o644))

	b := NewREST("remote", rs.server.URL, WithPolling(time.Millisecond, 5*time.Millisecond), WithRateLimit(1000, 10))
	defer b.Stop()
	r := b.NewRunner()
	r.AddField("mode", "fast")
	r.AddFile("input", "input.txt")

	sink := make(chanSink, 1)
	runID, err := r.Submit(context.Background(), SubmitContext{JobName: "job1", Directory: dir, Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, rs.server.URL+"/jobs/remote1/results", runID)
	assert.Equal(t, "fast", rs.gotField)
	assert.Equal(t, "ATOM", rs.gotFile)

	got := sink.next(t)
	assert.NoError(t, got.err)
	assert.Equal(t, runID, got.runID)
	assert.GreaterOrEqual(t, rs.polls.Load(), int32(3))

	done, err := SentinelDoneIn(dir)
	require.NoError(t, err)
	assert.True(t, done)

	results, err := LoadResults(dir)
	require.NoError(t, err)
	assert.Equal(t, []Result{{Name: "out.pdb", URL: "http://remote/out.pdb"}}, results)
}

func TestRESTCheckCompleted(t *testing.T) {
	rs := newRemoteService(t, 1)
	b := NewREST("remote", rs.server.URL, WithRateLimit(1000, 10))
	dir := t.TempDir()
	url := rs.server.URL + "/jobs/remote1/results"
	ctx := context.Background()

	st, err := b.CheckCompleted(ctx, url, dir)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, st)

	st, err = b.CheckCompleted(ctx, url, dir)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, st)
	done, err := SentinelDoneIn(dir)
	require.NoError(t, err)
	assert.True(t, done)

	st, err = b.CheckCompleted(ctx, rs.server.URL+"/jobs/missing/results", dir)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, st)
}

func TestRESTSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewREST("remote", srv.URL)
	_, err := b.NewRunner().Submit(context.Background(), SubmitContext{JobName: "j", Directory: t.TempDir()})
	require.Error(t, err)
	assert.True(t, IsRunnerError(err))
	assert.Contains(t, err.Error(), "400")
}
