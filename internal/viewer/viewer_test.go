package viewer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/framequeue/internal/metadata"
	"github.com/ChuLiYu/framequeue/internal/queue"
	"github.com/ChuLiYu/framequeue/pkg/types"
)

func newTestServer(t *testing.T) (*queue.Queue, *httptest.Server) {
	t.Helper()
	q, err := queue.New(queue.Config{DataPath: filepath.Join(t.TempDir(), "data.db")})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	srv := httptest.NewServer(NewServer(q).Handler())
	t.Cleanup(srv.Close)
	return q, srv
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func testFrame() types.Frame {
	return types.Frame{Width: 2, Height: 2, Pixels: []uint16{1, 2, 3, 4}}
}

func TestHealthAndStats(t *testing.T) {
	q, srv := newTestServer(t)
	q.Release(0)
	require.NoError(t, q.Append(testFrame()))

	resp, body := get(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), q.ID())

	resp, body = get(t, srv.URL+"/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st types.QueueStats
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 1, st.Open)
	assert.Equal(t, int64(1), st.NumSlices)
	assert.True(t, st.Accepting)

	_, body = get(t, srv.URL+"/api/open?exact=true")
	assert.JSONEq(t, `{"open":1}`, string(body))
}

func TestFrames(t *testing.T) {
	q, srv := newTestServer(t)
	require.NoError(t, q.Append(testFrame()))

	resp, body := get(t, srv.URL+"/api/frames/0")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var f types.Frame
	require.NoError(t, json.Unmarshal(body, &f))
	assert.Equal(t, testFrame(), f)

	resp, body = get(t, srv.URL+"/api/frames/0/raw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	raw, err := types.DecodeFrame(body)
	require.NoError(t, err)
	assert.Equal(t, testFrame(), raw)

	resp, _ = get(t, srv.URL+"/api/frames/3")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/frames/abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetadata(t *testing.T) {
	q, srv := newTestServer(t)
	require.NoError(t, q.SetMetadata(metadata.KeyDetectionThreshold, 2.5))

	resp, body := get(t, srv.URL+"/api/metadata/"+metadata.KeyDetectionThreshold)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2.5\n", string(body))

	_, body = get(t, srv.URL+"/api/metadata")
	var all map[string]any
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Equal(t, 2.5, all[metadata.KeyDetectionThreshold])
	assert.Contains(t, all, metadata.KeyFitModule)

	resp, _ = get(t, srv.URL+"/api/metadata/Nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestData(t *testing.T) {
	q, srv := newTestServer(t)
	q.Release(0)
	require.NoError(t, q.Append(testFrame()))
	require.NoError(t, q.LogEvent("laser on", "", time.Unix(10, 0)))

	_, body := get(t, srv.URL+"/api/data/ImageShape")
	assert.JSONEq(t, `{"width":2,"height":2}`, string(body))

	_, body = get(t, srv.URL+"/api/data/NumSlices")
	assert.Equal(t, "1\n", string(body))

	_, body = get(t, srv.URL+"/api/data/Events")
	var events []types.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, "laser on", events[0].Name)

	require.NoError(t, q.FileResult(types.Result{Index: 0, Fits: []types.FitEntry{{Index: 0, X: 1}}}))
	require.NoError(t, q.Flush())
	_, body = get(t, srv.URL+"/api/data/FitResults?from=0")
	var fits []types.FitEntry
	require.NoError(t, json.Unmarshal(body, &fits))
	require.Len(t, fits, 1)
	assert.Equal(t, 1.0, fits[0].X)

	_, body = get(t, srv.URL+"/api/drift")
	assert.Equal(t, "[]\n", string(body))

	resp, _ := get(t, srv.URL+"/api/data/Bogus")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, srv.URL+"/api/data/PSF")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPSF(t *testing.T) {
	q, srv := newTestServer(t)
	psf := filepath.Join(t.TempDir(), "psf.bin")
	require.NoError(t, os.WriteFile(psf, []byte{1, 2, 3}, 0o644))
	require.NoError(t, q.SetMetadata(metadata.KeyPSFFile, psf))

	resp, body := get(t, srv.URL+"/api/data/PSF")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte{1, 2, 3}, body)
}

func TestMetricsHandler(t *testing.T) {
	q, err := queue.New(queue.Config{DataPath: filepath.Join(t.TempDir(), "data.db")})
	require.NoError(t, err)
	defer q.Close()

	s := NewServer(q)
	s.SetMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	}))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "metrics", rec.Body.String())
}
