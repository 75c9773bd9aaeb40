package lbsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/lbsync/frame"
	"github.com/unkn0wn-root/lbsync/radio"
)

func TestStatusHandler(t *testing.T) {
	m := radio.NewMedium()
	a := newNode(t, m, "a", testConfig(t, sidA), 1)
	sendProbe(t, m.Attach("probe"), 1, func(w *frame.Writer) {})
	step(t, t0.Add(10*time.Millisecond), a.e)

	srv := httptest.NewServer(StatusHandler(a.e))
	defer srv.Close()

	get := func(path string, v interface{}) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	var st Status
	require.Equal(t, http.StatusOK, get("/status", &st))
	assert.Equal(t, sidA, st.SID)
	assert.Equal(t, uint64(1), st.Counters.FramesIn)

	var ps []PeerStatus
	require.Equal(t, http.StatusOK, get("/peers", &ps))
	require.Len(t, ps, 1)
	assert.Equal(t, "C0FFEE01", ps[0].Prefix)
	assert.True(t, ps[0].Active)

	var one PeerStatus
	require.Equal(t, http.StatusOK, get("/peers/c0ffee01", &one))
	assert.Equal(t, uint32(7), one.Instance)

	assert.Equal(t, http.StatusNotFound, get("/peers/00000000", nil))
	assert.Equal(t, http.StatusBadRequest, get("/peers/xyz", nil))
	assert.Equal(t, http.StatusOK, get("/metrics", nil))
}

func TestStatusFileWrittenPeriodically(t *testing.T) {
	m := radio.NewMedium()
	cfg := testConfig(t, sidA)
	cfg.Status.File = filepath.Join(t.TempDir(), "status.json")
	a := newNode(t, m, "a", cfg, 1)

	step(t, t0, a.e)
	data, err := os.ReadFile(cfg.Status.File)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, sidA, st.SID)

	require.NoError(t, os.Remove(cfg.Status.File))
	step(t, t0.Add(time.Second), a.e)
	_, err = os.Stat(cfg.Status.File)
	assert.True(t, os.IsNotExist(err), "not due yet")

	step(t, t0.Add(cfg.Status.Interval), a.e)
	_, err = os.Stat(cfg.Status.File)
	assert.NoError(t, err)
}
