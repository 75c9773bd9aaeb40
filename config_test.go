package lbsync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyModes(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyModes([]string{
		"meshmsonly", "minversion=2024/03/01", "timeslave", "timebroadcast=10.0.0.255:21505",
		"nopriority", "nohttpd", "pieces", "logrejects", "pieces",
	})
	require.NoError(t, err)

	want := DefaultConfig()
	want.MeshMSOnly = true
	want.MinVersion = uint64(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	want.Time.Mode = TimeSlave
	want.Time.UDP = true
	want.Time.Broadcast = []string{"10.0.0.255:21505"}
	want.NoPriority = true
	want.Status.NoHTTPD = true
	want.Debug = []string{DebugPieces, DebugLogRejects}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, cfg.Debugging(DebugPieces))
	assert.False(t, cfg.Debugging(DebugRadio))
}

func TestApplyModesRejectsUnknown(t *testing.T) {
	for _, mode := range []string{"warp", "monitor=1", "minversion", "minversion=yesterday", "timebroadcast=", "radio=on"} {
		cfg := DefaultConfig()
		assert.ErrorIs(t, cfg.ApplyModes([]string{mode}), ErrUnknownMode, mode)
	}
}

func TestParseMinVersion(t *testing.T) {
	v, err := ParseMinVersion("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1700000000000), v)

	v, err = ParseMinVersion("1970/01/02")
	require.NoError(t, err)
	assert.Equal(t, uint64(24*time.Hour/time.Millisecond), v)
}

func TestParseSID(t *testing.T) {
	sid, err := ParseSID(sidA[:63])
	assert.ErrorIs(t, err, ErrBadSID)
	assert.Empty(t, sid)

	_, err = ParseSID("zz" + sidA[2:])
	assert.ErrorIs(t, err, ErrBadSID)

	sid, err = ParseSID("a1" + sidA[2:] + "trailing")
	require.NoError(t, err)
	assert.Equal(t, sidA, sid)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig(t, sidA)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Port = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Store.BoltPath = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Time.Mode = "sundial"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.Debug = []string{"everything"}
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	mon := DefaultConfig()
	mon.Port = "/dev/ttyUSB0"
	mon.Monitor = true
	assert.NoError(t, mon.Validate(), "monitor mode needs neither SID nor store")
}

func TestFillDefaults(t *testing.T) {
	var cfg Config
	cfg.FillDefaults()
	want := DefaultConfig()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
}
