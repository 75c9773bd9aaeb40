package commands

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/lbsync"
)

var sid = strings.Repeat("5A", 32)

func TestApplyRunArgs(t *testing.T) {
	conf := lbsync.DefaultConfig()
	err := ApplyRunArgs(&conf, []string{"127.0.0.1:4110", "user:pass", strings.ToLower(sid), "/dev/ttyUSB0", "meshmsonly", "pieces"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:4110", conf.Store.Addr)
	assert.Equal(t, "user:pass", conf.Store.Credential)
	assert.Equal(t, sid, conf.SID)
	assert.Equal(t, "/dev/ttyUSB0", conf.Port)
	assert.True(t, conf.MeshMSOnly)
	assert.True(t, conf.Debugging(lbsync.DebugPieces))
	require.NoError(t, conf.Validate())

	conf = lbsync.DefaultConfig()
	require.NoError(t, ApplyRunArgs(&conf, []string{"bolt:/var/lib/lbsync.db", "", sid, "udp::4000,10.0.0.255:4000"}))
	assert.Empty(t, conf.Store.Addr)
	assert.Equal(t, "/var/lib/lbsync.db", conf.Store.BoltPath)
}

func TestExitCodes(t *testing.T) {
	conf := lbsync.DefaultConfig()
	err := ApplyRunArgs(&conf, []string{"host:1", "c", sid, "/dev/ttyS0", "teleport"})
	assert.Equal(t, ExitUnknownMode, ExitCode(err))

	conf = lbsync.DefaultConfig()
	err = ApplyRunArgs(&conf, []string{"host:1", "c", "ABCD", "/dev/ttyS0"})
	assert.ErrorIs(t, err, lbsync.ErrBadSID)
	assert.Equal(t, ExitFailure, ExitCode(err))

	assert.Equal(t, ExitFailure, ExitCode(fmt.Errorf("opening port: %w", assert.AnError)))
}
