package ui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarhq/hangar/pkg/config"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return manager.NewManager(cfg, store, nil)
}

func TestBuildSnapshot(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Store().CreateHost(&types.Host{
		ID:          "host-1",
		Enabled:     true,
		ActiveVMIDs: []string{"vm-a"},
		CreatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, mgr.CreateLease(&types.Lease{
		ID: "a", VMID: "vm-a", Label: "linux-small",
		ControllerNodeName: "ephemeral-a",
		State:              types.LeaseStateRequested,
		CreatedAt:          time.Now().UTC(),
	}))
	mgr.RecordEvent(events.TypeHostHeartbeat, nil, "")
	mgr.RecordEvent(events.TypeHostRegistered, nil, "")

	snap, err := BuildSnapshot(mgr)
	require.NoError(t, err)
	assert.Len(t, snap.Hosts, 1)
	assert.Equal(t, 1, snap.Hosts[0].ActiveVM)
	assert.Len(t, snap.Leases, 1)
	assert.Equal(t, 1, snap.StateCounts["REQUESTED"])
	assert.Equal(t, 0, snap.StateCounts["RUNNING"])
	assert.False(t, snap.GeneratedAt.IsZero())

	for _, ev := range snap.Events {
		assert.NotEqual(t, events.TypeHostHeartbeat, ev.Type, "heartbeat noise is filtered")
	}
}

func TestRenderEmbedsSnapshot(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.CreateLease(&types.Lease{
		ID: "a", VMID: "vm-a", Label: "linux-small",
		ControllerNodeName: "ephemeral-a",
		State:              types.LeaseStateRequested,
		CreatedAt:          time.Now().UTC(),
	}))

	page, err := Render(mgr)
	require.NoError(t, err)
	html := string(page)
	assert.Contains(t, html, `<script id="cp-snapshot" type="application/json">`)

	// The embedded JSON must parse back into the snapshot shape.
	start := strings.Index(html, `type="application/json">`) + len(`type="application/json">`)
	end := strings.Index(html[start:], "</script>")
	require.Greater(t, end, 0)
	var snap Snapshot
	require.NoError(t, json.Unmarshal([]byte(html[start:start+end]), &snap))
	assert.Len(t, snap.Leases, 1)
}
