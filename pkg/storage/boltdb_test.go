package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarhq/hangar/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testLease(id string) *types.Lease {
	now := time.Now().UTC()
	return &types.Lease{
		ID:                 id,
		VMID:               "vm-" + id,
		Label:              "linux-small",
		ControllerNodeName: "ephemeral-linux-small-" + id,
		State:              types.LeaseStateRequested,
		CreatedAt:          now,
		UpdatedAt:          now,
		ConnectDeadline:    now.Add(4 * time.Minute),
		TTLDeadline:        now.Add(2 * time.Hour),
	}
}

func TestHostCRUD(t *testing.T) {
	store := newTestStore(t)

	host := &types.Host{
		ID:        "host-1",
		Enabled:   true,
		AgentURL:  "http://10.0.0.5:9090",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateHost(host))

	got, err := store.GetHost("host-1")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9090", got.AgentURL)
	assert.True(t, got.Enabled)

	got.Enabled = false
	require.NoError(t, store.UpdateHost(got))
	got, err = store.GetHost("host-1")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	hosts, err := store.ListHosts()
	require.NoError(t, err)
	assert.Len(t, hosts, 1)

	require.NoError(t, store.DeleteHost("host-1"))
	_, err = store.GetHost("host-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateLeaseWritesEventAtomically(t *testing.T) {
	store := newTestStore(t)

	l := testLease("l1")
	ev := &types.Event{Type: "lease.created", LeaseID: l.ID}
	require.NoError(t, store.CreateLease(l, ev, 10))

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateRequested, got.State)

	evs, err := store.ListEventsByLease("l1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "lease.created", evs[0].Type)
	assert.NotZero(t, evs[0].ID)
}

func TestCreateLeaseUniqueness(t *testing.T) {
	store := newTestStore(t)

	l1 := testLease("l1")
	require.NoError(t, store.CreateLease(l1, nil, 10))

	dup := testLease("l2")
	dup.VMID = l1.VMID
	err := store.CreateLease(dup, nil, 10)
	assert.ErrorIs(t, err, ErrConflict)

	dup = testLease("l3")
	dup.ControllerNodeName = l1.ControllerNodeName
	err = store.CreateLease(dup, nil, 10)
	assert.ErrorIs(t, err, ErrConflict)

	// A terminal lease releases its vm_id for reuse.
	_, err = store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateFailed, nil, nil)
	require.NoError(t, err)
	reuse := testLease("l4")
	reuse.VMID = l1.VMID
	reuse.ControllerNodeName = l1.ControllerNodeName
	assert.NoError(t, store.CreateLease(reuse, nil, 10))
}

func TestCreateLeaseGlobalCap(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateLease(testLease("l1"), nil, 2))
	require.NoError(t, store.CreateLease(testLease("l2"), nil, 2))
	err := store.CreateLease(testLease("l3"), nil, 2)
	assert.ErrorIs(t, err, ErrGlobalCap)

	// Terminal leases do not count toward the cap.
	_, err = store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateFailed, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, store.CreateLease(testLease("l3"), nil, 2))
}

func TestTransitionLeaseCAS(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateLease(testLease("l1"), nil, 0))

	updated, err := store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateProvisioning,
		func(l *types.Lease) { l.HostID = "host-1" },
		&types.Event{Type: "lease.provisioning", LeaseID: "l1"})
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateProvisioning, updated.State)
	assert.Equal(t, "host-1", updated.HostID)
	assert.False(t, updated.UpdatedAt.IsZero())

	// Stale expectation loses.
	_, err = store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateProvisioning, nil, nil)
	assert.ErrorIs(t, err, ErrConflict)

	// Illegal target is rejected and writes nothing.
	_, err = store.TransitionLease("l1", types.LeaseStateProvisioning, types.LeaseStateRunning, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := store.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateProvisioning, got.State)

	// The rejected transitions must not have written events.
	evs, err := store.ListEventsByLease("l1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestTransitionLeaseRejectsTerminalMoves(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateLease(testLease("l1"), nil, 0))

	_, err := store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateFailed, nil, nil)
	require.NoError(t, err)

	_, err = store.TransitionLease("l1", types.LeaseStateFailed, types.LeaseStateRequested, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = store.TransitionLease("l1", types.LeaseStateFailed, types.LeaseStateFailed, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestGetLeaseByVMIDPrefersNonTerminal(t *testing.T) {
	store := newTestStore(t)

	old := testLease("l1")
	require.NoError(t, store.CreateLease(old, nil, 0))
	_, err := store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateFailed, nil, nil)
	require.NoError(t, err)

	fresh := testLease("l2")
	fresh.VMID = old.VMID
	fresh.ControllerNodeName = old.ControllerNodeName
	require.NoError(t, store.CreateLease(fresh, nil, 0))

	got, err := store.GetLeaseByVMID(old.VMID)
	require.NoError(t, err)
	assert.Equal(t, "l2", got.ID)

	got, err = store.GetLeaseByNodeName(old.ControllerNodeName)
	require.NoError(t, err)
	assert.Equal(t, "l2", got.ID)
}

func TestListLeasesFilters(t *testing.T) {
	store := newTestStore(t)

	a := testLease("a")
	a.Label = "linux-large"
	a.HostID = "host-1"
	require.NoError(t, store.CreateLease(a, nil, 0))

	b := testLease("b")
	b.HostID = "host-2"
	require.NoError(t, store.CreateLease(b, nil, 0))
	_, err := store.TransitionLease("b", types.LeaseStateRequested, types.LeaseStateFailed, nil, nil)
	require.NoError(t, err)

	byLabel, err := store.ListLeases(LeaseFilter{Label: "linux-large"})
	require.NoError(t, err)
	require.Len(t, byLabel, 1)
	assert.Equal(t, "a", byLabel[0].ID)

	byState, err := store.ListLeases(LeaseFilter{State: types.LeaseStateFailed})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "b", byState[0].ID)

	byHost, err := store.ListLeases(LeaseFilter{HostID: "host-1"})
	require.NoError(t, err)
	assert.Len(t, byHost, 1)

	nonTerminal, err := store.ListLeases(LeaseFilter{NonTerminal: true})
	require.NoError(t, err)
	require.Len(t, nonTerminal, 1)
	assert.Equal(t, "a", nonTerminal[0].ID)
}

func TestEventsNewestFirst(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendEvent(&types.Event{Type: fmt.Sprintf("t%d", i)}))
	}

	evs, err := store.ListEvents(3)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, "t4", evs[0].Type)
	assert.Equal(t, "t3", evs[1].Type)
	assert.Equal(t, "t2", evs[2].Type)
	assert.Greater(t, evs[0].ID, evs[1].ID)
}

func TestLeaseSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)

	l := testLease("l1")
	require.NoError(t, store.CreateLease(l, nil, 0))
	_, err = store.TransitionLease("l1", types.LeaseStateRequested, types.LeaseStateProvisioning,
		func(cur *types.Lease) { cur.HostID = "host-1" }, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetLease("l1")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateProvisioning, got.State)
	assert.Equal(t, "host-1", got.HostID)
}
