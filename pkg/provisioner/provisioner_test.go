package provisioner

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hangarhq/hangar/pkg/config"
	"github.com/hangarhq/hangar/pkg/controller"
	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/nodeagent"
	"github.com/hangarhq/hangar/pkg/placement"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

type fixture struct {
	manager     *manager.Manager
	adapter     *controller.Fake
	agent       *nodeagent.Fake
	provisioner *Provisioner
	host        *types.Host
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := manager.NewManager(cfg, store, nil)
	adapter := controller.NewFake()
	agent := nodeagent.NewFake()
	pl := placement.New(cfg.HostStaleTimeout, cfg.HostStaleTimeout)

	host := &types.Host{
		ID:       "host-1",
		Enabled:  true,
		AgentURL: "http://10.0.0.5:9090",
		Platform: types.Platform{
			SelectedAccel:   "kvm",
			SupportedAccels: []string{"kvm"},
		},
		Capacity: types.Capacity{
			CPUTotal: 16, CPUFree: 16,
			RAMTotalMB: 32768, RAMFreeMB: 32768,
		},
		LastSeen:  time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateHost(host))

	prov := New(mgr, adapter, func(h *types.Host) nodeagent.Client { return agent }, pl)
	return &fixture{manager: mgr, adapter: adapter, agent: agent, provisioner: prov, host: host}
}

func TestProfileForLabel(t *testing.T) {
	assert.Equal(t, "small", ProfileForLabel("linux-small").Name)
	assert.Equal(t, "medium", ProfileForLabel("LINUX-MEDIUM").Name)
	assert.Equal(t, "large", ProfileForLabel("build-large-arm").Name)
	assert.Equal(t, "small", ProfileForLabel("whatever").Name)

	large := ProfileForLabel("large")
	assert.Equal(t, 8, large.VCPU)
	assert.Equal(t, 16384, large.RAMMB)
	assert.Equal(t, 120, large.DiskGB)
}

func TestNormalizeNodeLabel(t *testing.T) {
	assert.Equal(t, "linux-small", NormalizeNodeLabel("linux-small"))
	assert.Equal(t, "linux-small-amd64", NormalizeNodeLabel("linux small &&amd64!"))
	assert.Equal(t, "a_b-C9", NormalizeNodeLabel("a_b-C9"))
	assert.Equal(t, "linux-docker", NormalizeNodeLabel("linux && (linux || docker)"))
	assert.Equal(t, "agent", NormalizeNodeLabel("  !&& "))
}

func TestBuildUserData(t *testing.T) {
	encoded := BuildUserData("http://jenkins:8080", "ephemeral-x-1", "s3cret")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	doc := string(raw)
	assert.Contains(t, doc, "#cloud-config")
	assert.Contains(t, doc, "http://jenkins:8080")
	assert.Contains(t, doc, "-name ephemeral-x-1")
	assert.Contains(t, doc, "-secret s3cret")
}

func TestNewLease(t *testing.T) {
	f := newFixture(t)
	l := f.provisioner.NewLease("linux-medium")

	assert.Equal(t, types.LeaseStateRequested, l.State)
	assert.Equal(t, "vm-"+l.ID, l.VMID)
	assert.Contains(t, l.ControllerNodeName, "ephemeral-linux-medium-")
	assert.Equal(t, 4, l.CPUReserved)
	assert.Equal(t, 8192, l.RAMReservedMB)
	assert.True(t, l.ConnectDeadline.Before(l.TTLDeadline))
}

func TestProvisionHappyPath(t *testing.T) {
	f := newFixture(t)
	l := f.provisioner.NewLease("linux-small")
	require.NoError(t, f.manager.CreateLease(l))

	hosts, err := f.manager.ListHosts()
	require.NoError(t, err)
	require.NoError(t, f.provisioner.Provision(context.Background(), l, hosts))

	got, err := f.manager.GetLease(l.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateBooting, got.State)
	assert.Equal(t, "host-1", got.HostID)
	assert.True(t, f.adapter.HasNode(l.ControllerNodeName))
	assert.True(t, f.agent.HasVM(l.VMID))

	evs, err := f.manager.Store().ListEventsByLease(l.ID, 10)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, ev := range evs {
		seen[ev.Type] = true
	}
	assert.True(t, seen[events.TypeLeaseCreated])
	assert.True(t, seen[events.TypeLeaseProvisioning])
	assert.True(t, seen[events.TypeLeaseBooting])
}

func TestProvisionVMSpecCarriesSecret(t *testing.T) {
	f := newFixture(t)
	l := f.provisioner.NewLease("linux-small")
	require.NoError(t, f.manager.CreateLease(l))
	hosts, _ := f.manager.ListHosts()
	require.NoError(t, f.provisioner.Provision(context.Background(), l, hosts))

	info, err := f.agent.GetVM(context.Background(), l.VMID)
	require.NoError(t, err)
	assert.Equal(t, "linux-small", info.Label)
}

func TestProvisionControllerFailureFailsLease(t *testing.T) {
	f := newFixture(t)
	f.adapter.CreateErr = errors.New("controller down")

	l := f.provisioner.NewLease("linux-small")
	require.NoError(t, f.manager.CreateLease(l))
	hosts, _ := f.manager.ListHosts()

	err := f.provisioner.Provision(context.Background(), l, hosts)
	require.Error(t, err)

	got, err := f.manager.GetLease(l.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateFailed, got.State)
	assert.Contains(t, got.LastError, "controller_create_node")
	assert.False(t, f.agent.HasVM(l.VMID))
}

func TestProvisionAgentFailureUnwindsNode(t *testing.T) {
	f := newFixture(t)
	f.agent.EnsureErr = errors.New("agent rejected spec")

	l := f.provisioner.NewLease("linux-small")
	require.NoError(t, f.manager.CreateLease(l))
	hosts, _ := f.manager.ListHosts()

	err := f.provisioner.Provision(context.Background(), l, hosts)
	require.Error(t, err)

	got, err := f.manager.GetLease(l.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateFailed, got.State)

	// The controller node created earlier in the sequence must be gone.
	assert.False(t, f.adapter.HasNode(l.ControllerNodeName))

	evs, err := f.manager.Events(50)
	require.NoError(t, err)
	var failureEv *types.Event
	for _, ev := range evs {
		if ev.Type == events.TypeScaleLaunchFailed {
			failureEv = ev
		}
	}
	require.NotNil(t, failureEv)
	assert.Equal(t, "internal", failureEv.Payload[events.FieldErrorType])
}

func TestProvisionNoCapacityFailsLease(t *testing.T) {
	f := newFixture(t)
	f.host.Capacity.CPUFree = 0
	require.NoError(t, f.manager.Store().UpdateHost(f.host))

	l := f.provisioner.NewLease("linux-small")
	require.NoError(t, f.manager.CreateLease(l))
	hosts, _ := f.manager.ListHosts()

	err := f.provisioner.Provision(context.Background(), l, hosts)
	assert.ErrorIs(t, err, placement.ErrInsufficientCapacity)

	got, _ := f.manager.GetLease(l.ID)
	assert.Equal(t, types.LeaseStateFailed, got.State)
}
