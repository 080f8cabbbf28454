package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

type fixture struct {
	manager *manager.Manager
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mgr := manager.NewManager(cfg, store, nil)
	srv := NewServer(mgr, ":0")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{manager: mgr, server: ts}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (f *fixture) seedLease(t *testing.T, id string, state types.LeaseState) *types.Lease {
	t.Helper()
	now := time.Now().UTC()
	l := &types.Lease{
		ID:                 id,
		VMID:               "vm-" + id,
		Label:              "linux-small",
		ControllerNodeName: "ephemeral-linux-small-" + id,
		State:              types.LeaseStateRequested,
		CreatedAt:          now,
		ConnectDeadline:    now.Add(4 * time.Minute),
		TTLDeadline:        now.Add(2 * time.Hour),
	}
	require.NoError(t, f.manager.CreateLease(l))
	if state != types.LeaseStateRequested {
		got, err := f.manager.GetLease(id)
		require.NoError(t, err)
		got.State = state
		require.NoError(t, f.manager.Store().UpdateLease(got))
		return got
	}
	return l
}

func TestHostRegistrationFlow(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/v1/hosts", map[string]string{
		"host_id":         "host-1",
		"bootstrap_token": "boot-secret",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created types.Host
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Empty(t, created.BootstrapTokenHash, "hashes never leave the API")

	resp, body = f.do(t, "POST", "/v1/hosts/host-1/register", manager.RegisterRequest{
		AgentURL:   "http://10.0.0.5:9090",
		CPUTotal:   8,
		RAMTotalMB: 16384,
	}, map[string]string{"Authorization": "Bearer boot-secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reg manager.RegisterResult
	require.NoError(t, json.Unmarshal(body, &reg))
	require.NotEmpty(t, reg.SessionToken)

	resp, _ = f.do(t, "POST", "/v1/hosts/host-1/heartbeat", manager.HeartbeatRequest{
		Capacity: types.Capacity{CPUTotal: 8, CPUFree: 6, RAMTotalMB: 16384, RAMFreeMB: 10000},
	}, map[string]string{"Authorization": "Bearer " + reg.SessionToken})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterAuthFailures(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.AddHost("host-1", "boot-secret")
	require.NoError(t, err)

	resp, _ := f.do(t, "POST", "/v1/hosts/host-1/register", manager.RegisterRequest{}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/v1/hosts/host-1/register", manager.RegisterRequest{},
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/v1/hosts/ghost/register", manager.RegisterRequest{},
		map[string]string{"Authorization": "Bearer boot-secret"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHeartbeatDisabledHost(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.AddHost("host-1", "boot-secret")
	require.NoError(t, err)
	require.NoError(t, f.manager.DisableHost("host-1"))

	resp, _ := f.do(t, "POST", "/v1/hosts/host-1/heartbeat", manager.HeartbeatRequest{},
		map[string]string{"Authorization": "Bearer whatever"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEnableDisableHost(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.AddHost("host-1", "x")
	require.NoError(t, err)

	resp, _ := f.do(t, "POST", "/v1/hosts/host-1/disable", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	host, err := f.manager.GetHost("host-1")
	require.NoError(t, err)
	assert.False(t, host.Enabled)

	resp, _ = f.do(t, "POST", "/v1/hosts/host-1/enable", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/v1/hosts/ghost/enable", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListLeasesWithFilters(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateRunning)
	f.seedLease(t, "b", types.LeaseStateRequested)

	resp, body := f.do(t, "GET", "/v1/leases", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all struct {
		Leases []*types.Lease `json:"leases"`
	}
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all.Leases, 2)

	resp, body = f.do(t, "GET", "/v1/leases?state=RUNNING", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered struct {
		Leases []*types.Lease `json:"leases"`
	}
	require.NoError(t, json.Unmarshal(body, &filtered))
	require.Len(t, filtered.Leases, 1)
	assert.Equal(t, "a", filtered.Leases[0].ID)
}

func TestTerminateLease(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateRunning)

	resp, body := f.do(t, "POST", "/v1/leases/a/terminate", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var l types.Lease
	require.NoError(t, json.Unmarshal(body, &l))
	assert.Equal(t, types.LeaseStateTerminating, l.State)

	// Terminating again is idempotent.
	resp, _ = f.do(t, "POST", "/v1/leases/a/terminate", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, "POST", "/v1/leases/ghost/terminate", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTerminateTerminalLeaseConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateFailed)

	resp, _ := f.do(t, "POST", "/v1/leases/a/terminate", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestVMStatusCallbackAdvancesBooting(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateBooting)

	resp, _ := f.do(t, "POST", "/v1/vms/vm-a/status", map[string]string{"state": "connecting"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	l, err := f.manager.GetLease("a")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateConnecting, l.State)
	assert.False(t, l.LastHeartbeat.IsZero())
}

func TestVMStatusCrashedTerminatesLease(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateRunning)

	resp, _ := f.do(t, "POST", "/v1/vms/vm-a/status", map[string]string{"state": "crashed", "detail": "qemu exited"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	l, err := f.manager.GetLease("a")
	require.NoError(t, err)
	assert.Equal(t, types.LeaseStateTerminating, l.State)
}

func TestVMStatusUnknownVM(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "POST", "/v1/vms/vm-ghost/status", map[string]string{"state": "connecting"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWatchEventsStream(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	store, err := storage.NewBoltStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	mgr := manager.NewManager(cfg, store, broker)
	ts := httptest.NewServer(NewServer(mgr, ":0").Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/v1/events/watch")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription exists once the headers arrive, so this event
	// must reach the stream.
	mgr.RecordEvent(events.TypeHostRegistered, nil, "")

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, events.TypeHostRegistered, ev.Type)
		return
	}
	t.Fatal("stream closed without delivering the event")
}

func TestWatchEventsWithoutBroker(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, "GET", "/v1/events/watch", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateRequested)

	resp, body := f.do(t, "GET", "/v1/events?limit=10", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Events []*types.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Events)
	assert.Equal(t, "lease.created", out.Events[0].Type)
}

func TestLeaseEventsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.seedLease(t, "a", types.LeaseStateRequested)

	resp, body := f.do(t, "GET", "/v1/leases/a/events", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Events []*types.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Events, 1)

	resp, _ = f.do(t, "GET", "/v1/leases/ghost/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndUI(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, "GET", "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, "GET", "/ui", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), `id="cp-snapshot"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hangar_")
}
