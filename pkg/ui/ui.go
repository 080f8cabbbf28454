// Package ui renders the single-page operator status view. The page is
// static HTML with one embedded JSON snapshot; the script hydrates the
// tables from it, so the endpoint doubles as a machine-readable dump.
package ui

import (
	"bytes"
	"encoding/json"
	"html/template"
	"time"

	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/lease"
	"github.com/hangarhq/hangar/pkg/manager"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

// Snapshot is the embedded state dump.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Hosts       []hostView     `json:"hosts"`
	Leases      []*types.Lease `json:"leases"`
	Events      []*types.Event `json:"events"`
	StateCounts map[string]int `json:"state_counts"`
}

type hostView struct {
	ID       string         `json:"host_id"`
	Enabled  bool           `json:"enabled"`
	AgentURL string         `json:"agent_url,omitempty"`
	Capacity types.Capacity `json:"capacity"`
	LastSeen time.Time      `json:"last_seen,omitempty"`
	ActiveVM int            `json:"active_vms"`
}

const recentEvents = 100

var page = template.Must(template.New("ui").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>hangar</title>
<style>
body { font-family: monospace; margin: 2em; background: #111; color: #ddd; }
h1 { font-size: 1.3em; }
table { border-collapse: collapse; margin-bottom: 2em; width: 100%; }
th, td { border: 1px solid #444; padding: 4px 8px; text-align: left; font-size: 0.9em; }
th { background: #222; }
.state-RUNNING { color: #6c6; }
.state-FAILED { color: #c66; }
.state-TERMINATING, .state-TERMINATED { color: #888; }
</style>
</head>
<body>
<h1>hangar control plane</h1>
<div id="counts"></div>
<h2>Hosts</h2>
<table id="hosts"><tr><th>host</th><th>enabled</th><th>cpu free</th><th>ram free</th><th>io</th><th>vms</th><th>last seen</th></tr></table>
<h2>Leases</h2>
<table id="leases"><tr><th>lease</th><th>label</th><th>state</th><th>host</th><th>node</th><th>created</th></tr></table>
<h2>Events</h2>
<table id="events"><tr><th>time</th><th>type</th><th>lease</th></tr></table>
<script id="cp-snapshot" type="application/json">{{.SnapshotJSON}}</script>
<script>
var snap = JSON.parse(document.getElementById("cp-snapshot").textContent);
function cell(tr, text, cls) { var td = document.createElement("td"); td.textContent = text; if (cls) td.className = cls; tr.appendChild(td); }
document.getElementById("counts").textContent = Object.entries(snap.state_counts)
  .filter(function(e) { return e[1] > 0; })
  .map(function(e) { return e[0] + ": " + e[1]; }).join("  |  ") || "no leases";
snap.hosts.forEach(function(h) {
  var tr = document.createElement("tr");
  cell(tr, h.host_id); cell(tr, h.enabled);
  cell(tr, h.capacity.cpu_free + "/" + h.capacity.cpu_total);
  cell(tr, h.capacity.ram_free_mb + "/" + h.capacity.ram_total_mb + " MB");
  cell(tr, h.capacity.io_pressure.toFixed(2));
  cell(tr, h.active_vms); cell(tr, h.last_seen || "never");
  document.getElementById("hosts").appendChild(tr);
});
snap.leases.forEach(function(l) {
  var tr = document.createElement("tr");
  cell(tr, l.lease_id.slice(0, 8)); cell(tr, l.label);
  cell(tr, l.state, "state-" + l.state);
  cell(tr, l.host_id || ""); cell(tr, l.controller_node_name); cell(tr, l.created_at);
  document.getElementById("leases").appendChild(tr);
});
snap.events.forEach(function(e) {
  var tr = document.createElement("tr");
  cell(tr, e.timestamp); cell(tr, e.event_type); cell(tr, (e.lease_id || "").slice(0, 8));
  document.getElementById("events").appendChild(tr);
});
</script>
</body>
</html>
`))

// Render builds the page from the current store contents.
func Render(mgr *manager.Manager) ([]byte, error) {
	snap, err := BuildSnapshot(mgr)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = page.Execute(&buf, struct{ SnapshotJSON template.JS }{template.JS(raw)})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildSnapshot assembles the state dump. Heartbeat noise is filtered
// from the event window so operator-relevant entries stay visible.
func BuildSnapshot(mgr *manager.Manager) (*Snapshot, error) {
	hosts, err := mgr.ListHosts()
	if err != nil {
		return nil, err
	}
	leases, err := mgr.ListLeases(storage.LeaseFilter{})
	if err != nil {
		return nil, err
	}
	evs, err := mgr.Events(recentEvents * 2)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		GeneratedAt: time.Now().UTC(),
		Hosts:       make([]hostView, 0, len(hosts)),
		Leases:      leases,
		Events:      make([]*types.Event, 0, recentEvents),
		StateCounts: make(map[string]int),
	}
	for _, state := range lease.States() {
		snap.StateCounts[string(state)] = 0
	}
	for _, l := range leases {
		snap.StateCounts[string(l.State)]++
	}
	for _, h := range hosts {
		snap.Hosts = append(snap.Hosts, hostView{
			ID:       h.ID,
			Enabled:  h.Enabled,
			AgentURL: h.AgentURL,
			Capacity: h.Capacity,
			LastSeen: h.LastSeen,
			ActiveVM: len(h.ActiveVMIDs),
		})
	}
	for _, ev := range evs {
		if ev.Type == events.TypeHostHeartbeat {
			continue
		}
		snap.Events = append(snap.Events, ev)
		if len(snap.Events) == recentEvents {
			break
		}
	}
	return snap, nil
}
