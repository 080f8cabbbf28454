package types

import (
	"time"
)

// Host represents a hypervisor host running a node agent.
type Host struct {
	ID      string `json:"host_id"`
	Enabled bool   `json:"enabled"`

	// Token hashes only; plaintext tokens are never persisted.
	BootstrapTokenHash string    `json:"bootstrap_token_hash,omitempty"`
	SessionTokenHash   string    `json:"session_token_hash,omitempty"`
	SessionExpiresAt   time.Time `json:"session_expires_at,omitempty"`

	AgentURL string   `json:"agent_url,omitempty"`
	Platform Platform `json:"platform"`
	Capacity Capacity `json:"capacity"`

	// ActiveVMIDs is the agent's declared inventory from its most
	// recent heartbeat, surfaced to operators. Cleanup decisions use
	// live inventory queries only.
	ActiveVMIDs []string `json:"active_vm_ids,omitempty"`

	LastSeen  time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Platform describes the host OS and virtualization capabilities as
// advertised by its node agent at registration time.
type Platform struct {
	OSFamily        string   `json:"os_family,omitempty"`
	OSFlavor        string   `json:"os_flavor,omitempty"`
	OSVersion       string   `json:"os_version,omitempty"`
	CPUArch         string   `json:"cpu_arch,omitempty"`
	SelectedAccel   string   `json:"selected_accel,omitempty"`
	SupportedAccels []string `json:"supported_accels,omitempty"`
}

// Capacity is the host's declared resource snapshot, refreshed on every
// heartbeat. IOPressure is normalized to [0,1].
type Capacity struct {
	CPUTotal   int     `json:"cpu_total"`
	CPUFree    int     `json:"cpu_free"`
	RAMTotalMB int     `json:"ram_total_mb"`
	RAMFreeMB  int     `json:"ram_free_mb"`
	IOPressure float64 `json:"io_pressure"`
}

// LeaseState represents the lifecycle state of a lease.
type LeaseState string

const (
	LeaseStateRequested    LeaseState = "REQUESTED"
	LeaseStateProvisioning LeaseState = "PROVISIONING"
	LeaseStateBooting      LeaseState = "BOOTING"
	LeaseStateConnecting   LeaseState = "CONNECTING"
	LeaseStateConnected    LeaseState = "CONNECTED"
	LeaseStateRunning      LeaseState = "RUNNING"
	LeaseStateTerminating  LeaseState = "TERMINATING"
	LeaseStateTerminated   LeaseState = "TERMINATED"
	LeaseStateFailed       LeaseState = "FAILED"
)

// Lease ties one queued job to one VM and one controller node for the
// VM's entire lifecycle. The store is the single authoritative record.
type Lease struct {
	ID                 string     `json:"lease_id"`
	VMID               string     `json:"vm_id"`
	Label              string     `json:"label"`
	ControllerNodeName string     `json:"controller_node_name"`
	State              LeaseState `json:"state"`
	HostID             string     `json:"host_id,omitempty"`

	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ConnectDeadline time.Time `json:"connect_deadline"`
	TTLDeadline     time.Time `json:"ttl_deadline"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// Reserved at placement time; informational once the host's next
	// heartbeat reflects the real allocation.
	CPUReserved   int `json:"cpu_reserved,omitempty"`
	RAMReservedMB int `json:"ram_reserved_mb,omitempty"`
}

// Terminal reports whether the lease can never transition again.
func (l *Lease) Terminal() bool {
	return l.State == LeaseStateTerminated || l.State == LeaseStateFailed
}

// Inflight reports whether the lease is between launch and connect.
func (l *Lease) Inflight() bool {
	switch l.State {
	case LeaseStateProvisioning, LeaseStateBooting, LeaseStateConnecting:
		return true
	}
	return false
}

// Event is an append-only log entry emitted at every lease transition and
// at every external call outcome. IDs are monotonic per store.
type Event struct {
	ID        uint64                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	LeaseID   string                 `json:"lease_id,omitempty"`
	Type      string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// VMSpec is the payload sent to a node agent to materialize a VM. The
// vm_id in the URL is the idempotency key across retries.
type VMSpec struct {
	VMID                 string `json:"vm_id"`
	Label                string `json:"label"`
	BaseImageID          string `json:"base_image_id"`
	VCPU                 int    `json:"vcpu"`
	RAMMB                int    `json:"ram_mb"`
	DiskGB               int    `json:"disk_gb"`
	TTLDeadline          string `json:"ttl_deadline"`
	ConnectDeadline      string `json:"connect_deadline"`
	ControllerURL        string `json:"controller_url"`
	ControllerNodeName   string `json:"controller_node_name"`
	InboundSecret        string `json:"inbound_secret"`
	CloudInitUserDataB64 string `json:"cloud_init_user_data_b64"`
}

// VMInfo is a node agent's view of one VM from its inventory.
type VMInfo struct {
	VMID  string `json:"vm_id"`
	State string `json:"state"`
	Label string `json:"label,omitempty"`
}

// NodeProfile maps a lease label to concrete VM sizing.
type NodeProfile struct {
	Name   string
	VCPU   int
	RAMMB  int
	DiskGB int
}
