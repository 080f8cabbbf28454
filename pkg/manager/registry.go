package manager

import (
	"fmt"
	"time"

	"github.com/hangarhq/hangar/pkg/events"
	"github.com/hangarhq/hangar/pkg/log"
	"github.com/hangarhq/hangar/pkg/metrics"
	"github.com/hangarhq/hangar/pkg/storage"
	"github.com/hangarhq/hangar/pkg/types"
)

// RegisterRequest is the body of a node agent's register call.
type RegisterRequest struct {
	AgentVersion string         `json:"agent_version"`
	AgentURL     string         `json:"agent_url"`
	Platform     types.Platform `json:"platform"`
	CPUTotal     int            `json:"cpu_total"`
	RAMTotalMB   int            `json:"ram_total_mb"`
}

// RegisterResult carries the plaintext session token back to the agent;
// only its hash is stored.
type RegisterResult struct {
	HostID               string    `json:"host_id"`
	Enabled              bool      `json:"enabled"`
	SessionToken         string    `json:"session_token"`
	SessionExpiresAt     time.Time `json:"session_expires_at"`
	HeartbeatIntervalSec int       `json:"heartbeat_interval_sec"`
}

// HeartbeatRequest is the body of a node agent's heartbeat call.
type HeartbeatRequest struct {
	Capacity    types.Capacity `json:"capacity"`
	Platform    types.Platform `json:"platform"`
	ActiveVMIDs []string       `json:"active_vm_ids"`
}

// AddHost provisions a host record with a hashed bootstrap token.
// Operator-only; the API never creates hosts unless the development
// auto-registration flag is on.
func (m *Manager) AddHost(hostID, bootstrapToken string) (*types.Host, error) {
	if hostID == "" {
		return nil, fmt.Errorf("host_id is required")
	}
	if bootstrapToken == "" {
		return nil, fmt.Errorf("bootstrap token is required")
	}
	if _, err := m.store.GetHost(hostID); err == nil {
		return nil, fmt.Errorf("host %s already exists", hostID)
	}

	host := &types.Host{
		ID:                 hostID,
		Enabled:            true,
		BootstrapTokenHash: HashToken(bootstrapToken),
		CreatedAt:          time.Now().UTC(),
	}
	if err := m.store.CreateHost(host); err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}
	return host, nil
}

// RegisterHost authenticates a node agent by bootstrap token and issues
// a session token. The plaintext session token appears only in the
// returned result.
func (m *Manager) RegisterHost(hostID, bootstrapToken string, req *RegisterRequest) (*RegisterResult, error) {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		if !m.cfg.AllowUnknownHostRegistration {
			m.authFailure("register", hostID, "unknown host")
			return nil, ErrUnknownHost
		}
		// Development mode: auto-create the host, trusting the
		// presented token as its bootstrap credential.
		host = &types.Host{
			ID:                 hostID,
			Enabled:            true,
			BootstrapTokenHash: HashToken(bootstrapToken),
			CreatedAt:          time.Now().UTC(),
		}
	}

	if !SecureCompareToken(bootstrapToken, host.BootstrapTokenHash) {
		m.authFailure("register", hostID, "invalid bootstrap token")
		return nil, ErrUnauthorized
	}

	sessionToken, err := NewSessionToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	expiry := now.Add(m.cfg.SessionTTL)

	host.SessionTokenHash = HashToken(sessionToken)
	host.SessionExpiresAt = expiry
	host.AgentURL = req.AgentURL
	host.Platform = req.Platform
	host.Capacity = types.Capacity{
		CPUTotal:   req.CPUTotal,
		CPUFree:    req.CPUTotal,
		RAMTotalMB: req.RAMTotalMB,
		RAMFreeMB:  req.RAMTotalMB,
	}
	host.LastSeen = now
	if err := m.store.UpdateHost(host); err != nil {
		return nil, fmt.Errorf("failed to update host: %w", err)
	}

	m.RecordEvent(events.TypeHostRegistered, map[string]interface{}{
		events.FieldHostID:   hostID,
		"agent_version":      req.AgentVersion,
		events.FieldAgentURL: req.AgentURL,
	}, "")
	hostLog := log.WithHostID(hostID)
	hostLog.Info().
		Str("agent_url", req.AgentURL).
		Str("agent_version", req.AgentVersion).
		Msg("host registered")

	return &RegisterResult{
		HostID:               host.ID,
		Enabled:              host.Enabled,
		SessionToken:         sessionToken,
		SessionExpiresAt:     expiry,
		HeartbeatIntervalSec: int(m.cfg.HostStaleTimeout.Seconds() / 2),
	}, nil
}

// HeartbeatHost absorbs a capacity snapshot and inventory declaration.
// Session token must match and be unexpired, or the agent is forced to
// re-register.
func (m *Manager) HeartbeatHost(hostID, sessionToken string, req *HeartbeatRequest) error {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		m.authFailure("heartbeat", hostID, "unknown host")
		return ErrUnknownHost
	}
	if !host.Enabled {
		return ErrHostDisabled
	}
	if host.SessionExpiresAt.IsZero() || time.Now().UTC().After(host.SessionExpiresAt) {
		m.authFailure("heartbeat", hostID, "session expired")
		return ErrUnauthorized
	}
	if !SecureCompareToken(sessionToken, host.SessionTokenHash) {
		m.authFailure("heartbeat", hostID, "invalid session token")
		return ErrUnauthorized
	}

	host.Capacity = req.Capacity
	if req.Platform.OSFamily != "" {
		host.Platform = req.Platform
	}
	host.ActiveVMIDs = req.ActiveVMIDs
	host.LastSeen = time.Now().UTC()
	if err := m.store.UpdateHost(host); err != nil {
		return fmt.Errorf("failed to update host: %w", err)
	}
	return nil
}

// EnableHost makes the host eligible for placement again.
func (m *Manager) EnableHost(hostID string) error {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		return ErrUnknownHost
	}
	host.Enabled = true
	if err := m.store.UpdateHost(host); err != nil {
		return err
	}
	m.RecordEvent(events.TypeHostEnabled, map[string]interface{}{events.FieldHostID: hostID}, "")
	return nil
}

// DisableHost excludes the host from placement and invalidates its
// session. Existing leases on the host continue untouched.
func (m *Manager) DisableHost(hostID string) error {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		return ErrUnknownHost
	}
	host.Enabled = false
	host.SessionTokenHash = ""
	host.SessionExpiresAt = time.Time{}
	if err := m.store.UpdateHost(host); err != nil {
		return err
	}
	m.RecordEvent(events.TypeHostDisabled, map[string]interface{}{events.FieldHostID: hostID}, "")
	return nil
}

// GetHost returns one host.
func (m *Manager) GetHost(id string) (*types.Host, error) {
	return m.store.GetHost(id)
}

// ListHosts returns all hosts.
func (m *Manager) ListHosts() ([]*types.Host, error) {
	return m.store.ListHosts()
}

// LeasesOnHost lists non-terminal leases placed on a host.
func (m *Manager) LeasesOnHost(hostID string) ([]*types.Lease, error) {
	return m.store.ListLeases(storage.LeaseFilter{HostID: hostID, NonTerminal: true})
}

func (m *Manager) authFailure(kind, hostID, detail string) {
	m.logger.Warn().Str("host_id", hostID).Str("kind", kind).Msg(detail)
	metrics.AuthFailuresTotal.WithLabelValues(kind).Inc()
	m.RecordEvent(events.TypeAuthFail, map[string]interface{}{
		events.FieldHostID: hostID,
		"kind":             kind,
		"detail":           detail,
	}, "")
}
