package models

import "time"

// System represents one fleet host and the store path it currently runs.
// The current derivation pointer is last-write-wins; history lives in
// system_states.
type System struct {
	Hostname   string    `json:"hostname"`
	Derivation string    `json:"derivation"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SystemState is one append-only deployment event for a host.
type SystemState struct {
	ID             int64     `json:"id"`
	Hostname       string    `json:"hostname"`
	DerivationPath string    `json:"derivation_path"`
	ChangeReason   string    `json:"change_reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// AgentHeartbeat is a periodic liveness signal tied to the host's most
// recent system state.
type AgentHeartbeat struct {
	ID            int64     `json:"id"`
	SystemStateID int64     `json:"system_state_id"`
	Timestamp     time.Time `json:"timestamp"`
	AgentVersion  string    `json:"agent_version,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
}

// AgentCheckin is the payload a fleet agent reports: its current state plus
// liveness metadata.
type AgentCheckin struct {
	Hostname       string    `json:"hostname"`
	DerivationPath string    `json:"derivation_path"`
	ChangeReason   string    `json:"change_reason"`
	Timestamp      time.Time `json:"timestamp"`
	AgentVersion   string    `json:"agent_version,omitempty"`
	UptimeSeconds  int64     `json:"uptime_seconds,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
}
