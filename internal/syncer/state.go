package syncer

import "time"

// Status is the orchestrator's lifecycle state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading_initial"
	StatusReady     Status = "ready"
	StatusSyncing   Status = "syncing"
	StatusAuthError Status = "auth_error"
)

// Source records where the initial ledger content came from.
type Source string

const (
	SourceNone     Source = ""
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
	SourceEmpty    Source = "empty"
)

// State is a point-in-time copy of the orchestrator's sync state.
type State struct {
	Status           Status    `json:"status"`
	Initialized      bool      `json:"initialized"`
	Dirty            bool      `json:"dirty"`
	Syncing          bool      `json:"syncing"`
	AuthError        bool      `json:"auth_error"`
	LastRemoteFileID string    `json:"last_remote_file_id,omitempty"`
	LastSyncedAt     time.Time `json:"last_synced_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
	Source           Source    `json:"source,omitempty"`
	KeyFingerprint   string    `json:"key_fingerprint,omitempty"`
	Cycles           int       `json:"cycles"`
	RetryScheduled   bool      `json:"retry_scheduled"`
}

func (s *State) setStatus(st Status) {
	s.Status = st
	s.Syncing = st == StatusSyncing
	s.AuthError = st == StatusAuthError
}
