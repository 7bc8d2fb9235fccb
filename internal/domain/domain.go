package domain

import "fmt"

type Team struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Repo struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ScanRun is one ingested report from the external CI action. The raw
// per-quest results are kept verbatim; readiness is derived from them.
type ScanRun struct {
	ID          string `json:"id"`
	RepoID      string `json:"repo_id"`
	TeamID      string `json:"team_id"`
	CommitSHA   string `json:"commit_sha"`
	RefName     string `json:"ref_name,omitempty"`
	ScannedAt   string `json:"scanned_at" format:"date-time"`
	ResultsJSON string `json:"results_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TeamID     string `json:"team_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ValidationError marks malformed identifiers or value objects. The HTTP
// layer maps it to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// BusinessRuleError marks operations that are well-formed but not allowed,
// e.g. manual approval of an automatic-only quest. Mapped to 422, distinct
// from not-found.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e BusinessRuleError) Error() string { return e.Message }
