package server

import (
	"encoding/json"

	"readyline/internal/domain"
	"readyline/internal/readiness"
)

// Request payloads

type ApproveQuestRequest struct {
	ApprovedBy string `json:"approved_by,omitempty"`
	Level      *int   `json:"level,omitempty"`
}

// Response payloads

type TeamResponse struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RepoResponse struct {
	ID        string `json:"id"`
	TeamID    string `json:"team_id"`
	Owner     string `json:"owner"`
	Name      string `json:"name"`
	FullName  string `json:"full_name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ScanRunResponse struct {
	ID        string          `json:"id"`
	RepoID    string          `json:"repo_id"`
	TeamID    string          `json:"team_id"`
	CommitSHA string          `json:"commit_sha,omitempty"`
	RefName   string          `json:"ref_name,omitempty"`
	ScannedAt string          `json:"scanned_at" format:"date-time"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	Results   json.RawMessage `json:"results,omitempty"`
}

type ReadinessResponse struct {
	RepoID                string                          `json:"repo_id"`
	TeamID                string                          `json:"team_id"`
	ComputedFromScanRunID string                          `json:"computed_from_scan_run_id,omitempty"`
	UpdatedAt             string                          `json:"updated_at" format:"date-time"`
	TotalQuests           int                             `json:"total_quests"`
	CompletedQuests       int                             `json:"completed_quests"`
	CompletionPercentage  float64                         `json:"completion_percentage"`
	Quests                map[string]readiness.QuestEntry `json:"quests"`
}

type IngestResponse struct {
	ScanRun   ScanRunResponse   `json:"scan_run"`
	Readiness ReadinessResponse `json:"readiness"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	TeamID     string          `json:"team_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func teamResponse(t domain.Team) TeamResponse {
	return TeamResponse{ID: t.ID, Owner: t.Owner, Name: t.Name, CreatedAt: t.CreatedAt}
}

func mapTeams(items []domain.Team) []TeamResponse {
	out := make([]TeamResponse, 0, len(items))
	for _, t := range items {
		out = append(out, teamResponse(t))
	}
	return out
}

func repoResponse(r domain.Repo) RepoResponse {
	return RepoResponse{
		ID:        r.ID,
		TeamID:    r.TeamID,
		Owner:     r.Owner,
		Name:      r.Name,
		FullName:  r.FullName,
		CreatedAt: r.CreatedAt,
	}
}

func mapRepos(items []domain.Repo) []RepoResponse {
	out := make([]RepoResponse, 0, len(items))
	for _, r := range items {
		out = append(out, repoResponse(r))
	}
	return out
}

func scanRunResponse(s domain.ScanRun, includeResults bool) ScanRunResponse {
	out := ScanRunResponse{
		ID:        s.ID,
		RepoID:    s.RepoID,
		TeamID:    s.TeamID,
		CommitSHA: s.CommitSHA,
		RefName:   s.RefName,
		ScannedAt: s.ScannedAt,
		CreatedAt: s.CreatedAt,
	}
	if includeResults && s.ResultsJSON != "" && json.Valid([]byte(s.ResultsJSON)) {
		out.Results = json.RawMessage(s.ResultsJSON)
	}
	return out
}

func mapScanRuns(items []domain.ScanRun) []ScanRunResponse {
	out := make([]ScanRunResponse, 0, len(items))
	for _, s := range items {
		out = append(out, scanRunResponse(s, false))
	}
	return out
}

func readinessResponse(r readiness.RepoReadiness) ReadinessResponse {
	quests := r.Quests
	if quests == nil {
		quests = map[string]readiness.QuestEntry{}
	}
	return ReadinessResponse{
		RepoID:                r.RepoID,
		TeamID:                r.TeamID,
		ComputedFromScanRunID: r.ComputedFromScanRunID,
		UpdatedAt:             r.UpdatedAt,
		TotalQuests:           r.TotalQuests(),
		CompletedQuests:       r.CompletedQuests(),
		CompletionPercentage:  r.CompletionPercentage(),
		Quests:                quests,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TeamID:     e.TeamID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
