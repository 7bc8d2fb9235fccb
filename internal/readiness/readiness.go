package readiness

import (
	"math"
	"time"

	"readyline/internal/domain"
)

// DefaultManualLevel is used when an approval request does not name a level.
const DefaultManualLevel = 3

type Status string

const (
	StatusComplete   Status = "complete"
	StatusIncomplete Status = "incomplete"
	StatusUnknown    Status = "unknown"
)

type Source string

const (
	SourceAutomatic Source = "automatic"
	SourceManual    Source = "manual"
)

// ScanResult is the uninterpreted raw result bag for one quest as reported
// by the external scanner.
type ScanResult map[string]any

/// ScanRunSummary is the normalized, transient input to Compute: what one
// scan run saw. The aggregate never retains it by reference.
type ScanRunSummary struct {
	ScanRunID string
	RepoID    string
	TeamID    string
	ScannedAt string
	Results   map[string]ScanResult
}

// Approval records a human override of a quest's completion.
type Approval struct {
	ApprovedBy string  `json:"approved_by"`
	ApprovedAt string  `json:"approved_at" format:"date-time"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
}

// QuestEntry is the per-quest state inside a snapshot.
type QuestEntry struct {
	Status     Status    `json:"status" enum:"complete,incomplete,unknown"`
	Level      int       `json:"level"`
	LastSeenAt string    `json:"last_seen_at,omitempty" format:"date-time"`
	Source     Source    `json:"completion_source" enum:"automatic,manual"`
	Approval   *Approval `json:"manual_approval,omitempty"`
}

// ManuallyApproved reports whether the entry is a live (un-revoked) manual
// approval. Such entries survive merges until explicitly revoked.
func (e QuestEntry) ManuallyApproved() bool {
	return e.Source == SourceManual && e.Approval != nil && e.Approval.RevokedAt == nil
}

// RepoReadiness is the latest-known completion state of every quest for one
// repository. One logical instance per repo; mutation is serialized by the
// caller (the engine does all read-modify-write inside one transaction).
type RepoReadiness struct {
	RepoID                string                `json:"repo_id"`
	TeamID                string                `json:"team_id"`
	ComputedFromScanRunID string                `json:"computed_from_scan_run_id,omitempty"`
	UpdatedAt             string                `json:"updated_at" format:"date-time"`
	Quests                map[string]QuestEntry `json:"quests"`
}

// New returns an empty readiness snapshot for a repo, used when the first
// thing that happens to a repo is a manual approval rather than a scan.
func New(repoID, teamID string, now time.Time) RepoReadiness {
	return RepoReadiness{
		RepoID:    repoID,
		TeamID:    teamID,
		UpdatedAt: now.UTC().Format(time.RFC3339),
		Quests:    map[string]QuestEntry{},
	}
}

// GetQuestStatus returns the entry for a quest key.
func (r RepoReadiness) GetQuestStatus(key string) (QuestEntry, bool) {
	e, ok := r.Quests[key]
	return e, ok
}

// TotalQuests counts quests present in the snapshot.
func (r RepoReadiness) TotalQuests() int { return len(r.Quests) }

// CompletedQuests counts quests with status complete.
func (r RepoReadiness) CompletedQuests() int {
	n := 0
	for _, e := range r.Quests {
		if e.Status == StatusComplete {
			n++
		}
	}
	return n
}

// CompletionPercentage returns round(completed/total*100), 0 when the
// snapshot is empty.
func (r RepoReadiness) CompletionPercentage() float64 {
	total := r.TotalQuests()
	if total == 0 {
		return 0
	}
	return math.Round(float64(r.CompletedQuests()) / float64(total) * 100)
}

// ApproveQuest overwrites the entry for a quest with a manual completion.
// Manual approval always wins at the moment it is applied; eligibility
// against the catalog is the caller's concern.
func (r *RepoReadiness) ApproveQuest(key, approvedBy string, level int, now time.Time) {
	if level <= 0 {
		level = DefaultManualLevel
	}
	ts := now.UTC().Format(time.RFC3339)
	if r.Quests == nil {
		r.Quests = map[string]QuestEntry{}
	}
	r.Quests[key] = QuestEntry{
		Status:     StatusComplete,
		Level:      level,
		LastSeenAt: ts,
		Source:     SourceManual,
		Approval: &Approval{
			ApprovedBy: approvedBy,
			ApprovedAt: ts,
		},
	}
	r.UpdatedAt = ts
}

// RevokeApproval marks the manual approval revoked. Status and level are
// left untouched; the entry is stale until the next scan ingestion merges
// fresh automatic data over it.
func (r *RepoReadiness) RevokeApproval(key string, now time.Time) error {
	e, ok := r.Quests[key]
	if !ok || e.Source != SourceManual || e.Approval == nil {
		return domain.BusinessRuleError{Code: "not_manually_approved", Message: "quest " + key + " has no manual approval"}
	}
	if e.Approval.RevokedAt != nil {
		return domain.BusinessRuleError{Code: "already_revoked", Message: "manual approval for quest " + key + " already revoked"}
	}
	ts := now.UTC().Format(time.RFC3339)
	approval := *e.Approval
	approval.RevokedAt = &ts
	e.Approval = &approval
	r.Quests[key] = e
	r.UpdatedAt = ts
	return nil
}
