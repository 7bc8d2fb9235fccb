package readiness

import (
	"time"

	"readyline/internal/catalog"
)

// Compute folds one scan run's raw results and the quest catalog into a
// fresh readiness snapshot. Pure: no I/O, no mutation of inputs.
//
// Only quests present in both the scan results and the catalog appear in
// the output. Quests the catalog knows but the scan did not report are
// omitted here; unknown status only arises later, in Merge.
func Compute(sum ScanRunSummary, cat catalog.Catalog, now time.Time) RepoReadiness {
	out := RepoReadiness{
		RepoID:                sum.RepoID,
		TeamID:                sum.TeamID,
		ComputedFromScanRunID: sum.ScanRunID,
		UpdatedAt:             now.UTC().Format(time.RFC3339),
		Quests:                make(map[string]QuestEntry, len(sum.Results)),
	}
	for key, result := range sum.Results {
		def, known := cat[key]
		if !known {
			continue
		}
		level, status := evaluate(def, result)
		out.Quests[key] = QuestEntry{
			Status:     status,
			Level:      level,
			LastSeenAt: sum.ScannedAt,
			Source:     SourceAutomatic,
		}
	}
	return out
}

// evaluate walks the quest's levels ascending and returns the highest
// satisfied one. When nothing is satisfied the quest still reports level 1
// with status incomplete, matching the legacy single-tier convention.
func evaluate(def catalog.QuestDefinition, result ScanResult) (int, Status) {
	if def.Legacy() {
		if (catalog.PassCondition{}).Satisfied(result) {
			return 1, StatusComplete
		}
		return 1, StatusIncomplete
	}
	level := 0
	for _, l := range def.Levels {
		if l.Condition.Satisfied(result) {
			level = l.Level
		}
	}
	if level == 0 {
		return 1, StatusIncomplete
	}
	return level, StatusComplete
}

// Merge combines a freshly computed snapshot with the previously persisted
// one. Un-revoked manual approvals outlive any number of scans until
// explicitly revoked; everything else follows the fresh computation, and
// quests the latest scan no longer reports are dropped. A revoked approval
// with no fresh automatic data degrades to status unknown rather than
// silently vanishing, so the revocation stays visible until the next scan
// covers the quest again.
func Merge(previous *RepoReadiness, fresh RepoReadiness) RepoReadiness {
	if previous == nil {
		return fresh
	}
	out := RepoReadiness{
		RepoID:                fresh.RepoID,
		TeamID:                fresh.TeamID,
		ComputedFromScanRunID: fresh.ComputedFromScanRunID,
		UpdatedAt:             fresh.UpdatedAt,
		Quests:                make(map[string]QuestEntry, len(fresh.Quests)),
	}
	for key, entry := range fresh.Quests {
		out.Quests[key] = entry
	}
	for key, prev := range previous.Quests {
		if prev.ManuallyApproved() {
			out.Quests[key] = prev
			continue
		}
		if _, covered := out.Quests[key]; covered {
			continue
		}
		if prev.Source == SourceManual && prev.Approval != nil && prev.Approval.RevokedAt != nil {
			out.Quests[key] = QuestEntry{
				Status:     StatusUnknown,
				Level:      prev.Level,
				LastSeenAt: prev.LastSeenAt,
				Source:     SourceAutomatic,
				Approval:   prev.Approval,
			}
		}
	}
	return out
}
