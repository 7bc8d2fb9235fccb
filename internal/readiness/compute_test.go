package readiness_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readyline/internal/catalog"
	"readyline/internal/readiness"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	min := func(v float64) *float64 { return &v }
	cat, err := catalog.Doc{Quests: map[string]catalog.QuestDoc{
		"readme": {Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "pass"}},
		}},
		"linter": {ManualApproval: true, Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "count", Min: min(1)}},
			{Level: 2, Condition: catalog.ConditionSpec{Type: "count", Min: min(5)}},
			{Level: 3, Condition: catalog.ConditionSpec{Type: "count", Min: min(10)}},
		}},
		"coverage": {Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "score", Min: min(40)}},
			{Level: 2, Condition: catalog.ConditionSpec{Type: "score", Min: min(70)}},
		}},
		"agents_doc": {Levels: []catalog.LevelDoc{
			{Level: 1, Condition: catalog.ConditionSpec{Type: "exists"}},
		}},
		"contributing_doc": {ManualApproval: true},
	}}.Compile()
	require.NoError(t, err)
	return cat
}

func summary(results map[string]readiness.ScanResult) readiness.ScanRunSummary {
	return readiness.ScanRunSummary{
		ScanRunID: "run-1",
		RepoID:    "repo_acme_widget",
		TeamID:    "team_acme",
		ScannedAt: "2026-03-01T11:00:00Z",
		Results:   results,
	}
}

func TestComputeHighestSatisfiedLevel(t *testing.T) {
	cat := testCatalog(t)
	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"linter": {"count": 7.0},
	}), cat, testNow)

	entry, ok := snap.GetQuestStatus("linter")
	require.True(t, ok)
	assert.Equal(t, readiness.StatusComplete, entry.Status)
	assert.Equal(t, 2, entry.Level)
	assert.Equal(t, readiness.SourceAutomatic, entry.Source)
	assert.Equal(t, "2026-03-01T11:00:00Z", entry.LastSeenAt)
	assert.Nil(t, entry.Approval)
}

func TestComputeNoLevelSatisfied(t *testing.T) {
	cat := testCatalog(t)
	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"linter": {"count": 0.0},
	}), cat, testNow)

	entry := snap.Quests["linter"]
	assert.Equal(t, readiness.StatusIncomplete, entry.Status)
	assert.Equal(t, 1, entry.Level)
}

func TestComputeIgnoresQuestsOutsideCatalog(t *testing.T) {
	cat := testCatalog(t)
	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"made_up_check": {"passed": true},
		"readme":        {"passed": true},
	}), cat, testNow)

	assert.Equal(t, 1, snap.TotalQuests())
	_, ok := snap.GetQuestStatus("made_up_check")
	assert.False(t, ok)
}

func TestComputeOmitsUnscannedQuests(t *testing.T) {
	cat := testCatalog(t)
	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme": {"passed": true},
	}), cat, testNow)

	// coverage is in the catalog but the scan said nothing about it
	_, ok := snap.GetQuestStatus("coverage")
	assert.False(t, ok)
	assert.Equal(t, 1, snap.TotalQuests())
}

func TestComputeEmptyCatalogYieldsEmptySnapshot(t *testing.T) {
	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme": {"passed": true},
	}), catalog.Catalog{}, testNow)
	assert.Equal(t, 0, snap.TotalQuests())

	again := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme": {"passed": true},
	}), catalog.Catalog{}, testNow)
	assert.Equal(t, 0, again.TotalQuests())
}

func TestComputeLegacyQuestFallback(t *testing.T) {
	cat := testCatalog(t)

	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"contributing_doc": {"present": true},
	}), cat, testNow)
	entry := snap.Quests["contributing_doc"]
	assert.Equal(t, readiness.StatusComplete, entry.Status)
	assert.Equal(t, 1, entry.Level)

	snap = readiness.Compute(summary(map[string]readiness.ScanResult{
		"contributing_doc": {},
	}), cat, testNow)
	entry = snap.Quests["contributing_doc"]
	assert.Equal(t, readiness.StatusIncomplete, entry.Status)
	assert.Equal(t, 1, entry.Level, "unsatisfied legacy quests still report level 1")
}

func TestComputeExistsCondition(t *testing.T) {
	cat := testCatalog(t)
	snap := readiness.Compute(summary(map[string]readiness.ScanResult{
		"agents_doc": {},
	}), cat, testNow)
	entry := snap.Quests["agents_doc"]
	assert.Equal(t, readiness.StatusComplete, entry.Status)
	assert.Equal(t, 1, entry.Level)
}

func TestComputeSetsProvenance(t *testing.T) {
	cat := testCatalog(t)
	snap := readiness.Compute(summary(nil), cat, testNow)
	assert.Equal(t, "run-1", snap.ComputedFromScanRunID)
	assert.Equal(t, "repo_acme_widget", snap.RepoID)
	assert.Equal(t, "team_acme", snap.TeamID)
	assert.Equal(t, testNow.Format(time.RFC3339), snap.UpdatedAt)
}

func TestMergeNilPreviousReturnsFresh(t *testing.T) {
	cat := testCatalog(t)
	fresh := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme": {"passed": true},
	}), cat, testNow)
	merged := readiness.Merge(nil, fresh)
	assert.Equal(t, fresh, merged)
}

func TestMergeKeepsUnrevokedManualApproval(t *testing.T) {
	cat := testCatalog(t)
	prev := readiness.New("repo_acme_widget", "team_acme", testNow)
	prev.ApproveQuest("linter", "lead@acme", 0, testNow)

	// a scan that would compute linter as incomplete
	fresh := readiness.Compute(summary(map[string]readiness.ScanResult{
		"linter": {"count": 0.0},
		"readme": {"passed": true},
	}), cat, testNow.Add(time.Hour))

	merged := readiness.Merge(&prev, fresh)
	entry := merged.Quests["linter"]
	assert.Equal(t, readiness.StatusComplete, entry.Status)
	assert.Equal(t, readiness.SourceManual, entry.Source)
	assert.Equal(t, readiness.DefaultManualLevel, entry.Level)
	require.NotNil(t, entry.Approval)
	assert.Equal(t, "lead@acme", entry.Approval.ApprovedBy)

	// the rest follows the fresh computation
	assert.Equal(t, readiness.StatusComplete, merged.Quests["readme"].Status)
	assert.Equal(t, fresh.ComputedFromScanRunID, merged.ComputedFromScanRunID)
	assert.Equal(t, fresh.UpdatedAt, merged.UpdatedAt)
}

func TestMergeRevokedApprovalLosesToFreshData(t *testing.T) {
	cat := testCatalog(t)
	prev := readiness.New("repo_acme_widget", "team_acme", testNow)
	prev.ApproveQuest("linter", "lead@acme", 0, testNow)
	require.NoError(t, prev.RevokeApproval("linter", testNow.Add(time.Minute)))

	fresh := readiness.Compute(summary(map[string]readiness.ScanResult{
		"linter": {"count": 12.0},
	}), cat, testNow.Add(time.Hour))

	merged := readiness.Merge(&prev, fresh)
	entry := merged.Quests["linter"]
	assert.Equal(t, readiness.SourceAutomatic, entry.Source)
	assert.Equal(t, readiness.StatusComplete, entry.Status)
	assert.Equal(t, 3, entry.Level)
	assert.Nil(t, entry.Approval)
}

func TestMergeRevokedApprovalWithoutFreshDataBecomesUnknown(t *testing.T) {
	cat := testCatalog(t)
	prev := readiness.New("repo_acme_widget", "team_acme", testNow)
	prev.ApproveQuest("linter", "lead@acme", 0, testNow)
	require.NoError(t, prev.RevokeApproval("linter", testNow.Add(time.Minute)))

	fresh := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme": {"passed": true},
	}), cat, testNow.Add(time.Hour))

	merged := readiness.Merge(&prev, fresh)
	entry, ok := merged.GetQuestStatus("linter")
	require.True(t, ok)
	assert.Equal(t, readiness.StatusUnknown, entry.Status)
	assert.Equal(t, readiness.SourceAutomatic, entry.Source)
	require.NotNil(t, entry.Approval)
	assert.NotNil(t, entry.Approval.RevokedAt)
}

func TestMergeDropsStaleAutomaticEntries(t *testing.T) {
	cat := testCatalog(t)
	prev := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme":   {"passed": true},
		"coverage": {"score": 80.0},
	}), cat, testNow)

	fresh := readiness.Compute(summary(map[string]readiness.ScanResult{
		"readme": {"passed": true},
	}), cat, testNow.Add(time.Hour))

	merged := readiness.Merge(&prev, fresh)
	_, ok := merged.GetQuestStatus("coverage")
	assert.False(t, ok, "automatic entries absent from the latest scan are dropped")
	assert.Equal(t, 1, merged.TotalQuests())
}

func TestMergeIsIdempotentForRepeatedScans(t *testing.T) {
	cat := testCatalog(t)
	results := map[string]readiness.ScanResult{
		"readme": {"passed": true},
		"linter": {"count": 5.0},
	}
	first := readiness.Merge(nil, readiness.Compute(summary(results), cat, testNow))
	second := readiness.Merge(&first, readiness.Compute(summary(results), cat, testNow.Add(time.Hour)))

	require.Equal(t, first.TotalQuests(), second.TotalQuests())
	for key, e1 := range first.Quests {
		e2 := second.Quests[key]
		assert.Equal(t, e1.Status, e2.Status, key)
		assert.Equal(t, e1.Level, e2.Level, key)
		assert.Equal(t, e1.Source, e2.Source, key)
	}
}
