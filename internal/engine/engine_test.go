package engine_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"readyline/internal/db"
	"readyline/internal/domain"
	"readyline/internal/engine"
	"readyline/internal/migrate"
	"readyline/internal/readiness"
	"readyline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func sampleReport(results string) []byte {
	return []byte(fmt.Sprintf(`{
		"version": "1",
		"repository": {"owner": "Acme Corp", "name": "Widget.Maker"},
		"commit_sha": "abc123",
		"ref_name": "refs/heads/main",
		"scanned_at": "2026-03-01T11:00:00Z",
		"results": %s
	}`, results))
}

func TestIngestCreatesTeamRepoAndReadiness(t *testing.T) {
	env := newTestEnv(t)
	payload := sampleReport(`{
		"readme": {"passed": true},
		"coverage": {"score": 75},
		"linter": {"count": 3}
	}`)
	run, snap, err := env.Engine.IngestReport(env.Ctx, payload, "ci")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if run.RepoID != "repo_acme-corp_widget-maker" {
		t.Fatalf("repo id %q", run.RepoID)
	}
	if run.TeamID != "team_acme-corp" {
		t.Fatalf("team id %q", run.TeamID)
	}
	if snap.ComputedFromScanRunID != run.ID {
		t.Fatalf("provenance %q != %q", snap.ComputedFromScanRunID, run.ID)
	}
	readme, ok := snap.GetQuestStatus("readme")
	if !ok || readme.Status != readiness.StatusComplete || readme.Level != 1 {
		t.Fatalf("readme entry %+v", readme)
	}
	// coverage 75 clears min 40 and 70 but not 90
	cov, _ := snap.GetQuestStatus("coverage")
	if cov.Status != readiness.StatusComplete || cov.Level != 2 {
		t.Fatalf("coverage entry %+v", cov)
	}
	// linter 3 clears count min 1 and 2 but not 4
	lint, _ := snap.GetQuestStatus("linter")
	if lint.Status != readiness.StatusComplete || lint.Level != 2 {
		t.Fatalf("linter entry %+v", lint)
	}
	// keys absent from the scan or the catalog are not tracked
	if _, ok := snap.GetQuestStatus("sast"); ok {
		t.Fatalf("sast should be absent")
	}

	team, err := env.Engine.Repo.GetTeam(env.Ctx, run.TeamID)
	if err != nil || team.Owner != "Acme Corp" {
		t.Fatalf("team %+v err %v", team, err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, ev := range evts {
		types[ev.Type] = true
	}
	for _, want := range []string{"team.created", "repo.created", "scan.ingested", "readiness.updated"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}

func TestIngestSameReportTwiceIsStable(t *testing.T) {
	env := newTestEnv(t)
	payload := sampleReport(`{"readme": {"passed": true}}`)
	_, first, err := env.Engine.IngestReport(env.Ctx, payload, "ci")
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	run2, second, err := env.Engine.IngestReport(env.Ctx, payload, "ci")
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if len(second.Quests) != len(first.Quests) {
		t.Fatalf("quest count changed: %d -> %d", len(first.Quests), len(second.Quests))
	}
	e1, e2 := first.Quests["readme"], second.Quests["readme"]
	if e1.Status != e2.Status || e1.Level != e2.Level || e1.Source != e2.Source {
		t.Fatalf("entry changed: %+v -> %+v", e1, e2)
	}
	if second.ComputedFromScanRunID != run2.ID {
		t.Fatalf("provenance should track latest run")
	}
	runs, err := env.Engine.Repo.ListScanRuns(env.Ctx, run2.RepoID, 10, "", "")
	if err != nil || len(runs) != 2 {
		t.Fatalf("want 2 scan runs, got %d (err %v)", len(runs), err)
	}
}

func TestManualApprovalSurvivesIngest(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"sast": {"count": 0}}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	repoID := "repo_acme-corp_widget-maker"
	snap, err := env.Engine.ApproveQuest(env.Ctx, engine.ApproveQuestOptions{
		RepoID:   repoID,
		QuestKey: "sast",
		ActorID:  "lead@acme",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	entry := snap.Quests["sast"]
	if entry.Status != readiness.StatusComplete || entry.Source != readiness.SourceManual {
		t.Fatalf("approved entry %+v", entry)
	}
	if entry.Level != readiness.DefaultManualLevel {
		t.Fatalf("default level %d", entry.Level)
	}

	// a later scan that would fail the quest does not override the approval
	_, after, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"sast": {"count": 0}}`), "ci")
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	kept := after.Quests["sast"]
	if kept.Status != readiness.StatusComplete || kept.Source != readiness.SourceManual {
		t.Fatalf("approval lost on merge: %+v", kept)
	}
}

func TestRevokedApprovalYieldsToScan(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"sast": {"count": 2}}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	repoID := "repo_acme-corp_widget-maker"
	if _, err := env.Engine.ApproveQuest(env.Ctx, engine.ApproveQuestOptions{RepoID: repoID, QuestKey: "sast", ActorID: "lead"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	snap, err := env.Engine.RevokeApproval(env.Ctx, repoID, "sast", "lead")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if snap.Quests["sast"].Approval == nil || snap.Quests["sast"].Approval.RevokedAt == nil {
		t.Fatalf("revocation not recorded: %+v", snap.Quests["sast"])
	}

	// next ingest recomputes sast automatically; count 2 clears levels 1 and 2
	_, after, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"sast": {"count": 2}}`), "ci")
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	entry := after.Quests["sast"]
	if entry.Source != readiness.SourceAutomatic || entry.Status != readiness.StatusComplete || entry.Level != 2 {
		t.Fatalf("scan should win after revocation: %+v", entry)
	}
}

func TestRevokedApprovalWithoutScanBecomesUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"readme": {"passed": true}}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	repoID := "repo_acme-corp_widget-maker"
	if _, err := env.Engine.ApproveQuest(env.Ctx, engine.ApproveQuestOptions{RepoID: repoID, QuestKey: "sast", ActorID: "lead"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.Engine.RevokeApproval(env.Ctx, repoID, "sast", "lead"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	// fresh scan has no sast result, so there is nothing automatic to fall
	// back on
	_, after, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"readme": {"passed": true}}`), "ci")
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	entry, ok := after.GetQuestStatus("sast")
	if !ok || entry.Status != readiness.StatusUnknown {
		t.Fatalf("want unknown status, got %+v (present=%v)", entry, ok)
	}
}

func TestApproveRejectsAutomaticOnlyQuest(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"readme": {"passed": false}}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, err := env.Engine.ApproveQuest(env.Ctx, engine.ApproveQuestOptions{
		RepoID:   "repo_acme-corp_widget-maker",
		QuestKey: "readme",
		ActorID:  "lead",
	})
	var bre domain.BusinessRuleError
	if !errors.As(err, &bre) {
		t.Fatalf("want business rule error, got %v", err)
	}
}

func TestApproveUnknownQuestIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"readme": {"passed": true}}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, err := env.Engine.ApproveQuest(env.Ctx, engine.ApproveQuestOptions{
		RepoID:   "repo_acme-corp_widget-maker",
		QuestKey: "no_such_quest",
		ActorID:  "lead",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want not found, got %v", err)
	}
}

func TestRevokeWithoutApprovalFails(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"sast": {"count": 1}}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, err := env.Engine.RevokeApproval(env.Ctx, "repo_acme-corp_widget-maker", "sast", "lead")
	var bre domain.BusinessRuleError
	if !errors.As(err, &bre) || bre.Code != "not_manually_approved" {
		t.Fatalf("want not_manually_approved, got %v", err)
	}
}

func TestApproveBeforeAnyScanCreatesSnapshot(t *testing.T) {
	env := newTestEnv(t)
	// the repo has to exist first; seed it through an empty report
	if _, _, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{}`), "ci"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	snap, err := env.Engine.ApproveQuest(env.Ctx, engine.ApproveQuestOptions{
		RepoID:     "repo_acme-corp_widget-maker",
		QuestKey:   "agents_doc",
		ApprovedBy: "cto@acme",
		Level:      2,
		ActorID:    "admin",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	entry := snap.Quests["agents_doc"]
	if entry.Level != 2 || entry.Approval == nil || entry.Approval.ApprovedBy != "cto@acme" {
		t.Fatalf("entry %+v", entry)
	}
}

func TestLegacyQuestEvaluatesAtLevelOne(t *testing.T) {
	env := newTestEnv(t)
	_, snap, err := env.Engine.IngestReport(env.Ctx, sampleReport(`{"contributing_doc": {"passed": true}}`), "ci")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	entry := snap.Quests["contributing_doc"]
	if entry.Status != readiness.StatusComplete || entry.Level != 1 {
		t.Fatalf("legacy quest entry %+v", entry)
	}
}

func TestImportCatalogValidatesAndPersists(t *testing.T) {
	env := newTestEnv(t)
	doc, err := env.Engine.CatalogDoc(env.Ctx)
	if err != nil {
		t.Fatalf("catalog doc: %v", err)
	}
	if len(doc.Quests) == 0 {
		t.Fatalf("expected seeded catalog")
	}
	q := doc.Quests["readme"]
	q.Title = "Readme present"
	doc.Quests["readme"] = q
	if err := env.Engine.ImportCatalog(env.Ctx, doc, "admin"); err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := env.Engine.CatalogDoc(env.Ctx)
	if err != nil || got.Quests["readme"].Title != "Readme present" {
		t.Fatalf("round trip: %+v err %v", got.Quests["readme"], err)
	}
}
