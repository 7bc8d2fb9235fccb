package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"readyline/internal/catalog"
	"readyline/internal/config"
	"readyline/internal/domain"
	"readyline/internal/events"
	"readyline/internal/readiness"
	"readyline/internal/report"
	"readyline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Slug lowercases and collapses non-alphanumeric runs to single dashes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// TeamID derives the stable team identifier for a repository owner.
func TeamID(owner string) string { return "team_" + Slug(owner) }

// RepoID derives the stable repository identifier.
func RepoID(owner, name string) string { return "repo_" + Slug(owner) + "_" + Slug(name) }

// loadCatalogTx returns the persisted catalog, seeding it from the loaded
// config (or the built-in default) on first use.
func (e Engine) loadCatalogTx(ctx context.Context, tx *sql.Tx) (catalog.Catalog, error) {
	doc, err := e.Repo.GetCatalogDocTx(ctx, tx)
	if errors.Is(err, repo.ErrNotFound) {
		cfg := e.Config
		if cfg == nil {
			cfg = config.Default()
		}
		doc = cfg.Catalog
		if err := e.Repo.UpsertCatalogTx(ctx, tx, doc); err != nil {
			return nil, fmt.Errorf("seed quest catalog: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return doc.Compile()
}

// resolveTeamRepoTx gets or creates the team and repo records derived from
// the report metadata, emitting creation events on first sight.
func (e Engine) resolveTeamRepoTx(ctx context.Context, tx *sql.Tx, meta report.Metadata, actorID string) (domain.Team, domain.Repo, error) {
	now := e.now().UTC().Format(time.RFC3339)
	team, err := e.Repo.GetTeamTx(ctx, tx, TeamID(meta.Owner))
	if errors.Is(err, repo.ErrNotFound) {
		team = domain.Team{
			ID:        TeamID(meta.Owner),
			Owner:     meta.Owner,
			Name:      meta.Owner,
			CreatedAt: now,
		}
		if err := e.Repo.InsertTeamTx(ctx, tx, team); err != nil {
			return domain.Team{}, domain.Repo{}, fmt.Errorf("insert team: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "team.created", team.ID, "team", team.ID, actorID, events.EventPayload{"owner": team.Owner}); err != nil {
			return domain.Team{}, domain.Repo{}, err
		}
	} else if err != nil {
		return domain.Team{}, domain.Repo{}, err
	}

	rp, err := e.Repo.GetRepoTx(ctx, tx, RepoID(meta.Owner, meta.Name))
	if errors.Is(err, repo.ErrNotFound) {
		rp = domain.Repo{
			ID:        RepoID(meta.Owner, meta.Name),
			TeamID:    team.ID,
			Owner:     meta.Owner,
			Name:      meta.Name,
			FullName:  meta.FullName,
			CreatedAt: now,
		}
		if err := e.Repo.InsertRepoTx(ctx, tx, rp); err != nil {
			return domain.Team{}, domain.Repo{}, fmt.Errorf("insert repo: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "repo.created", team.ID, "repo", rp.ID, actorID, events.EventPayload{"full_name": rp.FullName}); err != nil {
			return domain.Team{}, domain.Repo{}, err
		}
	} else if err != nil {
		return domain.Team{}, domain.Repo{}, err
	}
	return team, rp, nil
}

// IngestReport runs the whole ingestion use case in one transaction:
// parse, resolve team/repo, record the scan run, compute the fresh snapshot,
// merge it with the persisted one and save. Nothing is published unless the
// whole computation succeeds.
func (e Engine) IngestReport(ctx context.Context, payload []byte, actorID string) (domain.ScanRun, readiness.RepoReadiness, error) {
	rep, err := report.Parse(payload)
	if err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}
	defer tx.Rollback()

	team, rp, err := e.resolveTeamRepoTx(ctx, tx, rep.Metadata, actorID)
	if err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}

	now := e.now().UTC()
	scannedAt := rep.Metadata.ScannedAt
	if scannedAt == "" {
		scannedAt = now.Format(time.RFC3339)
	}
	resultsJSON, err := json.Marshal(rep.Results)
	if err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, fmt.Errorf("marshal scan results: %w", err)
	}
	run := domain.ScanRun{
		ID:          uuid.New().String(),
		RepoID:      rp.ID,
		TeamID:      team.ID,
		CommitSHA:   rep.Metadata.CommitSHA,
		RefName:     rep.Metadata.RefName,
		ScannedAt:   scannedAt,
		ResultsJSON: string(resultsJSON),
		CreatedAt:   now.Format(time.RFC3339),
	}
	if err := e.Repo.InsertScanRunTx(ctx, tx, run); err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, fmt.Errorf("insert scan run: %w", err)
	}

	cat, err := e.loadCatalogTx(ctx, tx)
	if err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}

	summary := readiness.ScanRunSummary{
		ScanRunID: run.ID,
		RepoID:    rp.ID,
		TeamID:    team.ID,
		ScannedAt: scannedAt,
		Results:   rep.Results,
	}
	fresh := readiness.Compute(summary, cat, now)

	var previous *readiness.RepoReadiness
	prev, err := e.Repo.FindReadinessByRepoIDTx(ctx, tx, rp.ID)
	if err == nil {
		previous = &prev
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}
	merged := readiness.Merge(previous, fresh)

	if err := e.Repo.SaveReadinessTx(ctx, tx, merged); err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, fmt.Errorf("save readiness: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "scan.ingested", team.ID, "scan_run", run.ID, actorID, events.EventPayload{
		"repo_id":    rp.ID,
		"commit_sha": run.CommitSHA,
		"quests":     len(rep.Results),
	}); err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}
	if err := e.Events.Append(ctx, tx, "readiness.updated", team.ID, "readiness", rp.ID, actorID, events.EventPayload{
		"total":    merged.TotalQuests(),
		"complete": merged.CompletedQuests(),
		"percent":  merged.CompletionPercentage(),
	}); err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScanRun{}, readiness.RepoReadiness{}, err
	}
	return run, merged, nil
}

// ApproveQuestOptions are parameters for a manual quest approval.
type ApproveQuestOptions struct {
	RepoID     string
	QuestKey   string
	ApprovedBy string
	Level      int
	ActorID    string
}

// ApproveQuest marks a quest complete by human decision, independent of
// scan data. The quest must exist in the catalog and allow manual approval.
// A repo with no readiness yet gets an empty snapshot created on the fly.
func (e Engine) ApproveQuest(ctx context.Context, opts ApproveQuestOptions) (readiness.RepoReadiness, error) {
	if opts.QuestKey == "" {
		return readiness.RepoReadiness{}, domain.ValidationError{Field: "quest_key", Reason: "required"}
	}
	if opts.Level < 0 {
		return readiness.RepoReadiness{}, domain.ValidationError{Field: "level", Reason: "must be positive"}
	}
	approvedBy := opts.ApprovedBy
	if approvedBy == "" {
		approvedBy = opts.ActorID
	}
	if approvedBy == "" {
		return readiness.RepoReadiness{}, domain.ValidationError{Field: "approved_by", Reason: "required"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.RepoReadiness{}, err
	}
	defer tx.Rollback()

	rp, err := e.Repo.GetRepoTx(ctx, tx, opts.RepoID)
	if err != nil {
		return readiness.RepoReadiness{}, err
	}
	cat, err := e.loadCatalogTx(ctx, tx)
	if err != nil {
		return readiness.RepoReadiness{}, err
	}
	def, ok := cat[opts.QuestKey]
	if !ok {
		return readiness.RepoReadiness{}, fmt.Errorf("quest %s: %w", opts.QuestKey, repo.ErrNotFound)
	}
	if !def.ManualApproval {
		return readiness.RepoReadiness{}, domain.BusinessRuleError{
			Code:    "manual_approval_not_allowed",
			Message: fmt.Sprintf("quest %s is automatic-only and cannot be manually approved", opts.QuestKey),
		}
	}

	now := e.now()
	snap, err := e.Repo.FindReadinessByRepoIDTx(ctx, tx, rp.ID)
	if errors.Is(err, repo.ErrNotFound) {
		snap = readiness.New(rp.ID, rp.TeamID, now)
	} else if err != nil {
		return readiness.RepoReadiness{}, err
	}
	snap.ApproveQuest(opts.QuestKey, approvedBy, opts.Level, now)

	if err := e.Repo.SaveReadinessTx(ctx, tx, snap); err != nil {
		return readiness.RepoReadiness{}, fmt.Errorf("save readiness: %w", err)
	}
	entry := snap.Quests[opts.QuestKey]
	if err := e.Events.Append(ctx, tx, "quest.approved", rp.TeamID, "readiness", rp.ID, opts.ActorID, events.EventPayload{
		"quest_key":   opts.QuestKey,
		"approved_by": approvedBy,
		"level":       entry.Level,
	}); err != nil {
		return readiness.RepoReadiness{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.RepoReadiness{}, err
	}
	return snap, nil
}

// RevokeApproval marks a manual approval revoked. The entry keeps its
// status and level until the next scan ingestion merges fresh data over it.
func (e Engine) RevokeApproval(ctx context.Context, repoID, questKey, actorID string) (readiness.RepoReadiness, error) {
	if questKey == "" {
		return readiness.RepoReadiness{}, domain.ValidationError{Field: "quest_key", Reason: "required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.RepoReadiness{}, err
	}
	defer tx.Rollback()

	rp, err := e.Repo.GetRepoTx(ctx, tx, repoID)
	if err != nil {
		return readiness.RepoReadiness{}, err
	}
	snap, err := e.Repo.FindReadinessByRepoIDTx(ctx, tx, rp.ID)
	if err != nil {
		return readiness.RepoReadiness{}, err
	}
	if err := snap.RevokeApproval(questKey, e.now()); err != nil {
		return readiness.RepoReadiness{}, err
	}
	if err := e.Repo.SaveReadinessTx(ctx, tx, snap); err != nil {
		return readiness.RepoReadiness{}, fmt.Errorf("save readiness: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "quest.approval.revoked", rp.TeamID, "readiness", rp.ID, actorID, events.EventPayload{
		"quest_key": questKey,
	}); err != nil {
		return readiness.RepoReadiness{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.RepoReadiness{}, err
	}
	return snap, nil
}

// GetReadiness returns the latest snapshot for a repo.
func (e Engine) GetReadiness(ctx context.Context, repoID string) (readiness.RepoReadiness, error) {
	if _, err := e.Repo.GetRepo(ctx, repoID); err != nil {
		return readiness.RepoReadiness{}, err
	}
	return e.Repo.FindReadinessByRepoID(ctx, repoID)
}

// CatalogDoc returns the active catalog document, seeding from config when
// none is persisted yet.
func (e Engine) CatalogDoc(ctx context.Context) (catalog.Doc, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return catalog.Doc{}, err
	}
	defer tx.Rollback()
	if _, err := e.loadCatalogTx(ctx, tx); err != nil {
		return catalog.Doc{}, err
	}
	doc, err := e.Repo.GetCatalogDocTx(ctx, tx)
	if err != nil {
		return catalog.Doc{}, err
	}
	if err := tx.Commit(); err != nil {
		return catalog.Doc{}, err
	}
	return doc, nil
}

// ImportCatalog replaces the persisted catalog document.
func (e Engine) ImportCatalog(ctx context.Context, doc catalog.Doc, actorID string) error {
	if len(doc.Quests) == 0 {
		return domain.ValidationError{Field: "quests", Reason: "required"}
	}
	if _, err := doc.Compile(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertCatalogTx(ctx, tx, doc); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "catalog.updated", "", "catalog", repo.DefaultCatalogID, actorID, events.EventPayload{
		"quests": len(doc.Quests),
	}); err != nil {
		return err
	}
	return tx.Commit()
}
