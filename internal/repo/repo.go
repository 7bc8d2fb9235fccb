package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"readyline/internal/catalog"
	"readyline/internal/domain"
	"readyline/internal/readiness"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DefaultCatalogID is the key of the single logical catalog document.
const DefaultCatalogID = "default"

// --- teams ---

func (r Repo) InsertTeamTx(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,owner,name,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Owner, t.Name, t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,owner,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Owner, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTeamTx(ctx context.Context, tx *sql.Tx, id string) (domain.Team, error) {
	var t domain.Team
	err := tx.QueryRowContext(ctx, `SELECT id,owner,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Owner, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner,name,created_at FROM teams ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Owner, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- repos ---

func (r Repo) InsertRepoTx(ctx context.Context, tx *sql.Tx, rp domain.Repo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO repos(id,team_id,owner,name,full_name,created_at) VALUES (?,?,?,?,?,?)`,
		rp.ID, rp.TeamID, rp.Owner, rp.Name, rp.FullName, rp.CreatedAt)
	return err
}

func scanRepo(row *sql.Row) (domain.Repo, error) {
	var rp domain.Repo
	err := row.Scan(&rp.ID, &rp.TeamID, &rp.Owner, &rp.Name, &rp.FullName, &rp.CreatedAt)
	if err == sql.ErrNoRows {
		return rp, ErrNotFound
	}
	return rp, err
}

func (r Repo) GetRepo(ctx context.Context, id string) (domain.Repo, error) {
	return scanRepo(r.DB.QueryRowContext(ctx, `SELECT id,team_id,owner,name,full_name,created_at FROM repos WHERE id=?`, id))
}

func (r Repo) GetRepoTx(ctx context.Context, tx *sql.Tx, id string) (domain.Repo, error) {
	return scanRepo(tx.QueryRowContext(ctx, `SELECT id,team_id,owner,name,full_name,created_at FROM repos WHERE id=?`, id))
}

func (r Repo) ListRepos(ctx context.Context, teamID string) ([]domain.Repo, error) {
	query := `SELECT id,team_id,owner,name,full_name,created_at FROM repos`
	var args []any
	if teamID != "" {
		query += ` WHERE team_id=?`
		args = append(args, teamID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repo
	for rows.Next() {
		var rp domain.Repo
		if err := rows.Scan(&rp.ID, &rp.TeamID, &rp.Owner, &rp.Name, &rp.FullName, &rp.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rp)
	}
	return res, rows.Err()
}

// --- scan runs ---

func (r Repo) InsertScanRunTx(ctx context.Context, tx *sql.Tx, s domain.ScanRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO scan_runs(id,repo_id,team_id,commit_sha,ref_name,scanned_at,results_json,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.RepoID, s.TeamID, s.CommitSHA, nullable(s.RefName), s.ScannedAt, s.ResultsJSON, s.CreatedAt)
	return err
}

func (r Repo) GetScanRun(ctx context.Context, id string) (domain.ScanRun, error) {
	var s domain.ScanRun
	var refName sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,repo_id,team_id,commit_sha,ref_name,scanned_at,results_json,created_at FROM scan_runs WHERE id=?`, id).
		Scan(&s.ID, &s.RepoID, &s.TeamID, &s.CommitSHA, &refName, &s.ScannedAt, &s.ResultsJSON, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if refName.Valid {
		s.RefName = refName.String
	}
	return s, err
}

// ListScanRuns returns scan runs for a repo, newest first, with composite
// cursor pagination on (created_at, id).
func (r Repo) ListScanRuns(ctx context.Context, repoID string, limit int, cursorCreatedAt, cursorID string) ([]domain.ScanRun, error) {
	clauses := []string{"repo_id=?"}
	args := []any{repoID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,repo_id,team_id,commit_sha,ref_name,scanned_at,results_json,created_at FROM scan_runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScanRun
	for rows.Next() {
		var s domain.ScanRun
		var refName sql.NullString
		if err := rows.Scan(&s.ID, &s.RepoID, &s.TeamID, &s.CommitSHA, &refName, &s.ScannedAt, &s.ResultsJSON, &s.CreatedAt); err != nil {
			return nil, err
		}
		if refName.Valid {
			s.RefName = refName.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// --- readiness snapshots ---

// SaveReadinessTx upserts the latest snapshot for a repo. The quests map is
// stored as one JSON document; the domain always works on the map form.
func (r Repo) SaveReadinessTx(ctx context.Context, tx *sql.Tx, snap readiness.RepoReadiness) error {
	payload, err := json.Marshal(snap.Quests)
	if err != nil {
		return fmt.Errorf("marshal readiness quests: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO readiness(repo_id,team_id,computed_from_scan_run_id,updated_at,quests_json) VALUES (?,?,?,?,?)
ON CONFLICT(repo_id) DO UPDATE SET team_id=excluded.team_id, computed_from_scan_run_id=excluded.computed_from_scan_run_id, updated_at=excluded.updated_at, quests_json=excluded.quests_json`,
		snap.RepoID, snap.TeamID, nullable(snap.ComputedFromScanRunID), snap.UpdatedAt, string(payload))
	return err
}

func scanReadiness(scanner interface{ Scan(...any) error }) (readiness.RepoReadiness, error) {
	var snap readiness.RepoReadiness
	var scanRunID sql.NullString
	var payload string
	err := scanner.Scan(&snap.RepoID, &snap.TeamID, &scanRunID, &snap.UpdatedAt, &payload)
	if err == sql.ErrNoRows {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	if scanRunID.Valid {
		snap.ComputedFromScanRunID = scanRunID.String
	}
	if err := json.Unmarshal([]byte(payload), &snap.Quests); err != nil {
		return snap, fmt.Errorf("decode readiness quests: %w", err)
	}
	if snap.Quests == nil {
		snap.Quests = map[string]readiness.QuestEntry{}
	}
	return snap, nil
}

func (r Repo) FindReadinessByRepoID(ctx context.Context, repoID string) (readiness.RepoReadiness, error) {
	return scanReadiness(r.DB.QueryRowContext(ctx, `SELECT repo_id,team_id,computed_from_scan_run_id,updated_at,quests_json FROM readiness WHERE repo_id=?`, repoID))
}

func (r Repo) FindReadinessByRepoIDTx(ctx context.Context, tx *sql.Tx, repoID string) (readiness.RepoReadiness, error) {
	return scanReadiness(tx.QueryRowContext(ctx, `SELECT repo_id,team_id,computed_from_scan_run_id,updated_at,quests_json FROM readiness WHERE repo_id=?`, repoID))
}

// --- quest catalog ---

func (r Repo) UpsertCatalog(ctx context.Context, doc catalog.Doc) error {
	return upsertCatalog(ctx, r.DB, nil, doc)
}

func (r Repo) UpsertCatalogTx(ctx context.Context, tx *sql.Tx, doc catalog.Doc) error {
	return upsertCatalog(ctx, nil, tx, doc)
}

func upsertCatalog(ctx context.Context, db *sql.DB, tx *sql.Tx, doc catalog.Doc) error {
	if _, err := doc.Compile(); err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO quest_catalogs(id,catalog_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET catalog_json=excluded.catalog_json, updated_at=excluded.updated_at`, DefaultCatalogID, string(payload), now, now)
	return err
}

// GetCatalogDoc returns the persisted catalog document.
func (r Repo) GetCatalogDoc(ctx context.Context) (catalog.Doc, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT catalog_json FROM quest_catalogs WHERE id=?`, DefaultCatalogID).Scan(&payload)
	if err == sql.ErrNoRows {
		return catalog.Doc{}, ErrNotFound
	}
	if err != nil {
		return catalog.Doc{}, err
	}
	var doc catalog.Doc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return catalog.Doc{}, err
	}
	return doc, nil
}

func (r Repo) GetCatalogDocTx(ctx context.Context, tx *sql.Tx) (catalog.Doc, error) {
	var payload string
	err := tx.QueryRowContext(ctx, `SELECT catalog_json FROM quest_catalogs WHERE id=?`, DefaultCatalogID).Scan(&payload)
	if err == sql.ErrNoRows {
		return catalog.Doc{}, ErrNotFound
	}
	if err != nil {
		return catalog.Doc{}, err
	}
	var doc catalog.Doc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return catalog.Doc{}, err
	}
	return doc, nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, teamID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, teamID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, teamID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if teamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, teamID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(team_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TeamID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(team_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TeamID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
