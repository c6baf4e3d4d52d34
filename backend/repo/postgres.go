package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/focushive/focushive/backend/buddy"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/hive"
	"github.com/focushive/focushive/backend/timer"
)

const uniqueViolation = "23505"

// Postgres backs every repository on a single pgxpool. The schema is
// applied idempotently at startup via Migrate.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "parse postgres dsn")
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.KindUnavailable, err, "postgres unreachable")
	}
	return &Postgres{pool: pool}, nil
}

func (r *Postgres) Close() { r.pool.Close() }

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS hives (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		owner_user_id TEXT NOT NULL,
		visibility TEXT NOT NULL,
		max_members INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hive_members (
		hive_id TEXT NOT NULL REFERENCES hives(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (hive_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS timer_templates (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		focus_sec INT NOT NULL,
		short_break_sec INT NOT NULL,
		long_break_sec INT NOT NULL,
		cycles INT NOT NULL,
		is_system BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS timer_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		hive_id TEXT NOT NULL DEFAULT '',
		template_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		planned_duration_sec INT NOT NULL,
		remaining_sec INT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		paused_at TIMESTAMPTZ,
		resumes_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		distraction_count INT NOT NULL DEFAULT 0,
		pause_count INT NOT NULL DEFAULT 0,
		productivity_score INT,
		version BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS timer_sessions_state_idx ON timer_sessions (state)`,
	`CREATE INDEX IF NOT EXISTS timer_sessions_user_idx ON timer_sessions (user_id, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS partnerships (
		id TEXT PRIMARY KEY,
		user1_id TEXT NOT NULL,
		user2_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		end_reason TEXT NOT NULL DEFAULT '',
		duration_days INT NOT NULL DEFAULT 0,
		compatibility_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		health_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_interaction_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL
	)`,
	// The unordered-pair uniqueness invariant, enforced at the storage
	// layer so racing requests cannot both land.
	`CREATE UNIQUE INDEX IF NOT EXISTS partnerships_pair_active_idx
		ON partnerships (LEAST(user1_id, user2_id), GREATEST(user1_id, user2_id))
		WHERE status <> 'ENDED'`,
	`CREATE TABLE IF NOT EXISTS checkins (
		id TEXT PRIMARY KEY,
		partnership_id TEXT NOT NULL REFERENCES partnerships(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		mood TEXT NOT NULL,
		productivity_rating INT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS checkins_partnership_idx ON checkins (partnership_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		partnership_id TEXT NOT NULL REFERENCES partnerships(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		progress_pct INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		target_date TIMESTAMPTZ,
		created_by TEXT NOT NULL,
		completed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		version BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS milestones (
		id TEXT PRIMARY KEY,
		goal_id TEXT NOT NULL REFERENCES goals(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		target_date TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		completed_by TEXT NOT NULL DEFAULT '',
		ordinal INT NOT NULL
	)`,
}

// Migrate applies the schema. Safe to run on every boot.
func (r *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "apply schema")
		}
	}
	return nil
}

func isUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func mapNoRows(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.NotFound(msg)
	}
	return errs.Wrap(errs.KindUnavailable, err, "storage query failed")
}

// --- hive.Repository ---

func (r *Postgres) CreateHive(ctx context.Context, h *hive.Hive) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO hives (id, slug, owner_user_id, visibility, max_members, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			owner_user_id = EXCLUDED.owner_user_id,
			visibility = EXCLUDED.visibility,
			max_members = EXCLUDED.max_members`,
		h.ID, h.Slug, h.OwnerUserID, h.Visibility, h.MaxMembers, h.CreatedAt)
	if isUnique(err) {
		return errs.Conflict("hive slug already taken")
	}
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) GetHive(ctx context.Context, id string) (*hive.Hive, error) {
	return r.scanHive(r.pool.QueryRow(ctx, `
		SELECT id, slug, owner_user_id, visibility, max_members, created_at
		FROM hives WHERE id = $1`, id))
}

func (r *Postgres) GetHiveBySlug(ctx context.Context, slug string) (*hive.Hive, error) {
	return r.scanHive(r.pool.QueryRow(ctx, `
		SELECT id, slug, owner_user_id, visibility, max_members, created_at
		FROM hives WHERE slug = $1`, slug))
}

func (r *Postgres) scanHive(row pgx.Row) (*hive.Hive, error) {
	var h hive.Hive
	err := row.Scan(&h.ID, &h.Slug, &h.OwnerUserID, &h.Visibility, &h.MaxMembers, &h.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "hive not found")
	}
	return &h, nil
}

func (r *Postgres) SaveMembership(ctx context.Context, m *hive.Membership) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO hive_members (hive_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hive_id, user_id) DO UPDATE SET role = EXCLUDED.role`,
		m.HiveID, m.UserID, m.Role, m.JoinedAt)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) DeleteMembership(ctx context.Context, hiveID, userID string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM hive_members WHERE hive_id = $1 AND user_id = $2`, hiveID, userID)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("membership not found")
	}
	return nil
}

func (r *Postgres) GetMembership(ctx context.Context, hiveID, userID string) (*hive.Membership, error) {
	var m hive.Membership
	err := r.pool.QueryRow(ctx, `
		SELECT hive_id, user_id, role, joined_at
		FROM hive_members WHERE hive_id = $1 AND user_id = $2`, hiveID, userID).
		Scan(&m.HiveID, &m.UserID, &m.Role, &m.JoinedAt)
	if err != nil {
		return nil, mapNoRows(err, "membership not found")
	}
	return &m, nil
}

func (r *Postgres) ListMembers(ctx context.Context, hiveID string) ([]*hive.Membership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT hive_id, user_id, role, joined_at
		FROM hive_members WHERE hive_id = $1 ORDER BY joined_at`, hiveID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	defer rows.Close()
	var out []*hive.Membership
	for rows.Next() {
		var m hive.Membership
		if err := rows.Scan(&m.HiveID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "scan membership")
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- timer.SessionRepo / timer.TemplateRepo ---

const sessionCols = `id, user_id, hive_id, template_id, type, state,
	planned_duration_sec, remaining_sec, started_at, paused_at, resumes_at,
	expires_at, distraction_count, pause_count, productivity_score, version`

func (r *Postgres) CreateSession(ctx context.Context, s *timer.Session) error {
	s.Version = 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO timer_sessions (`+sessionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.ID, s.UserID, s.HiveID, s.TemplateID, s.Type, s.State,
		s.PlannedDurationSec, s.RemainingSec, s.StartedAt, s.PausedAt, s.ResumesAt,
		s.ExpiresAt, s.DistractionCount, s.PauseCount, s.ProductivityScore, s.Version)
	if isUnique(err) {
		return errs.Conflict("session already exists")
	}
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) GetSession(ctx context.Context, id string) (*timer.Session, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM timer_sessions WHERE id = $1`, id))
}

func scanSession(row pgx.Row) (*timer.Session, error) {
	var s timer.Session
	err := row.Scan(&s.ID, &s.UserID, &s.HiveID, &s.TemplateID, &s.Type, &s.State,
		&s.PlannedDurationSec, &s.RemainingSec, &s.StartedAt, &s.PausedAt, &s.ResumesAt,
		&s.ExpiresAt, &s.DistractionCount, &s.PauseCount, &s.ProductivityScore, &s.Version)
	if err != nil {
		return nil, mapNoRows(err, "session not found")
	}
	return &s, nil
}

func (r *Postgres) UpdateSession(ctx context.Context, s *timer.Session) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE timer_sessions SET
			state = $2, remaining_sec = $3, paused_at = $4, resumes_at = $5,
			expires_at = $6, distraction_count = $7, pause_count = $8,
			productivity_score = $9, version = version + 1
		WHERE id = $1 AND version = $10`,
		s.ID, s.State, s.RemainingSec, s.PausedAt, s.ResumesAt,
		s.ExpiresAt, s.DistractionCount, s.PauseCount, s.ProductivityScore, s.Version)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetSession(ctx, s.ID); errs.IsKind(gerr, errs.KindNotFound) {
			return gerr
		}
		return errs.Conflict("session modified concurrently")
	}
	s.Version++
	return nil
}

func (r *Postgres) ListRunningSessions(ctx context.Context) ([]*timer.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionCols+` FROM timer_sessions
		WHERE state = $1 ORDER BY expires_at`, timer.StateRunning)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	return collectSessions(rows)
}

func (r *Postgres) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*timer.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionCols+` FROM timer_sessions
		WHERE user_id = $1 ORDER BY started_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]*timer.Session, error) {
	defer rows.Close()
	var out []*timer.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Postgres) CreateTemplate(ctx context.Context, t *timer.Template) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO timer_templates (id, owner_user_id, name, focus_sec, short_break_sec, long_break_sec, cycles, is_system)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.OwnerUserID, t.Name, t.FocusSec, t.ShortBreakSec, t.LongBreakSec, t.Cycles, t.IsSystem)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) GetTemplate(ctx context.Context, id string) (*timer.Template, error) {
	var t timer.Template
	err := r.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, name, focus_sec, short_break_sec, long_break_sec, cycles, is_system
		FROM timer_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.OwnerUserID, &t.Name, &t.FocusSec, &t.ShortBreakSec, &t.LongBreakSec, &t.Cycles, &t.IsSystem)
	if err != nil {
		return nil, mapNoRows(err, "template not found")
	}
	return &t, nil
}

func (r *Postgres) ListTemplates(ctx context.Context, ownerUserID string) ([]*timer.Template, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, owner_user_id, name, focus_sec, short_break_sec, long_break_sec, cycles, is_system
		FROM timer_templates WHERE is_system OR owner_user_id = $1 ORDER BY name`, ownerUserID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	defer rows.Close()
	var out []*timer.Template
	for rows.Next() {
		var t timer.Template
		if err := rows.Scan(&t.ID, &t.OwnerUserID, &t.Name, &t.FocusSec, &t.ShortBreakSec, &t.LongBreakSec, &t.Cycles, &t.IsSystem); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "scan template")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *Postgres) DeleteTemplate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM timer_templates WHERE id = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("template not found")
	}
	return nil
}

// --- buddy.PartnershipRepo ---

const partnershipCols = `id, user1_id, user2_id, status, started_at, ended_at,
	end_reason, duration_days, compatibility_score, health_score,
	last_interaction_at, created_at, version`

func (r *Postgres) CreatePartnership(ctx context.Context, p *buddy.Partnership) error {
	p.Version = 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO partnerships (`+partnershipCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.User1ID, p.User2ID, p.Status, p.StartedAt, p.EndedAt,
		p.EndReason, p.DurationDays, p.CompatibilityScore, p.HealthScore,
		p.LastInteractionAt, p.CreatedAt, p.Version)
	if isUnique(err) {
		return errs.Conflict("partnership already exists for this pair")
	}
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) GetPartnership(ctx context.Context, id string) (*buddy.Partnership, error) {
	return scanPartnership(r.pool.QueryRow(ctx,
		`SELECT `+partnershipCols+` FROM partnerships WHERE id = $1`, id))
}

func (r *Postgres) FindActiveByPair(ctx context.Context, userA, userB string) (*buddy.Partnership, error) {
	return scanPartnership(r.pool.QueryRow(ctx, `
		SELECT `+partnershipCols+` FROM partnerships
		WHERE status <> 'ENDED'
		  AND LEAST(user1_id, user2_id) = LEAST($1::text, $2::text)
		  AND GREATEST(user1_id, user2_id) = GREATEST($1::text, $2::text)`,
		userA, userB))
}

func scanPartnership(row pgx.Row) (*buddy.Partnership, error) {
	var p buddy.Partnership
	err := row.Scan(&p.ID, &p.User1ID, &p.User2ID, &p.Status, &p.StartedAt, &p.EndedAt,
		&p.EndReason, &p.DurationDays, &p.CompatibilityScore, &p.HealthScore,
		&p.LastInteractionAt, &p.CreatedAt, &p.Version)
	if err != nil {
		return nil, mapNoRows(err, "partnership not found")
	}
	return &p, nil
}

func (r *Postgres) UpdatePartnership(ctx context.Context, p *buddy.Partnership) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE partnerships SET
			status = $2, started_at = $3, ended_at = $4, end_reason = $5,
			duration_days = $6, health_score = $7, last_interaction_at = $8,
			version = version + 1
		WHERE id = $1 AND version = $9`,
		p.ID, p.Status, p.StartedAt, p.EndedAt, p.EndReason,
		p.DurationDays, p.HealthScore, p.LastInteractionAt, p.Version)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetPartnership(ctx, p.ID); errs.IsKind(gerr, errs.KindNotFound) {
			return gerr
		}
		return errs.Conflict("partnership modified concurrently")
	}
	p.Version++
	return nil
}

func (r *Postgres) ListPartnershipsByUser(ctx context.Context, userID string) ([]*buddy.Partnership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+partnershipCols+` FROM partnerships
		WHERE user1_id = $1 OR user2_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	return collectPartnerships(rows)
}

func (r *Postgres) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]*buddy.Partnership, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+partnershipCols+` FROM partnerships
		WHERE status = 'PENDING' AND created_at <= $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	return collectPartnerships(rows)
}

func collectPartnerships(rows pgx.Rows) ([]*buddy.Partnership, error) {
	defer rows.Close()
	var out []*buddy.Partnership
	for rows.Next() {
		p, err := scanPartnership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- buddy.CheckinRepo ---

func (r *Postgres) CreateCheckin(ctx context.Context, c *buddy.Checkin) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO checkins (id, partnership_id, user_id, kind, content, mood, productivity_rating, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.PartnershipID, c.UserID, c.Kind, c.Content, c.Mood, c.ProductivityRating, c.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) ListCheckins(ctx context.Context, partnershipID, userID string, from, to time.Time) ([]*buddy.Checkin, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, partnership_id, user_id, kind, content, mood, productivity_rating, created_at
		FROM checkins
		WHERE partnership_id = $1 AND user_id = $2 AND created_at BETWEEN $3 AND $4
		ORDER BY created_at`, partnershipID, userID, from, to)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	return collectCheckins(rows)
}

func (r *Postgres) ListCheckinsSince(ctx context.Context, partnershipID string, since time.Time) ([]*buddy.Checkin, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, partnership_id, user_id, kind, content, mood, productivity_rating, created_at
		FROM checkins
		WHERE partnership_id = $1 AND created_at >= $2 ORDER BY created_at`, partnershipID, since)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	return collectCheckins(rows)
}

func collectCheckins(rows pgx.Rows) ([]*buddy.Checkin, error) {
	defer rows.Close()
	var out []*buddy.Checkin
	for rows.Next() {
		var c buddy.Checkin
		if err := rows.Scan(&c.ID, &c.PartnershipID, &c.UserID, &c.Kind, &c.Content, &c.Mood, &c.ProductivityRating, &c.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "scan checkin")
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- buddy.GoalRepo ---

const goalCols = `id, partnership_id, title, description, progress_pct, status,
	target_date, created_by, completed_at, created_at, version`

func (r *Postgres) CreateGoal(ctx context.Context, g *buddy.Goal) error {
	g.Version = 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO goals (`+goalCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		g.ID, g.PartnershipID, g.Title, g.Description, g.ProgressPct, g.Status,
		nullTime(g.TargetDate), g.CreatedBy, g.CompletedAt, g.CreatedAt, g.Version)
	if isUnique(err) {
		return errs.Conflict("goal already exists")
	}
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) GetGoal(ctx context.Context, id string) (*buddy.Goal, error) {
	var g buddy.Goal
	var target *time.Time
	err := r.pool.QueryRow(ctx, `SELECT `+goalCols+` FROM goals WHERE id = $1`, id).
		Scan(&g.ID, &g.PartnershipID, &g.Title, &g.Description, &g.ProgressPct, &g.Status,
			&target, &g.CreatedBy, &g.CompletedAt, &g.CreatedAt, &g.Version)
	if err != nil {
		return nil, mapNoRows(err, "goal not found")
	}
	if target != nil {
		g.TargetDate = *target
	}
	return &g, nil
}

func (r *Postgres) UpdateGoal(ctx context.Context, g *buddy.Goal) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE goals SET
			title = $2, description = $3, progress_pct = $4, status = $5,
			target_date = $6, completed_at = $7, version = version + 1
		WHERE id = $1 AND version = $8`,
		g.ID, g.Title, g.Description, g.ProgressPct, g.Status,
		nullTime(g.TargetDate), g.CompletedAt, g.Version)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.GetGoal(ctx, g.ID); errs.IsKind(gerr, errs.KindNotFound) {
			return gerr
		}
		return errs.Conflict("goal modified concurrently")
	}
	g.Version++
	return nil
}

func (r *Postgres) ListGoals(ctx context.Context, partnershipID string) ([]*buddy.Goal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+goalCols+` FROM goals WHERE partnership_id = $1 ORDER BY created_at`, partnershipID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	defer rows.Close()
	var out []*buddy.Goal
	for rows.Next() {
		var g buddy.Goal
		var target *time.Time
		if err := rows.Scan(&g.ID, &g.PartnershipID, &g.Title, &g.Description, &g.ProgressPct, &g.Status,
			&target, &g.CreatedBy, &g.CompletedAt, &g.CreatedAt, &g.Version); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "scan goal")
		}
		if target != nil {
			g.TargetDate = *target
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (r *Postgres) DeleteGoal(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM goals WHERE id = $1`, id)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("goal not found")
	}
	return nil
}

func (r *Postgres) CreateMilestone(ctx context.Context, m *buddy.Milestone) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO milestones (id, goal_id, title, target_date, completed_at, completed_by, ordinal)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.GoalID, m.Title, nullTime(m.TargetDate), m.CompletedAt, m.CompletedBy, m.Ordinal)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	return nil
}

func (r *Postgres) GetMilestone(ctx context.Context, id string) (*buddy.Milestone, error) {
	var m buddy.Milestone
	var target *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id, goal_id, title, target_date, completed_at, completed_by, ordinal
		FROM milestones WHERE id = $1`, id).
		Scan(&m.ID, &m.GoalID, &m.Title, &target, &m.CompletedAt, &m.CompletedBy, &m.Ordinal)
	if err != nil {
		return nil, mapNoRows(err, "milestone not found")
	}
	if target != nil {
		m.TargetDate = *target
	}
	return &m, nil
}

func (r *Postgres) UpdateMilestone(ctx context.Context, m *buddy.Milestone) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE milestones SET title = $2, target_date = $3, completed_at = $4, completed_by = $5
		WHERE id = $1`,
		m.ID, m.Title, nullTime(m.TargetDate), m.CompletedAt, m.CompletedBy)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, err, "storage write failed")
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("milestone not found")
	}
	return nil
}

func (r *Postgres) ListMilestones(ctx context.Context, goalID string) ([]*buddy.Milestone, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, goal_id, title, target_date, completed_at, completed_by, ordinal
		FROM milestones WHERE goal_id = $1 ORDER BY ordinal`, goalID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, err, "storage query failed")
	}
	defer rows.Close()
	var out []*buddy.Milestone
	for rows.Next() {
		var m buddy.Milestone
		var target *time.Time
		if err := rows.Scan(&m.ID, &m.GoalID, &m.Title, &target, &m.CompletedAt, &m.CompletedBy, &m.Ordinal); err != nil {
			return nil, errs.Wrap(errs.KindInternal, err, "scan milestone")
		}
		if target != nil {
			m.TargetDate = *target
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
