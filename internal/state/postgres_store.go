package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malgorath/cyberbrain-orchestrator/db/migrations"
)

// PostgresStore is a Store backed by Postgres via pgx/v5. ClaimDueSchedules
// uses SELECT ... FOR UPDATE SKIP LOCKED inside a single transaction so that
// multiple scheduler processes can race the same table safely.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against dsn and applies any unapplied
// migrations from db/migrations before returning.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return err
	}
	for _, file := range files {
		applied, err := p.isMigrationApplied(ctx, file)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := p.applyMigration(ctx, file); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) isMigrationApplied(ctx context.Context, version string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) applyMigration(ctx context.Context, file string) error {
	sqlBytes, err := migrations.Files.ReadFile(file)
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit(ctx)
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONMap(b []byte, out *map[string]any) error {
	if len(b) == 0 || string(b) == "null" {
		*out = nil
		return nil
	}
	return json.Unmarshal(b, out)
}

func unmarshalJSONStrings(b []byte, out *[]string) error {
	if len(b) == 0 || string(b) == "null" {
		*out = nil
		return nil
	}
	return json.Unmarshal(b, out)
}

// --- Directives ---

func (p *PostgresStore) CreateDirective(ctx context.Context, d DirectiveRecord) (DirectiveRecord, error) {
	now := time.Now().UTC()
	d.Version = 1
	d.CreatedAt = now
	d.UpdatedAt = now
	taskConfig, err := marshalJSON(d.TaskConfig)
	if err != nil {
		return DirectiveRecord{}, err
	}
	taskList, err := marshalJSON(d.TaskList)
	if err != nil {
		return DirectiveRecord{}, err
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO directives (name, task_config, task_list, approval_required, max_concurrent_runs, version, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		d.Name, taskConfig, taskList, d.ApprovalRequired, d.MaxConcurrentRuns, d.Version, d.CreatedAt, d.UpdatedAt,
	).Scan(&d.ID)
	if err != nil {
		return DirectiveRecord{}, err
	}
	return d, nil
}

func scanDirective(row pgx.Row) (DirectiveRecord, error) {
	var d DirectiveRecord
	var taskConfig, taskList []byte
	if err := row.Scan(&d.ID, &d.Name, &taskConfig, &taskList, &d.ApprovalRequired, &d.MaxConcurrentRuns, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return DirectiveRecord{}, err
	}
	if err := unmarshalJSONMap(taskConfig, &d.TaskConfig); err != nil {
		return DirectiveRecord{}, err
	}
	if err := unmarshalJSONStrings(taskList, &d.TaskList); err != nil {
		return DirectiveRecord{}, err
	}
	return d, nil
}

const directiveColumns = `id, name, task_config, task_list, approval_required, max_concurrent_runs, version, created_at, updated_at`

func (p *PostgresStore) GetDirective(ctx context.Context, id int64) (DirectiveRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=$1`, id)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DirectiveRecord{}, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetDirectiveByName(ctx context.Context, name string) (DirectiveRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+directiveColumns+` FROM directives WHERE name=$1`, name)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DirectiveRecord{}, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) FirstEnabledDirective(ctx context.Context) (DirectiveRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+directiveColumns+` FROM directives ORDER BY id ASC LIMIT 1`)
	d, err := scanDirective(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DirectiveRecord{}, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDirectives(ctx context.Context) ([]DirectiveRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+directiveColumns+` FROM directives ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]DirectiveRecord, 0)
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateDirective(ctx context.Context, d DirectiveRecord) error {
	taskConfig, err := marshalJSON(d.TaskConfig)
	if err != nil {
		return err
	}
	taskList, err := marshalJSON(d.TaskList)
	if err != nil {
		return err
	}
	d.UpdatedAt = time.Now().UTC()
	tag, err := p.pool.Exec(ctx,
		`UPDATE directives SET name=$2, task_config=$3, task_list=$4, approval_required=$5, max_concurrent_runs=$6, version=version+1, updated_at=$7
		 WHERE id=$1`,
		d.ID, d.Name, taskConfig, taskList, d.ApprovalRequired, d.MaxConcurrentRuns, d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteDirective(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM directives WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runs + Jobs ---

func (p *PostgresStore) LaunchRun(ctx context.Context, run RunRecord, jobs []JobRecord, schedules []ScheduleRecord) (RunRecord, []JobRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return RunRecord{}, nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	snapshot, err := marshalJSON(run.DirectiveSnapshot)
	if err != nil {
		return RunRecord{}, nil, err
	}
	reportJSON, err := marshalJSON(run.ReportJSON)
	if err != nil {
		return RunRecord{}, nil, err
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO runs (directive_id, directive_snapshot, status, approval_status, approved_by, approved_at, worker_host_id, use_rag, prompt_tokens, completion_tokens, total_tokens, started_at, ended_at, report_markdown, report_json, error_message, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18) RETURNING id`,
		run.DirectiveID, snapshot, run.Status, run.ApprovalStatus, run.ApprovedBy, run.ApprovedAt, run.WorkerHostID, run.UseRAG, run.PromptTokens, run.CompletionTokens, run.TotalTokens, run.StartedAt, run.EndedAt, run.ReportMarkdown, reportJSON, run.ErrorMessage, run.CreatedAt, run.UpdatedAt,
	).Scan(&run.ID)
	if err != nil {
		return RunRecord{}, nil, err
	}

	outJobs := make([]JobRecord, 0, len(jobs))
	for _, j := range jobs {
		j.RunID = run.ID
		j.CreatedAt = now
		j.UpdatedAt = now
		result, err := marshalJSON(j.Result)
		if err != nil {
			return RunRecord{}, nil, err
		}
		err = tx.QueryRow(ctx,
			`INSERT INTO jobs (run_id, task_kind, required, status, started_at, ended_at, result, error_message, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
			j.RunID, j.TaskKind, j.Required, j.Status, j.StartedAt, j.EndedAt, result, j.ErrorMessage, j.CreatedAt, j.UpdatedAt,
		).Scan(&j.ID)
		if err != nil {
			return RunRecord{}, nil, err
		}
		outJobs = append(outJobs, j)
	}

	for _, s := range schedules {
		if _, err := tx.Exec(ctx, `UPDATE schedules SET last_run_at=$2, updated_at=$3 WHERE id=$1`, s.ID, now, now); err != nil {
			return RunRecord{}, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return RunRecord{}, nil, err
	}
	return run, outJobs, nil
}

const runColumns = `id, directive_id, directive_snapshot, status, approval_status, approved_by, approved_at, worker_host_id, use_rag, prompt_tokens, completion_tokens, total_tokens, started_at, ended_at, report_markdown, report_json, error_message, created_at, updated_at`

func scanRun(row pgx.Row) (RunRecord, error) {
	var r RunRecord
	var snapshot, reportJSON []byte
	if err := row.Scan(&r.ID, &r.DirectiveID, &snapshot, &r.Status, &r.ApprovalStatus, &r.ApprovedBy, &r.ApprovedAt, &r.WorkerHostID, &r.UseRAG, &r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.StartedAt, &r.EndedAt, &r.ReportMarkdown, &reportJSON, &r.ErrorMessage, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return RunRecord{}, err
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if err := json.Unmarshal(snapshot, &r.DirectiveSnapshot); err != nil {
			return RunRecord{}, err
		}
	}
	if err := unmarshalJSONMap(reportJSON, &r.ReportJSON); err != nil {
		return RunRecord{}, err
	}
	return r, nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id int64) (RunRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	where := []string{"1=1"}
	args := make([]any, 0, 3)
	argi := 1
	if filter.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", argi))
		args = append(args, filter.Status)
		argi++
	}
	if !filter.SinceEndedAt.IsZero() {
		where = append(where, fmt.Sprintf("ended_at >= $%d", argi))
		args = append(args, filter.SinceEndedAt)
		argi++
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY id DESC LIMIT $%d`, runColumns, strings.Join(where, " AND "), argi)
	args = append(args, limit)
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MostRecentSuccessfulRun(ctx context.Context) (RunRecord, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE status=$1 ORDER BY ended_at DESC NULLS LAST LIMIT 1`, RunSuccess)
	r, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) RunsEndedAfter(ctx context.Context, t time.Time) ([]RunRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+runColumns+` FROM runs WHERE ended_at > $1 ORDER BY ended_at ASC`, t)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunRecord, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run RunRecord) error {
	run.UpdatedAt = time.Now().UTC()
	snapshot, err := marshalJSON(run.DirectiveSnapshot)
	if err != nil {
		return err
	}
	reportJSON, err := marshalJSON(run.ReportJSON)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET directive_id=$2, directive_snapshot=$3, status=$4, approval_status=$5, approved_by=$6, approved_at=$7, worker_host_id=$8, use_rag=$9, prompt_tokens=$10, completion_tokens=$11, total_tokens=$12, started_at=$13, ended_at=$14, report_markdown=$15, report_json=$16, error_message=$17, updated_at=$18
		 WHERE id=$1`,
		run.ID, run.DirectiveID, snapshot, run.Status, run.ApprovalStatus, run.ApprovedBy, run.ApprovedAt, run.WorkerHostID, run.UseRAG, run.PromptTokens, run.CompletionTokens, run.TotalTokens, run.StartedAt, run.EndedAt, run.ReportMarkdown, reportJSON, run.ErrorMessage, run.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const jobColumns = `id, run_id, task_kind, required, status, started_at, ended_at, result, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (JobRecord, error) {
	var j JobRecord
	var result []byte
	if err := row.Scan(&j.ID, &j.RunID, &j.TaskKind, &j.Required, &j.Status, &j.StartedAt, &j.EndedAt, &result, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return JobRecord{}, err
	}
	if err := unmarshalJSONMap(result, &j.Result); err != nil {
		return JobRecord{}, err
	}
	return j, nil
}

func (p *PostgresStore) ListJobsByRun(ctx context.Context, runID int64) ([]JobRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id=$1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]JobRecord, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetJob(ctx context.Context, id int64) (JobRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	return j, err
}

func (p *PostgresStore) UpdateJob(ctx context.Context, job JobRecord) error {
	job.UpdatedAt = time.Now().UTC()
	result, err := marshalJSON(job.Result)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE jobs SET task_kind=$2, required=$3, status=$4, started_at=$5, ended_at=$6, result=$7, error_message=$8, updated_at=$9
		 WHERE id=$1`,
		job.ID, job.TaskKind, job.Required, job.Status, job.StartedAt, job.EndedAt, result, job.ErrorMessage, job.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Schedules + claim loop primitives ---

const scheduleColumns = `id, name, job_template_id, directive_id, custom_directive_text, enabled, kind, interval_minutes, cron_expr, timezone, task3_scope, max_global, max_per_job, last_run_at, next_run_at, claimed_by, claimed_until, created_at, updated_at`

func scanSchedule(row pgx.Row) (ScheduleRecord, error) {
	var s ScheduleRecord
	if err := row.Scan(&s.ID, &s.Name, &s.JobTemplateID, &s.DirectiveID, &s.CustomDirectiveText, &s.Enabled, &s.Kind, &s.IntervalMinutes, &s.CronExpr, &s.Timezone, &s.Task3Scope, &s.MaxGlobal, &s.MaxPerJob, &s.LastRunAt, &s.NextRunAt, &s.ClaimedBy, &s.ClaimedUntil, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return ScheduleRecord{}, err
	}
	return s, nil
}

func (p *PostgresStore) CreateSchedule(ctx context.Context, s ScheduleRecord) (ScheduleRecord, error) {
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	err := p.pool.QueryRow(ctx,
		`INSERT INTO schedules (name, job_template_id, directive_id, custom_directive_text, enabled, kind, interval_minutes, cron_expr, timezone, task3_scope, max_global, max_per_job, last_run_at, next_run_at, claimed_by, claimed_until, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18) RETURNING id`,
		s.Name, s.JobTemplateID, s.DirectiveID, s.CustomDirectiveText, s.Enabled, s.Kind, s.IntervalMinutes, s.CronExpr, s.Timezone, s.Task3Scope, s.MaxGlobal, s.MaxPerJob, s.LastRunAt, s.NextRunAt, s.ClaimedBy, s.ClaimedUntil, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.ID)
	if err != nil {
		return ScheduleRecord{}, err
	}
	return s, nil
}

func (p *PostgresStore) GetSchedule(ctx context.Context, id int64) (ScheduleRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=$1`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScheduleRecord{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListSchedules(ctx context.Context) ([]ScheduleRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ScheduleRecord, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateSchedule(ctx context.Context, s ScheduleRecord) error {
	s.UpdatedAt = time.Now().UTC()
	tag, err := p.pool.Exec(ctx,
		`UPDATE schedules SET name=$2, job_template_id=$3, directive_id=$4, custom_directive_text=$5, enabled=$6, kind=$7, interval_minutes=$8, cron_expr=$9, timezone=$10, task3_scope=$11, max_global=$12, max_per_job=$13, last_run_at=$14, next_run_at=$15, claimed_by=$16, claimed_until=$17, updated_at=$18
		 WHERE id=$1`,
		s.ID, s.Name, s.JobTemplateID, s.DirectiveID, s.CustomDirectiveText, s.Enabled, s.Kind, s.IntervalMinutes, s.CronExpr, s.Timezone, s.Task3Scope, s.MaxGlobal, s.MaxPerJob, s.LastRunAt, s.NextRunAt, s.ClaimedBy, s.ClaimedUntil, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteSchedule(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM schedules WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimDueSchedules runs SELECT ... FOR UPDATE SKIP LOCKED inside one
// transaction so concurrent scheduler replicas never double-claim a row.
func (p *PostgresStore) ClaimDueSchedules(ctx context.Context, now time.Time, claimant string, ttl time.Duration, max int) ([]ClaimResult, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled AND next_run_at <= $1 AND (claimed_until IS NULL OR claimed_until <= $1)
		 ORDER BY next_run_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		now, max,
	)
	if err != nil {
		return nil, err
	}
	candidates := make([]ScheduleRecord, 0)
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(ttl)
	out := make([]ClaimResult, 0, len(candidates))
	for _, s := range candidates {
		if _, err := tx.Exec(ctx, `UPDATE schedules SET claimed_by=$2, claimed_until=$3, updated_at=$4 WHERE id=$1`, s.ID, claimant, until, now); err != nil {
			return nil, err
		}
		s.ClaimedBy = claimant
		s.ClaimedUntil = &until

		res := ClaimResult{Schedule: s}
		row := tx.QueryRow(ctx,
			`SELECT id, schedule_id, run_id, status, started_at, finished_at, error, created_at, updated_at
			 FROM scheduled_runs WHERE schedule_id=$1 AND status=$2 LIMIT 1`,
			s.ID, ScheduledRunPending,
		)
		var sr ScheduledRunRecord
		if err := row.Scan(&sr.ID, &sr.ScheduleID, &sr.RunID, &sr.Status, &sr.StartedAt, &sr.FinishedAt, &sr.Error, &sr.CreatedAt, &sr.UpdatedAt); err == nil {
			res.ScheduledRun = &sr
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		out = append(out, res)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, scheduleID int64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE schedules SET claimed_by='', claimed_until=NULL, updated_at=$2 WHERE id=$1`, scheduleID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) PushBack(ctx context.Context, scheduleID int64, nextRunAt time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE schedules SET next_run_at=$2, claimed_by='', claimed_until=NULL, updated_at=$3 WHERE id=$1`,
		scheduleID, nextRunAt, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateScheduledRun(ctx context.Context, sr ScheduledRunRecord) (ScheduledRunRecord, error) {
	now := time.Now().UTC()
	sr.CreatedAt = now
	sr.UpdatedAt = now
	err := p.pool.QueryRow(ctx,
		`INSERT INTO scheduled_runs (schedule_id, run_id, status, started_at, finished_at, error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		sr.ScheduleID, sr.RunID, sr.Status, sr.StartedAt, sr.FinishedAt, sr.Error, sr.CreatedAt, sr.UpdatedAt,
	).Scan(&sr.ID)
	if err != nil {
		return ScheduledRunRecord{}, err
	}
	return sr, nil
}

func (p *PostgresStore) PendingScheduledRunFor(ctx context.Context, scheduleID int64) (ScheduledRunRecord, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, schedule_id, run_id, status, started_at, finished_at, error, created_at, updated_at
		 FROM scheduled_runs WHERE schedule_id=$1 AND status=$2 LIMIT 1`,
		scheduleID, ScheduledRunPending,
	)
	var sr ScheduledRunRecord
	err := row.Scan(&sr.ID, &sr.ScheduleID, &sr.RunID, &sr.Status, &sr.StartedAt, &sr.FinishedAt, &sr.Error, &sr.CreatedAt, &sr.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScheduledRunRecord{}, false, nil
	}
	if err != nil {
		return ScheduledRunRecord{}, false, err
	}
	return sr, true, nil
}

func (p *PostgresStore) UpdateScheduledRun(ctx context.Context, sr ScheduledRunRecord) error {
	sr.UpdatedAt = time.Now().UTC()
	tag, err := p.pool.Exec(ctx,
		`UPDATE scheduled_runs SET run_id=$2, status=$3, started_at=$4, finished_at=$5, error=$6, updated_at=$7 WHERE id=$1`,
		sr.ID, sr.RunID, sr.Status, sr.StartedAt, sr.FinishedAt, sr.Error, sr.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListScheduledRunHistory(ctx context.Context, scheduleID int64, limit int) ([]ScheduledRunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, schedule_id, run_id, status, started_at, finished_at, error, created_at, updated_at
		 FROM scheduled_runs WHERE schedule_id=$1 ORDER BY id DESC LIMIT $2`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ScheduledRunRecord, 0)
	for rows.Next() {
		var sr ScheduledRunRecord
		if err := rows.Scan(&sr.ID, &sr.ScheduleID, &sr.RunID, &sr.Status, &sr.StartedAt, &sr.FinishedAt, &sr.Error, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateJobTemplate(ctx context.Context, jt JobTemplateRecord) (JobTemplateRecord, error) {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO job_templates (name, task_kind) VALUES ($1,$2) RETURNING id`,
		jt.Name, jt.TaskKind,
	).Scan(&jt.ID)
	if err != nil {
		return JobTemplateRecord{}, err
	}
	return jt, nil
}

func (p *PostgresStore) GetJobTemplate(ctx context.Context, id int64) (JobTemplateRecord, error) {
	var jt JobTemplateRecord
	err := p.pool.QueryRow(ctx, `SELECT id, name, task_kind FROM job_templates WHERE id=$1`, id).Scan(&jt.ID, &jt.Name, &jt.TaskKind)
	if errors.Is(err, pgx.ErrNoRows) {
		return JobTemplateRecord{}, ErrNotFound
	}
	return jt, err
}

func (p *PostgresStore) CountRunningByTaskKind(ctx context.Context, taskKind string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(1) FROM jobs WHERE task_kind=$1 AND status=$2`, taskKind, JobRunning).Scan(&n)
	return n, err
}

func (p *PostgresStore) CountRunning(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(1) FROM runs WHERE status=$1`, RunRunning).Scan(&n)
	return n, err
}

// --- WorkerHosts ---

const workerHostColumns = `id, name, kind, endpoint_url, capabilities, ssh_config, enabled, healthy, active_runs_count, last_seen_at, created_at, updated_at`

func scanWorkerHost(row pgx.Row) (WorkerHostRecord, error) {
	var h WorkerHostRecord
	var capabilities, sshConfig []byte
	if err := row.Scan(&h.ID, &h.Name, &h.Kind, &h.EndpointURL, &capabilities, &sshConfig, &h.Enabled, &h.Healthy, &h.ActiveRunsCount, &h.LastSeenAt, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return WorkerHostRecord{}, err
	}
	if len(capabilities) > 0 && string(capabilities) != "null" {
		if err := json.Unmarshal(capabilities, &h.Capabilities); err != nil {
			return WorkerHostRecord{}, err
		}
	}
	if len(sshConfig) > 0 && string(sshConfig) != "null" {
		var ssh SSHConfig
		if err := json.Unmarshal(sshConfig, &ssh); err != nil {
			return WorkerHostRecord{}, err
		}
		h.SSH = &ssh
	}
	return h, nil
}

func (p *PostgresStore) CreateWorkerHost(ctx context.Context, h WorkerHostRecord) (WorkerHostRecord, error) {
	now := time.Now().UTC()
	h.CreatedAt = now
	h.UpdatedAt = now
	capabilities, err := marshalJSON(h.Capabilities)
	if err != nil {
		return WorkerHostRecord{}, err
	}
	sshConfig, err := marshalJSON(h.SSH)
	if err != nil {
		return WorkerHostRecord{}, err
	}
	err = p.pool.QueryRow(ctx,
		`INSERT INTO worker_hosts (name, kind, endpoint_url, capabilities, ssh_config, enabled, healthy, active_runs_count, last_seen_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		h.Name, h.Kind, h.EndpointURL, capabilities, sshConfig, h.Enabled, h.Healthy, h.ActiveRunsCount, h.LastSeenAt, h.CreatedAt, h.UpdatedAt,
	).Scan(&h.ID)
	if err != nil {
		return WorkerHostRecord{}, err
	}
	return h, nil
}

func (p *PostgresStore) GetWorkerHost(ctx context.Context, id int64) (WorkerHostRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+workerHostColumns+` FROM worker_hosts WHERE id=$1`, id)
	h, err := scanWorkerHost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkerHostRecord{}, ErrNotFound
	}
	return h, err
}

func (p *PostgresStore) ListWorkerHosts(ctx context.Context) ([]WorkerHostRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+workerHostColumns+` FROM worker_hosts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WorkerHostRecord, 0)
	for rows.Next() {
		h, err := scanWorkerHost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateWorkerHost(ctx context.Context, h WorkerHostRecord) error {
	h.UpdatedAt = time.Now().UTC()
	capabilities, err := marshalJSON(h.Capabilities)
	if err != nil {
		return err
	}
	sshConfig, err := marshalJSON(h.SSH)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE worker_hosts SET name=$2, kind=$3, endpoint_url=$4, capabilities=$5, ssh_config=$6, enabled=$7, healthy=$8, active_runs_count=$9, last_seen_at=$10, updated_at=$11
		 WHERE id=$1`,
		h.ID, h.Name, h.Kind, h.EndpointURL, capabilities, sshConfig, h.Enabled, h.Healthy, h.ActiveRunsCount, h.LastSeenAt, h.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteWorkerHost(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM worker_hosts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementActiveRuns is a single statement so the enabled/healthy/capacity
// check and the increment happen atomically under Postgres's row lock.
func (p *PostgresStore) IncrementActiveRuns(ctx context.Context, hostID int64) (bool, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE worker_hosts SET active_runs_count = active_runs_count + 1, updated_at=$2
		 WHERE id=$1 AND enabled AND healthy
		   AND (COALESCE((capabilities->>'max_concurrency')::int, 0) = 0
		        OR active_runs_count < (capabilities->>'max_concurrency')::int)`,
		hostID, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) DecrementActiveRuns(ctx context.Context, hostID int64) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE worker_hosts SET active_runs_count = GREATEST(active_runs_count - 1, 0), updated_at=$2 WHERE id=$1`,
		hostID, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetHostHealth(ctx context.Context, hostID int64, healthy bool, lastSeenAt *time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE worker_hosts SET healthy=$2, last_seen_at=COALESCE($3, last_seen_at), updated_at=$4 WHERE id=$1`,
		hostID, healthy, lastSeenAt, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Allowlists ---

func (p *PostgresStore) UpsertContainerAllowlist(ctx context.Context, c ContainerAllowlistRecord) error {
	now := time.Now().UTC()
	tags, err := marshalJSON(c.Tags)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO container_allowlist (container_id, name, description, enabled, tags, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (container_id) DO UPDATE SET
		   name=EXCLUDED.name, description=EXCLUDED.description, enabled=EXCLUDED.enabled, tags=EXCLUDED.tags, updated_at=EXCLUDED.updated_at`,
		c.ContainerID, c.Name, c.Description, c.Enabled, tags, now, now,
	)
	return err
}

func (p *PostgresStore) ListContainerAllowlist(ctx context.Context) ([]ContainerAllowlistRecord, error) {
	rows, err := p.pool.Query(ctx, `SELECT container_id, name, description, enabled, tags, created_at, updated_at FROM container_allowlist ORDER BY container_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ContainerAllowlistRecord, 0)
	for rows.Next() {
		var c ContainerAllowlistRecord
		var tags []byte
		if err := rows.Scan(&c.ContainerID, &c.Name, &c.Description, &c.Enabled, &tags, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSONStrings(tags, &c.Tags); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteContainerAllowlist(ctx context.Context, containerID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM container_allowlist WHERE container_id=$1`, containerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpsertImageAllowlist(ctx context.Context, i WorkerImageAllowlistRecord) (WorkerImageAllowlistRecord, error) {
	now := time.Now().UTC()
	err := p.pool.QueryRow(ctx,
		`INSERT INTO worker_image_allowlist (image, tag, description, enabled, requires_gpu, min_vram_mb, allows_cpu_fallback, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (image, tag) DO UPDATE SET
		   description=EXCLUDED.description, enabled=EXCLUDED.enabled, requires_gpu=EXCLUDED.requires_gpu, min_vram_mb=EXCLUDED.min_vram_mb, allows_cpu_fallback=EXCLUDED.allows_cpu_fallback, updated_at=EXCLUDED.updated_at
		 RETURNING id`,
		i.Image, i.Tag, i.Description, i.Enabled, i.RequiresGPU, i.MinVRAMMB, i.AllowsCPUFallback, now, now,
	).Scan(&i.ID)
	if err != nil {
		return WorkerImageAllowlistRecord{}, err
	}
	return i, nil
}

func (p *PostgresStore) ListImageAllowlist(ctx context.Context) ([]WorkerImageAllowlistRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, image, tag, description, enabled, requires_gpu, min_vram_mb, allows_cpu_fallback, created_at, updated_at FROM worker_image_allowlist ORDER BY id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WorkerImageAllowlistRecord, 0)
	for rows.Next() {
		var i WorkerImageAllowlistRecord
		if err := rows.Scan(&i.ID, &i.Image, &i.Tag, &i.Description, &i.Enabled, &i.RequiresGPU, &i.MinVRAMMB, &i.AllowsCPUFallback, &i.CreatedAt, &i.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindAllowedImage(ctx context.Context, image, tag string) (WorkerImageAllowlistRecord, bool, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, image, tag, description, enabled, requires_gpu, min_vram_mb, allows_cpu_fallback, created_at, updated_at
		 FROM worker_image_allowlist WHERE image=$1 AND tag=$2 AND enabled`,
		image, tag,
	)
	var i WorkerImageAllowlistRecord
	err := row.Scan(&i.ID, &i.Image, &i.Tag, &i.Description, &i.Enabled, &i.RequiresGPU, &i.MinVRAMMB, &i.AllowsCPUFallback, &i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return WorkerImageAllowlistRecord{}, false, nil
	}
	if err != nil {
		return WorkerImageAllowlistRecord{}, false, err
	}
	return i, true, nil
}

func (p *PostgresStore) DeleteImageAllowlist(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM worker_image_allowlist WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- GPU state ---

func (p *PostgresStore) UpsertGPUDevice(ctx context.Context, g GPUDeviceRecord) error {
	g.UpdatedAt = time.Now().UTC()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO gpu_devices (host_id, device_index, name, total_vram_mb, used_vram_mb, free_vram_mb, utilization_percent, active_workers, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (host_id, device_index) DO UPDATE SET
		   name=EXCLUDED.name, total_vram_mb=EXCLUDED.total_vram_mb, used_vram_mb=EXCLUDED.used_vram_mb, free_vram_mb=EXCLUDED.free_vram_mb, utilization_percent=EXCLUDED.utilization_percent, active_workers=EXCLUDED.active_workers, updated_at=EXCLUDED.updated_at`,
		g.HostID, g.DeviceIndex, g.Name, g.TotalVRAMMB, g.UsedVRAMMB, g.FreeVRAMMB, g.UtilizationPercent, g.ActiveWorkers, g.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) ListGPUDevices(ctx context.Context, hostID int64) ([]GPUDeviceRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT host_id, device_index, name, total_vram_mb, used_vram_mb, free_vram_mb, utilization_percent, active_workers, updated_at
		 FROM gpu_devices WHERE host_id=$1 ORDER BY device_index ASC`,
		hostID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]GPUDeviceRecord, 0)
	for rows.Next() {
		var g GPUDeviceRecord
		if err := rows.Scan(&g.HostID, &g.DeviceIndex, &g.Name, &g.TotalVRAMMB, &g.UsedVRAMMB, &g.FreeVRAMMB, &g.UtilizationPercent, &g.ActiveWorkers, &g.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- Artifacts ---

func (p *PostgresStore) CreateArtifact(ctx context.Context, a RunArtifactRecord) (RunArtifactRecord, error) {
	a.CreatedAt = time.Now().UTC()
	err := p.pool.QueryRow(ctx,
		`INSERT INTO run_artifacts (run_id, kind, path, byte_size, mime_type, created_at) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		a.RunID, a.Kind, a.Path, a.ByteSize, a.MIMEType, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return RunArtifactRecord{}, err
	}
	return a, nil
}

func (p *PostgresStore) ListArtifactsByRun(ctx context.Context, runID int64) ([]RunArtifactRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, kind, path, byte_size, mime_type, created_at FROM run_artifacts WHERE run_id=$1 ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]RunArtifactRecord, 0)
	for rows.Next() {
		var a RunArtifactRecord
		if err := rows.Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.ByteSize, &a.MIMEType, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetArtifact(ctx context.Context, id int64) (RunArtifactRecord, error) {
	var a RunArtifactRecord
	err := p.pool.QueryRow(ctx,
		`SELECT id, run_id, kind, path, byte_size, mime_type, created_at FROM run_artifacts WHERE id=$1`, id,
	).Scan(&a.ID, &a.RunID, &a.Kind, &a.Path, &a.ByteSize, &a.MIMEType, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RunArtifactRecord{}, ErrNotFound
	}
	return a, err
}

// --- LLM telemetry ---

func (p *PostgresStore) CreateLLMCall(ctx context.Context, c LLMCallRecord) (LLMCallRecord, error) {
	c.CreatedAt = time.Now().UTC()
	err := p.pool.QueryRow(ctx,
		`INSERT INTO llm_calls (job_id, model_id, endpoint, prompt_tokens, completion_tokens, total_tokens, duration_ms, success, error_kind, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		c.JobID, c.ModelID, c.Endpoint, c.PromptTokens, c.CompletionTokens, c.TotalTokens, c.DurationMS, c.Success, c.ErrorKind, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		return LLMCallRecord{}, err
	}
	return c, nil
}

func (p *PostgresStore) ListLLMCallsByJob(ctx context.Context, jobID int64) ([]LLMCallRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, job_id, model_id, endpoint, prompt_tokens, completion_tokens, total_tokens, duration_ms, success, error_kind, created_at
		 FROM llm_calls WHERE job_id=$1 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]LLMCallRecord, 0)
	for rows.Next() {
		var c LLMCallRecord
		if err := rows.Scan(&c.ID, &c.JobID, &c.ModelID, &c.Endpoint, &c.PromptTokens, &c.CompletionTokens, &c.TotalTokens, &c.DurationMS, &c.Success, &c.ErrorKind, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) TokenStatsByModel(ctx context.Context) (map[string]TokenStats, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT model_id, COUNT(1), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens) FROM llm_calls GROUP BY model_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]TokenStats)
	for rows.Next() {
		var s TokenStats
		if err := rows.Scan(&s.ModelID, &s.Calls, &s.PromptTokens, &s.CompletionTokens, &s.TotalTokens); err != nil {
			return nil, err
		}
		out[s.ModelID] = s
	}
	return out, rows.Err()
}

// --- Audit ---

func (p *PostgresStore) AppendWorkerAudit(ctx context.Context, a WorkerAuditRecord) error {
	a.CreatedAt = time.Now().UTC()
	configSnapshot, err := marshalJSON(a.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO worker_audit (run_id, job_id, operation, container_id, image, chosen_gpu, gpu_reason, config_snapshot, success, error_message, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.RunID, a.JobID, a.Operation, a.ContainerID, a.Image, a.ChosenGPU, a.GPUReason, configSnapshot, a.Success, a.ErrorMessage, a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListWorkerAudit(ctx context.Context, runID int64) ([]WorkerAuditRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, job_id, operation, container_id, image, chosen_gpu, gpu_reason, config_snapshot, success, error_message, created_at
		 FROM worker_audit WHERE run_id=$1 ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]WorkerAuditRecord, 0)
	for rows.Next() {
		var a WorkerAuditRecord
		var configSnapshot []byte
		if err := rows.Scan(&a.ID, &a.RunID, &a.JobID, &a.Operation, &a.ContainerID, &a.Image, &a.ChosenGPU, &a.GPUReason, &configSnapshot, &a.Success, &a.ErrorMessage, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSONMap(configSnapshot, &a.ConfigSnapshot); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
