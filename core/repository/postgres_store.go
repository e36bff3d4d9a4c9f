package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"observatory-jobs/core/models"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const jobColumns = `site, ulid, status_id, replica_status_id, seconds_until_complete,
	user_id, user_name, user_roles, device_type, device_instance, action,
	required_params, optional_params`

// PostgresStore is a JobStore on a single postgres table. Changes are
// announced with NOTIFY on the configured channel by a trigger created in
// Migrate.
type PostgresStore struct {
	db      *DB
	channel string
}

// NewPostgresStore creates a store; channel is the NOTIFY channel for changes.
func NewPostgresStore(db *DB, channel string) *PostgresStore {
	return &PostgresStore{db: db, channel: channel}
}

// Migrate creates the jobs table, its status indexes, and the change trigger.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			site TEXT NOT NULL,
			ulid TEXT COLLATE "C" NOT NULL,
			status_id TEXT COLLATE "C" NOT NULL,
			replica_status_id TEXT COLLATE "C" NOT NULL,
			seconds_until_complete INTEGER NOT NULL DEFAULT -1,
			user_id TEXT NOT NULL DEFAULT '',
			user_name TEXT NOT NULL DEFAULT '',
			user_roles TEXT[] NOT NULL DEFAULT '{}',
			device_type TEXT NOT NULL,
			device_instance TEXT NOT NULL,
			action TEXT NOT NULL,
			required_params JSONB,
			optional_params JSONB,
			PRIMARY KEY (site, ulid)
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_id_idx ON jobs (site, status_id)`,
		`CREATE INDEX IF NOT EXISTS jobs_replica_status_id_idx ON jobs (site, replica_status_id)`,
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION notify_job_change() RETURNS trigger AS $$
		DECLARE
			rec RECORD;
		BEGIN
			IF TG_OP = 'DELETE' THEN rec := OLD; ELSE rec := NEW; END IF;
			PERFORM pg_notify(%s, json_build_object('op', TG_OP, 'site', rec.site, 'ulid', rec.ulid)::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`, pq.QuoteLiteral(s.channel)),
		`DROP TRIGGER IF EXISTS jobs_notify ON jobs`,
		`CREATE TRIGGER jobs_notify AFTER INSERT OR UPDATE OR DELETE ON jobs
			FOR EACH ROW EXECUTE FUNCTION notify_job_change()`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, job *models.Job) error {
	required, err := json.Marshal(job.RequiredParams)
	if err != nil {
		return fmt.Errorf("marshal required_params: %w", err)
	}
	optional, err := json.Marshal(job.OptionalParams)
	if err != nil {
		return fmt.Errorf("marshal optional_params: %w", err)
	}

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = s.db.ExecContext(ctx, query,
		job.Site,
		job.JobID,
		job.StatusID,
		job.ReplicaStatusID,
		job.ETASeconds,
		job.UserID,
		job.UserName,
		pq.Array(job.UserRoles),
		job.DeviceType,
		job.DeviceInstance,
		job.Action,
		required,
		optional,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE site = $1 AND ulid = $2`
	return scanJob(s.db.QueryRowContext(ctx, query, key.Site, key.JobID))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, key models.JobKey, idx models.StatusIndex, tag string, eta *int) (*models.Job, error) {
	var etaArg sql.NullInt64
	if eta != nil {
		etaArg = sql.NullInt64{Int64: int64(*eta), Valid: true}
	}
	query := fmt.Sprintf(`UPDATE jobs
		SET %s = $3, seconds_until_complete = COALESCE($4, seconds_until_complete)
		WHERE site = $1 AND ulid = $2
		RETURNING `+jobColumns, statusColumn(idx))
	return scanJob(s.db.QueryRowContext(ctx, query, key.Site, key.JobID, tag, etaArg))
}

func (s *PostgresStore) Delete(ctx context.Context, key models.JobKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE site = $1 AND ulid = $2`, key.Site, key.JobID)
	return err
}

// DeleteMany removes keys in a single statement per site.
func (s *PostgresStore) DeleteMany(ctx context.Context, keys []models.JobKey) ([]models.JobKey, error) {
	bySite := make(map[string][]string)
	var order []string
	for _, k := range keys {
		if _, ok := bySite[k.Site]; !ok {
			order = append(order, k.Site)
		}
		bySite[k.Site] = append(bySite[k.Site], k.JobID)
	}

	var (
		failed  []models.JobKey
		lastErr error
	)
	for _, site := range order {
		ids := bySite[site]
		_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE site = $1 AND ulid = ANY($2)`, site, pq.Array(ids))
		if err != nil {
			for _, id := range ids {
				failed = append(failed, models.JobKey{Site: site, JobID: id})
			}
			lastErr = err
		}
	}
	return failed, lastErr
}

func (s *PostgresStore) QueryFrom(ctx context.Context, site, floor string, page PageRequest) (Page, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE site = $1 AND ulid >= $2 AND ulid > $3
		ORDER BY ulid LIMIT $4`
	return s.query(ctx, page, query, site, floor, page.After)
}

func (s *PostgresStore) QueryBefore(ctx context.Context, site, before string, page PageRequest) (Page, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE site = $1 AND ulid < $2 AND ulid > $3
		ORDER BY ulid LIMIT $4`
	return s.query(ctx, page, query, site, before, page.After)
}

func (s *PostgresStore) QueryByStatus(ctx context.Context, site string, idx models.StatusIndex, prefix string, page PageRequest) (Page, error) {
	col := statusColumn(idx)
	query := fmt.Sprintf(`SELECT `+jobColumns+` FROM jobs
		WHERE site = $1 AND left(%s, length($2)) = $2 AND ulid > $3
		ORDER BY ulid LIMIT $4`, col)
	return s.query(ctx, page, query, site, prefix, page.After)
}

// query fetches one row past the limit to learn whether another page exists.
func (s *PostgresStore) query(ctx context.Context, page PageRequest, query string, args ...any) (Page, error) {
	limit := pageLimit(page)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit+1)...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	var out Page
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return Page{}, err
		}
		out.Jobs = append(out.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}
	if len(out.Jobs) > limit {
		out.Jobs = out.Jobs[:limit]
		out.Next = out.Jobs[limit-1].JobID
	}
	return out, nil
}

func statusColumn(idx models.StatusIndex) string {
	if idx == models.ReplicaIndex {
		return "replica_status_id"
	}
	return "status_id"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job      models.Job
		required []byte
		optional []byte
	)
	err := row.Scan(
		&job.Site,
		&job.JobID,
		&job.StatusID,
		&job.ReplicaStatusID,
		&job.ETASeconds,
		&job.UserID,
		&job.UserName,
		pq.Array(&job.UserRoles),
		&job.DeviceType,
		&job.DeviceInstance,
		&job.Action,
		&required,
		&optional,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(required) > 0 {
		if err := json.Unmarshal(required, &job.RequiredParams); err != nil {
			return nil, fmt.Errorf("unmarshal required_params: %w", err)
		}
	}
	if len(optional) > 0 {
		if err := json.Unmarshal(optional, &job.OptionalParams); err != nil {
			return nil, fmt.Errorf("unmarshal optional_params: %w", err)
		}
	}
	return job.Normalize(), nil
}
