package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/membership-intake/internal/domain"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes when they do not exist yet.
func (r *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresStore) Close() error {
	r.pool.Close()
	return nil
}

const jobColumns = `id, file_name, file_path, file_size, tag, status, progress, progress_message,
	priority, error_message, result, owner_id, created_at, started_at, completed_at, updated_at`

func (r *PostgresStore) CreateJob(ctx context.Context, job *domain.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		job.ID,
		job.FileName,
		job.FilePath,
		job.FileSize,
		job.Tag,
		string(job.Status),
		job.Progress,
		job.ProgressMessage,
		job.Priority,
		job.ErrorMessage,
		result,
		job.OwnerID,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "jobs_active_file_name") {
			return ErrActiveJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob writes the full job only when the stored status may move to the
// new one, so a terminal status is never overwritten.
func (r *PostgresStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
			progress = $3,
			progress_message = $4,
			priority = $5,
			error_message = $6,
			result = $7,
			started_at = $8,
			completed_at = $9,
			updated_at = $10
		WHERE id = $1 AND status = ANY($11)
	`,
		job.ID,
		string(job.Status),
		job.Progress,
		job.ProgressMessage,
		job.Priority,
		job.ErrorMessage,
		result,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		updatableFrom(job.Status),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.rejectedUpdate(ctx, job.ID, job.Status)
	}
	return nil
}

func (r *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2),
			progress_message = $3,
			updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, jobID, progress, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	if command.RowsAffected() == 0 {
		return r.rejectedUpdate(ctx, jobID, domain.JobStatusProcessing)
	}
	return nil
}

func (r *PostgresStore) rejectedUpdate(ctx context.Context, jobID string, next domain.JobStatus) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("query job status: %w", err)
	}
	if err := checkUpdate(domain.JobStatus(status), next); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (r *PostgresStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (r *PostgresStore) FindActiveJobByFileName(ctx context.Context, fileName string) (*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE file_name = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, fileName, activeStatuses())
	if err != nil {
		return nil, fmt.Errorf("query active job: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (r *PostgresStore) ListJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *PostgresStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		var (
			job    domain.Job
			status string
			result []byte
		)
		if err := rows.Scan(
			&job.ID,
			&job.FileName,
			&job.FilePath,
			&job.FileSize,
			&job.Tag,
			&status,
			&job.Progress,
			&job.ProgressMessage,
			&job.Priority,
			&job.ErrorMessage,
			&result,
			&job.OwnerID,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = domain.JobStatus(status)
		decoded, err := decodeResult(result)
		if err != nil {
			return nil, err
		}
		job.Result = decoded
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// InsertRecords writes the chunk as one multi-row statement.
func (r *PostgresStore) InsertRecords(ctx context.Context, jobID string, records []domain.ProcessedRecord) error {
	if len(records) == 0 {
		return nil
	}
	query, args, err := buildRecordInsert(jobID, records, func(index int) string {
		return "$" + strconv.Itoa(index)
	})
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

func (r *PostgresStore) FindMemberByIDNumber(ctx context.Context, idNumber string) (*domain.MemberSnapshot, error) {
	member := domain.MemberSnapshot{IDNumber: idNumber}
	err := r.pool.QueryRow(ctx, `
		SELECT status, expiry_date FROM members WHERE id_number = $1
	`, idNumber).Scan(&member.Status, &member.ExpiryDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	return &member, nil
}

func (r *PostgresStore) UpsertMember(ctx context.Context, member domain.MemberSnapshot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO members (id_number, status, expiry_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (id_number) DO UPDATE SET status = EXCLUDED.status, expiry_date = EXCLUDED.expiry_date
	`, member.IDNumber, member.Status, member.ExpiryDate)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func encodeResult(result *domain.JobResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode job result: %w", err)
	}
	return encoded, nil
}

func decodeResult(raw []byte) (*domain.JobResult, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var result domain.JobResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return &result, nil
}

var _ Store = (*PostgresStore)(nil)
