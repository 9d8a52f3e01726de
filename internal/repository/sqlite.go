package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/iago/membership-intake/internal/domain"
)

// SQLiteStore is the single-node durable store.
type SQLiteStore struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nullableMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func timeFromNull(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	parsed := fromMillis(value.Int64)
	return &parsed
}

// OpenSQLite opens the database file and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{sqlDB: sqlDB}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		nullableText(result),
		job.OwnerID,
		toMillis(job.CreatedAt),
		nullableMillis(job.StartedAt),
		nullableMillis(job.CompletedAt),
		toMillis(job.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) && strings.Contains(strings.ToLower(err.Error()), "file_name") {
			return ErrActiveJobExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	result, err := encodeResult(job.Result)
	if err != nil {
		return err
	}
	allowed := updatableFrom(job.Status)
	args := []any{
		string(job.Status),
		job.Progress,
		job.ProgressMessage,
		job.Priority,
		job.ErrorMessage,
		nullableText(result),
		nullableMillis(job.StartedAt),
		nullableMillis(job.CompletedAt),
		toMillis(job.UpdatedAt),
		job.ID,
	}
	for _, status := range allowed {
		args = append(args, status)
	}

	command, err := s.sqlDB.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
			progress = ?,
			progress_message = ?,
			priority = ?,
			error_message = ?,
			result = ?,
			started_at = ?,
			completed_at = ?,
			updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(allowed))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := command.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if affected == 0 {
		return s.rejectedUpdate(ctx, job.ID, job.Status)
	}
	return nil
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	command, err := s.sqlDB.ExecContext(ctx, `
		UPDATE jobs
		SET progress = MAX(progress, ?),
			progress_message = ?,
			updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, progress, message, toMillis(time.Now()), jobID)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	affected, err := command.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job progress rows: %w", err)
	}
	if affected == 0 {
		return s.rejectedUpdate(ctx, jobID, domain.JobStatusProcessing)
	}
	return nil
}

func (s *SQLiteStore) rejectedUpdate(ctx context.Context, jobID string, next domain.JobStatus) error {
	var status string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("query job status: %w", err)
	}
	if err := checkUpdate(domain.JobStatus(status), next); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	jobs, err := s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (s *SQLiteStore) FindActiveJobByFileName(ctx context.Context, fileName string) (*domain.Job, error) {
	jobs, err := s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE file_name = ? AND status IN ('queued', 'processing')
		ORDER BY created_at DESC
		LIMIT 1
	`, fileName)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return jobs[0], nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY created_at DESC
		LIMIT ?
	`, normalizeLimit(limit))
}

func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	return s.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, string(status))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		var (
			job         domain.Job
			status      string
			result      sql.NullString
			ownerID     sql.NullString
			createdAt   int64
			startedAt   sql.NullInt64
			completedAt sql.NullInt64
			updatedAt   int64
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
			&ownerID,
			&createdAt,
			&startedAt,
			&completedAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		job.Status = domain.JobStatus(status)
		job.CreatedAt = fromMillis(createdAt)
		job.StartedAt = timeFromNull(startedAt)
		job.CompletedAt = timeFromNull(completedAt)
		job.UpdatedAt = fromMillis(updatedAt)
		if ownerID.Valid {
			owner := ownerID.String
			job.OwnerID = &owner
		}
		decoded, err := decodeResult([]byte(result.String))
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

func (s *SQLiteStore) InsertRecords(ctx context.Context, jobID string, records []domain.ProcessedRecord) error {
	if len(records) == 0 {
		return nil
	}
	query, args, err := buildRecordInsert(jobID, records, func(int) string { return "?" })
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert records: %w", err)
	}
	return nil
}

// CountRecords reports how many records were persisted for a job.
func (s *SQLiteStore) CountRecords(ctx context.Context, jobID string) (int, error) {
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM bulk_records WHERE job_id = ?`, jobID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) FindMemberByIDNumber(ctx context.Context, idNumber string) (*domain.MemberSnapshot, error) {
	var (
		member = domain.MemberSnapshot{IDNumber: idNumber}
		expiry int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
		SELECT status, expiry_date FROM members WHERE id_number = ?
	`, idNumber).Scan(&member.Status, &expiry)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	member.ExpiryDate = fromMillis(expiry)
	return &member, nil
}

func (s *SQLiteStore) UpsertMember(ctx context.Context, member domain.MemberSnapshot) error {
	_, err := s.sqlDB.ExecContext(ctx, `
		INSERT INTO members (id_number, status, expiry_date)
		VALUES (?, ?, ?)
		ON CONFLICT (id_number) DO UPDATE SET status = excluded.status, expiry_date = excluded.expiry_date
	`, member.IDNumber, member.Status, toMillis(member.ExpiryDate))
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func placeholders(count int) string {
	if count <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", count), ", ")
}

func nullableText(value []byte) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(value), Valid: true}
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
