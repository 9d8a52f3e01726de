// Package batch persists classified records in fixed-size chunks, one
// multi-row statement per chunk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iago/membership-intake/internal/domain"
)

const (
	DefaultChunkSize = 500

	// MaxChunkSize keeps the 3-digit reference position unique within a chunk.
	MaxChunkSize = 1000

	referencePrefix    = "APP"
	maxReferenceLength = 18
)

// Inserter is satisfied by repository.RecordsRepository.
type Inserter interface {
	InsertRecords(ctx context.Context, jobID string, records []domain.ProcessedRecord) error
}

// ChunkProgress is called after each chunk with the records handled so far.
type ChunkProgress func(done, total int)

type Config struct {
	ChunkSize int
	Logger    *slog.Logger
	Now       func() time.Time
	Rand      func(n int) int
}

type Writer struct {
	inserter  Inserter
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time
	randIntN  func(n int) int
	tracer    trace.Tracer
}

func NewWriter(inserter Inserter, cfg Config) *Writer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	cfg.ChunkSize = min(cfg.ChunkSize, MaxChunkSize)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.IntN
	}
	return &Writer{
		inserter:  inserter,
		chunkSize: cfg.ChunkSize,
		logger:    cfg.Logger,
		now:       cfg.Now,
		randIntN:  cfg.Rand,
		tracer:    otel.Tracer("github.com/iago/membership-intake/internal/batch"),
	}
}

// Write inserts records chunk by chunk. A failed chunk marks every record in
// it failed with the same message and the next chunk still runs. Write never
// returns an error; everything is reported in the result.
func (w *Writer) Write(ctx context.Context, jobID string, records []domain.ProcessedRecord, progress ChunkProgress) domain.BatchResult {
	result := domain.BatchResult{
		Succeeded: make([]domain.ProcessedRecord, 0, len(records)),
		Failed:    make([]domain.ProcessedRecord, 0),
	}

	for start, chunkIndex := 0, 0; start < len(records); start, chunkIndex = start+w.chunkSize, chunkIndex+1 {
		end := start + w.chunkSize
		if end > len(records) {
			end = len(records)
		}

		if err := ctx.Err(); err != nil {
			w.fail(&result, records[start:], fmt.Sprintf("batch insert cancelled: %v", err))
			break
		}

		chunk := w.prepare(records[start:end])
		if err := w.insertChunk(ctx, jobID, chunkIndex, chunk); err != nil {
			message := ErrorMessage(err)
			w.fail(&result, chunk, message)
			if w.logger != nil {
				w.logger.Error("batch chunk failed", "job_id", jobID, "chunk", chunkIndex, "size", len(chunk), "error", message)
			}
		} else {
			result.SuccessCount += len(chunk)
			result.Succeeded = append(result.Succeeded, chunk...)
		}

		if progress != nil {
			progress(end, len(records))
		}
	}
	return result
}

func (w *Writer) insertChunk(ctx context.Context, jobID string, chunkIndex int, chunk []domain.ProcessedRecord) (err error) {
	ctx, span := w.tracer.Start(ctx, "batch.insert_chunk", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("chunk.index", chunkIndex),
		attribute.Int("chunk.size", len(chunk)),
	))
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("insert panicked: %v", recovered)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return w.inserter.InsertRecords(ctx, jobID, chunk)
}

// prepare copies the chunk and stamps every record with a reference number.
func (w *Writer) prepare(records []domain.ProcessedRecord) []domain.ProcessedRecord {
	chunk := make([]domain.ProcessedRecord, len(records))
	copy(chunk, records)

	millis := w.now().UnixMilli()
	suffix := w.randIntN(10000)
	for i := range chunk {
		chunk[i].Reference = Reference(millis, suffix, i)
	}
	return chunk
}

func (w *Writer) fail(result *domain.BatchResult, records []domain.ProcessedRecord, message string) {
	for _, record := range records {
		result.FailureCount++
		result.Failed = append(result.Failed, record)
		result.Errors = append(result.Errors, domain.RowError{Row: record.Record.RowNumber, Error: message})
	}
}

// Reference builds APP + last 8 digits of the unix millis + 4-digit random
// suffix + 3-digit position in the chunk.
func Reference(unixMillis int64, random, position int) string {
	stamp := fmt.Sprintf("%08d", unixMillis%100000000)
	reference := fmt.Sprintf("%s%s%04d%03d", referencePrefix, stamp, random%10000, position%1000)
	if len(reference) > maxReferenceLength {
		reference = reference[:maxReferenceLength]
	}
	return reference
}

// ErrorMessage extracts a readable message, preferring the database error
// text over the wrapped chain.
func ErrorMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		message := pgErr.Message
		if detail := strings.TrimSpace(pgErr.Detail); detail != "" {
			message += ": " + detail
		}
		return message
	}
	return err.Error()
}
