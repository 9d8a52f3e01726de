package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iago/membership-intake/internal/batch"
	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/intake"
	"github.com/iago/membership-intake/internal/policy"
	"github.com/iago/membership-intake/internal/spreadsheet"
)

// Progress bands for each stage of an upload.
const (
	progressParsed     = 5
	progressClassified = 70
)

type PipelineConfig struct {
	Parse      func(path string) ([]domain.BulkRecord, error)
	Classifier *intake.Classifier
	Writer     *batch.Writer
	Logger     *slog.Logger
	Now        func() time.Time
}

// IngestPipeline parses an uploaded file, classifies every row and persists
// the rows that passed validation.
type IngestPipeline struct {
	parse      func(path string) ([]domain.BulkRecord, error)
	classifier *intake.Classifier
	writer     *batch.Writer
	logger     *slog.Logger
	now        func() time.Time
}

func NewIngestPipeline(cfg PipelineConfig) *IngestPipeline {
	if cfg.Parse == nil {
		cfg.Parse = spreadsheet.Parse
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &IngestPipeline{
		parse:      cfg.Parse,
		classifier: cfg.Classifier,
		writer:     cfg.Writer,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

func (p *IngestPipeline) Handle(ctx context.Context, job *domain.Job, progress ProgressFunc) (*domain.JobResult, error) {
	started := p.now()
	progress(1, "parsing file")

	records, err := p.parse(job.FilePath)
	if err != nil {
		return nil, err
	}
	progress(progressParsed, fmt.Sprintf("parsed %d rows", len(records)))

	outcome, err := p.classifier.Classify(ctx, records, func(done, total int) {
		progress(scale(progressParsed, progressClassified, done, total),
			fmt.Sprintf("classified %d of %d rows", done, total))
	})
	if err != nil {
		return nil, fmt.Errorf("classify rows: %w", err)
	}

	valid := make([]domain.ProcessedRecord, 0, len(outcome.Records))
	for _, record := range outcome.Records {
		if record.Validation.Passed {
			valid = append(valid, record)
		}
	}

	written := p.writer.Write(ctx, job.ID, valid, func(done, total int) {
		progress(scale(progressClassified, maxActiveProgress, done, total),
			fmt.Sprintf("saved %d of %d rows", done, total))
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := summarize(outcome, written)
	result.DurationMS = p.now().Sub(started).Milliseconds()
	if p.logger != nil {
		p.logger.Info("upload processed",
			"job_id", job.ID,
			"file", job.FileName,
			"rows", result.TotalRows,
			"valid", result.ValidRows,
			"inserted", result.Inserted,
			"fraud_flagged", result.FraudFlagged,
		)
	}
	return result, nil
}

func summarize(outcome intake.Outcome, written domain.BatchResult) *domain.JobResult {
	result := &domain.JobResult{
		SchemaVersion: domain.ResultSchemaVersion,
		TotalRows:     len(outcome.Records),
		Inserted:      written.SuccessCount,
		InsertFailed:  written.FailureCount,
		Renewals:      make(map[string]int),
	}

	for _, record := range outcome.Records {
		row := record.Record.RowNumber
		if record.Validation.Passed {
			result.ValidRows++
			result.Renewals[string(record.Renewal)]++
		} else {
			result.InvalidRows++
			result.Errors = append(result.Errors, domain.RowError{
				Row:   row,
				Error: policy.MaskPIIString(strings.Join(record.Validation.Errors, "; ")),
			})
		}
		if record.Verification == domain.VerificationUnregistered {
			result.Unregistered++
		}
		if record.Fraud.Detected {
			result.FraudFlagged++
			result.Fraud = append(result.Fraud, domain.RowFraud{
				Row:         row,
				Kind:        record.Fraud.Kind,
				Severity:    record.Fraud.Severity,
				Description: record.Fraud.Description,
			})
		}
	}
	for _, rowErr := range written.Errors {
		rowErr.Error = policy.MaskPIIString(rowErr.Error)
		result.Errors = append(result.Errors, rowErr)
	}

	if status := outcome.RateLimit; status != nil {
		result.RateLimit = &domain.RateLimitSummary{
			CurrentCount: status.CurrentCount,
			Remaining:    status.Remaining,
			IsWarning:    status.IsWarning,
			ResetTime:    status.ResetTime,
		}
	}
	if len(result.Renewals) == 0 {
		result.Renewals = nil
	}
	return result
}

// scale maps done/total onto the [from, to] progress band.
func scale(from, to, done, total int) int {
	if total <= 0 {
		return to
	}
	return from + (to-from)*done/total
}
