package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iago/membership-intake/internal/domain"
	"github.com/iago/membership-intake/internal/ratelimit"
	"github.com/iago/membership-intake/internal/repository"
	"github.com/iago/membership-intake/internal/retry"
	"github.com/iago/membership-intake/internal/verify"
)

// QuotaGate is satisfied by *ratelimit.Limiter.
type QuotaGate interface {
	Reserve(ctx context.Context) (ratelimit.Status, error)
}

// ResultCache is satisfied by *cache.TTL[string, verify.Result].
type ResultCache interface {
	Get(idNumber string) (verify.Result, bool)
	Set(idNumber string, result verify.Result)
}

// MemberStore is satisfied by the members repository. Snapshots returned by
// verification are saved so later lookups without a snapshot still see them.
type MemberStore interface {
	FindMemberByIDNumber(ctx context.Context, idNumber string) (*domain.MemberSnapshot, error)
	UpsertMember(ctx context.Context, member domain.MemberSnapshot) error
}

type ClassifierConfig struct {
	Validator *Validator
	Verifier  verify.Verifier
	Quota     QuotaGate
	Cache     ResultCache
	Members   MemberStore
	Retry     retry.Policy
	Logger    *slog.Logger
	Now       func() time.Time
}

// Classifier runs every row of one upload through validation, verification,
// fraud detection, geography resolution and renewal classification.
type Classifier struct {
	validator *Validator
	verifier  verify.Verifier
	quota     QuotaGate
	cache     ResultCache
	members   MemberStore
	retry     retry.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// Outcome is the classification of a whole upload.
type Outcome struct {
	Records   []domain.ProcessedRecord
	RateLimit *ratelimit.Status
}

func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Validator == nil {
		cfg.Validator = NewValidator()
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Classifier{
		validator: cfg.Validator,
		verifier:  cfg.Verifier,
		quota:     cfg.Quota,
		cache:     cfg.Cache,
		members:   cfg.Members,
		retry:     cfg.Retry,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Classify processes records in row order. progress is called after each
// record with the number done. A cancelled context stops at the next record
// and returns what was classified so far.
func (c *Classifier) Classify(
	ctx context.Context,
	records []domain.BulkRecord,
	progress func(done, total int),
) (Outcome, error) {
	index := BuildDuplicateIndex(records)
	outcome := Outcome{Records: make([]domain.ProcessedRecord, 0, len(records))}

	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return outcome, err
		}

		processed, status, err := c.classifyOne(ctx, record, index)
		if err != nil {
			return outcome, err
		}
		if status != nil {
			outcome.RateLimit = status
		}
		outcome.Records = append(outcome.Records, processed)

		if progress != nil {
			progress(i+1, len(records))
		}
	}
	return outcome, nil
}

func (c *Classifier) classifyOne(
	ctx context.Context,
	record domain.BulkRecord,
	index DuplicateIndex,
) (domain.ProcessedRecord, *ratelimit.Status, error) {
	processed := domain.ProcessedRecord{
		Record:       record,
		Validation:   c.validator.Validate(record),
		Verification: domain.VerificationSkipped,
	}

	var (
		verified *domain.Geography
		result   verify.Result
		status   *ratelimit.Status
	)

	switch {
	case !processed.Validation.Passed:
		processed.Geography = UploadedGeography(record)
	case c.verifier == nil:
		processed.Geography = UploadedGeography(record)
	default:
		var err error
		result, status, err = c.verifyCached(ctx, record.IDNumber)
		switch {
		case err != nil && ctx.Err() != nil:
			return processed, status, ctx.Err()
		case err != nil:
			processed.Verification = domain.VerificationUnavailable
			processed.Validation.Passed = false
			processed.Validation.Errors = append(processed.Validation.Errors,
				fmt.Sprintf("identity verification unavailable: %v", err))
			processed.Geography = ResolveGeography(record, nil)
			if c.logger != nil {
				c.logger.Warn("identity verification unavailable", "row", record.RowNumber, "error", err)
			}
		case result.Found:
			processed.Verification = domain.VerificationVerified
			geography := result.Geography
			verified = &geography
			processed.Geography = ResolveGeography(record, verified)
		default:
			processed.Verification = domain.VerificationUnregistered
			processed.Geography = ResolveGeography(record, nil)
		}
	}

	processed.Fraud = DetectFraud(record, verified, index)

	if processed.Validation.Passed {
		member, err := c.member(ctx, record.IDNumber, result.Member)
		if err != nil {
			return processed, status, err
		}
		processed.Renewal = ClassifyRenewal(member, c.now())
	}
	return processed, status, nil
}

// verifyCached answers repeated identity numbers from the cache so they do not
// spend hourly quota. Only successful lookups are cached.
func (c *Classifier) verifyCached(ctx context.Context, idNumber string) (verify.Result, *ratelimit.Status, error) {
	key := NormalizeIdentifier(idNumber)
	if c.cache != nil {
		if result, ok := c.cache.Get(key); ok {
			return result, nil, nil
		}
	}
	result, status, err := c.verifyWithRetry(ctx, idNumber)
	if err == nil && c.cache != nil {
		c.cache.Set(key, result)
	}
	return result, status, err
}

// verifyWithRetry gates every attempt on the hourly quota and backs off
// exponentially on transient failures.
func (c *Classifier) verifyWithRetry(ctx context.Context, idNumber string) (verify.Result, *ratelimit.Status, error) {
	var last *ratelimit.Status
	for attempt := 0; ; attempt++ {
		var err error
		if c.quota != nil {
			status, quotaErr := c.quota.Reserve(ctx)
			last = &status
			err = quotaErr
		}

		if err == nil {
			var result verify.Result
			result, err = c.verifier.Verify(ctx, idNumber)
			if err == nil {
				return result, last, nil
			}
		}

		if ctx.Err() != nil {
			return verify.Result{}, last, ctx.Err()
		}
		if !transient(err) || c.retry.Exhausted(attempt) {
			return verify.Result{}, last, err
		}
		if sleepErr := retry.Sleep(ctx, c.retry.Delay(attempt)); sleepErr != nil {
			return verify.Result{}, last, sleepErr
		}
	}
}

func transient(err error) bool {
	return errors.Is(err, ratelimit.ErrRateLimited) || verify.IsRetryable(err)
}

func (c *Classifier) member(ctx context.Context, idNumber string, fromVerification *domain.MemberSnapshot) (*domain.MemberSnapshot, error) {
	if c.members == nil {
		return fromVerification, nil
	}
	if fromVerification != nil {
		snapshot := *fromVerification
		snapshot.IDNumber = NormalizeIdentifier(idNumber)
		if err := c.members.UpsertMember(ctx, snapshot); err != nil && c.logger != nil {
			c.logger.Warn("save member snapshot failed", "error", err)
		}
		return fromVerification, nil
	}
	member, err := c.members.FindMemberByIDNumber(ctx, NormalizeIdentifier(idNumber))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.logger != nil {
			c.logger.Warn("member lookup failed", "error", err)
		}
		return nil, nil
	}
	return member, nil
}
