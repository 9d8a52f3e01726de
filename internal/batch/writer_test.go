package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/membership-intake/internal/domain"
)

type recordingInserter struct {
	mu       sync.Mutex
	sizes    []int
	failOn   map[int]error
	inserted []domain.ProcessedRecord
	cancel   func()
}

func (r *recordingInserter) InsertRecords(_ context.Context, _ string, records []domain.ProcessedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, len(records))
	call := len(r.sizes)
	if r.cancel != nil && call == 1 {
		r.cancel()
	}
	if err := r.failOn[call]; err != nil {
		return err
	}
	r.inserted = append(r.inserted, records...)
	return nil
}

func makeRecords(n int) []domain.ProcessedRecord {
	records := make([]domain.ProcessedRecord, n)
	for i := range records {
		records[i] = domain.ProcessedRecord{Record: domain.BulkRecord{RowNumber: i + 2}}
	}
	return records
}

func TestWriterChunksIntoFixedSizeStatements(t *testing.T) {
	inserter := &recordingInserter{}
	writer := NewWriter(inserter, Config{ChunkSize: 500})

	var progressed []int
	result := writer.Write(context.Background(), "job-1", makeRecords(1250), func(done, _ int) {
		progressed = append(progressed, done)
	})

	assert.Equal(t, []int{500, 500, 250}, inserter.sizes)
	assert.Equal(t, []int{500, 1000, 1250}, progressed)
	assert.Equal(t, 1250, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
	assert.Len(t, result.Succeeded, 1250)
}

func TestWriterFailedChunksShareOneMessage(t *testing.T) {
	chunkErr := &pgconn.PgError{Message: "duplicate key value violates unique constraint", Detail: "Key (reference) already exists."}
	inserter := &recordingInserter{failOn: map[int]error{
		2: fmt.Errorf("insert records: %w", chunkErr),
		3: fmt.Errorf("insert records: %w", chunkErr),
	}}
	writer := NewWriter(inserter, Config{ChunkSize: 500})

	result := writer.Write(context.Background(), "job-1", makeRecords(1250), nil)

	assert.Equal(t, []int{500, 500, 250}, inserter.sizes)
	assert.Equal(t, 500, result.SuccessCount)
	assert.Equal(t, 750, result.FailureCount)
	assert.Len(t, result.Failed, 750)
	require.Len(t, result.Errors, 750)

	want := "duplicate key value violates unique constraint: Key (reference) already exists."
	for _, rowErr := range result.Errors {
		assert.Equal(t, want, rowErr.Error)
	}
	assert.Equal(t, 502, result.Errors[0].Row)
	assert.Equal(t, 2, result.Succeeded[0].Record.RowNumber)
}

func TestWriterOnlySecondChunkFails(t *testing.T) {
	inserter := &recordingInserter{failOn: map[int]error{2: errors.New("connection reset")}}
	result := NewWriter(inserter, Config{ChunkSize: 500}).Write(context.Background(), "job-1", makeRecords(1250), nil)

	assert.Equal(t, 750, result.SuccessCount)
	assert.Equal(t, 500, result.FailureCount)
	assert.Equal(t, "connection reset", result.Errors[0].Error)
}

func TestWriterStopsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inserter := &recordingInserter{cancel: cancel}

	result := NewWriter(inserter, Config{ChunkSize: 100}).Write(ctx, "job-1", makeRecords(250), nil)

	assert.Equal(t, []int{100}, inserter.sizes)
	assert.Equal(t, 100, result.SuccessCount)
	assert.Equal(t, 150, result.FailureCount)
	assert.Contains(t, result.Errors[0].Error, "cancelled")
}

func TestWriterRecoversFromPanickingInserter(t *testing.T) {
	result := NewWriter(panicInserter{}, Config{ChunkSize: 10}).Write(context.Background(), "job-1", makeRecords(5), nil)
	assert.Equal(t, 5, result.FailureCount)
	assert.Contains(t, result.Errors[0].Error, "panicked")
}

type panicInserter struct{}

func (panicInserter) InsertRecords(context.Context, string, []domain.ProcessedRecord) error {
	panic("driver bug")
}

func TestOversizedChunkIsCappedSoReferencesStayUnique(t *testing.T) {
	inserter := &recordingInserter{}
	writer := NewWriter(inserter, Config{ChunkSize: 1500, Rand: func(int) int { return 7 }})

	result := writer.Write(context.Background(), "job-1", makeRecords(1500), nil)

	assert.Equal(t, []int{MaxChunkSize, 500}, inserter.sizes)
	assert.Equal(t, 1500, result.SuccessCount)
	chunk := make(map[string]bool)
	for _, record := range inserter.inserted[:MaxChunkSize] {
		assert.False(t, chunk[record.Reference], record.Reference)
		chunk[record.Reference] = true
	}
}

func TestReferencesAreUniqueWithinChunk(t *testing.T) {
	now := time.UnixMilli(1717243199123)
	inserter := &recordingInserter{}
	writer := NewWriter(inserter, Config{
		ChunkSize: 500,
		Now:       func() time.Time { return now },
		Rand:      func(int) int { return 42 },
	})

	writer.Write(context.Background(), "job-1", makeRecords(500), nil)

	seen := make(map[string]bool)
	for _, record := range inserter.inserted {
		assert.LessOrEqual(t, len(record.Reference), 18)
		assert.False(t, seen[record.Reference], record.Reference)
		seen[record.Reference] = true
	}
	assert.Equal(t, "APP431991230042000", inserter.inserted[0].Reference)
	assert.Equal(t, "APP431991230042499", inserter.inserted[499].Reference)
}
