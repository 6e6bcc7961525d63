package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/v2ray-connector/internal/types"
)

// ErrAllBatchesExhausted is returned when every batch was probed and none
// contained a working candidate.
var ErrAllBatchesExhausted = errors.New("all batches exhausted with zero successes")

// DefaultBatchSize is used when the configured batch size is missing or invalid.
const DefaultBatchSize = 50

// Prober issues one remote test call for a slice of candidates. The result
// length need not equal the input length; the service may drop malformed
// entries.
type Prober interface {
	ProbeBatch(ctx context.Context, batch []types.Candidate) ([]types.ProbeResult, error)
}

// Observer receives per-batch accounting. Implemented by the metrics
// collector; may be nil.
type Observer interface {
	RecordBatch(duration time.Duration, tested, succeeded int)
}

// Runner drives sequential batch probing over a candidate list. Batches are
// never issued concurrently: each probe call is awaited before the next batch
// starts, which bounds backend load and keeps progress reporting monotonic.
type Runner struct {
	prober    Prober
	observer  Observer
	batchSize int
}

func NewRunner(prober Prober, observer Observer, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Runner{
		prober:    prober,
		observer:  observer,
		batchSize: batchSize,
	}
}

// Run probes candidates batch by batch in input order and stops at the first
// batch that yields one or more successful results. The returned slice holds
// the successful results of that terminating batch only: the chosen candidate
// is locally optimal (best within its batch), not globally optimal across the
// whole catalog. That keeps time-to-first-working-candidate low and is the
// intended behavior, not something to probe past.
//
// onProgress is invoked with a fresh snapshot before each probe call and after
// each batch resolves; it may be nil.
//
// A probe failure after at least one batch has completed counts as zero
// successes for that batch and the run continues. A failure before any batch
// completes aborts the whole run.
func (r *Runner) Run(ctx context.Context, candidates []types.Candidate, onProgress func(types.ProgressSnapshot)) ([]types.ProbeResult, types.ProgressSnapshot, error) {
	total := len(candidates)
	batchCount := (total + r.batchSize - 1) / r.batchSize

	progress := types.ProgressSnapshot{
		BatchCount: batchCount,
		BatchSize:  r.batchSize,
	}

	emit := func() {
		if onProgress != nil {
			onProgress(progress)
		}
	}

	if total == 0 {
		return nil, progress, ErrAllBatchesExhausted
	}

	log.Infof("Starting batch run: %d candidates in %d batches of %d", total, batchCount, r.batchSize)

	anyCompleted := false

	for i := 0; i < batchCount; i++ {
		select {
		case <-ctx.Done():
			return nil, progress, ctx.Err()
		default:
		}

		start := i * r.batchSize
		end := start + r.batchSize
		if end > total {
			end = total
		}
		batch := candidates[start:end]

		progress.BatchIndex = i + 1
		emit()

		batchStart := time.Now()
		results, err := r.prober.ProbeBatch(ctx, batch)
		duration := time.Since(batchStart)

		if err != nil {
			if !anyCompleted {
				return nil, progress, fmt.Errorf("probe batch %d/%d: %w", i+1, batchCount, err)
			}
			// Later batches tolerate transport failures: count as zero
			// successes and move on.
			log.Warnf("Batch %d/%d failed, continuing: %v", i+1, batchCount, err)
			if r.observer != nil {
				r.observer.RecordBatch(duration, 0, 0)
			}
			continue
		}

		anyCompleted = true

		successes := make([]types.ProbeResult, 0, len(results))
		for _, res := range results {
			if res.Success {
				successes = append(successes, res)
			}
		}

		progress.TestedTotal += len(results)
		progress.SuccessTotal += len(successes)
		emit()

		if r.observer != nil {
			r.observer.RecordBatch(duration, len(results), len(successes))
		}

		log.Infof("Batch %d/%d: tested=%d successes=%d (took %v)",
			i+1, batchCount, len(results), len(successes), duration)

		if len(successes) > 0 {
			log.Infof("Early exit after batch %d/%d: %d working candidates", i+1, batchCount, len(successes))
			return successes, progress, nil
		}
	}

	return nil, progress, ErrAllBatchesExhausted
}
