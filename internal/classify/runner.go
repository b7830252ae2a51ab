package classify

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/andresmejia3/cranalytics/internal/metrics"
	"github.com/andresmejia3/cranalytics/internal/tracing"
	"github.com/andresmejia3/cranalytics/internal/types"
)

const maxBackoff = 60 * time.Second

// Summary counts per-item outcomes of one Run.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type RunnerOptions struct {
	// MaxRetries is the number of extra attempts per crop. Zero means one attempt.
	MaxRetries int
	RetryBase  time.Duration
}

// Runner classifies crops one at a time, in order.
type Runner struct {
	client     Client
	maxRetries int
	baseDelay  time.Duration
	log        zerolog.Logger
}

func NewRunner(client Client, opts RunnerOptions, log zerolog.Logger) *Runner {
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	return &Runner{
		client:     client,
		maxRetries: max(0, opts.MaxRetries),
		baseDelay:  opts.RetryBase,
		log:        log,
	}
}

// Run awaits each crop before starting the next. A crop that still fails
// after its retries is logged, counted and left out. report is called for
// every success in crop order; returning false stops the run early.
// Cancelling ctx also stops the run.
func (r *Runner) Run(ctx context.Context, crops []types.FaceCrop, report func(types.ClassificationResult) bool) Summary {
	var sum Summary
	for _, crop := range crops {
		if ctx.Err() != nil {
			break
		}

		pred, err := r.classify(ctx, crop)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			sum.Failed++
			metrics.ClassificationsTotal.WithLabelValues("failed").Inc()
			r.log.Warn().Err(err).Int("ordinal", crop.Ordinal).Msg("classification failed, skipping face")
			continue
		}

		sum.Succeeded++
		metrics.ClassificationsTotal.WithLabelValues("ok").Inc()
		if !report(types.ClassificationResult{Crop: crop, Prediction: pred}) {
			break
		}
	}
	return sum
}

func (r *Runner) classify(ctx context.Context, crop types.FaceCrop) (types.Prediction, error) {
	ctx, span := tracing.Tracer("classify").Start(ctx, "classify.face")
	defer span.End()
	span.SetAttributes(attribute.Int("face.ordinal", crop.Ordinal))

	start := time.Now()
	defer func() { metrics.ClassifyDuration.Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateBackoff(attempt)
			metrics.RetryTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
			r.log.Debug().Dur("delay", delay).Int("attempt", attempt).Int("ordinal", crop.Ordinal).Msg("backoff before retry")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return types.Prediction{}, ctx.Err()
			}
		}

		pred, err := r.client.Classify(ctx, crop)
		if err == nil {
			return pred, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "classification failed")
	return types.Prediction{}, lastErr
}

func (r *Runner) calculateBackoff(attempt int) time.Duration {
	delay := r.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if attempt > 32 || delay <= 0 || delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
