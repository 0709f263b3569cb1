// Package stats aggregates the persisted funding rate feed into the
// figures the operator asks for.
package stats

import (
	"context"
	"errors"
	"time"

	"bybit-hedge-bot/internal/models"
	"bybit-hedge-bot/internal/storage"
)

var ErrNoData = errors.New("stats: no funding samples in window")

// FundingSummary describes one symbol's funding over a window.
type FundingSummary struct {
	Symbol      string
	Average     float64
	Latest      float64
	Min         float64
	Max         float64
	Samples     int
	WindowStart time.Time
	WindowEnd   time.Time
	// AnnualizedPct extrapolates the average 8h funding rate to a
	// yearly percentage.
	AnnualizedPct float64
}

const fundingIntervalsPerYear = 3 * 365

// Aggregator answers funding queries from stored samples.
type Aggregator struct {
	store storage.Store
	now   func() time.Time
}

func New(store storage.Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// FundingSummary averages the samples recorded for symbol over the
// trailing window. Windows with no samples are an error, not a zero:
// a zero average is a real and meaningful funding value.
func (a *Aggregator) FundingSummary(ctx context.Context, symbol string, window time.Duration) (FundingSummary, error) {
	end := a.now()
	start := end.Add(-window)
	samples, err := a.store.FundingSamplesSince(ctx, symbol, start)
	if err != nil {
		return FundingSummary{}, err
	}
	if len(samples) == 0 {
		return FundingSummary{}, ErrNoData
	}
	return summarize(symbol, samples, start, end), nil
}

func summarize(symbol string, samples []models.FundingRateSample, start, end time.Time) FundingSummary {
	sum := FundingSummary{
		Symbol:      symbol,
		Min:         samples[0].Rate,
		Max:         samples[0].Rate,
		Samples:     len(samples),
		WindowStart: start,
		WindowEnd:   end,
	}
	var total float64
	for _, s := range samples {
		total += s.Rate
		if s.Rate < sum.Min {
			sum.Min = s.Rate
		}
		if s.Rate > sum.Max {
			sum.Max = s.Rate
		}
	}
	sum.Average = total / float64(len(samples))
	sum.Latest = samples[len(samples)-1].Rate
	sum.AnnualizedPct = sum.Average * fundingIntervalsPerYear * 100
	return sum
}
