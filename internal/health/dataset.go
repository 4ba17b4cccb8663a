package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lunarc/aika/internal/store"
)

// Sample kinds stored in the health dataset
const (
	KindWeight        = "weight"
	KindBloodPressure = "blood_pressure"
	KindSleep         = "sleep"
)

// Dataset is the locally cached analytics dataset the quick-analytics branch
// answers from, with no network call. It is refreshed from the store and read
// synchronously.
type Dataset struct {
	mu      sync.RWMutex
	weights []*store.HealthSample
	bps     []*store.HealthSample
	sleep   []*store.HealthSample
}

// NewDataset creates an empty dataset
func NewDataset() *Dataset {
	return &Dataset{}
}

// Refresh reloads the cached samples from the store, keeping the last 90 days
func (d *Dataset) Refresh(ctx context.Context, s *store.Store) error {
	since := time.Now().AddDate(0, -3, 0)

	weights, err := s.ListHealthSamples(ctx, KindWeight, since)
	if err != nil {
		return err
	}
	bps, err := s.ListHealthSamples(ctx, KindBloodPressure, since)
	if err != nil {
		return err
	}
	sleep, err := s.ListHealthSamples(ctx, KindSleep, since)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.weights = weights
	d.bps = bps
	d.sleep = sleep
	d.mu.Unlock()
	return nil
}

// SetSamples replaces the cached samples directly (used by tests and by
// callers that already hold the data)
func (d *Dataset) SetSamples(weights, bps, sleep []*store.HealthSample) {
	d.mu.Lock()
	d.weights = weights
	d.bps = bps
	d.sleep = sleep
	d.mu.Unlock()
}

// LastWeight returns the most recent weight sample
func (d *Dataset) LastWeight() (*store.HealthSample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return last(d.weights)
}

// LastBloodPressure returns the most recent blood pressure sample. When
// morning is true, only samples recorded before noon local time qualify.
func (d *Dataset) LastBloodPressure(morning bool) (*store.HealthSample, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for i := len(d.bps) - 1; i >= 0; i-- {
		s := d.bps[i]
		if morning && s.RecordedAt.Local().Hour() >= 12 {
			continue
		}
		return s, true
	}
	return nil, false
}

// AverageSleep returns the mean sleep hours over samples recorded since the
// given time
func (d *Dataset) AverageSleep(since time.Time) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var sum float64
	var n int
	for _, s := range d.sleep {
		if s.RecordedAt.Before(since) {
			continue
		}
		sum += s.Value
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// FormatWeight renders a weight sample for a synchronous reply
func FormatWeight(s *store.HealthSample) string {
	return fmt.Sprintf("Your last weight was %.1f kg, recorded %s.",
		s.Value, s.RecordedAt.Local().Format("Jan 2 at 3:04 PM"))
}

// FormatBloodPressure renders a blood pressure sample for a synchronous reply
func FormatBloodPressure(s *store.HealthSample) string {
	return fmt.Sprintf("Your last blood pressure was %.0f/%.0f, recorded %s.",
		s.Value, s.Secondary, s.RecordedAt.Local().Format("Jan 2 at 3:04 PM"))
}

// FormatAverageSleep renders an average sleep figure for a synchronous reply
func FormatAverageSleep(hours float64, period string) string {
	return fmt.Sprintf("You averaged %.1f hours of sleep this %s.", hours, period)
}

func last(samples []*store.HealthSample) (*store.HealthSample, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	return samples[len(samples)-1], true
}
