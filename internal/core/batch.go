package core

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"time"

	"mcranalyzer/internal/logging"
	"mcranalyzer/pkg/domain"
)

// Skipped records a measurement that was not imported because its image
// is already stored.
type Skipped struct {
	Path          string `json:"path"`
	MeasurementID int64  `json:"measurement_id"`
	Reason        string `json:"reason"`
}

// BatchReport summarises one batch run.
type BatchReport struct {
	RunID     string               `json:"run_id"`
	Imported  []domain.Measurement `json:"imported"`
	Skipped   []Skipped            `json:"skipped"`
	Failed    []*ImportError       `json:"-"`
	Started   time.Time            `json:"started"`
	Finished  time.Time            `json:"finished"`
	Cancelled bool                 `json:"cancelled"`
}

// OK reports whether no measurement failed.
func (r *BatchReport) OK() bool { return len(r.Failed) == 0 }

// Batch imports many files with a fixed-size worker pool.
type Batch struct {
	Importer *Importer
	// Workers defaults to runtime.NumCPU().
	Workers int
	Logger  *logging.Logger
}

// Run imports paths. Each worker checks ctx before starting the next file,
// so cancellation leaves recorded measurements in place and does not start
// new ones. The report is returned even when ctx was cancelled, together
// with ctx.Err().
func (b *Batch) Run(ctx context.Context, paths []string) (*BatchReport, error) {
	cache := NewRunCache(b.Importer.Store)
	defer cache.Close()

	log := b.Logger
	if log == nil {
		log = logging.Nop()
	}
	log = log.WithComponent("batch").WithRunID(cache.ID())

	workers := b.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(paths) && len(paths) > 0 {
		workers = len(paths)
	}

	report := &BatchReport{RunID: cache.ID(), Started: time.Now().UTC()}
	log.Info().Int("files", len(paths)).Int("workers", workers).Msg("batch started")

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	jobs := make(chan string)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				if ctx.Err() != nil {
					continue
				}
				outcomes, err := b.Importer.Import(ctx, cache, path)
				mu.Lock()
				report.add(outcomes, err)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, path := range paths {
		select {
		case jobs <- path:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	report.sort()
	report.Finished = time.Now().UTC()
	err := ctx.Err()
	report.Cancelled = err != nil
	log.Info().
		Int("imported", len(report.Imported)).
		Int("skipped", len(report.Skipped)).
		Int("failed", len(report.Failed)).
		Bool("cancelled", report.Cancelled).
		Int("cached_refs", cache.Len()).
		Dur("elapsed", report.Finished.Sub(report.Started)).
		Msg("batch finished")
	return report, err
}

func (r *BatchReport) add(outcomes []Outcome, err error) {
	var ie *ImportError
	if errors.As(err, &ie) {
		r.Failed = append(r.Failed, ie)
	}
	for _, o := range outcomes {
		switch o.Status {
		case StatusImported:
			r.Imported = append(r.Imported, o.Measurement)
		case StatusSkipped:
			r.Skipped = append(r.Skipped, Skipped{Path: o.Path, MeasurementID: o.Measurement.ID, Reason: o.Reason})
		case StatusFailed:
			r.Failed = append(r.Failed, o.Err)
		}
	}
}

func (r *BatchReport) sort() {
	sort.SliceStable(r.Imported, func(i, j int) bool {
		a, b := r.Imported[i], r.Imported[j]
		if a.SourcePath != b.SourcePath {
			return a.SourcePath < b.SourcePath
		}
		return a.Timestamp.Before(b.Timestamp)
	})
	sort.SliceStable(r.Skipped, func(i, j int) bool { return r.Skipped[i].Path < r.Skipped[j].Path })
	sort.SliceStable(r.Failed, func(i, j int) bool { return r.Failed[i].Path < r.Failed[j].Path })
}
