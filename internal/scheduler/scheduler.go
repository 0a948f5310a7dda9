// Package scheduler hands WorkUnits out to ready workers and recombines
// their results in unit-id order, which equals absolute-time order once
// every worker has rebased its segments.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/pipeline"
	"github.com/lingotrack/transcriber/internal/worker"
)

// maxRetries is how many times a failed unit is reassigned to a ready
// worker before it is recorded as empty.
const maxRetries = 1

// Options controls one scheduling run.
type Options struct {
	Language string
	Task     string
	SoftCap  time.Duration
	// WorkDir is the calling session's workdir. Workers are reused across
	// sessions (the admission cache keeps them warm), so every unit's temp
	// file must be written here, not wherever the worker happened to spawn.
	WorkDir string
	// OnProgress, if set, is invoked once per unit as its final result is
	// stored (after any retry), so a caller can stream job progress
	// without waiting for the whole run to finish. It must not block.
	OnProgress func(pipeline.UnitResult)
}

// Result is the scheduler's output: a globally time-ordered segment list
// plus the per-unit bookkeeping a caller surfaces as warnings.
type Result struct {
	Segments []pipeline.TextSegment
	Units    []pipeline.UnitResult // in unit_id order
	Warnings []string
}

// Run dispatches every unit to the pool, retries each failed unit once on
// any ready worker, respawns workers the pool reports dead, and assembles
// the final segment list once every unit has a stored result.
//
// Ordering guarantee: every TextSegment a worker returns has already been
// rebased to absolute time inside Worker.Transcribe, so concatenating
// stored results in unit_id order reproduces absolute-time order without a
// second sort — provided the partitioner's monotonicity invariant held.
// Run still checks that invariant across unit boundaries and logs (never
// rejects) any inversion it finds.
func Run(ctx context.Context, units []pipeline.WorkUnit, pool *worker.Pool, opts Options) (Result, error) {
	if len(units) == 0 {
		return Result{}, nil
	}

	ready := pool.Ready()
	if len(ready) == 0 {
		return Result{}, fmt.Errorf("scheduler: no ready workers for %d units", len(units))
	}

	logMonotonicity(units)

	avail := make(chan *worker.Worker, len(ready)+4)
	for _, w := range ready {
		avail <- w
	}

	queue := make(chan pipeline.WorkUnit, len(units)*2)
	for _, u := range units {
		queue <- u
	}

	var (
		mu          sync.Mutex
		stored      = make(map[int]pipeline.UnitResult)
		attempts    = make(map[int]int)
		priorErrs   = make(map[int]string)
		remaining   = len(units)
		liveWorkers = len(ready)
		done        = make(chan struct{})
		doneOnce    sync.Once
		schedErr    error
		wg          sync.WaitGroup
	)

	finishAll := func(err error) {
		doneOnce.Do(func() {
			schedErr = err
			close(done)
		})
	}

	finish := func() {
		mu.Lock()
		remaining--
		r := remaining
		mu.Unlock()
		if r == 0 {
			finishAll(nil)
		}
	}

	dispatchOne := func(w *worker.Worker, u pipeline.WorkUnit) {
		defer wg.Done()
		res := w.Transcribe(ctx, u, opts.Language, opts.Task, opts.SoftCap, opts.WorkDir)

		if w.State() == pipeline.WorkerDead {
			logger.Warn("worker_dead_respawning", "worker_id", w.ID, "device_id", w.DeviceID, "unit_id", u.UnitID)
			newW, err := pool.Respawn(ctx, w.DeviceID)
			if err != nil {
				logger.Error("worker_respawn_failed", "device_id", w.DeviceID, "error", err)
				mu.Lock()
				liveWorkers--
				exhausted := liveWorkers == 0
				mu.Unlock()
				if exhausted {
					finishAll(fmt.Errorf("scheduler: all workers exhausted their restart limit"))
					return
				}
			} else {
				avail <- newW
			}
		} else {
			avail <- w
		}

		if res.Status == pipeline.UnitFailed {
			mu.Lock()
			attempts[u.UnitID]++
			attempt := attempts[u.UnitID]
			mu.Unlock()

			if attempt <= maxRetries {
				mu.Lock()
				if res.Err != nil {
					priorErrs[u.UnitID] = res.Err.Error()
				}
				mu.Unlock()
				logger.Warn("unit_retrying", "unit_id", u.UnitID, "attempt", attempt, "error", res.Err)
				queue <- u
				return
			}

			logger.Warn("unit_failed_final", "unit_id", u.UnitID, "error", res.Err)
			res.Segments = nil
		}

		mu.Lock()
		if prior, ok := priorErrs[u.UnitID]; ok && res.Status != pipeline.UnitFailed {
			res.Retried = true
			res.PriorError = prior
		}
		stored[u.UnitID] = res
		mu.Unlock()
		if opts.OnProgress != nil {
			opts.OnProgress(res)
		}
		finish()
	}

	go func() {
		for u := range queue {
			select {
			case w := <-avail:
				wg.Add(1)
				go dispatchOne(w, u)
			case <-done:
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		finishAll(ctx.Err())
	}
	if schedErr != nil {
		return Result{}, schedErr
	}
	close(queue)
	wg.Wait()

	var warnings []string
	segments := make([]pipeline.TextSegment, 0, len(units))
	unitResults := make([]pipeline.UnitResult, 0, len(units))
	for _, u := range units {
		res := stored[u.UnitID]
		unitResults = append(unitResults, res)
		segments = append(segments, res.Segments...)
		if res.Status == pipeline.UnitFailed || res.Retried {
			warnings = append(warnings, fmt.Sprintf("unit %d: %s", u.UnitID, warningText(res)))
		}
	}

	return Result{Segments: segments, Units: unitResults, Warnings: warnings}, nil
}

func warningText(res pipeline.UnitResult) string {
	if res.Status == pipeline.UnitFailed {
		if res.Err != nil {
			return res.Err.Error()
		}
		return "failed"
	}
	return fmt.Sprintf("succeeded on retry (prior error: %s)", res.PriorError)
}

// logMonotonicity logs, but never rejects, a region-ordering inversion
// across unit boundaries.
func logMonotonicity(units []pipeline.WorkUnit) {
	for i := 0; i < len(units)-1; i++ {
		if units[i].Region.EndS > units[i+1].Region.StartS {
			logger.Warn("region_order_inversion",
				"unit_a", units[i].UnitID, "unit_a_end", units[i].Region.EndS,
				"unit_b", units[i+1].UnitID, "unit_b_start", units[i+1].Region.StartS,
			)
		}
	}
}
