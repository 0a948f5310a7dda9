package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/pipeline"
)

// RestartPolicy bounds how many times a single device's worker is respawned.
// The count is kept per device for the lifetime of the Pool; a Pool cached
// by the admission layer serves many sessions, and the count is not reset
// between them.
type RestartPolicy struct {
	Limit int
}

// Pool spawns exactly one worker per requested device and gates the first
// dispatch behind a ready barrier, so cold-load latency is paid once, up
// front, rather than on the first real unit.
type Pool struct {
	cfg     Config
	workDir string
	restart RestartPolicy

	mu       sync.Mutex
	workers  map[string]*Worker // device_id -> worker
	restarts map[string]int     // device_id -> respawn count
}

// NewPool constructs an unstarted Pool.
func NewPool(cfg Config, workDir string, restart RestartPolicy) *Pool {
	return &Pool{
		cfg:      cfg,
		workDir:  workDir,
		restart:  restart,
		workers:  make(map[string]*Worker),
		restarts: make(map[string]int),
	}
}

// Start spawns one worker per device in parallel and blocks until every
// spawn attempt has finished. A device whose worker fails to spawn is
// logged and left out of the pool, and its spawn is not retried; Start
// returns the first spawn error only when no worker started at all.
func (p *Pool) Start(ctx context.Context, devices []string) error {
	type spawnResult struct {
		deviceID string
		w        *Worker
		err      error
	}

	results := make(chan spawnResult, len(devices))
	for _, deviceID := range devices {
		go func(deviceID string) {
			dir := workDirFor(p.workDir, deviceID)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				results <- spawnResult{deviceID: deviceID, err: fmt.Errorf("prepare worker dir: %w", err)}
				return
			}
			w, err := Spawn(ctx, p.cfg, deviceID, dir)
			results <- spawnResult{deviceID: deviceID, w: w, err: err}
		}(deviceID)
	}

	var firstErr error
	for range devices {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			logger.Error("worker_spawn_failed", "device_id", r.deviceID, "error", r.err)
			continue
		}
		p.mu.Lock()
		p.workers[r.deviceID] = r.w
		p.mu.Unlock()
	}

	if firstErr != nil && len(p.workers) == 0 {
		return firstErr
	}
	return nil
}

// Ready returns every worker currently in the ready state.
func (p *Pool) Ready() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ready []*Worker
	for _, w := range p.workers {
		if w.State() == pipeline.WorkerReady {
			ready = append(ready, w)
		}
	}
	return ready
}

// All returns every worker the pool currently tracks, regardless of state.
func (p *Pool) All() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// Respawn restarts a dead worker's device, honouring RestartPolicy.Limit
// respawns per device over the Pool's lifetime. Returns the new worker, or an error if the limit is
// exhausted or the respawn itself fails.
func (p *Pool) Respawn(ctx context.Context, deviceID string) (*Worker, error) {
	p.mu.Lock()
	count := p.restarts[deviceID]
	if count >= p.restart.Limit {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker for device %s exhausted restart limit (%d)", deviceID, p.restart.Limit)
	}
	p.restarts[deviceID] = count + 1
	p.mu.Unlock()

	dir := workDirFor(p.workDir, deviceID)
	w, err := Spawn(ctx, p.cfg, deviceID, dir)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.workers[deviceID] = w
	p.mu.Unlock()

	logger.Warn("worker_respawned", "device_id", deviceID, "attempt", count+1)
	return w, nil
}

// Drain signals every worker to stop after its current unit and waits (with
// a bounded timeout) for each to exit.
func (p *Pool) Drain(timeout time.Duration) {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Drain(timeout)
		}(w)
	}
	wg.Wait()
}
