// Package admission bounds concurrent transcription sessions and reuses
// resident engines across sessions that request the same configuration.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/pipeline"
	"github.com/lingotrack/transcriber/internal/worker"
)

// ErrAdmissionTimeout reports that a caller did not get a session slot
// within its deadline. The caller may retry at will.
var ErrAdmissionTimeout = errors.New("admission: timed out waiting for a session slot")

// Mode selects whether a session runs with a single in-process-style
// engine or a pool of parallel worker processes.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeParallel Mode = "parallel"
)

// Engine is whatever long-lived, expensive-to-create resource a session
// needs to transcribe with — in this system, a started worker pool (one
// device for single mode, N devices for parallel mode). It is cached by
// (mode, model_key) so sessions that share a configuration reuse it
// instead of reloading the model.
type Engine struct {
	Mode     Mode
	ModelKey pipeline.ModelKey
	Pool     *worker.Pool
}

// Factory builds a new Engine for a (mode, model_key) pair the cache has
// not seen yet. It is supplied once, by the caller that wires the worker
// package in (internal/bootstrap), so this package has no direct
// dependency on process-spawning details. Device selection for mode is
// the factory's own business — it is a deterministic function of static
// config (single mode gets the first configured device, parallel mode
// gets all of them), so it never needs to travel through the cache key.
type Factory func(ctx context.Context, mode Mode, key pipeline.ModelKey) (*Engine, error)

// EngineHandle is an admission ticket: it carries the engine and must be
// released exactly once per acquisition, on every exit path.
type EngineHandle struct {
	Engine *Engine

	pool       *Pool
	cacheKey   string
	released   bool
	releasedMu sync.Mutex
}

// Release returns the session slot and drops this handle's reference to
// the cached engine. Idempotent: a second call is a no-op.
func (h *EngineHandle) Release() {
	h.releasedMu.Lock()
	defer h.releasedMu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.pool.release(h.cacheKey)
}

type cacheEntry struct {
	engine   *Engine
	refCount int
}

// Pool is the TranscriberPool: a FIFO admission semaphore plus a
// mutex-guarded engine cache. It is the only process-wide mutable state
// besides the sessions-root directory tree (internal/sessionmgr).
type Pool struct {
	sem     chan struct{}
	factory Factory

	mu    sync.Mutex
	cache map[string]*cacheEntry

	waitingMu sync.Mutex
	waiting   int
}

// NewPool constructs a TranscriberPool admitting at most maxSessions
// concurrent sessions.
func NewPool(maxSessions int, factory Factory) *Pool {
	if maxSessions < 1 {
		maxSessions = 1
	}
	return &Pool{
		sem:     make(chan struct{}, maxSessions),
		factory: factory,
		cache:   make(map[string]*cacheEntry),
	}
}

func cacheKeyFor(mode Mode, key pipeline.ModelKey) string {
	return fmt.Sprintf("%s|%s|%s", mode, key.ModelName, key.Precision)
}

// Acquire blocks until a session slot is free or ctx is done, then returns
// a handle to the cached (or freshly built) engine for (mode, model_key).
// Cancelling ctx while waiting releases the caller immediately with
// ErrAdmissionTimeout; cancelling after admission but during engine
// construction surfaces ctx.Err() instead, and the slot is returned.
func (p *Pool) Acquire(ctx context.Context, mode Mode, key pipeline.ModelKey) (*EngineHandle, error) {
	p.waitingMu.Lock()
	p.waiting++
	p.waitingMu.Unlock()
	defer func() {
		p.waitingMu.Lock()
		p.waiting--
		p.waitingMu.Unlock()
	}()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrAdmissionTimeout
	}

	cacheKey := cacheKeyFor(mode, key)
	engine, err := p.lookupOrCreate(ctx, cacheKey, mode, key)
	if err != nil {
		<-p.sem
		return nil, err
	}

	return &EngineHandle{Engine: engine, pool: p, cacheKey: cacheKey}, nil
}

func (p *Pool) lookupOrCreate(ctx context.Context, cacheKey string, mode Mode, key pipeline.ModelKey) (*Engine, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.cache[cacheKey]; ok {
		entry.refCount++
		logger.Info("engine_reused", "cache_key", cacheKey, "ref_count", entry.refCount)
		return entry.engine, nil
	}

	engine, err := p.factory(ctx, mode, key)
	if err != nil {
		return nil, fmt.Errorf("admission: build engine for %s: %w", cacheKey, err)
	}
	p.cache[cacheKey] = &cacheEntry{engine: engine, refCount: 1}
	logger.Info("engine_created", "cache_key", cacheKey)
	return engine, nil
}

// release decrements the cache entry's reference count and returns the
// session slot. Engines are never evicted on zero refcount: they stay
// warm for the next session requesting the same configuration, and are
// only torn down by Shutdown.
func (p *Pool) release(cacheKey string) {
	p.mu.Lock()
	if entry, ok := p.cache[cacheKey]; ok && entry.refCount > 0 {
		entry.refCount--
	}
	p.mu.Unlock()
	<-p.sem
}

// Shutdown drains every cached engine's worker pool, regardless of
// refcount. It is called exactly once, during process shutdown, after the
// HTTP server has stopped accepting new sessions.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	entries := make([]*cacheEntry, 0, len(p.cache))
	for _, e := range p.cache {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *cacheEntry) {
			defer wg.Done()
			e.engine.Pool.Drain(timeout)
		}(e)
	}
	wg.Wait()
}

// Stats reports admission queue depth and cached-engine counts for the
// /stats endpoint.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	cached := len(p.cache)
	p.mu.Unlock()

	p.waitingMu.Lock()
	waiting := p.waiting
	p.waitingMu.Unlock()

	return map[string]interface{}{
		"in_flight":      len(p.sem),
		"max_sessions":   cap(p.sem),
		"waiting":        waiting,
		"cached_engines": cached,
	}
}
