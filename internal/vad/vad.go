// Package vad wraps an external voice-activity-detection engine and turns a
// whole audio buffer into coarse speech regions.
package vad

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lingotrack/transcriber/internal/logger"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"
)

// Region is a half-open speech interval in audio-seconds.
type Region struct {
	StartS float64
	EndS   float64
}

// SegmenterError wraps a VAD engine initialisation failure. Initialize
// returns it when no engine could be built; DetectRegions never returns it
// and fails only when its context is cancelled or the pool is shutting down.
type SegmenterError struct {
	Err error
}

func (e *SegmenterError) Error() string { return fmt.Sprintf("vad: %v", e.Err) }
func (e *SegmenterError) Unwrap() error { return e.Err }

// Config controls detector construction and per-call thresholds.
type Config struct {
	ModelPath         string
	Threshold         float32
	MinSilenceS       float32
	MinRegionS        float32
	BufferSizeSeconds float32
	PoolSize          int
}

// instance is a single resident VAD engine, reusable across sessions.
type instance struct {
	id     int
	engine *sherpa.VoiceActivityDetector
	inUse  int32
}

// Pool is a fixed-size pool of resident VAD engines. One instance detects
// regions for one session at a time; sessions beyond PoolSize block in
// DetectRegions until an instance is returned.
type Pool struct {
	cfg       Config
	instances []*instance
	available chan *instance

	totalCreated int64
	totalReused  int64
	totalActive  int64

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool constructs an uninitialised Pool; call Initialize before use.
func NewPool(cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	return &Pool{
		cfg:       cfg,
		instances: make([]*instance, 0, cfg.PoolSize),
		available: make(chan *instance, cfg.PoolSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Initialize eagerly constructs every engine instance in parallel. Returns a
// SegmenterError only if every instance fails; partial failure proceeds with
// the instances that succeeded.
func (p *Pool) Initialize() error {
	logger.Info("initializing_vad_pool", "size", p.cfg.PoolSize)

	modelConfig := &sherpa.VadModelConfig{
		SileroVad: sherpa.SileroVadModelConfig{
			Model:              p.cfg.ModelPath,
			Threshold:          p.cfg.Threshold,
			MinSilenceDuration: p.cfg.MinSilenceS,
			MinSpeechDuration:  p.cfg.MinRegionS,
		},
		SampleRate: 16000,
		NumThreads: 1,
	}

	var wg sync.WaitGroup
	errCh := make(chan error, p.cfg.PoolSize)

	for i := 0; i < p.cfg.PoolSize; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			engine := sherpa.NewVoiceActivityDetector(modelConfig, p.cfg.BufferSizeSeconds)
			if engine == nil {
				errCh <- fmt.Errorf("failed to create VAD instance %d", id)
				return
			}
			inst := &instance{id: id, engine: engine}
			p.mu.Lock()
			p.instances = append(p.instances, inst)
			p.mu.Unlock()

			select {
			case p.available <- inst:
				atomic.AddInt64(&p.totalCreated, 1)
			default:
				sherpa.DeleteVoiceActivityDetector(engine)
				errCh <- fmt.Errorf("VAD pool queue full, instance %d discarded", id)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	var initErrs []error
	for err := range errCh {
		initErrs = append(initErrs, err)
		logger.Warn("vad_initialization_warning", "error", err)
	}

	p.mu.RLock()
	ok := len(p.instances)
	p.mu.RUnlock()

	logger.Info("vad_pool_initialized", "success_count", ok, "target_size", p.cfg.PoolSize)
	if ok == 0 {
		return &SegmenterError{Err: fmt.Errorf("failed to initialize any VAD instance: %v", initErrs)}
	}
	return nil
}

// get acquires an instance, blocking until one is free or ctx is cancelled.
func (p *Pool) get(ctx context.Context) (*instance, error) {
	select {
	case inst := <-p.available:
		atomic.AddInt64(&p.totalReused, 1)
		atomic.AddInt64(&p.totalActive, 1)
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, fmt.Errorf("vad pool is shutting down")
	}
}

func (p *Pool) put(inst *instance) {
	atomic.AddInt64(&p.totalActive, -1)
	select {
	case p.available <- inst:
	default:
		logger.Warn("vad_pool_full_on_return", "id", inst.id)
	}
}

// DetectRegions runs VAD over the whole buffer and returns pairwise
// non-overlapping, monotonically ordered speech regions, dropping any
// region shorter than minRegionS.
func (p *Pool) DetectRegions(ctx context.Context, samples []float32, sampleRate int, minRegionS float32) ([]Region, error) {
	inst, err := p.get(ctx)
	if err != nil {
		return nil, fmt.Errorf("vad: acquire instance: %w", err)
	}
	defer p.put(inst)

	done := make(chan struct{})
	go func() {
		defer close(done)
		inst.engine.AcceptWaveform(samples)
		inst.engine.Flush()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var regions []Region
	for !inst.engine.IsEmpty() {
		segment := inst.engine.Front()
		inst.engine.Pop()
		if segment == nil || len(segment.Samples) == 0 {
			continue
		}

		startS := float64(segment.Start) / float64(sampleRate)
		endS := startS + float64(len(segment.Samples))/float64(sampleRate)
		if endS-startS < float64(minRegionS) {
			continue
		}
		regions = append(regions, Region{StartS: startS, EndS: endS})
	}

	return regions, nil
}

// MergeClose absorbs silences shorter than minSilenceS into the surrounding
// region: two adjacent regions separated by a smaller gap become one. The
// resident engines are built with the configured default silence floor, so
// this is how a request's own min_silence_s takes effect without rebuilding
// an engine per request.
func MergeClose(regions []Region, minSilenceS float64) []Region {
	if len(regions) == 0 || minSilenceS <= 0 {
		return regions
	}

	out := make([]Region, 0, len(regions))
	cur := regions[0]
	for _, next := range regions[1:] {
		if next.StartS-cur.EndS < minSilenceS {
			cur.EndS = next.EndS
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// Stats reports pool utilisation for the /stats endpoint.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]interface{}{
		"pool_size":       p.cfg.PoolSize,
		"total_instances": len(p.instances),
		"available_count": len(p.available),
		"active_count":    atomic.LoadInt64(&p.totalActive),
		"total_created":   atomic.LoadInt64(&p.totalCreated),
		"total_reused":    atomic.LoadInt64(&p.totalReused),
	}
}

// Shutdown releases every engine. Safe to call once, after all callers have
// returned their instances.
func (p *Pool) Shutdown() {
	logger.Info("shutting_down_vad_pool")
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

drain:
	for {
		select {
		case inst := <-p.available:
			sherpa.DeleteVoiceActivityDetector(inst.engine)
		default:
			break drain
		}
	}
}
