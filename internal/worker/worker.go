// Package worker spawns and supervises one inference process per device and
// exposes a bounded unit-transcription contract to the scheduler.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/pipeline"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const minUnitDurationS = 0.1

// SpawnError reports that a worker could not initialise its device or model.
type SpawnError struct {
	DeviceID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("worker: spawn device %s: %v", e.DeviceID, e.Err)
}
func (e *SpawnError) Unwrap() error { return e.Err }

// Worker is one long-lived inference process pinned to a single device.
// Ready workers accept one unit at a time; concurrent Transcribe calls on
// the same Worker are serialised by callMu.
type Worker struct {
	ID       string
	DeviceID string
	ModelKey pipeline.ModelKey
	WorkDir  string

	binary       string
	spawnTimeout time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Scanner

	mu    sync.Mutex
	state pipeline.WorkerLifecycle

	callMu sync.Mutex
}

// Config controls how a Worker's subprocess is launched.
type Config struct {
	BinaryPath   string
	SpawnTimeout time.Duration
	ModelName    string
	Precision    string
}

// Spawn starts the worker subprocess, restricts it to deviceID, and blocks
// until the subprocess reports ready or cfg.SpawnTimeout elapses.
func Spawn(ctx context.Context, cfg Config, deviceID, workDir string) (*Worker, error) {
	w := &Worker{
		ID:       uuid.NewString(),
		DeviceID: deviceID,
		ModelKey: pipeline.ModelKey{ModelName: cfg.ModelName, Precision: cfg.Precision},
		WorkDir:  workDir,
		binary:   cfg.BinaryPath,
		state:    pipeline.WorkerSpawning,
	}

	// Deliberately not CommandContext: the subprocess outlives the spawn
	// call (the engine cache keeps it warm across sessions), so its
	// lifetime is managed by Drain/kill, not by the caller's context.
	cmd := exec.Command(cfg.BinaryPath)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("TRANSCRIBER_DEVICE=%s", deviceID),
		fmt.Sprintf("CUDA_VISIBLE_DEVICES=%s", deviceID),
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{DeviceID: deviceID, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{DeviceID: deviceID, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{DeviceID: deviceID, Err: err}
	}

	w.cmd = cmd
	w.stdin = stdin
	w.reader = bufio.NewScanner(stdout)
	w.reader.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if err := w.sendRequest(wireRequest{
		Type:      "init",
		ModelName: cfg.ModelName,
		Precision: cfg.Precision,
	}); err != nil {
		w.kill()
		return nil, &SpawnError{DeviceID: deviceID, Err: err}
	}

	timeout := cfg.SpawnTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	resp, err := w.readResponseWithTimeout(timeout)
	if err != nil {
		w.kill()
		return nil, &SpawnError{DeviceID: deviceID, Err: err}
	}
	if resp.Type != "ready" {
		w.kill()
		return nil, &SpawnError{DeviceID: deviceID, Err: fmt.Errorf("unexpected init response %q: %s", resp.Type, resp.Error)}
	}

	w.setState(pipeline.WorkerReady)
	logger.Info("worker_ready", "worker_id", w.ID, "device_id", deviceID, "model", cfg.ModelName)
	return w, nil
}

func (w *Worker) setState(s pipeline.WorkerLifecycle) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// State returns the worker's current lifecycle position.
func (w *Worker) State() pipeline.WorkerLifecycle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) sendRequest(req wireRequest) error {
	enc, err := json.Marshal(req)
	if err != nil {
		return err
	}
	enc = append(enc, '\n')
	_, err = w.stdin.Write(enc)
	return err
}

func (w *Worker) readResponseWithTimeout(timeout time.Duration) (*wireResponse, error) {
	type result struct {
		resp *wireResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if !w.reader.Scan() {
			if err := w.reader.Err(); err != nil {
				ch <- result{err: err}
				return
			}
			ch <- result{err: io.EOF}
			return
		}
		var resp wireResponse
		if err := json.Unmarshal(w.reader.Bytes(), &resp); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{resp: &resp}
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for worker response")
	}
}

// Transcribe writes unit's samples to a temp file under sessionWorkDir,
// invokes the resident model, and rebases returned segments to absolute
// time. Units shorter than 100ms are skipped without touching the process.
//
// sessionWorkDir is supplied per call, not fixed at spawn time: a worker
// outlives any one session (the admission pool caches it for reuse), so
// every unit's temp file must land under the *current* caller's session
// workdir to preserve the "no file outlives its session" invariant. If
// sessionWorkDir is empty, the worker's own spawn-time directory is used.
func (w *Worker) Transcribe(ctx context.Context, unit pipeline.WorkUnit, language, task string, softCap time.Duration, sessionWorkDir string) pipeline.UnitResult {
	durationS := unit.Region.EndS - unit.Region.StartS
	if durationS < minUnitDurationS {
		return pipeline.UnitResult{UnitID: unit.UnitID, Status: pipeline.UnitSkipped, WorkerID: w.ID}
	}
	if sessionWorkDir == "" {
		sessionWorkDir = w.WorkDir
	}

	w.callMu.Lock()
	defer w.callMu.Unlock()
	w.setState(pipeline.WorkerBusy)
	defer func() {
		// A failure path may have marked the worker dead; only a worker
		// still busy goes back to ready.
		w.mu.Lock()
		if w.state == pipeline.WorkerBusy {
			w.state = pipeline.WorkerReady
		}
		w.mu.Unlock()
	}()

	start := time.Now()

	tmpPath, err := w.writeTempWAV(unit, sessionWorkDir)
	if err != nil {
		return pipeline.UnitResult{UnitID: unit.UnitID, Status: pipeline.UnitFailed, Err: err, WorkerID: w.ID, ElapsedS: time.Since(start).Seconds()}
	}
	defer os.Remove(tmpPath)

	if err := w.sendRequest(wireRequest{
		Type:     "transcribe",
		UnitID:   unit.UnitID,
		FilePath: tmpPath,
		Language: language,
		Task:     task,
	}); err != nil {
		w.setState(pipeline.WorkerDead)
		return pipeline.UnitResult{UnitID: unit.UnitID, Status: pipeline.UnitFailed, Err: err, WorkerID: w.ID, ElapsedS: time.Since(start).Seconds()}
	}

	if softCap <= 0 {
		softCap = time.Duration(8*durationS) * time.Second
	}
	resp, err := w.readResponseWithTimeout(softCap)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		w.setState(pipeline.WorkerDead)
		return pipeline.UnitResult{UnitID: unit.UnitID, Status: pipeline.UnitFailed, Err: err, WorkerID: w.ID, ElapsedS: elapsed}
	}

	if resp.Status == "failed" {
		if isDeviceExhaustion(resp.Error) {
			w.setState(pipeline.WorkerDead)
		}
		return pipeline.UnitResult{UnitID: unit.UnitID, Status: pipeline.UnitFailed, Err: fmt.Errorf("%s", resp.Error), WorkerID: w.ID, ElapsedS: elapsed}
	}

	segments := make([]pipeline.TextSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, pipeline.TextSegment{
			StartS: unit.Region.StartS + s.StartS,
			EndS:   unit.Region.StartS + s.EndS,
			Text:   s.Text,
		})
	}

	return pipeline.UnitResult{
		UnitID:   unit.UnitID,
		Status:   pipeline.UnitOK,
		Segments: segments,
		WorkerID: w.ID,
		ElapsedS: elapsed,
	}
}

func isDeviceExhaustion(msg string) bool {
	for _, marker := range []string{"out of memory", "OOM", "CUDA_ERROR_OUT_OF_MEMORY", "device-initialisation"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (w *Worker) writeTempWAV(unit pipeline.WorkUnit, sessionWorkDir string) (string, error) {
	if err := os.MkdirAll(sessionWorkDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare session workdir: %w", err)
	}
	f, err := os.CreateTemp(sessionWorkDir, fmt.Sprintf("unit-%04d-*.wav", unit.UnitID))
	if err != nil {
		return "", fmt.Errorf("create temp wav: %w", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	ints := make([]int, len(unit.Samples))
	for i, s := range unit.Samples {
		v := int(s * 32767)
		if v > 32767 {
			v = 32767
		}
		if v < -32768 {
			v = -32768
		}
		ints[i] = v
	}
	buf := &audio.IntBuffer{
		Data:           ints,
		Format:         &audio.Format{SampleRate: 16000, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return "", fmt.Errorf("write temp wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("close temp wav: %w", err)
	}
	return f.Name(), nil
}

// Drain signals the subprocess to stop after its current unit and waits for
// it to exit. Workers are not pre-empted mid-unit.
func (w *Worker) Drain(timeout time.Duration) {
	w.setState(pipeline.WorkerDraining)
	_ = w.sendRequest(wireRequest{Type: "shutdown"})

	done := make(chan struct{})
	go func() {
		w.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		w.kill()
	}
	w.setState(pipeline.WorkerDead)
}

func (w *Worker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// workDirFor builds the per-device scratch subdirectory a worker falls back
// to when no session workdir is supplied.
func workDirFor(scratchRoot, deviceID string) string {
	return filepath.Join(scratchRoot, "workers", deviceID)
}
