package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingotrack/transcriber/internal/pipeline"
)

// TestMain doubles as the fake inference subprocess: when the pool re-execs
// this test binary with TRANSCRIBER_FAKE_WORKER set, it speaks the wire
// protocol instead of running tests.
func TestMain(m *testing.M) {
	if os.Getenv("TRANSCRIBER_FAKE_WORKER") == "1" {
		runFakeWorker()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeWorker() {
	device := os.Getenv("TRANSCRIBER_DEVICE")
	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	out := bufio.NewWriter(os.Stdout)

	reply := func(resp wireResponse) {
		data, _ := json.Marshal(resp)
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	for in.Scan() {
		var req wireRequest
		if err := json.Unmarshal(in.Bytes(), &req); err != nil {
			continue
		}
		switch req.Type {
		case "init":
			if os.Getenv("FAKE_WORKER_INIT_FAIL") == "1" {
				reply(wireResponse{Type: "error", Error: "no such device"})
				return
			}
			reply(wireResponse{Type: "ready"})
		case "transcribe":
			// Fail exactly once across all fake workers when asked to, so
			// retry paths can be exercised deterministically.
			if dir := os.Getenv("FAKE_WORKER_FAIL_ONCE_DIR"); dir != "" {
				sentinel := filepath.Join(dir, "failed-once")
				if _, err := os.Stat(sentinel); os.IsNotExist(err) {
					os.WriteFile(sentinel, nil, 0o644)
					reply(wireResponse{Type: "result", UnitID: req.UnitID, Status: "failed", Error: os.Getenv("FAKE_WORKER_FAIL_MSG")})
					continue
				}
			}
			reply(wireResponse{Type: "result", UnitID: req.UnitID, Status: "ok", Segments: []wireSegment{
				{StartS: 0, EndS: 1, Text: "hello from device " + device},
			}})
		case "shutdown":
			return
		}
	}
}

func fakeWorkerConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("TRANSCRIBER_FAKE_WORKER", "1")
	return Config{
		BinaryPath:   os.Args[0],
		SpawnTimeout: 10 * time.Second,
		ModelName:    "base",
		Precision:    "float16",
	}
}

func TestPoolStartGatesOnReadyBarrier(t *testing.T) {
	pool := NewPool(fakeWorkerConfig(t), t.TempDir(), RestartPolicy{Limit: 1})
	defer pool.Drain(2 * time.Second)

	require.NoError(t, pool.Start(context.Background(), []string{"0", "1"}))

	ready := pool.Ready()
	require.Len(t, ready, 2)
	for _, w := range ready {
		assert.Equal(t, pipeline.WorkerReady, w.State())
	}
}

func TestTranscribeRebasesSegmentsToAbsoluteTime(t *testing.T) {
	w, err := Spawn(context.Background(), fakeWorkerConfig(t), "0", t.TempDir())
	require.NoError(t, err)
	defer w.Drain(2 * time.Second)

	sessionDir := t.TempDir()
	unit := pipeline.WorkUnit{
		UnitID:  0,
		Region:  pipeline.SpeechRegion{StartS: 30, EndS: 32},
		Samples: make([]float32, 2*16000),
	}

	res := w.Transcribe(context.Background(), unit, "auto", "transcribe", 0, sessionDir)
	require.Equal(t, pipeline.UnitOK, res.Status)
	require.Len(t, res.Segments, 1)
	assert.Equal(t, 30.0, res.Segments[0].StartS)
	assert.Equal(t, 31.0, res.Segments[0].EndS)

	// The unit's temp file must not survive the call.
	entries, err := os.ReadDir(sessionDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTranscribeFailureKeepsWorkerUsable(t *testing.T) {
	cfg := fakeWorkerConfig(t)
	t.Setenv("FAKE_WORKER_FAIL_ONCE_DIR", t.TempDir())
	t.Setenv("FAKE_WORKER_FAIL_MSG", "synthetic decode failure")

	w, err := Spawn(context.Background(), cfg, "0", t.TempDir())
	require.NoError(t, err)
	defer w.Drain(2 * time.Second)

	unit := pipeline.WorkUnit{
		UnitID:  0,
		Region:  pipeline.SpeechRegion{StartS: 0, EndS: 2},
		Samples: make([]float32, 2*16000),
	}

	res := w.Transcribe(context.Background(), unit, "auto", "transcribe", 0, t.TempDir())
	require.Equal(t, pipeline.UnitFailed, res.Status)
	assert.ErrorContains(t, res.Err, "synthetic decode failure")
	assert.Equal(t, pipeline.WorkerReady, w.State())

	res = w.Transcribe(context.Background(), unit, "auto", "transcribe", 0, t.TempDir())
	assert.Equal(t, pipeline.UnitOK, res.Status)
}

func TestDeviceExhaustionMarksDeadAndRespawnHonoursLimit(t *testing.T) {
	cfg := fakeWorkerConfig(t)
	t.Setenv("FAKE_WORKER_FAIL_ONCE_DIR", t.TempDir())
	t.Setenv("FAKE_WORKER_FAIL_MSG", "CUDA_ERROR_OUT_OF_MEMORY: out of memory")

	pool := NewPool(cfg, t.TempDir(), RestartPolicy{Limit: 1})
	defer pool.Drain(2 * time.Second)
	require.NoError(t, pool.Start(context.Background(), []string{"0"}))

	w := pool.Ready()[0]
	unit := pipeline.WorkUnit{
		UnitID:  0,
		Region:  pipeline.SpeechRegion{StartS: 0, EndS: 2},
		Samples: make([]float32, 2*16000),
	}

	res := w.Transcribe(context.Background(), unit, "auto", "transcribe", 0, t.TempDir())
	require.Equal(t, pipeline.UnitFailed, res.Status)
	assert.Equal(t, pipeline.WorkerDead, w.State())

	respawned, err := pool.Respawn(context.Background(), "0")
	require.NoError(t, err)
	assert.Equal(t, pipeline.WorkerReady, respawned.State())

	res = respawned.Transcribe(context.Background(), unit, "auto", "transcribe", 0, t.TempDir())
	assert.Equal(t, pipeline.UnitOK, res.Status)

	_, err = pool.Respawn(context.Background(), "0")
	assert.ErrorContains(t, err, "restart limit")
}
