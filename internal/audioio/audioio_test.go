package audioio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeTestWAV(t *testing.T, path string, sampleRate, numChannels int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, numChannels, 1)
	buf := &audio.IntBuffer{
		Data: samples,
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: numChannels,
		},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write PCM: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
}

func TestLoadWAVMonoSameRate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")

	samples := make([]int, TargetSampleRate) // 1s of silence-ish ramp
	for i := range samples {
		samples[i] = i % 100
	}
	writeTestWAV(t, path, TargetSampleRate, 1, samples)

	buf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if buf.SampleRate != TargetSampleRate {
		t.Errorf("SampleRate = %d, want %d", buf.SampleRate, TargetSampleRate)
	}
	if len(buf.Samples) != TargetSampleRate {
		t.Errorf("len(Samples) = %d, want %d", len(buf.Samples), TargetSampleRate)
	}
	if math.Abs(buf.DurationS-1.0) > 0.01 {
		t.Errorf("DurationS = %v, want ~1.0", buf.DurationS)
	}
}

func TestLoadWAVStereoAveraged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stereo.wav")

	frames := 1000
	samples := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		samples[i*2] = 1000    // left
		samples[i*2+1] = -1000 // right
	}
	writeTestWAV(t, path, TargetSampleRate, 2, samples)

	buf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for i, s := range buf.Samples {
		if math.Abs(float64(s)) > 0.001 {
			t.Fatalf("sample %d = %v, want ~0 (left/right should cancel)", i, s)
			break
		}
	}
}

func TestLoadWAVResampled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "48k.wav")

	srcRate := 48000
	samples := make([]int, srcRate) // 1 second
	writeTestWAV(t, path, srcRate, 1, samples)

	buf, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if buf.SampleRate != TargetSampleRate {
		t.Errorf("SampleRate = %d, want %d", buf.SampleRate, TargetSampleRate)
	}
	if math.Abs(buf.DurationS-1.0) > 0.01 {
		t.Errorf("DurationS = %v, want ~1.0", buf.DurationS)
	}
	if want := TargetSampleRate; len(buf.Samples) < want-10 || len(buf.Samples) > want+10 {
		t.Errorf("len(Samples) = %d, want ~%d", len(buf.Samples), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/does-not-exist.wav")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("Load() error = %v, want *DecodeError", err)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp3")
	if err := os.WriteFile(path, []byte("not really audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for unsupported extension")
	}
}

func TestLoadEmptyWAV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.wav")
	writeTestWAV(t, path, TargetSampleRate, 1, nil)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for empty audio")
	}
}
