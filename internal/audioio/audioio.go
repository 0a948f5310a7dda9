// Package audioio decodes input media into normalised mono 16kHz audio
// buffers for downstream speech detection and transcription.
package audioio

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"gonum.org/v1/gonum/interp"
)

// TargetSampleRate is the fixed output rate every AudioBuffer is normalised to.
const TargetSampleRate = 16000

// DecodeError wraps a failure to open or decode a media container.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audioio: decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EmptyAudioError indicates a container decoded to zero samples.
type EmptyAudioError struct {
	Path string
}

func (e *EmptyAudioError) Error() string {
	return fmt.Sprintf("audioio: %s decoded to empty audio", e.Path)
}

// Buffer is an immutable mono 16kHz float32 audio buffer.
type Buffer struct {
	Samples    []float32
	SampleRate int
	DurationS  float64
}

// Load decodes path into a mono 16kHz Buffer, resampling and channel-averaging
// as needed. Supported containers are dispatched by file extension.
func Load(path string) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	defer f.Close()

	var samples []float64
	var srcRate int

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		samples, srcRate, err = decodeWAV(f)
	case ".flac":
		samples, srcRate, err = decodeFLAC(f)
	default:
		err = fmt.Errorf("unsupported container %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	if len(samples) == 0 {
		return nil, &EmptyAudioError{Path: path}
	}

	resampled, err := resampleTo16k(samples, srcRate)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("resample: %w", err)}
	}
	if len(resampled) == 0 {
		return nil, &EmptyAudioError{Path: path}
	}

	return &Buffer{
		Samples:    resampled,
		SampleRate: TargetSampleRate,
		DurationS:  float64(len(resampled)) / float64(TargetSampleRate),
	}, nil
}

// decodeWAV reads a WAV file into mono float64 samples in roughly [-1, 1],
// averaging channels. Returns the source sample rate.
func decodeWAV(f *os.File) ([]float64, int, error) {
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, errors.New("not a valid WAV file")
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read PCM buffer: %w", err)
	}
	if buf.Format == nil {
		return nil, 0, errors.New("missing WAV format chunk")
	}

	channels := buf.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	maxAmp := float64(int64(1) << uint(bitDepth-1))

	frames := len(buf.Data) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		mono[i] = (sum / float64(channels)) / maxAmp
	}

	return mono, buf.Format.SampleRate, nil
}

// decodeFLAC reads a FLAC stream into mono float64 samples, averaging
// channels across each decoded frame.
func decodeFLAC(f *os.File) ([]float64, int, error) {
	stream, err := flac.Parse(f)
	if err != nil {
		return nil, 0, fmt.Errorf("parse FLAC stream: %w", err)
	}

	bitDepth := stream.Info.BitsPerSample
	if bitDepth == 0 {
		bitDepth = 16
	}
	maxAmp := float64(int64(1) << uint(bitDepth-1))
	channels := int(stream.Info.NChannels)
	if channels < 1 {
		channels = 1
	}

	var mono []float64
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("decode FLAC frame: %w", err)
		}

		blockSize := len(frame.Subframes[0].Samples)
		for i := 0; i < blockSize; i++ {
			var sum float64
			for c := 0; c < len(frame.Subframes) && c < channels; c++ {
				sum += float64(frame.Subframes[c].Samples[i])
			}
			mono = append(mono, (sum/float64(channels))/maxAmp)
		}
	}

	return mono, int(stream.Info.SampleRate), nil
}

// resampleTo16k resamples mono samples from srcRate to TargetSampleRate using
// piecewise-linear interpolation over the source waveform.
func resampleTo16k(samples []float64, srcRate int) ([]float32, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("invalid source sample rate %d", srcRate)
	}
	if srcRate == TargetSampleRate {
		out := make([]float32, len(samples))
		for i, s := range samples {
			out[i] = float32(clamp(s, -1, 1))
		}
		return out, nil
	}

	n := len(samples)
	xs := make([]float64, n)
	for i := range xs {
		xs[i] = float64(i) / float64(srcRate)
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, samples); err != nil {
		return nil, fmt.Errorf("fit interpolant: %w", err)
	}

	durationS := float64(n) / float64(srcRate)
	outN := int(math.Round(durationS * TargetSampleRate))
	lastX := xs[n-1]
	out := make([]float32, outN)
	for i := 0; i < outN; i++ {
		t := float64(i) / float64(TargetSampleRate)
		if t > lastX {
			t = lastX
		}
		out[i] = float32(clamp(pl.Predict(t), -1, 1))
	}

	return out, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
