package main

import (
	"fmt"
	"os"

	"github.com/go-audio/wav"
)

// readWAV decodes a mono PCM WAV file into float32 samples in [-1, 1]. Unit
// temp files are always written by the pool at 16kHz mono 16-bit, but the
// decoder still trusts the file's own header rather than assuming that.
func readWAV(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid WAV file", path)
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read PCM buffer: %w", err)
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = 16
	}
	maxAmp := float32(int64(1) << uint(bitDepth-1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / maxAmp
	}

	return samples, buf.Format.SampleRate, nil
}
