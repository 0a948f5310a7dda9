package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/lingotrack/transcriber/internal/pipeline"
)

func TestIsDeviceExhaustion(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{msg: "CUDA_ERROR_OUT_OF_MEMORY: out of memory", want: true},
		{msg: "ran out of memory allocating tensor", want: true},
		{msg: "file not found", want: false},
		{msg: "", want: false},
	}
	for _, tt := range tests {
		if got := isDeviceExhaustion(tt.msg); got != tt.want {
			t.Errorf("isDeviceExhaustion(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestTranscribeSkipsShortUnit(t *testing.T) {
	w := &Worker{ID: "w1", state: pipeline.WorkerReady}
	unit := pipeline.WorkUnit{
		UnitID: 3,
		Region: pipeline.SpeechRegion{StartS: 1.0, EndS: 1.05}, // 50ms, below the 100ms floor
	}

	result := w.Transcribe(context.Background(), unit, "auto", "transcribe", 0, t.TempDir())
	if result.Status != pipeline.UnitSkipped {
		t.Errorf("Status = %v, want skipped", result.Status)
	}
	if result.UnitID != 3 {
		t.Errorf("UnitID = %d, want 3", result.UnitID)
	}
	if len(result.Segments) != 0 {
		t.Errorf("Segments = %v, want empty", result.Segments)
	}
}

func TestWireRequestRoundTrip(t *testing.T) {
	req := wireRequest{Type: "transcribe", UnitID: 7, FilePath: "/tmp/unit-0007.wav", Language: "auto", Task: "transcribe"}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got wireRequest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got != req {
		t.Errorf("round trip = %+v, want %+v", got, req)
	}
}

func TestWireResponseSegmentRebasing(t *testing.T) {
	resp := wireResponse{
		Type:   "result",
		UnitID: 2,
		Status: "ok",
		Segments: []wireSegment{
			{StartS: 0.5, EndS: 1.2, Text: "hello"},
		},
	}

	regionStart := 10.0
	segments := make([]pipeline.TextSegment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, pipeline.TextSegment{
			StartS: regionStart + s.StartS,
			EndS:   regionStart + s.EndS,
			Text:   s.Text,
		})
	}

	if segments[0].StartS != 10.5 || segments[0].EndS != 11.2 {
		t.Errorf("rebased segment = %+v, want {10.5 11.2 hello}", segments[0])
	}
}
