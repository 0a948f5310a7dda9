package postprocess

import (
	"errors"
	"testing"

	"github.com/lingotrack/transcriber/internal/pipeline"
)

func TestMergeCombinesCloseShortSegments(t *testing.T) {
	segments := []pipeline.TextSegment{
		{StartS: 0, EndS: 1.0, Text: "hello"},
		{StartS: 1.3, EndS: 2.0, Text: "world"},
	}
	got := Merge(segments, MergeConfig{MaxCharsPerLine: 80, GapS: 1.0})
	if len(got) != 1 {
		t.Fatalf("Merge() produced %d segments, want 1", len(got))
	}
	if got[0].Text != "hello world" {
		t.Errorf("Text = %q, want %q", got[0].Text, "hello world")
	}
	if got[0].StartS != 0 || got[0].EndS != 2.0 {
		t.Errorf("bounds = [%v,%v], want [0,2.0]", got[0].StartS, got[0].EndS)
	}
}

func TestMergeRespectsGapThreshold(t *testing.T) {
	segments := []pipeline.TextSegment{
		{StartS: 0, EndS: 1.0, Text: "hello"},
		{StartS: 5.0, EndS: 6.0, Text: "world"},
	}
	got := Merge(segments, MergeConfig{MaxCharsPerLine: 80, GapS: 1.0})
	if len(got) != 2 {
		t.Fatalf("Merge() produced %d segments, want 2 (gap exceeds threshold)", len(got))
	}
}

func TestMergeRespectsCharCap(t *testing.T) {
	segments := []pipeline.TextSegment{
		{StartS: 0, EndS: 1.0, Text: "a very long sentence that is already near"},
		{StartS: 1.1, EndS: 2.0, Text: "the configured per-line character limit"},
	}
	got := Merge(segments, MergeConfig{MaxCharsPerLine: 50, GapS: 1.0})
	if len(got) != 2 {
		t.Fatalf("Merge() produced %d segments, want 2 (combined text exceeds cap)", len(got))
	}
}

type fakeConverter struct {
	out string
	err error
}

func (f fakeConverter) Convert(text string) (string, error) { return f.out, f.err }

func TestConvertScriptSkipsNonChinese(t *testing.T) {
	segments := []pipeline.TextSegment{{Text: "hello"}}
	got, warnings := ConvertScript(segments, "en", fakeConverter{out: "SHOULD NOT BE USED"})
	if got[0].Text != "hello" {
		t.Errorf("Text = %q, want unchanged", got[0].Text)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestConvertScriptAppliesForChinese(t *testing.T) {
	segments := []pipeline.TextSegment{{Text: "简体"}}
	got, warnings := ConvertScript(segments, "zh", fakeConverter{out: "繁體"})
	if got[0].Text != "繁體" {
		t.Errorf("Text = %q, want %q", got[0].Text, "繁體")
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestConvertScriptPreservesOriginalOnFailure(t *testing.T) {
	segments := []pipeline.TextSegment{{Text: "简体"}}
	got, warnings := ConvertScript(segments, "zh", fakeConverter{err: errors.New("converter unavailable")})
	if got[0].Text != "简体" {
		t.Errorf("Text = %q, want original preserved", got[0].Text)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
}
