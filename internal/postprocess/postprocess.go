// Package postprocess merges short adjacent subtitles under a per-line
// length cap and optionally runs recognised text through an external
// script converter.
package postprocess

import (
	"strings"

	"github.com/lingotrack/transcriber/internal/logger"
	"github.com/lingotrack/transcriber/internal/pipeline"
)

// defaultMergeGapS is the time gap below which two adjacent segments are
// considered mergeable.
const defaultMergeGapS = 1.0

// MergeConfig bounds subtitle merging.
type MergeConfig struct {
	MaxCharsPerLine int
	GapS            float64
	Language        string
}

// Merge combines adjacent segments into one when the combined text would
// not exceed MaxCharsPerLine, the time gap between them is below GapS, and
// they share the same language context (MergeConfig.Language is constant
// for one request, so every segment already shares it). Merging
// concatenates text with a single space and extends end_s to the later
// segment's end_s. Preference between same-worker and cross-worker pairs
// is deliberately not modelled: merging looks at time gap only.
func Merge(segments []pipeline.TextSegment, cfg MergeConfig) []pipeline.TextSegment {
	if len(segments) == 0 {
		return segments
	}
	gap := cfg.GapS
	if gap <= 0 {
		gap = defaultMergeGapS
	}

	out := make([]pipeline.TextSegment, 0, len(segments))
	cur := segments[0]
	for _, next := range segments[1:] {
		combined := cur.Text + " " + next.Text
		withinGap := next.StartS-cur.EndS < gap
		withinChars := cfg.MaxCharsPerLine <= 0 || len(combined) <= cfg.MaxCharsPerLine
		if withinGap && withinChars {
			cur = pipeline.TextSegment{StartS: cur.StartS, EndS: next.EndS, Text: combined}
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}

// ScriptConverter converts simplified Chinese text to traditional.
// Callers supply a concrete implementation; none ships with this package.
type ScriptConverter interface {
	Convert(text string) (string, error)
}

// ConvertScript runs every segment's text through conv when language is a
// Chinese variant. A converter failure is non-fatal: the original text is
// preserved and a warning is appended to the returned slice.
func ConvertScript(segments []pipeline.TextSegment, language string, conv ScriptConverter) ([]pipeline.TextSegment, []string) {
	if conv == nil || !isChinese(language) {
		return segments, nil
	}

	var warnings []string
	out := make([]pipeline.TextSegment, len(segments))
	for i, seg := range segments {
		converted, err := conv.Convert(seg.Text)
		if err != nil {
			logger.Warn("script_conversion_failed", "error", err, "text", seg.Text)
			warnings = append(warnings, "script conversion failed, original text preserved: "+err.Error())
			out[i] = seg
			continue
		}
		seg.Text = converted
		out[i] = seg
	}
	return out, warnings
}

func isChinese(language string) bool {
	l := strings.ToLower(strings.TrimSpace(language))
	return l == "zh" || strings.HasPrefix(l, "zh-")
}
