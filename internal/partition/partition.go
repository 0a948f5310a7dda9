// Package partition turns a speech-region list into bounded WorkUnits ready
// for dispatch to the worker pool.
package partition

import (
	"sort"

	"github.com/lingotrack/transcriber/internal/pipeline"
)

// minRegionS is the floor below which a region is too brief to carry useful
// text and is dropped before concatenation.
const minRegionS = 0.5

// Bounds is the (min_unit_s, max_unit_s) duration window a WorkUnit should
// fall inside, with one tolerated exception for an oversize single region.
type Bounds struct {
	MinUnitS float64
	MaxUnitS float64
}

// Partition walks regions in order and greedily concatenates consecutive
// ones into units no longer than bounds.MaxUnitS. A single region that
// already exceeds MaxUnitS on its own is emitted as one oversize unit: the
// caller has no finer VAD granularity to split it at an internal silence,
// and splitting mid-speech would corrupt the transcript.
//
// workerCount is accepted to document intent - sub-minimum units are never
// manufactured purely to keep every worker busy, since dispatch overhead
// dominates at short durations - even though the greedy walk already
// produces that behaviour without special-casing it.
func Partition(regions []pipeline.SpeechRegion, samples []float32, sampleRate int, workerCount int, bounds Bounds) []pipeline.WorkUnit {
	_ = workerCount

	filtered := make([]pipeline.SpeechRegion, 0, len(regions))
	for _, r := range regions {
		if r.EndS-r.StartS >= minRegionS {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].StartS < filtered[j].StartS })

	var units []pipeline.WorkUnit
	i := 0
	for i < len(filtered) {
		unitStart := filtered[i].StartS
		unitEnd := filtered[i].EndS
		j := i + 1

		// Single region already oversize: emit alone, tolerated exception.
		if unitEnd-unitStart > bounds.MaxUnitS {
			units = append(units, newUnit(len(units), unitStart, unitEnd, samples, sampleRate))
			i = j
			continue
		}

		for j < len(filtered) && filtered[j].EndS-unitStart <= bounds.MaxUnitS {
			unitEnd = filtered[j].EndS
			j++
		}

		units = append(units, newUnit(len(units), unitStart, unitEnd, samples, sampleRate))
		i = j
	}

	return units
}

func newUnit(unitID int, startS, endS float64, samples []float32, sampleRate int) pipeline.WorkUnit {
	startIdx := int(startS * float64(sampleRate))
	endIdx := int(endS * float64(sampleRate))
	if startIdx < 0 {
		startIdx = 0
	}
	if endIdx > len(samples) {
		endIdx = len(samples)
	}
	if startIdx > endIdx {
		startIdx = endIdx
	}

	return pipeline.WorkUnit{
		UnitID:  unitID,
		Region:  pipeline.SpeechRegion{StartS: startS, EndS: endS},
		Samples: samples[startIdx:endIdx],
	}
}
