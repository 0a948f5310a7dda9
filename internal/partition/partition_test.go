package partition

import (
	"testing"

	"github.com/lingotrack/transcriber/internal/pipeline"
	"pgregory.net/rapid"
)

func TestPartitionDropsShortRegions(t *testing.T) {
	regions := []pipeline.SpeechRegion{
		{StartS: 0, EndS: 0.2},
		{StartS: 1, EndS: 5},
	}
	samples := make([]float32, 16000*10)
	units := Partition(regions, samples, 16000, 1, Bounds{MinUnitS: 15, MaxUnitS: 45})

	if len(units) != 1 {
		t.Fatalf("len(units) = %d, want 1", len(units))
	}
	if units[0].Region.StartS != 1 || units[0].Region.EndS != 5 {
		t.Errorf("unit region = %+v, want {1 5}", units[0].Region)
	}
}

func TestPartitionConcatenatesUnderMax(t *testing.T) {
	regions := []pipeline.SpeechRegion{
		{StartS: 0, EndS: 10},
		{StartS: 10.5, EndS: 20},
		{StartS: 20.5, EndS: 30},
	}
	samples := make([]float32, 16000*35)
	units := Partition(regions, samples, 16000, 1, Bounds{MinUnitS: 15, MaxUnitS: 45})

	if len(units) != 1 {
		t.Fatalf("len(units) = %d, want 1 (all fit under max_unit_s)", len(units))
	}
	if units[0].Region.StartS != 0 || units[0].Region.EndS != 30 {
		t.Errorf("unit region = %+v, want {0 30}", units[0].Region)
	}
}

func TestPartitionSplitsAtMax(t *testing.T) {
	regions := []pipeline.SpeechRegion{
		{StartS: 0, EndS: 20},
		{StartS: 20.5, EndS: 40},
		{StartS: 40.5, EndS: 60},
	}
	samples := make([]float32, 16000*65)
	units := Partition(regions, samples, 16000, 1, Bounds{MinUnitS: 15, MaxUnitS: 45})

	if len(units) != 2 {
		t.Fatalf("len(units) = %d, want 2", len(units))
	}
	if units[0].Region.EndS > 45 {
		t.Errorf("unit 0 end = %v, exceeds max_unit_s", units[0].Region.EndS)
	}
}

func TestPartitionOversizeSingleRegionException(t *testing.T) {
	regions := []pipeline.SpeechRegion{
		{StartS: 0, EndS: 100},
	}
	samples := make([]float32, 16000*100)
	units := Partition(regions, samples, 16000, 1, Bounds{MinUnitS: 15, MaxUnitS: 45})

	if len(units) != 1 {
		t.Fatalf("len(units) = %d, want 1", len(units))
	}
	if units[0].Region.EndS-units[0].Region.StartS != 100 {
		t.Errorf("oversize region was split, got duration %v", units[0].Region.EndS-units[0].Region.StartS)
	}
}

func TestPartitionEmptyInput(t *testing.T) {
	units := Partition(nil, nil, 16000, 2, Bounds{MinUnitS: 15, MaxUnitS: 45})
	if len(units) != 0 {
		t.Errorf("len(units) = %d, want 0", len(units))
	}
}

// genRegions builds a monotonically ordered, non-overlapping region list
// with random gaps, mimicking SpeechSegmenter output.
func genRegions(t *rapid.T) []pipeline.SpeechRegion {
	n := rapid.IntRange(0, 12).Draw(t, "n")
	regions := make([]pipeline.SpeechRegion, 0, n)
	cursor := 0.0
	for i := 0; i < n; i++ {
		gap := rapid.Float64Range(0, 3).Draw(t, "gap")
		dur := rapid.Float64Range(0.1, 12).Draw(t, "dur")
		start := cursor + gap
		end := start + dur
		regions = append(regions, pipeline.SpeechRegion{StartS: start, EndS: end})
		cursor = end
	}
	return regions
}

func TestPartitionInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		regions := genRegions(t)
		sampleRate := 16000
		var totalDuration float64
		if len(regions) > 0 {
			totalDuration = regions[len(regions)-1].EndS
		}
		samples := make([]float32, int(totalDuration*float64(sampleRate))+sampleRate)

		units := Partition(regions, samples, sampleRate, 4, Bounds{MinUnitS: 15, MaxUnitS: 45})

		for i, u := range units {
			if u.UnitID != i {
				t.Fatalf("unit %d has UnitID %d, want dense 0-based IDs", i, u.UnitID)
			}
		}

		for i := 1; i < len(units); i++ {
			if units[i].Region.StartS < units[i-1].Region.EndS {
				t.Fatalf("unit %d overlaps unit %d: %+v vs %+v", i, i-1, units[i], units[i-1])
			}
			if units[i].Region.StartS < units[i-1].Region.StartS {
				t.Fatalf("units not sorted by region start: %+v before %+v", units[i-1], units[i])
			}
		}

		// Concatenation absorbs the gaps between regions that share a unit,
		// so every filtered region lies inside exactly one unit and every
		// unit starts and ends on filtered region boundaries.
		var filtered []pipeline.SpeechRegion
		for _, r := range regions {
			if r.EndS-r.StartS >= minRegionS {
				filtered = append(filtered, r)
			}
		}
		for _, r := range filtered {
			covered := 0
			for _, u := range units {
				if u.Region.StartS <= r.StartS && r.EndS <= u.Region.EndS {
					covered++
				}
			}
			if covered != 1 {
				t.Fatalf("filtered region %+v lies inside %d units, want exactly 1", r, covered)
			}
		}
		for _, u := range units {
			startsOnRegion, endsOnRegion := false, false
			for _, r := range filtered {
				startsOnRegion = startsOnRegion || u.Region.StartS == r.StartS
				endsOnRegion = endsOnRegion || u.Region.EndS == r.EndS
			}
			if !startsOnRegion || !endsOnRegion {
				t.Fatalf("unit region %+v does not start and end on filtered region boundaries", u.Region)
			}
		}
	})
}
