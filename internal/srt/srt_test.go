package srt

import (
	"testing"

	"pgregory.net/rapid"
)

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		seconds float64
		want    string
	}{
		{name: "zero", seconds: 0, want: "00:00:00,000"},
		{name: "sub-second", seconds: 1.234, want: "00:00:01,234"},
		{name: "minutes and hours", seconds: 3725.5, want: "01:02:05,500"},
		{name: "negative clamps to zero", seconds: -5, want: "00:00:00,000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatTimestamp(tt.seconds); got != tt.want {
				t.Errorf("formatTimestamp(%v) = %q, want %q", tt.seconds, got, tt.want)
			}
		})
	}
}

func TestRenderExactLayout(t *testing.T) {
	records := []Record{
		{StartS: 0, EndS: 1.5, Text: "hello there"},
		{StartS: 2, EndS: 3.25, Text: "second line"},
	}

	want := "0\n00:00:00,000 --> 00:00:01,500\nhello there\n\n" +
		"1\n00:00:02,000 --> 00:00:03,250\nsecond line\n\n"

	if got := Render(records); got != want {
		t.Errorf("Render() =\n%q\nwant\n%q", got, want)
	}
}

func TestParseKnownDocument(t *testing.T) {
	doc := "0\n00:00:00,000 --> 00:00:01,500\nhello there\n\n" +
		"1\n00:00:02,000 --> 00:00:03,250\nsecond line\n\n"

	got, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Parse() = %d records, want 2", len(got))
	}
	if got[0].Text != "hello there" || got[0].StartS != 0 || got[0].EndS != 1.5 {
		t.Errorf("record 0 = %+v", got[0])
	}
	if got[1].Text != "second line" || got[1].StartS != 2 || got[1].EndS != 3.25 {
		t.Errorf("record 1 = %+v", got[1])
	}
}

func TestParseMultilineText(t *testing.T) {
	doc := "0\n00:00:00,000 --> 00:00:01,000\nline one\nline two\n\n"

	got, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Parse() = %d records, want 1", len(got))
	}
	if want := "line one\nline two"; got[0].Text != want {
		t.Errorf("Text = %q, want %q", got[0].Text, want)
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "bad index", doc: "x\n00:00:00,000 --> 00:00:01,000\ntext\n\n"},
		{name: "missing arrow", doc: "0\n00:00:00,000 00:00:01,000\ntext\n\n"},
		{name: "truncated after index", doc: "0\n"},
		{name: "bad timestamp field count", doc: "0\n00:00,000 --> 00:00:01,000\ntext\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.doc); err == nil {
				t.Errorf("Parse(%q) expected error, got nil", tt.doc)
			}
		})
	}
}

func TestParseEmptyDocument(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("Parse(\"\") error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Parse(\"\") = %v, want empty", got)
	}
}

// genRecord builds a rapid generator for a single well-formed Record with
// millisecond-aligned, non-negative, ordered bounds and single-line text
// (multi-line text round-trips too, but the generator keeps cases simple).
func genRecord(t *rapid.T) Record {
	startMs := rapid.IntRange(0, 59*60*1000).Draw(t, "startMs")
	durMs := rapid.IntRange(0, 10*60*1000).Draw(t, "durMs")
	text := rapid.StringMatching(`[a-zA-Z0-9 ]{1,40}`).Draw(t, "text")

	start := float64(startMs) / 1000.0
	end := float64(startMs+durMs) / 1000.0
	return Record{StartS: start, EndS: end, Text: text}
}

func TestRenderParseRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		records := make([]Record, n)
		for i := range records {
			records[i] = genRecord(t)
		}

		doc := Render(records)
		got, err := Parse(doc)
		if err != nil {
			t.Fatalf("Parse(Render(records)) error = %v", err)
		}
		if len(got) != len(records) {
			t.Fatalf("round trip record count = %d, want %d", len(got), len(records))
		}
		for i := range records {
			if got[i].Text != records[i].Text {
				t.Fatalf("record %d text = %q, want %q", i, got[i].Text, records[i].Text)
			}
			if got[i].StartS != records[i].StartS || got[i].EndS != records[i].EndS {
				t.Fatalf("record %d bounds = (%v,%v), want (%v,%v)", i, got[i].StartS, got[i].EndS, records[i].StartS, records[i].EndS)
			}
		}
	})
}
