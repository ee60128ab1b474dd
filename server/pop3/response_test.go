package pop3

import (
	"reflect"
	"testing"
)

func TestDotStuffLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "No dot", input: "Line 1", expected: "Line 1"},
		{name: "Dot at start", input: ".Line 1", expected: "..Line 1"},
		{name: "Single dot", input: ".", expected: ".."},
		{name: "Already stuffed", input: "..Already stuffed", expected: "...Already stuffed"},
		{name: "Dot in middle", input: "This is a . in the middle", expected: "This is a . in the middle"},
		{name: "Empty line", input: "", expected: ""},
		{name: "Dot and space", input: ". One dot.", expected: ".. One dot."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := dotStuffLine(tt.input)
			if result != tt.expected {
				t.Errorf("dotStuffLine() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func BenchmarkDotStuffLine(b *testing.B) {
	lines := []string{"Regular line without dot", ".Line with dot at start", "Another regular line"}
	for i := 0; i < b.N; i++ {
		dotStuffLine(lines[i%len(lines)])
	}
}

func testSnapshotWithSizes(uids []string, sizes map[string]int64) *mailboxSnapshot {
	snap := newSnapshot(uids)
	for uid, size := range sizes {
		snap.setSize(uid, size)
	}
	return snap
}

func TestBuildListResponseLines(t *testing.T) {
	snap := testSnapshotWithSizes(
		[]string{"aa", "bb", "cc", "dd"},
		map[string]int64{"aa": 100, "bb": 200, "cc": 300, "dd": 400},
	)
	tracker := newDeletionTracker()

	lines := buildListResponseLines(snap, tracker)
	want := []string{"1 100", "2 200", "3 300", "4 400"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("buildListResponseLines() = %v, want %v", lines, want)
	}

	// Deleted messages leave a gap; the rest keep their numbers.
	tracker.flag("bb")
	tracker.reap("cc")
	lines = buildListResponseLines(snap, tracker)
	want = []string{"1 100", "4 400"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("buildListResponseLines() after deletions = %v, want %v", lines, want)
	}
}

func TestBuildUIDLResponseLines(t *testing.T) {
	snap := newSnapshot([]string{"aa", "bb", "cc"})
	tracker := newDeletionTracker()
	tracker.flag("aa")

	lines := buildUIDLResponseLines(snap, tracker)
	want := []string{"2 bb", "3 cc"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("buildUIDLResponseLines() = %v, want %v", lines, want)
	}
}

func TestCountAddressable(t *testing.T) {
	snap := testSnapshotWithSizes(
		[]string{"aa", "bb", "cc"},
		map[string]int64{"aa": 10, "bb": 20, "cc": 30},
	)
	tracker := newDeletionTracker()

	count, total := countAddressable(snap, tracker)
	if count != 3 || total != 60 {
		t.Errorf("countAddressable() = %d, %d, want 3, 60", count, total)
	}

	tracker.flag("bb")
	count, total = countAddressable(snap, tracker)
	if count != 2 || total != 40 {
		t.Errorf("countAddressable() after flag = %d, %d, want 2, 40", count, total)
	}
}

func TestBuildCapabilityLines(t *testing.T) {
	base := []string{"USER", "TOP", "UIDL", "RESP-CODES", "PIPELINING",
		"AUTH-RESP-CODE", "SLEE-WAKE", "UID-PARAM", "DELI"}

	tests := []struct {
		name          string
		isTLS         bool
		stlsAvailable bool
		wantSTLS      bool
		wantXTLS      string
	}{
		{name: "Plaintext with certificate", isTLS: false, stlsAvailable: true, wantSTLS: true, wantXTLS: "X-TLS False"},
		{name: "Plaintext without certificate", isTLS: false, stlsAvailable: false, wantSTLS: false, wantXTLS: "X-TLS False"},
		{name: "Encrypted", isTLS: true, stlsAvailable: true, wantSTLS: false, wantXTLS: "X-TLS True"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := buildCapabilityLines(tt.isTLS, tt.stlsAvailable)
			set := make(map[string]bool, len(lines))
			for _, l := range lines {
				set[l] = true
			}
			for _, token := range base {
				if !set[token] {
					t.Errorf("missing capability %q", token)
				}
			}
			if set["STLS"] != tt.wantSTLS {
				t.Errorf("STLS advertised = %v, want %v", set["STLS"], tt.wantSTLS)
			}
			if !set[tt.wantXTLS] {
				t.Errorf("missing %q in %v", tt.wantXTLS, lines)
			}
		})
	}
}
