package pop3

import (
	"testing"
)

func TestParseMessageRef(t *testing.T) {
	tests := []struct {
		name    string
		arg     string
		wantSeq int
		wantUID string
		wantOK  bool
	}{
		{name: "Sequence number", arg: "12", wantSeq: 12, wantOK: true},
		{name: "Sequence one", arg: "1", wantSeq: 1, wantOK: true},
		{name: "UID form", arg: "UID:abc123", wantUID: "abc123", wantOK: true},
		{name: "UID prefix is case-insensitive", arg: "uid:abc123", wantUID: "abc123", wantOK: true},
		{name: "Mixed case prefix", arg: "Uid:xyz", wantUID: "xyz", wantOK: true},
		{name: "Zero is invalid", arg: "0", wantOK: false},
		{name: "Negative is invalid", arg: "-3", wantOK: false},
		{name: "Not a number", arg: "abc", wantOK: false},
		{name: "Empty UID", arg: "UID:", wantOK: false},
		{name: "Bare prefix is not a reference", arg: "UID", wantOK: false},
		{name: "Empty argument", arg: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := parseMessageRef(tt.arg)
			if ok != tt.wantOK {
				t.Fatalf("parseMessageRef(%q) ok = %v, want %v", tt.arg, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ref.seq != tt.wantSeq || ref.uid != tt.wantUID {
				t.Errorf("parseMessageRef(%q) = {seq:%d uid:%q}, want {seq:%d uid:%q}",
					tt.arg, ref.seq, ref.uid, tt.wantSeq, tt.wantUID)
			}
		})
	}
}

func TestSnapshotMapping(t *testing.T) {
	snap := newSnapshot([]string{"aa", "bb", "cc"})

	if snap.count() != 3 {
		t.Errorf("count() = %d, want 3", snap.count())
	}

	uid, ok := snap.uidBySeq(2)
	if !ok || uid != "bb" {
		t.Errorf("uidBySeq(2) = %q, %v, want bb, true", uid, ok)
	}
	if _, ok := snap.uidBySeq(0); ok {
		t.Error("uidBySeq(0) should be out of range")
	}
	if _, ok := snap.uidBySeq(4); ok {
		t.Error("uidBySeq(4) should be out of range")
	}

	if seq := snap.seqOf("cc"); seq != 3 {
		t.Errorf("seqOf(cc) = %d, want 3", seq)
	}
	if seq := snap.seqOf("zz"); seq != 0 {
		t.Errorf("seqOf(zz) = %d, want 0", seq)
	}
	if !snap.contains("aa") || snap.contains("zz") {
		t.Error("contains() mismatch")
	}
}

func TestSnapshotActivityComparison(t *testing.T) {
	tests := []struct {
		name string
		old  []string
		new  []string
		want bool
	}{
		{name: "Identical", old: []string{"a", "b"}, new: []string{"a", "b"}, want: false},
		{name: "Addition", old: []string{"a", "b"}, new: []string{"a", "b", "c"}, want: true},
		{name: "Only removals", old: []string{"a", "b", "c"}, new: []string{"a", "c"}, want: false},
		{name: "Removal and addition", old: []string{"a", "b"}, new: []string{"a", "d"}, want: true},
		{name: "Both empty", old: nil, new: nil, want: false},
		{name: "From empty", old: nil, new: []string{"a"}, want: true},
		{name: "To empty", old: []string{"a"}, new: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := newSnapshot(tt.old)
			fresh := newSnapshot(tt.new)
			if got := fresh.anyNewSince(prev); got != tt.want {
				t.Errorf("anyNewSince() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeletionTrackerBatch(t *testing.T) {
	tracker := newDeletionTracker()

	tracker.flag("a")
	tracker.flag("b")
	tracker.flag("a") // flagging is set-idempotent
	if tracker.flaggedCount() != 2 {
		t.Errorf("flaggedCount() = %d, want 2", tracker.flaggedCount())
	}
	if !tracker.isDeleted("a") || !tracker.isDeleted("b") || tracker.isDeleted("c") {
		t.Error("isDeleted() mismatch after flagging")
	}

	taken := tracker.take()
	if len(taken) != 2 || taken[0] != "a" || taken[1] != "b" {
		t.Errorf("take() = %v, want [a b] in flagging order", taken)
	}
	if tracker.flaggedCount() != 0 {
		t.Error("take() should clear pending flags")
	}

	// Committed IDs stay unavailable until the next refresh.
	if !tracker.isDeleted("a") || !tracker.isDeleted("b") {
		t.Error("committed IDs should still read as deleted")
	}

	if taken := tracker.take(); taken != nil {
		t.Errorf("take() on empty tracker = %v, want nil", taken)
	}

	tracker.refresh()
	if tracker.isDeleted("a") || tracker.isDeleted("b") {
		t.Error("refresh() should clear the reaped set")
	}
}

func TestDeletionTrackerResetKeepsReaped(t *testing.T) {
	tracker := newDeletionTracker()
	tracker.flag("pending")
	tracker.reap("gone")

	tracker.reset()
	if tracker.isDeleted("pending") {
		t.Error("reset() should discard pending flags")
	}
	if !tracker.isDeleted("gone") {
		t.Error("reset() must not resurrect eagerly deleted IDs")
	}
}
