package pop3

import (
	"strconv"
	"strings"
)

// mailboxSnapshot is the session's frozen view of the mailbox: an ordered
// list of unique-IDs captured at authentication or at a refresh checkpoint,
// with 1-based sequence numbers assigned at capture time. The seq↔UID
// mapping never changes between checkpoints, even when the provider's
// underlying list does.
type mailboxSnapshot struct {
	uids  []string
	seq   map[string]int
	sizes map[string]int64
}

func newSnapshot(uids []string) *mailboxSnapshot {
	s := &mailboxSnapshot{
		uids:  uids,
		seq:   make(map[string]int, len(uids)),
		sizes: make(map[string]int64, len(uids)),
	}
	for i, uid := range uids {
		s.seq[uid] = i + 1
	}
	return s
}

func (s *mailboxSnapshot) count() int {
	return len(s.uids)
}

// uidBySeq resolves a 1-based sequence number.
func (s *mailboxSnapshot) uidBySeq(seq int) (string, bool) {
	if seq < 1 || seq > len(s.uids) {
		return "", false
	}
	return s.uids[seq-1], true
}

// seqOf returns the sequence number of uid, or 0 when the uid is not part
// of this snapshot. 0 is also the sequence reported on the wire for
// messages addressed purely by UID outside the snapshot.
func (s *mailboxSnapshot) seqOf(uid string) int {
	return s.seq[uid]
}

func (s *mailboxSnapshot) contains(uid string) bool {
	_, ok := s.seq[uid]
	return ok
}

// setSize memoizes a message size so repeated STAT/LIST calls do not hit
// the provider again within one snapshot window.
func (s *mailboxSnapshot) setSize(uid string, size int64) {
	s.sizes[uid] = size
}

func (s *mailboxSnapshot) sizeOf(uid string) (int64, bool) {
	size, ok := s.sizes[uid]
	return size, ok
}

// anyNewSince reports whether this snapshot contains a unique-ID that was
// absent from prev. This before/after comparison is the sole source of the
// [ACTIVITY/NEW] report at WAKE/REFR.
func (s *mailboxSnapshot) anyNewSince(prev *mailboxSnapshot) bool {
	for _, uid := range s.uids {
		if !prev.contains(uid) {
			return true
		}
	}
	return false
}

// deletionTracker records which unique-IDs are unavailable for the rest of
// the snapshot window: flagged ones await the next batch commit, reaped
// ones have already been removed (eagerly by DELI, or by a SLEE commit
// whose snapshot has not refreshed yet). Both kinds answer reads with the
// deleted-message error until the next refresh.
type deletionTracker struct {
	flagged map[string]struct{}
	order   []string
	reaped  map[string]struct{}
}

func newDeletionTracker() *deletionTracker {
	return &deletionTracker{
		flagged: make(map[string]struct{}),
		reaped:  make(map[string]struct{}),
	}
}

func (t *deletionTracker) flag(uid string) {
	if _, ok := t.flagged[uid]; ok {
		return
	}
	t.flagged[uid] = struct{}{}
	t.order = append(t.order, uid)
}

func (t *deletionTracker) isDeleted(uid string) bool {
	if _, ok := t.flagged[uid]; ok {
		return true
	}
	_, ok := t.reaped[uid]
	return ok
}

func (t *deletionTracker) flaggedCount() int {
	return len(t.flagged)
}

// take returns the flagged unique-IDs in flagging order and moves them to
// the reaped set, ready for one batch commit against the provider.
func (t *deletionTracker) take() []string {
	if len(t.flagged) == 0 {
		return nil
	}
	uids := t.order
	for _, uid := range uids {
		t.reaped[uid] = struct{}{}
	}
	t.flagged = make(map[string]struct{})
	t.order = nil
	return uids
}

// reap records a single eagerly deleted unique-ID, outside the batch path.
func (t *deletionTracker) reap(uid string) {
	t.reaped[uid] = struct{}{}
}

// reset discards pending flags without committing (RSET). Reaped IDs stay:
// those messages are gone regardless.
func (t *deletionTracker) reset() {
	t.flagged = make(map[string]struct{})
	t.order = nil
}

// refresh clears everything at a snapshot refresh checkpoint; the new
// snapshot no longer lists committed or reaped messages.
func (t *deletionTracker) refresh() {
	t.flagged = make(map[string]struct{})
	t.order = nil
	t.reaped = make(map[string]struct{})
}

// messageRef is a parsed message reference argument: either a positive
// sequence number or an explicit UID:<id>.
type messageRef struct {
	seq int
	uid string
}

func (r messageRef) byUID() bool {
	return r.uid != ""
}

// parseMessageRef parses the two-form message reference grammar. The UID:
// prefix is case-insensitive like the command verbs.
func parseMessageRef(arg string) (messageRef, bool) {
	if len(arg) > 4 && strings.EqualFold(arg[:4], "UID:") {
		return messageRef{uid: arg[4:]}, true
	}
	seq, err := strconv.Atoi(arg)
	if err != nil || seq < 1 {
		return messageRef{}, false
	}
	return messageRef{seq: seq}, true
}
