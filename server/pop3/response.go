package pop3

import (
	"fmt"
	"strings"
)

// dotStuffLine escapes a data line for the multi-line response format.
// Per RFC 1939 §3, any line starting with a dot gets the dot doubled on
// the wire so it cannot be mistaken for the terminator.
func dotStuffLine(line string) string {
	if strings.HasPrefix(line, ".") {
		return "." + line
	}
	return line
}

// buildListResponseLines builds the multi-line body of the LIST command.
// Sequence numbers must remain stable throughout a snapshot window, so
// deleted messages are skipped without renumbering the rest. Sizes must
// already be memoized in the snapshot.
func buildListResponseLines(snap *mailboxSnapshot, tracker *deletionTracker) []string {
	var lines []string
	for i, uid := range snap.uids {
		if tracker.isDeleted(uid) {
			continue
		}
		size, _ := snap.sizeOf(uid)
		lines = append(lines, fmt.Sprintf("%d %d", i+1, size))
	}
	return lines
}

// buildUIDLResponseLines builds the multi-line body of the UIDL command:
// exactly the unique-IDs in the snapshot in snapshot order, minus deleted
// ones. Messages that arrived after the snapshot was captured are invisible
// here until the next refresh checkpoint.
func buildUIDLResponseLines(snap *mailboxSnapshot, tracker *deletionTracker) []string {
	var lines []string
	for i, uid := range snap.uids {
		if tracker.isDeleted(uid) {
			continue
		}
		lines = append(lines, fmt.Sprintf("%d %s", i+1, uid))
	}
	return lines
}

// countAddressable returns the STAT view of the snapshot: the number of
// non-deleted messages and their total size in octets.
func countAddressable(snap *mailboxSnapshot, tracker *deletionTracker) (int, int64) {
	count := 0
	var total int64
	for _, uid := range snap.uids {
		if tracker.isDeleted(uid) {
			continue
		}
		count++
		size, _ := snap.sizeOf(uid)
		total += size
	}
	return count, total
}

// buildCapabilityLines computes the CAPA response body from the current
// channel state. STLS is offered only on a plaintext connection that has a
// certificate available, and the X-TLS token always reflects whether the
// channel is encrypted.
func buildCapabilityLines(isTLS, stlsAvailable bool) []string {
	lines := []string{
		"USER",
		"TOP",
		"UIDL",
		"RESP-CODES",
		"PIPELINING",
		"AUTH-RESP-CODE",
		"SLEE-WAKE",
		"UID-PARAM",
		"DELI",
	}
	if !isTLS && stlsAvailable {
		lines = append(lines, "STLS")
	}
	if isTLS {
		lines = append(lines, "X-TLS True")
	} else {
		lines = append(lines, "X-TLS False")
	}
	return lines
}
