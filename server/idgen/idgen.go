// Package idgen generates compact unique identifiers. The POP3 server uses
// them as session identifiers, and the SQL providers assign one as the
// permanent unique-ID of each stored message.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID is a 3-byte identifier for this instance
	nodeID []byte
	// sequence is an atomically incremented counter to ensure uniqueness
	sequence uint32
	// base32Encoding is a modified version of base32 without padding
	base32Encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	nodeID = make([]byte, 3)
	if _, err := rand.Read(nodeID); err != nil {
		// Fall back to a hostname-derived ID if random generation fails.
		hostname, err := os.Hostname()
		if err != nil {
			now := time.Now().UnixNano()
			nodeID = []byte(fmt.Sprintf("%06x", now)[:6])
		} else {
			nodeHash := []byte(hostname)
			copy(nodeID, nodeHash)
			if len(nodeHash) < 3 {
				for i := len(nodeHash); i < 3; i++ {
					nodeID[i] = 0
				}
			}
		}
	}
}

// New generates a compact hybrid ID with the following layout:
// - 4 bytes: timestamp (seconds since epoch, truncated)
// - 3 bytes: node ID
// - 2 bytes: atomically incremented sequence number
// - 3 bytes: random data
// Total: 12 bytes, base32-encoded to ~20 characters. IDs sort roughly by
// creation time, which keeps mailbox listings in arrival order.
func New() string {
	timestamp := uint32(time.Now().Unix())

	// Only the low 16 bits of the sequence are kept.
	seq := atomic.AddUint32(&sequence, 1) & 0xFFFF

	randomBytes := make([]byte, 3)
	_, err := rand.Read(randomBytes)
	if err != nil {
		randomBytes = []byte(fmt.Sprintf("%06x", time.Now().UnixNano())[:6])
	}

	id := make([]byte, 12)

	id[0] = byte(timestamp >> 24)
	id[1] = byte(timestamp >> 16)
	id[2] = byte(timestamp >> 8)
	id[3] = byte(timestamp)

	copy(id[4:7], nodeID)

	id[7] = byte(seq >> 8)
	id[8] = byte(seq)

	copy(id[9:12], randomBytes)

	// Lowercase for readability in logs and UIDL listings.
	return strings.ToLower(base32Encoding.EncodeToString(id))
}
