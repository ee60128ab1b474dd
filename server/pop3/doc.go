// Package pop3 implements the pelican POP3 server engine.
//
// The engine speaks the RFC 1939 core protocol plus a set of vendor
// extensions, and delegates all mailbox truth (authentication, listing,
// content, deletion) to a provider.Provider.
//
// # Session States
//
//	Unauthenticated → Authorization → Transaction → Sleeping → Closed
//
// USER moves a connection into Authorization; PASS authenticates it into
// Transaction and captures a mailbox snapshot. SLEE parks an idle client in
// Sleeping, where only NOOP, QUIT and WAKE are accepted.
//
// # Snapshots and Addressing
//
// At authentication, and again at every refresh checkpoint (WAKE, REFR),
// the session captures a snapshot of the mailbox: an ordered list of
// unique-IDs assigned 1-based sequence numbers. The mapping is frozen
// between checkpoints, so sequence numbers stay stable no matter how the
// mailbox changes underneath. Messages can be addressed either by sequence
// number, valid only inside the current snapshot, or by the UID:<id> form,
// which bypasses the snapshot and can reach messages that arrived after it
// was taken.
//
// # Deletion
//
// DELE only flags a unique-ID; the flags are committed as one batch at the
// next checkpoint (QUIT, SLEE or REFR) and can be discarded with RSET.
// DELI deletes a single message eagerly, outside the batch mechanism.
// Flagged and eagerly deleted messages are rejected by all read commands
// until the next snapshot refresh.
//
// # TLS
//
// Two paths to an encrypted channel: an implicit-TLS listener that
// handshakes before the banner, and the in-band STLS command that upgrades
// a plaintext connection. Capability reporting reflects the channel state
// with an X-TLS True|False token.
//
// # Starting a Server
//
//	srv, err := pop3.New(ctx, "mail.example.com", prov, pop3.POP3ServerOptions{
//		Addr:        ":110",
//		TLSAddr:     ":995",
//		TLSCertFile: "cert.pem",
//		TLSKeyFile:  "key.pem",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	errChan := make(chan error, 1)
//	go srv.Serve(errChan)
package pop3
