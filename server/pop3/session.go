package pop3

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/pkg/metrics"
	"github.com/pelicanmail/pelican/provider"
)

type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthorization
	stateTransaction
	stateSleeping
	stateClosed
)

// Addressing errors, mapped to fixed wire responses by writeRefError.
var (
	errNoSuchMessage  = errors.New("no such message")
	errUIDNotFound    = errors.New("no such UID")
	errMessageDeleted = errors.New("message has been deleted")
)

// POP3Session is the per-connection state: current protocol state, the
// mailbox snapshot, and the deletion tracker. It is owned exclusively by
// its connection goroutine and never shared.
type POP3Session struct {
	server *POP3Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	log    *slog.Logger

	id       string
	listener string // "plain" or "tls", for metrics
	ctx      context.Context
	cancel   context.CancelFunc

	state sessionState
	isTLS bool

	candidate string // username from USER, awaiting PASS
	username  string
	mailbox   provider.Mailbox
	snapshot  *mailboxSnapshot
	tracker   *deletionTracker

	authErrors int
	startTime  time.Time
}

func (s *POP3Session) handleConnection() {
	defer s.cancel()
	defer s.close()

	// The implicit-TLS listener hands over raw accepted connections;
	// complete the handshake before the banner.
	if tlsConn, ok := s.conn.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			s.log.Debug("tls handshake failed", "error", err)
			return
		}
		s.isTLS = true
	}

	s.sendLine("+OK POP3 server ready")
	s.writer.Flush()
	s.log.Debug("connected")

	for s.state != stateClosed {
		s.conn.SetReadDeadline(time.Now().Add(s.server.idleTimeout))

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.sendLine("-ERR Connection timed out due to inactivity")
				s.writer.Flush()
				s.log.Debug("timed out")
			} else if err == io.EOF {
				s.log.Debug("client dropped connection")
			} else if s.ctx.Err() == nil {
				s.log.Debug("read error", "error", err)
			}
			return
		}

		verb, arg := splitCommand(line)
		if verb == "" {
			continue
		}

		ok := s.dispatch(verb, arg)
		status := "failure"
		if ok {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues(commandLabel(verb), status).Inc()

		if err := s.writer.Flush(); err != nil {
			s.log.Debug("write error", "error", err)
			return
		}
	}
}

// splitCommand splits an input line on the first run of whitespace into an
// uppercased verb and the raw argument string. PASS needs the raw rest of
// the line, so arguments are not tokenized here.
func splitCommand(line string) (string, string) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimLeft(line, " \t")
	i := strings.IndexAny(trimmed, " \t")
	if i < 0 {
		return strings.ToUpper(trimmed), ""
	}
	return strings.ToUpper(trimmed[:i]), strings.TrimLeft(trimmed[i:], " \t")
}

var knownVerbs = map[string]bool{
	"USER": true, "PASS": true, "QUIT": true, "NOOP": true, "CAPA": true,
	"STLS": true, "STAT": true, "LIST": true, "UIDL": true, "RETR": true,
	"TOP": true, "DELE": true, "DELI": true, "RSET": true, "SLEE": true,
	"WAKE": true, "REFR": true,
}

// commandLabel keeps the metrics label set bounded for arbitrary client input.
func commandLabel(verb string) string {
	if knownVerbs[verb] {
		return verb
	}
	return "UNKNOWN"
}

func (s *POP3Session) dispatch(verb, arg string) bool {
	if s.ctx.Err() != nil {
		s.state = stateClosed
		return false
	}

	if s.state == stateSleeping {
		switch verb {
		case "NOOP", "QUIT", "WAKE":
		default:
			s.sendLine("-ERR This command is not allowed in a sleeping state. (Only NOOP, QUIT or WAKE.)")
			return false
		}
	}

	switch verb {
	case "USER":
		return s.handleUser(arg)
	case "PASS":
		return s.handlePass(arg)
	case "QUIT":
		return s.handleQuit()
	case "NOOP":
		s.sendLine("+OK There's no-one here but us POP3 services.")
		return true
	case "CAPA":
		s.sendMultiLine("+OK Capabilities follow...",
			buildCapabilityLines(s.isTLS, s.server.tlsConfig != nil))
		return true
	case "STLS":
		return s.handleStls()
	case "STAT":
		return s.handleStat()
	case "LIST":
		return s.handleList(arg)
	case "UIDL":
		return s.handleUidl(arg)
	case "RETR":
		return s.handleRetr(arg)
	case "TOP":
		return s.handleTop(arg)
	case "DELE":
		return s.handleDele(arg)
	case "DELI":
		return s.handleDeli(arg)
	case "RSET":
		return s.handleRset()
	case "SLEE":
		return s.handleSlee()
	case "WAKE":
		return s.handleWake()
	case "REFR":
		return s.handleRefr()
	default:
		s.sendLine("-ERR Unknown command: " + verb)
		s.log.Debug("unknown command", "verb", verb)
		return false
	}
}

func (s *POP3Session) handleUser(arg string) bool {
	if s.state == stateTransaction || s.state == stateSleeping {
		s.sendLine("-ERR Already authenticated.")
		return false
	}
	if arg == "" {
		s.sendLine("-ERR Syntax: USER name")
		return false
	}
	s.candidate = arg
	s.state = stateAuthorization
	s.sendLine("+OK User accepted")
	return true
}

func (s *POP3Session) handlePass(arg string) bool {
	if s.state == stateTransaction || s.state == stateSleeping {
		s.sendLine("-ERR Already authenticated.")
		return false
	}
	if s.state != stateAuthorization || s.candidate == "" {
		s.sendLine("-ERR Must provide USER first")
		return false
	}

	info := provider.ConnectionInfo{
		SessionID:  s.id,
		RemoteAddr: s.conn.RemoteAddr().String(),
		TLS:        s.isTLS,
	}
	mailbox, err := s.server.provider.Authenticate(s.ctx, info, s.candidate, arg)
	if err != nil {
		s.candidate = ""
		s.state = stateUnauthenticated
		if errors.Is(err, consts.ErrAuthenticationFailed) {
			s.log.Info("authentication failed")
			s.failAuthentication()
			return false
		}
		s.log.Error("authentication error", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}

	uids, err := mailbox.ListUniqueIDs(s.ctx)
	if err != nil {
		mailbox.Close()
		s.log.Error("mailbox listing failed", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}

	s.mailbox = mailbox
	s.username = s.candidate
	s.candidate = ""
	s.snapshot = newSnapshot(uids)
	s.tracker = newDeletionTracker()
	s.state = stateTransaction

	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
	metrics.AuthenticatedConnectionsCurrent.Inc()
	authCount := s.server.authenticatedConnections.Add(1)
	s.log = s.log.With("user", s.username)
	s.log.Info("authenticated", "messages", s.snapshot.count(),
		"authenticated_connections", authCount)

	s.sendLine("+OK Password accepted")
	return true
}

// failAuthentication throttles repeated failures and closes the session
// once the configured maximum is reached.
func (s *POP3Session) failAuthentication() {
	s.authErrors++
	metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
	if s.server.maxAuthErrors > 0 && s.authErrors >= s.server.maxAuthErrors {
		s.sendLine("-ERR Too many errors, closing connection")
		s.state = stateClosed
		return
	}
	// Delay before answering to slow down credential guessing.
	if s.server.authErrorDelay > 0 {
		select {
		case <-time.After(s.server.authErrorDelay):
		case <-s.ctx.Done():
			s.state = stateClosed
			return
		}
	}
	s.sendLine("-ERR Authentication failed")
}

func (s *POP3Session) handleQuit() bool {
	if s.state == stateTransaction || s.state == stateSleeping {
		deleted, err := s.commitDeletions()
		if err != nil {
			s.log.Error("commit on QUIT failed", "error", err)
			s.sendLine("-ERR Internal server error")
			s.state = stateClosed
			return false
		}
		s.sendLine(fmt.Sprintf("+OK %d messages deleted. Closing connection.", deleted))
	} else {
		s.sendLine("+OK Goodbye.")
	}
	s.state = stateClosed
	return true
}

func (s *POP3Session) handleStls() bool {
	if s.isTLS {
		s.sendLine("-ERR Already secured.")
		return false
	}
	if s.state == stateTransaction || s.state == stateSleeping {
		s.sendLine("-ERR STLS is only permitted before authentication.")
		return false
	}
	if s.server.tlsConfig == nil {
		s.sendLine("-ERR STLS not available.")
		return false
	}

	s.sendLine("+OK Begin TLS negotiation now.")
	if err := s.writer.Flush(); err != nil {
		s.log.Debug("write error", "error", err)
		s.state = stateClosed
		return false
	}

	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		s.log.Debug("tls handshake failed", "error", err)
		metrics.TLSUpgradesTotal.WithLabelValues("failure").Inc()
		s.state = stateClosed
		return false
	}

	// Re-home the transport on the encrypted channel. Rebuilding the
	// reader discards any plaintext the client pipelined past STLS.
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.isTLS = true

	metrics.TLSUpgradesTotal.WithLabelValues("success").Inc()
	s.log.Debug("tls negotiation successful")
	return true
}

func (s *POP3Session) inTransaction() bool {
	if s.state != stateTransaction {
		s.sendLine("-ERR Not authenticated")
		return false
	}
	return true
}

func (s *POP3Session) handleStat() bool {
	if !s.inTransaction() {
		return false
	}
	if err := s.ensureSnapshotSizes(); err != nil {
		s.log.Error("STAT error", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}
	count, total := countAddressable(s.snapshot, s.tracker)
	s.sendLine(fmt.Sprintf("+OK %d %d", count, total))
	return true
}

func (s *POP3Session) handleList(arg string) bool {
	if !s.inTransaction() {
		return false
	}
	if arg == "" {
		if err := s.ensureSnapshotSizes(); err != nil {
			s.log.Error("LIST error", "error", err)
			s.sendLine("-ERR Internal server error")
			return false
		}
		s.sendMultiLine("+OK Message sizes follow...",
			buildListResponseLines(s.snapshot, s.tracker))
		return true
	}

	uid, seq, err := s.resolveRef(arg)
	if err != nil {
		return s.writeRefError(err)
	}
	size, err := s.messageSize(uid)
	if err != nil {
		return s.writeLookupError("LIST", arg, err)
	}
	s.sendLine(fmt.Sprintf("+OK %d %d", seq, size))
	return true
}

func (s *POP3Session) handleUidl(arg string) bool {
	if !s.inTransaction() {
		return false
	}
	if arg == "" {
		s.sendMultiLine("+OK Unique-IDs follow...",
			buildUIDLResponseLines(s.snapshot, s.tracker))
		return true
	}

	uid, seq, err := s.resolveRef(arg)
	if err != nil {
		return s.writeRefError(err)
	}
	s.sendLine(fmt.Sprintf("+OK %d %s", seq, uid))
	return true
}

func (s *POP3Session) handleRetr(arg string) bool {
	if !s.inTransaction() {
		return false
	}
	uid, _, err := s.resolveRef(arg)
	if err != nil {
		return s.writeRefError(err)
	}

	content, err := s.mailbox.MessageContent(s.ctx, uid)
	if err != nil {
		return s.writeLookupError("RETR", arg, err)
	}
	defer content.Close()

	s.sendLine("+OK Message text follows... _")
	for {
		line, err := content.NextLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The status line is already on the wire; terminate the
			// frame so the client does not hang.
			s.log.Error("RETR stream error", "uid", uid, "error", err)
			break
		}
		s.sendLine(dotStuffLine(line))
	}
	s.sendLine(".")

	metrics.MessagesRetrieved.Inc()
	s.log.Debug("retrieved message", "uid", uid)
	return true
}

func (s *POP3Session) handleTop(arg string) bool {
	if !s.inTransaction() {
		return false
	}
	refArg, countArg, ok := strings.Cut(arg, " ")
	if !ok {
		s.sendLine("-ERR Syntax: TOP msg n")
		return false
	}
	bodyLines, err := strconv.Atoi(strings.TrimSpace(countArg))
	if err != nil || bodyLines < 0 {
		s.sendLine("-ERR Syntax: TOP msg n")
		return false
	}

	uid, _, err := s.resolveRef(refArg)
	if err != nil {
		return s.writeRefError(err)
	}

	content, err := s.mailbox.MessageContent(s.ctx, uid)
	if err != nil {
		return s.writeLookupError("TOP", refArg, err)
	}
	defer content.Close()

	s.sendLine("+OK Message text follows... _")
	inHeader := true
	remaining := bodyLines
	for {
		line, err := content.NextLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.Error("TOP stream error", "uid", uid, "error", err)
			break
		}
		if inHeader {
			s.sendLine(dotStuffLine(line))
			if line == "" {
				// The blank header/body separator is always included,
				// even for TOP n 0.
				inHeader = false
				if remaining == 0 {
					break
				}
			}
			continue
		}
		if remaining <= 0 {
			break
		}
		s.sendLine(dotStuffLine(line))
		remaining--
	}
	s.sendLine(".")
	return true
}

func (s *POP3Session) handleDele(arg string) bool {
	if !s.inTransaction() {
		return false
	}
	uid, _, err := s.resolveRef(arg)
	if err != nil {
		return s.writeRefError(err)
	}
	s.tracker.flag(uid)
	s.sendLine(fmt.Sprintf("+OK Message UID:%s flagged for delete on QUIT, SLEE or REFR.", uid))
	s.log.Debug("flagged for deletion", "uid", uid)
	return true
}

func (s *POP3Session) handleDeli(arg string) bool {
	if !s.inTransaction() {
		return false
	}
	uid, _, err := s.resolveRef(arg)
	if err != nil {
		return s.writeRefError(err)
	}

	// The eager path commits this single ID directly, bypassing the
	// tracker's batch mechanism entirely.
	deleted, err := s.mailbox.DeleteMessages(s.ctx, []string{uid})
	if err != nil {
		s.log.Error("DELI error", "uid", uid, "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}
	s.tracker.reap(uid)

	metrics.MessagesDeleted.WithLabelValues("eager").Add(float64(deleted))
	s.sendLine("+OK Deleted message. UID:" + uid)
	s.log.Debug("eagerly deleted message", "uid", uid)
	return true
}

func (s *POP3Session) handleRset() bool {
	if !s.inTransaction() {
		return false
	}
	s.tracker.reset()
	s.sendLine("+OK Deletion flags cleared.")
	return true
}

func (s *POP3Session) handleSlee() bool {
	if !s.inTransaction() {
		return false
	}
	deleted, err := s.commitDeletions()
	if err != nil {
		s.log.Error("commit on SLEE failed", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}
	s.state = stateSleeping
	s.sendLine(fmt.Sprintf("+OK Zzzzz. Deleted %d messages.", deleted))
	s.log.Debug("sleeping", "deleted", deleted)
	return true
}

func (s *POP3Session) handleWake() bool {
	if s.state != stateSleeping {
		s.sendLine("-ERR Not asleep.")
		return false
	}
	activity, err := s.refreshSnapshot()
	if err != nil {
		s.log.Error("WAKE refresh failed", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}
	s.state = stateTransaction
	s.sendLine(fmt.Sprintf("+OK [ACTIVITY/%s] Welcome back.", activityCode(activity)))
	return true
}

func (s *POP3Session) handleRefr() bool {
	if !s.inTransaction() {
		return false
	}
	deleted, err := s.commitDeletions()
	if err != nil {
		s.log.Error("commit on REFR failed", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}
	activity, err := s.refreshSnapshot()
	if err != nil {
		s.log.Error("REFR refresh failed", "error", err)
		s.sendLine("-ERR Internal server error")
		return false
	}
	s.sendLine(fmt.Sprintf("+OK [ACTIVITY/%s] Refreshed. Deleted %d messages.",
		activityCode(activity), deleted))
	return true
}

func activityCode(activity bool) string {
	if activity {
		return "NEW"
	}
	return "NONE"
}

// resolveRef resolves a message reference argument to a unique-ID and its
// sequence number. seq is 0 for messages addressed by UID outside the
// current snapshot. All commands taking a message reference share this
// logic; the eager and batch deletion paths diverge only after it.
func (s *POP3Session) resolveRef(arg string) (string, int, error) {
	ref, ok := parseMessageRef(arg)
	if !ok {
		return "", 0, errNoSuchMessage
	}

	if ref.byUID() {
		if s.tracker.isDeleted(ref.uid) {
			return "", 0, errMessageDeleted
		}
		seq := s.snapshot.seqOf(ref.uid)
		if seq == 0 {
			// Outside the snapshot: consult the provider's live view,
			// so messages that arrived after the snapshot are reachable.
			exists, err := s.mailbox.MessageExists(s.ctx, ref.uid)
			if err != nil {
				return "", 0, err
			}
			if !exists {
				return "", 0, errUIDNotFound
			}
		}
		return ref.uid, seq, nil
	}

	uid, ok := s.snapshot.uidBySeq(ref.seq)
	if !ok {
		return "", 0, errNoSuchMessage
	}
	if s.tracker.isDeleted(uid) {
		return "", 0, errMessageDeleted
	}
	return uid, ref.seq, nil
}

func (s *POP3Session) writeRefError(err error) bool {
	switch {
	case errors.Is(err, errMessageDeleted):
		s.sendLine("-ERR That message has been deleted.")
	case errors.Is(err, errUIDNotFound):
		s.sendLine("-ERR [UID/NOT-FOUND] No such UID.")
	case errors.Is(err, errNoSuchMessage):
		s.sendLine("-ERR No such message.")
	default:
		s.log.Error("reference resolution failed", "error", err)
		s.sendLine("-ERR Internal server error")
	}
	return false
}

// writeLookupError maps a provider failure on an already-resolved UID. A
// not-found here means the provider dropped the message between resolution
// and the lookup.
func (s *POP3Session) writeLookupError(cmd, arg string, err error) bool {
	if errors.Is(err, consts.ErrMessageNotFound) {
		if ref, ok := parseMessageRef(arg); ok && ref.byUID() {
			s.sendLine("-ERR [UID/NOT-FOUND] No such UID.")
		} else {
			s.sendLine("-ERR No such message.")
		}
		return false
	}
	s.log.Error(cmd+" error", "error", err)
	s.sendLine("-ERR Internal server error")
	return false
}

// messageSize returns the size of a message, memoized in the snapshot for
// snapshot members.
func (s *POP3Session) messageSize(uid string) (int64, error) {
	if size, ok := s.snapshot.sizeOf(uid); ok {
		return size, nil
	}
	size, err := s.mailbox.MessageSize(s.ctx, uid)
	if err != nil {
		return 0, err
	}
	if s.snapshot.contains(uid) {
		s.snapshot.setSize(uid, size)
	}
	return size, nil
}

// ensureSnapshotSizes memoizes the sizes of all addressable snapshot
// members, so STAT and full LIST answers come from one consistent view.
func (s *POP3Session) ensureSnapshotSizes() error {
	for _, uid := range s.snapshot.uids {
		if s.tracker.isDeleted(uid) {
			continue
		}
		if _, ok := s.snapshot.sizeOf(uid); ok {
			continue
		}
		size, err := s.mailbox.MessageSize(s.ctx, uid)
		if err != nil {
			if errors.Is(err, consts.ErrMessageNotFound) {
				// Externally deleted after capture; the snapshot still
				// lists it until the next refresh.
				s.snapshot.setSize(uid, 0)
				continue
			}
			return err
		}
		s.snapshot.setSize(uid, size)
	}
	return nil
}

// commitDeletions applies the pending batch to the provider and reports
// how many messages were actually removed; fewer than flagged is fine when
// the provider dropped some independently.
func (s *POP3Session) commitDeletions() (int, error) {
	uids := s.tracker.take()
	if len(uids) == 0 {
		return 0, nil
	}
	deleted, err := s.mailbox.DeleteMessages(s.ctx, uids)
	if err != nil {
		return 0, err
	}
	metrics.MessagesDeleted.WithLabelValues("batch").Add(float64(deleted))
	s.log.Debug("committed deletions", "flagged", len(uids), "deleted", deleted)
	return deleted, nil
}

// refreshSnapshot re-captures the mailbox view and reports whether any
// unique-ID is visible now that was not before.
func (s *POP3Session) refreshSnapshot() (bool, error) {
	uids, err := s.mailbox.ListUniqueIDs(s.ctx)
	if err != nil {
		return false, err
	}
	fresh := newSnapshot(uids)
	activity := fresh.anyNewSince(s.snapshot)
	s.snapshot = fresh
	s.tracker.refresh()

	metrics.ActivitySignals.WithLabelValues("refresh", strings.ToLower(activityCode(activity))).Inc()
	return activity, nil
}

func (s *POP3Session) sendLine(line string) {
	s.writer.WriteString(line)
	s.writer.WriteString("\r\n")
}

// sendMultiLine writes a dot-terminated response. Data lines are
// dot-stuffed on the way out.
func (s *POP3Session) sendMultiLine(status string, lines []string) {
	s.sendLine(status)
	for _, line := range lines {
		s.sendLine(dotStuffLine(line))
	}
	s.sendLine(".")
}

func (s *POP3Session) close() {
	if s.mailbox != nil {
		if err := s.mailbox.Close(); err != nil {
			s.log.Debug("mailbox close error", "error", err)
		}
		s.mailbox = nil
	}
	s.conn.Close()
	s.server.removeSession(s)

	total := s.server.totalConnections.Add(-1)
	metrics.ConnectionsCurrent.WithLabelValues(s.listener).Dec()
	metrics.ConnectionDuration.WithLabelValues(s.listener).Observe(time.Since(s.startTime).Seconds())

	if s.username != "" {
		authCount := s.server.authenticatedConnections.Add(-1)
		metrics.AuthenticatedConnectionsCurrent.Dec()
		s.log.Info("closed", "total_connections", total, "authenticated_connections", authCount)
	} else {
		s.log.Debug("closed unauthenticated connection", "total_connections", total)
	}
}
