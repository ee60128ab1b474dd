package pop3

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"
)

// testTLSConfig builds a self-signed server certificate for loopback tests.
func testTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test.localdomain"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"test.localdomain"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("certificate creation failed: %v", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		MinVersion:   tls.VersionTLS12,
	}
}

// upgradeTLS re-homes the test client on an encrypted channel, as a real
// client does after a positive STLS response.
func (c *testClient) upgradeTLS(t *testing.T) {
	t.Helper()
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client tls handshake failed: %v", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
}

func capaContains(resp []string, token string) bool {
	for _, line := range resp {
		if line == token {
			return true
		}
	}
	return false
}

func TestSTLSUpgrade(t *testing.T) {
	prov, srv := startTestServer(t, func(o *POP3ServerOptions) {
		o.TLSConfig = testTLSConfig(t)
	})
	seedMailbox(prov, "me", 3)

	client := dialPlain(t, srv)
	client.readLine() // banner

	client.writeLine("CAPA")
	capa := client.readMultiLine()
	if !capaContains(capa, "STLS") || !capaContains(capa, "X-TLS False") {
		t.Fatalf("plaintext CAPA = %v", capa)
	}

	client.writeLine("STLS")
	client.expect(t, "+OK Begin TLS negotiation now.")
	client.upgradeTLS(t)

	client.writeLine("CAPA")
	capa = client.readMultiLine()
	if capaContains(capa, "STLS") {
		t.Error("STLS still advertised after upgrade")
	}
	if !capaContains(capa, "X-TLS True") {
		t.Errorf("encrypted CAPA = %v", capa)
	}

	client.writeLine("STLS")
	client.expect(t, "-ERR Already secured.")

	// The session continues normally on the encrypted channel.
	client.writeLine("USER me")
	client.expect(t, "+OK User accepted")
	client.writeLine("PASS passw0rd")
	client.expect(t, "+OK Password accepted")
	client.writeLine("STAT")
	client.expect(t, "+OK 3 480")
	client.writeLine("QUIT")
	client.expect(t, "+OK 0 messages deleted. Closing connection.")
}

func TestSTLSAfterAuthenticationRejected(t *testing.T) {
	_, srv := startTestServer(t, func(o *POP3ServerOptions) {
		o.TLSConfig = testTLSConfig(t)
	})

	client := dialPlain(t, srv)
	client.login(t)

	client.writeLine("STLS")
	client.expect(t, "-ERR STLS is only permitted before authentication.")
}

func TestSTLSWithoutCertificate(t *testing.T) {
	_, srv := startTestServer(t, nil)

	client := dialPlain(t, srv)
	client.readLine() // banner

	client.writeLine("CAPA")
	capa := client.readMultiLine()
	if capaContains(capa, "STLS") {
		t.Error("STLS advertised without a certificate")
	}

	client.writeLine("STLS")
	client.expect(t, "-ERR STLS not available.")
}

func TestImplicitTLS(t *testing.T) {
	prov, srv := startTestServer(t, func(o *POP3ServerOptions) {
		o.Addr = ""
		o.TLSAddr = "127.0.0.1:0"
		o.TLSConfig = testTLSConfig(t)
	})
	seedMailbox(prov, "me", 2)

	conn, err := tls.Dial("tcp", srv.TLSAddr().String(), &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("tls dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}

	// The handshake completes before the banner.
	if banner := client.readLine(); !strings.HasPrefix(banner, "+OK ") {
		t.Fatalf("unexpected banner: %q", banner)
	}

	client.writeLine("CAPA")
	capa := client.readMultiLine()
	if !capaContains(capa, "X-TLS True") || capaContains(capa, "STLS") {
		t.Fatalf("implicit-TLS CAPA = %v", capa)
	}

	client.writeLine("USER me")
	client.expect(t, "+OK User accepted")
	client.writeLine("PASS passw0rd")
	client.expect(t, "+OK Password accepted")
	client.writeLine("STAT")
	client.expect(t, "+OK 2 320")
	client.writeLine("QUIT")
	client.expect(t, "+OK 0 messages deleted. Closing connection.")
}
