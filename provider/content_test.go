package provider

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectLines(t *testing.T, content MessageContent) []string {
	t.Helper()
	defer content.Close()
	var lines []string
	for {
		line, err := content.NextLine()
		if err == io.EOF {
			return lines
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
}

func TestNewBytesContent(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{name: "CRLF endings", body: "a\r\nb\r\n", want: []string{"a", "b"}},
		{name: "LF endings", body: "a\nb\n", want: []string{"a", "b"}},
		{name: "No trailing newline", body: "a\r\nb", want: []string{"a", "b"}},
		{name: "Empty body", body: "", want: nil},
		{name: "Blank line preserved", body: "h\r\n\r\nb\r\n", want: []string{"h", "", "b"}},
		{name: "Leading dots untouched", body: ".x\r\n..y\r\n", want: []string{".x", "..y"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := collectLines(t, NewBytesContent([]byte(tt.body)))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWireSize(t *testing.T) {
	// Wire size counts CRLF per line whatever the stored endings are.
	assert.Equal(t, int64(8), WireSize([]byte("a\r\nb\r\n")))
	assert.Equal(t, int64(8), WireSize([]byte("a\nb\n")))
	assert.Equal(t, int64(8), WireSize([]byte("a\nb")))
	assert.Zero(t, WireSize(nil))
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NoError(t, VerifyPassword(hash, "s3cret"))
	assert.Error(t, VerifyPassword(hash, "wrong"))

	// Dovecot-style exports carry a scheme prefix.
	assert.NoError(t, VerifyPassword(blfCryptPrefix+hash, "s3cret"))
}
