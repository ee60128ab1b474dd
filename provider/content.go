package provider

import (
	"io"
	"strings"
)

// NewBytesContent adapts a stored message body to the line-oriented
// MessageContent contract. The stored form may use CRLF or bare LF line
// endings; lines are returned without either.
func NewBytesContent(body []byte) MessageContent {
	text := string(body)
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return &bytesContent{lines: lines}
}

type bytesContent struct {
	lines []string
	pos   int
}

func (c *bytesContent) NextLine() (string, error) {
	if c.pos >= len(c.lines) {
		return "", io.EOF
	}
	line := c.lines[c.pos]
	c.pos++
	return line, nil
}

func (c *bytesContent) Close() error {
	return nil
}

// WireSize returns the on-the-wire size of a body in octets, counting every
// line as its text plus CRLF regardless of how the stored form ends lines.
// This is the size reported by STAT and LIST.
func WireSize(body []byte) int64 {
	content := NewBytesContent(body).(*bytesContent)
	var total int64
	for _, line := range content.lines {
		total += int64(len(line)) + 2
	}
	return total
}
