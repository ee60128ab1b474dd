package memory

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelicanmail/pelican/consts"
	"github.com/pelicanmail/pelican/provider"
)

func TestAuthenticate(t *testing.T) {
	p := New()
	p.AddUser("alice", "secret")

	ctx := context.Background()
	info := provider.ConnectionInfo{SessionID: "test", RemoteAddr: "127.0.0.1:1"}

	mbox, err := p.Authenticate(ctx, info, "alice", "secret")
	require.NoError(t, err)
	require.NoError(t, mbox.Close())

	_, err = p.Authenticate(ctx, info, "alice", "wrong")
	assert.ErrorIs(t, err, consts.ErrAuthenticationFailed)

	_, err = p.Authenticate(ctx, info, "nobody", "secret")
	assert.ErrorIs(t, err, consts.ErrAuthenticationFailed)
}

func TestMailboxRoundTrip(t *testing.T) {
	p := New()
	p.AddUser("alice", "secret")
	p.AddMessage("alice", "uid-1", []string{"Subject: hello", "", "First line.", ".starts with a dot"})
	p.AddMessage("alice", "uid-2", []string{"Subject: second", "", "Body."})

	ctx := context.Background()
	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer mbox.Close()

	uids, err := mbox.ListUniqueIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"uid-1", "uid-2"}, uids)

	exists, err := mbox.MessageExists(ctx, "uid-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = mbox.MessageExists(ctx, "uid-9")
	require.NoError(t, err)
	assert.False(t, exists)

	size, err := mbox.MessageSize(ctx, "uid-2")
	require.NoError(t, err)
	// Each line contributes its length plus CRLF.
	assert.Equal(t, int64(15+2+2+2+5+2), size)

	_, err = mbox.MessageSize(ctx, "uid-9")
	assert.ErrorIs(t, err, consts.ErrMessageNotFound)

	rc, err := mbox.MessageContent(ctx, "uid-1")
	require.NoError(t, err)
	var lines []string
	for {
		line, err := rc.NextLine()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lines = append(lines, line)
	}
	require.NoError(t, rc.Close())
	assert.Equal(t, []string{"Subject: hello", "", "First line.", ".starts with a dot"}, lines)
}

func TestDeleteMessagesSkipsMissing(t *testing.T) {
	p := New()
	p.AddUser("alice", "secret")
	p.AddMessage("alice", "uid-1", []string{"a"})
	p.AddMessage("alice", "uid-2", []string{"b"})

	ctx := context.Background()
	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer mbox.Close()

	deleted, err := mbox.DeleteMessages(ctx, []string{"uid-1", "uid-9", "uid-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	uids, err := mbox.ListUniqueIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestActivityCallback(t *testing.T) {
	p := New()
	p.AddUser("alice", "secret")

	var seen []string
	p.RegisterActivityCallback(func(username string) {
		seen = append(seen, username)
	})

	p.AddMessage("alice", "uid-1", []string{"x"})
	p.AddMessage("bob", "uid-1", []string{"x"}) // no such account, no signal
	assert.Equal(t, []string{"alice"}, seen)

	p.RegisterActivityCallback(nil)
	p.AddMessage("alice", "uid-2", []string{"y"})
	assert.Equal(t, []string{"alice"}, seen)
}

func TestContentSurvivesRemoval(t *testing.T) {
	p := New()
	p.AddUser("alice", "secret")
	p.AddMessage("alice", "uid-1", []string{"line one", "line two"})

	ctx := context.Background()
	mbox, err := p.Authenticate(ctx, provider.ConnectionInfo{}, "alice", "secret")
	require.NoError(t, err)
	defer mbox.Close()

	rc, err := mbox.MessageContent(ctx, "uid-1")
	require.NoError(t, err)
	defer rc.Close()

	require.True(t, p.RemoveMessage("alice", "uid-1"))

	line, err := rc.NextLine()
	require.NoError(t, err)
	assert.Equal(t, "line one", line)
	line, err = rc.NextLine()
	require.NoError(t, err)
	assert.Equal(t, "line two", line)
	_, err = rc.NextLine()
	assert.ErrorIs(t, err, io.EOF)
}
