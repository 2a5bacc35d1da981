package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// newPair opens a channel and its peer on the same two FIFOs, crossed over.
func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	dir := t.TempDir()
	p1 := filepath.Join(dir, "pipe_1")
	p2 := filepath.Join(dir, "pipe_2")

	a, err := Open(p1, p2)
	require.NoError(t, err)
	b, err := Open(p2, p1, SkipReset())
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitOpen(ctx))
	require.NoError(t, b.WaitOpen(ctx))
	return a, b
}

func write(t *testing.T, c *Channel, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, []byte(msg)))
}

func TestRoundTrip(t *testing.T) {
	a, b := newPair(t)

	cases := []struct {
		name string
		msg  string
	}{
		{name: "short", msg: `{"command":"connected"}`},
		{name: "exactly one chunk", msg: strings.Repeat("x", ChunkSize)},
		{name: "several chunks", msg: strings.Repeat("abcdefg", 1000)},
		{name: "empty", msg: ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			write(t, b, c.msg)
			got, err := a.Read()
			require.NoError(t, err)
			assert.Equal(t, c.msg, string(got))
		})
	}

	// the other direction
	write(t, a, "exit")
	got, err := b.Read()
	require.NoError(t, err)
	assert.Equal(t, "exit", string(got))
}

func TestRoundTripProperty(t *testing.T) {
	a, b := newPair(t)
	rapid.Check(t, func(rt *rapid.T) {
		msg := strings.ReplaceAll(rapid.StringN(0, 5*ChunkSize, -1).Draw(rt, "msg"), "\n", " ")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Write(ctx, []byte(msg)); err != nil {
			rt.Fatalf("write: %v", err)
		}
		got, err := a.Read()
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		if string(got) != msg {
			rt.Fatalf("read %d bytes, wrote %d", len(got), len(msg))
		}
	})
}

func TestMessagesKeepOrder(t *testing.T) {
	a, b := newPair(t)
	for _, m := range []string{"one", "two", "three"} {
		write(t, b, m)
	}
	for _, exp := range []string{"one", "two", "three"} {
		got, err := a.Read()
		require.NoError(t, err)
		assert.Equal(t, exp, string(got))
	}
}

func TestReadBeforePeerAttaches(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "r"), filepath.Join(dir, "w"))
	require.NoError(t, err)

	msg, err := c.Read()
	require.NoError(t, err)
	assert.Nil(t, msg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Write(ctx, []byte("hello")), context.DeadlineExceeded)

	// both opens are still pending; Close must not hang on them
	done := make(chan error, 1)
	go func() { done <- c.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on pending opens")
	}
	_, err = os.Stat(filepath.Join(dir, "r"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestReadAfterPeerClosed(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, b.Close())

	_, err := a.Read()
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestWriteAfterPeerClosed(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Write(ctx, []byte("hello"))
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestWriteRejectsNewline(t *testing.T) {
	a, _ := newPair(t)
	assert.ErrorIs(t, a.Write(context.Background(), []byte("a\nb")), ErrEmbeddedNewline)
}

func TestResetDiscardsUnreadMessages(t *testing.T) {
	a, b := newPair(t)
	write(t, b, "foo")
	require.NoError(t, b.Close())

	require.NoError(t, a.Reset())

	peer, err := Open(a.WritePath(), a.ReadPath(), SkipReset())
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	write(t, peer, "bar")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.WaitOpen(ctx))
	got, err := a.Read()
	require.NoError(t, err)
	assert.Equal(t, "bar", string(got))
}

func TestInterruptUnblocksRead(t *testing.T) {
	a, _ := newPair(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Read()
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	a.Interrupt()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(5 * time.Second):
		t.Fatal("Read was not interrupted")
	}

	_, err := a.Read()
	assert.ErrorIs(t, err, ErrInterrupted)
}

func TestCloseDeletesPipes(t *testing.T) {
	a, _ := newPair(t)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	for _, p := range []string{a.ReadPath(), a.WritePath()} {
		_, err := os.Stat(p)
		assert.True(t, errors.Is(err, os.ErrNotExist), "expected %s to be removed", p)
	}
	_, err := a.Read()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWriteHonorsContextWhenPeerStopsReading(t *testing.T) {
	a, _ := newPair(t)

	// larger than any pipe buffer; the peer never reads
	msg := []byte(strings.Repeat("x", 256*1024))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Write(ctx, msg) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(3 * time.Second):
		t.Fatal("Write still blocked after its context expired")
	}
}

func TestWriteWaitingBehindStalledWriterHonorsContext(t *testing.T) {
	a, _ := newPair(t)

	stalled, cancelStalled := context.WithCancel(context.Background())
	defer cancelStalled()
	first := make(chan error, 1)
	go func() { first <- a.Write(stalled, []byte(strings.Repeat("x", 256*1024))) }()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.ErrorIs(t, a.Write(ctx, []byte("exit")), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)

	cancelStalled()
	select {
	case err := <-first:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("cancelled Write did not return")
	}
}

func TestExpiredContextDoesNotAffectLaterWrites(t *testing.T) {
	a, b := newPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	require.NoError(t, a.Write(ctx, []byte("first")))
	cancel()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, a.Write(context.Background(), []byte("second")))
	for _, exp := range []string{"first", "second"} {
		got, err := b.Read()
		require.NoError(t, err)
		assert.Equal(t, exp, string(got))
	}
}
