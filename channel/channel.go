package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ChunkSize is the largest single write issued to the pipe.
const ChunkSize = 1024

const (
	settleTimeout = 100 * time.Millisecond
	kickInterval  = 10 * time.Millisecond
)

var (
	// ErrConnectionLost means the peer closed its end of the pipe.
	ErrConnectionLost = errors.New("connection lost")
	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("channel closed")
	// ErrInterrupted is returned by Read once Interrupt has been called.
	ErrInterrupted = errors.New("channel read interrupted")
	// ErrEmbeddedNewline is returned when a message would break line framing.
	ErrEmbeddedNewline = errors.New("message contains a newline")
)

var newline = []byte{'\n'}

type Option func(c *Channel)

// SkipReset keeps pipe files that already exist instead of deleting them first.
// The second party attaching to an existing pair uses this.
func SkipReset() Option {
	return func(c *Channel) {
		c.skipReset = true
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Channel) {
		c.log = l.Named("channel")
	}
}

// Channel is one side of a FIFO pair. It is safe for concurrent use, though the protocol
// expects a single reader and writes are serialized.
type Channel struct {
	log       *zap.SugaredLogger
	readPath  string
	writePath string
	skipReset bool

	mu     sync.Mutex
	read   *end
	write  *end
	closed bool

	// held by the writer in progress; a channel so waiting on it can be abandoned
	writeSem    chan struct{}
	interrupted atomic.Bool
}

// Open creates both FIFOs and starts opening them. It returns before the peer attaches.
func Open(readPath, writePath string, opts ...Option) (*Channel, error) {
	c := &Channel{
		log:       zap.NewNop().Sugar(),
		readPath:  readPath,
		writePath: writePath,
		writeSem:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}

	if !c.skipReset {
		if err := c.deletePipes(); err != nil {
			return nil, err
		}
	}
	if err := c.initPipes(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) ReadPath() string  { return c.readPath }
func (c *Channel) WritePath() string { return c.writePath }

func (c *Channel) initPipes() error {
	for _, p := range []string{c.readPath, c.writePath} {
		if err := createPipe(p); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.read = openEnd(c.readPath, os.O_RDONLY)
	c.write = openEnd(c.writePath, os.O_WRONLY)
	c.log.Debugw("opening pipes", "Read", c.readPath, "Write", c.writePath)
	return nil
}

func createPipe(path string) error {
	err := unix.Mkfifo(path, 0o600)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return nil
	}
	return fmt.Errorf("creating pipe %s: %w", path, err)
}

func (c *Channel) ends() (*end, *end, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}
	return c.read, c.write, nil
}

// WaitOpen blocks until both ends are attached.
func (c *Channel) WaitOpen(ctx context.Context) error {
	read, write, err := c.ends()
	if err != nil {
		return err
	}
	for _, e := range []*end{read, write} {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.err != nil {
			return fmt.Errorf("opening pipe %s: %w", e.path, e.err)
		}
	}
	return nil
}

// Read returns the next line without its terminator.
// A nil message with a nil error means the peer has not attached its writer yet; callers should poll.
func (c *Channel) Read() ([]byte, error) {
	read, _, err := c.ends()
	if err != nil {
		return nil, err
	}
	if !read.opened() {
		return nil, nil
	}
	if read.err != nil {
		return nil, fmt.Errorf("opening pipe %s: %w", read.path, read.err)
	}
	if c.interrupted.Load() {
		return nil, ErrInterrupted
	}

	line, err := read.reader.ReadBytes('\n')
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("%w: reading %s", ErrConnectionLost, read.path)
		case errors.Is(err, os.ErrDeadlineExceeded) && c.interrupted.Load():
			return nil, ErrInterrupted
		case errors.Is(err, os.ErrClosed):
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("reading pipe %s: %w", read.path, err)
	}
	return bytes.TrimSuffix(line, newline), nil
}

// Write sends msg as one line, waiting for the peer's reader to attach or ctx to end.
// ctx also bounds the write itself, so a peer that stops reading cannot block it forever.
// A write cut short leaves a partial line in the pipe; the channel should be reset or closed after it.
func (c *Channel) Write(ctx context.Context, msg []byte) error {
	if bytes.IndexByte(msg, '\n') >= 0 {
		return ErrEmbeddedNewline
	}
	_, write, err := c.ends()
	if err != nil {
		return err
	}
	select {
	case <-write.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if write.err != nil {
		return fmt.Errorf("opening pipe %s: %w", write.path, write.err)
	}
	f := write.handle()
	if f == nil {
		return ErrClosed
	}

	select {
	case c.writeSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.writeSem }()

	deadline, _ := ctx.Deadline()
	if err := f.SetWriteDeadline(deadline); err != nil {
		return writeError(ctx, write.path, err)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = f.SetWriteDeadline(time.Now())
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	for off := 0; off < len(msg); off += ChunkSize {
		if _, err := f.Write(msg[off:min(off+ChunkSize, len(msg))]); err != nil {
			return writeError(ctx, write.path, err)
		}
	}
	if _, err := f.Write(newline); err != nil {
		return writeError(ctx, write.path, err)
	}
	return nil
}

func writeError(ctx context.Context, path string, err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.DeadlineExceeded
	case errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: writing %s", ErrConnectionLost, path)
	case errors.Is(err, os.ErrClosed):
		return ErrClosed
	}
	return fmt.Errorf("writing pipe %s: %w", path, err)
}

// Interrupt makes any blocked and all future Reads return ErrInterrupted. It is permanent.
func (c *Channel) Interrupt() {
	c.interrupted.Store(true)
	read, _, err := c.ends()
	if err != nil || !read.opened() {
		return
	}
	if f := read.handle(); f != nil {
		_ = f.SetReadDeadline(time.Now())
	}
}

// Reset discards both pipes, including anything unread, and starts attaching fresh ones at the same paths.
func (c *Channel) Reset() error {
	read, write, err := c.ends()
	if err != nil {
		return err
	}
	c.log.Debug("resetting pipes")
	c.shutdownEnds(read, write)
	if err := c.deletePipes(); err != nil {
		return err
	}
	return c.initPipes()
}

// Close closes both ends and deletes the pipe files. Pipes already removed by the peer are not an error.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	read, write := c.read, c.write
	c.mu.Unlock()

	c.shutdownEnds(read, write)
	return c.deletePipes()
}

// shutdownEnds closes the ends and gives opens still waiting on the peer a short window to settle.
func (c *Channel) shutdownEnds(ends ...*end) {
	for _, e := range ends {
		e.close()
	}
	deadline := time.Now().Add(settleTimeout)
	for _, e := range ends {
		for !e.opened() && time.Now().Before(deadline) {
			e.kick()
			select {
			case <-e.ready:
			case <-time.After(kickInterval):
			}
		}
		if !e.opened() {
			c.log.Debugf("open of %s still pending after close", e.path)
		}
	}
}

func (c *Channel) deletePipes() error {
	var errs []error
	for _, p := range []string{c.readPath, c.writePath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("deleting pipe %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// end is one direction of the channel. Its open runs in its own goroutine and ready is closed when it returns.
type end struct {
	path  string
	flag  int
	ready chan struct{}

	// file and reader are set before ready is closed.
	mu        sync.Mutex
	file      *os.File
	reader    *bufio.Reader
	err       error
	abandoned bool
}

func openEnd(path string, flag int) *end {
	e := &end{path: path, flag: flag, ready: make(chan struct{})}
	go func() {
		defer close(e.ready)
		f, err := os.OpenFile(path, flag, 0)

		e.mu.Lock()
		defer e.mu.Unlock()
		if err != nil {
			e.err = err
			return
		}
		if e.abandoned {
			f.Close()
			e.err = ErrClosed
			return
		}
		e.file = f
		if flag == os.O_RDONLY {
			e.reader = bufio.NewReader(f)
		}
	}()
	return e
}

func (e *end) opened() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

func (e *end) handle() *os.File {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file
}

func (e *end) close() {
	e.mu.Lock()
	e.abandoned = true
	f := e.file
	e.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// kick unblocks a pending open by briefly attaching the opposite end without blocking.
func (e *end) kick() {
	flag := os.O_WRONLY
	if e.flag == os.O_WRONLY {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(e.path, flag|unix.O_NONBLOCK, 0)
	if err == nil {
		f.Close()
	}
}
