package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/selectiveci/selective-ruby-core/bridge"
	"github.com/selectiveci/selective-ruby-core/channel"
	"github.com/selectiveci/selective-ruby-core/correlator"
	"github.com/selectiveci/selective-ruby-core/internal/buildenv"
	"github.com/selectiveci/selective-ruby-core/internal/command"
	"github.com/selectiveci/selective-ruby-core/internal/console"
	"github.com/selectiveci/selective-ruby-core/internal/files"
	"github.com/selectiveci/selective-ruby-core/runner"
	"go.uber.org/zap"
)

// Version is reported to the scheduler as the core version.
const Version = "0.1.0"

const (
	defaultMaxRetries       = 10
	defaultHandshakeTimeout = 30 * time.Second
	defaultKillPoll         = time.Second
	defaultKillAttempts     = 5
	pollInterval            = 100 * time.Millisecond
)

const (
	handshakePending int32 = iota
	handshakeConnected
	handshakeTimedOut
)

// Console receives user-facing output.
type Console interface {
	Print(msg string)
	Notice(msg string)
	Warning(msg string)
	Error(msg string, withHeader bool)
}

// Correlator maps changed files to affected tests. A nil result means correlation was skipped or failed.
type Correlator interface {
	Correlate(ctx context.Context, files []string, numCommits int, targetBranch string) *correlator.Result
}

// Backoff returns the delay before a retry, counting from 1.
type Backoff func(retry int) time.Duration

// DefaultBackoff waits one second per retry, up to four.
func DefaultBackoff(retry int) time.Duration {
	return time.Duration(min(retry, 4)) * time.Second
}

// SessionID sanitizes runnerID for use in file names, generating a selgen-<8 hex> id when it is empty.
func SessionID(runnerID string) string {
	if id := files.SafeFilename(strings.TrimSpace(runnerID)); id != "" {
		return id
	}
	return "selgen-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

type handler func(ctx context.Context, cmd *Command) (done bool, err error)

// Controller supervises one session: the transport process, the pipes to it, and the command loop.
type Controller struct {
	log        *zap.SugaredLogger
	console    Console
	runner     runner.Adapter
	env        buildenv.Env
	reporting  *runner.Reporting
	spawner    bridge.Spawner
	correlator Correlator
	git        command.Runner
	sessionID  string
	debug      bool

	maxRetries       int
	backoff          Backoff
	handshakeTimeout time.Duration
	killPoll         time.Duration
	killAttempts     int
	pipeDir          string

	handlers map[Kind]handler

	// used only by the goroutine running Start
	retries     int
	channelWait time.Duration
	exitStatus  int
	diffOnce    sync.Once
	diff        []string

	mu      sync.Mutex
	channel *channel.Channel
	proc    bridge.Process
	cancel  context.CancelCauseFunc

	killMu      sync.Mutex
	interrupted atomic.Bool
	// signal received, if any; the transport gets the same one
	stopSignal atomic.Int32
}

func New(adapter runner.Adapter, env buildenv.Env, opts ...Option) *Controller {
	c := &Controller{
		log:              zap.NewNop().Sugar(),
		console:          console.New(os.Stdout),
		runner:           adapter,
		env:              env,
		reporting:        runner.NewReporting(),
		spawner:          &bridge.ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr},
		git:              &command.Exec{},
		maxRetries:       defaultMaxRetries,
		backoff:          DefaultBackoff,
		handshakeTimeout: defaultHandshakeTimeout,
		killPoll:         defaultKillPoll,
		killAttempts:     defaultKillAttempts,
		pipeDir:          os.TempDir(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.correlator == nil {
		c.correlator = &correlator.Correlator{Runner: c.git, Console: c.console, Log: c.log.Named("correlator")}
	}
	if c.sessionID == "" {
		c.sessionID = env.RunnerID()
	}
	c.sessionID = SessionID(c.sessionID)
	c.handlers = map[Kind]handler{
		CommandConnected:                  c.handleConnected,
		CommandPrintNotice:                c.handlePrintNotice,
		CommandPrintMessage:               c.handlePrintMessage,
		CommandTestManifest:               c.handleTestManifest,
		CommandRunTestCases:               c.handleRunTestCases,
		CommandRemoveFailedTestCaseResult: c.handleRemoveFailedTestCaseResult,
		CommandReconnect:                  c.handleReconnect,
		CommandClose:                      c.handleClose,
	}
	return c
}

func (c *Controller) SessionID() string { return c.sessionID }

// ReadPath and WritePath are the agent's ends of the session's pipes.
func (c *Controller) ReadPath() string  { return filepath.Join(c.pipeDir, c.sessionID+"_2") }
func (c *Controller) WritePath() string { return filepath.Join(c.pipeDir, c.sessionID+"_1") }

// Start runs the session until the scheduler closes it and returns the exit status for the process.
// An error is returned only in debug mode; otherwise failures are reported on the console and the status is 1.
func (c *Controller) Start(ctx context.Context) (int, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	stop := c.watchSignals()
	defer stop()

	status, err := c.start(ctx)
	c.shutdown()
	if err != nil {
		c.log.Errorw("session failed", "Err", err)
		return ReportError(c.console, c.debug, err, true)
	}
	return status, nil
}

// Exec runs the adapter directly, with no transport.
func (c *Controller) Exec(ctx context.Context) (int, error) {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := c.runner.Exec(ctx); err != nil {
		c.log.Errorw("exec failed", "Err", err)
		return ReportError(c.console, c.debug, err, false)
	}
	return c.runner.ExitStatus(), nil
}

// ReportError is the error boundary of the entry points. An interruption exits with its signal's status.
// In debug mode err is passed through; otherwise it is printed for the user and the status is 1.
func ReportError(cons Console, debug bool, err error, withHeader bool) (int, error) {
	var intr *InterruptedError
	if errors.As(err, &intr) {
		return intr.ExitStatus(), nil
	}
	if debug {
		return 1, err
	}
	// the watchdog already told the user
	if !errors.Is(err, ErrHandshakeTimeout) {
		cons.Error(err.Error(), withHeader)
	}
	return 1, nil
}

func (c *Controller) start(ctx context.Context) (int, error) {
	if err := c.env.Validate(); err != nil {
		return 0, err
	}

	ch, err := channel.Open(c.ReadPath(), c.WritePath(), channel.WithLogger(c.log))
	if err != nil {
		return 0, fmt.Errorf("opening channel: %w", err)
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	stopInterrupt := context.AfterFunc(ctx, ch.Interrupt)
	defer stopInterrupt()

	reconnect := false
	for {
		status, err := c.run(ctx, ch, reconnect)
		if err == nil {
			return status, nil
		}
		if ctx.Err() != nil {
			return 0, context.Cause(ctx)
		}
		switch {
		case errors.Is(err, channel.ErrConnectionLost):
			c.log.Infow("connection lost", "Err", err)
			if err := c.retry(ctx); err != nil {
				return 0, err
			}
		case errors.Is(err, errReconnect):
			c.log.Info("reconnect requested")
		default:
			return 0, err
		}
		c.killBridge(syscall.SIGTERM)
		if err := ch.Reset(); err != nil {
			return 0, fmt.Errorf("resetting channel: %w", err)
		}
		reconnect = true
	}
}

func (c *Controller) retry(ctx context.Context) error {
	c.retries++
	if c.retries > c.maxRetries {
		return fmt.Errorf("%w: gave up after %d attempts", ErrRetryBudgetExceeded, c.maxRetries)
	}
	delay := c.backoff(c.retries)
	c.console.Print(fmt.Sprintf("Retrying in %s seconds...", strconv.FormatFloat(delay.Seconds(), 'f', -1, 64)))
	c.log.Infow("retrying", "Retry", c.retries, "Delay", delay)
	return sleep(ctx, delay)
}

// run spawns a transport and serves it until close, or until something ends this connection.
func (c *Controller) run(ctx context.Context, ch *channel.Channel, reconnect bool) (int, error) {
	if err := c.spawn(ctx, reconnect); err != nil {
		return 0, err
	}
	if err := c.awaitHandshake(ctx, ch); err != nil {
		return 0, err
	}

	for {
		cmd, err := c.readCommand(ctx, ch)
		if err != nil {
			return 0, err
		}
		c.log.Infow("received command", "Command", cmd.Command)

		h, ok := c.handlers[cmd.Command]
		if !ok {
			if c.debug {
				return 0, &ProtocolError{Command: string(cmd.Command)}
			}
			c.log.Debugw("ignoring unknown command", "Command", cmd.Command)
			continue
		}
		done, err := h(ctx, cmd)
		if err != nil {
			return 0, err
		}
		if done {
			return c.exitStatus, nil
		}
	}
}

func (c *Controller) spawn(ctx context.Context, reconnect bool) error {
	metadata, err := c.env.Metadata()
	if err != nil {
		return err
	}
	url, err := bridge.ConnectionURL(bridge.URLParams{
		Host:             c.env[buildenv.KeyHost],
		RunID:            c.env[buildenv.KeyRunID],
		RunAttempt:       c.env[buildenv.KeyRunAttempt],
		APIKey:           c.env[buildenv.KeyAPIKey],
		RunnerID:         c.sessionID,
		CoreVersion:      Version,
		Framework:        c.runner.Framework(),
		FrameworkVersion: c.runner.FrameworkVersion(),
		WrapperVersion:   c.runner.WrapperVersion(),
		Metadata:         metadata,
		Reconnect:        reconnect,
	})
	if err != nil {
		return fmt.Errorf("building connection URL: %w", err)
	}

	p, err := c.spawner.Spawn(ctx, url, c.sessionID)
	if err != nil {
		return fmt.Errorf("spawning transport: %w", err)
	}
	c.mu.Lock()
	c.proc = p
	c.mu.Unlock()
	c.log.Infow("spawned transport", "PID", p.Pid(), "Reconnect", reconnect)
	return nil
}

// awaitHandshake reads until the transport reports it is connected. A watchdog gives up after the
// handshake timeout; whichever of the two settles the state first decides the outcome.
func (c *Controller) awaitHandshake(ctx context.Context, ch *channel.Channel) error {
	var state atomic.Int32
	timer := time.AfterFunc(c.handshakeTimeout, func() {
		if !state.CompareAndSwap(handshakePending, handshakeTimedOut) {
			return
		}
		c.console.Print("Transport process failed to start. Exiting...")
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel(ErrHandshakeTimeout)
		}
		c.killBridge(syscall.SIGTERM)
	})
	defer timer.Stop()

	for {
		cmd, err := c.readCommand(ctx, ch)
		if err != nil {
			return err
		}
		if cmd.Command != CommandConnected {
			c.log.Debugw("dropping command received before handshake", "Command", cmd.Command)
			continue
		}
		if !state.CompareAndSwap(handshakePending, handshakeConnected) {
			return ErrHandshakeTimeout
		}
		c.log.Debug("transport connected")
		return nil
	}
}

// readCommand returns the next command, polling while the transport has not attached its end yet.
func (c *Controller) readCommand(ctx context.Context, ch *channel.Channel) (*Command, error) {
	for {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		start := time.Now()
		msg, err := ch.Read()
		c.channelWait += time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, err
		}
		if msg == nil {
			if err := sleep(ctx, pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if len(bytes.TrimSpace(msg)) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			return nil, fmt.Errorf("decoding command: %w", err)
		}
		return &cmd, nil
	}
}

func (c *Controller) write(ctx context.Context, typ string, data any) error {
	b, err := json.Marshal(message{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", typ, err)
	}
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return channel.ErrClosed
	}
	c.log.Infow("sending response", "Type", typ)
	return ch.Write(ctx, b)
}

// killBridge asks the transport to exit and gives it the grace window before signaling it.
// Any goroutine may call it; only the first call for a given transport does anything.
// A transport that does not take the exit token within one poll interval is signaled right away.
func (c *Controller) killBridge(sig syscall.Signal) {
	c.killMu.Lock()
	defer c.killMu.Unlock()

	c.mu.Lock()
	p, ch := c.proc, c.channel
	c.proc = nil
	c.mu.Unlock()
	if p == nil {
		return
	}

	log := c.log.With("PID", p.Pid())
	if ch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.killPoll)
		err := ch.Write(ctx, []byte(exitToken))
		cancel()
		if err != nil {
			log.Debugw("unable to ask transport to exit", "Err", err)
		} else {
			for i := 0; i < c.killAttempts && p.Alive(); i++ {
				time.Sleep(c.killPoll)
			}
		}
	}
	log.Debugw("signaling transport", "Signal", sig)
	if err := p.Signal(sig); err != nil {
		log.Warnw("unable to signal transport", "Err", err)
	}
}

func (c *Controller) closeChannel() {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.Close(); err != nil {
		c.log.Warnw("closing channel", "Err", err)
	}
}

func (c *Controller) shutdown() {
	sig := syscall.SIGTERM
	if s := c.stopSignal.Load(); s != 0 {
		sig = syscall.Signal(s)
	}
	c.killBridge(sig)
	c.closeChannel()
}

func (c *Controller) watchSignals() func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case s := <-sigs:
			if sig, ok := s.(syscall.Signal); ok {
				c.interrupt(sig)
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// interrupt ends the session on a termination signal. Only the first call has an effect.
func (c *Controller) interrupt(sig syscall.Signal) {
	if !c.interrupted.CompareAndSwap(false, true) {
		return
	}
	c.log.Infow("received signal", "Signal", sig)
	c.stopSignal.Store(int32(sig))
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(&InterruptedError{Signal: sig})
	}
	c.killBridge(sig)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
