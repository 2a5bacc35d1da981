package session

import (
	"time"

	"github.com/selectiveci/selective-ruby-core/bridge"
	"github.com/selectiveci/selective-ruby-core/internal/command"
	"github.com/selectiveci/selective-ruby-core/runner"
	"go.uber.org/zap"
)

type Option func(c *Controller)

// WithMaxRetries sets how many times a lost transport is replaced before the session fails.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		c.maxRetries = n
	}
}

func WithBackoff(b Backoff) Option {
	return func(c *Controller) {
		c.backoff = b
	}
}

// WithHandshakeTimeout bounds the wait for the transport's connected command.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.handshakeTimeout = d
	}
}

// WithKillGrace sets how often, and how many times, a transport asked to exit is checked before it is signaled.
func WithKillGrace(poll time.Duration, attempts int) Option {
	return func(c *Controller) {
		c.killPoll = poll
		c.killAttempts = attempts
	}
}

// WithPipeDir sets the directory holding the session's pipes. The transport must use the same one.
func WithPipeDir(dir string) Option {
	return func(c *Controller) {
		c.pipeDir = dir
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		c.log = l.Named("session").Sugar()
	}
}

func WithConsole(cons Console) Option {
	return func(c *Controller) {
		c.console = cons
	}
}

func WithSpawner(s bridge.Spawner) Option {
	return func(c *Controller) {
		c.spawner = s
	}
}

func WithCorrelator(corr Correlator) Option {
	return func(c *Controller) {
		c.correlator = corr
	}
}

// WithGit sets the runner used for git commands, chiefly the diff against the target branch.
func WithGit(r command.Runner) Option {
	return func(c *Controller) {
		c.git = r
	}
}

// WithReporting shares reporting state with the adapter and with other sessions in the process.
func WithReporting(r *runner.Reporting) Option {
	return func(c *Controller) {
		c.reporting = r
	}
}

// WithSessionID overrides the id derived from the build environment. It is sanitized.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		c.sessionID = id
	}
}

// WithDebug makes errors propagate unfiltered and unknown commands fatal.
func WithDebug(debug bool) Option {
	return func(c *Controller) {
		c.debug = debug
	}
}
