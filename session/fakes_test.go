package session

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/selectiveci/selective-ruby-core/bridge"
	"github.com/selectiveci/selective-ruby-core/channel"
	"github.com/selectiveci/selective-ruby-core/runner"
)

type fakeAdapter struct {
	mu          sync.Mutex
	runCalls    [][]string
	removed     []string
	finishCalls int
	status      int
	base        string
	// attached to every result as its message
	payload string
}

func (a *fakeAdapter) Manifest(ctx context.Context) (*runner.Manifest, error) {
	return &runner.Manifest{TestCases: []runner.TestCase{
		{ID: "spec/a_spec", FilePath: "spec/a_spec.go"},
		{ID: "spec/b_spec", FilePath: "spec/b_spec.go"},
	}}, nil
}

func (a *fakeAdapter) RunTestCases(ctx context.Context, ids []string, onResult runner.ResultFunc) error {
	a.mu.Lock()
	a.runCalls = append(a.runCalls, ids)
	a.mu.Unlock()
	for _, id := range ids {
		res := runner.TestCaseResult{ID: id, Status: runner.StatusPassed, RunTime: 0.5, Message: a.payload}
		if err := onResult(res); err != nil {
			return err
		}
	}
	return nil
}

func (a *fakeAdapter) RemoveFailedTestCaseResult(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = append(a.removed, id)
	return nil
}

func (a *fakeAdapter) Finish(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finishCalls++
	return nil
}

func (a *fakeAdapter) Exec(ctx context.Context) error { return nil }
func (a *fakeAdapter) ExitStatus() int                { return a.status }
func (a *fakeAdapter) Framework() string              { return "fake" }
func (a *fakeAdapter) FrameworkVersion() string       { return "1.0.0" }
func (a *fakeAdapter) WrapperVersion() string         { return "0.0.1" }
func (a *fakeAdapter) BaseTestPath() string           { return a.base }

// fakeProcess stands in for a transport. It exits when its script returns.
// A stubborn process reports itself alive until it is signaled.
type fakeProcess struct {
	pid        int
	detached   bool
	stubborn   bool
	exited     chan struct{}
	exitOnce   sync.Once
	signaled   chan struct{}
	signalOnce sync.Once
	aliveCalls atomic.Int32

	mu      sync.Mutex
	signals []syscall.Signal
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{}), signaled: make(chan struct{})}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Alive() bool {
	p.aliveCalls.Add(1)
	done := p.exited
	if p.stubborn {
		done = p.signaled
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) exit() { p.exitOnce.Do(func() { close(p.exited) }) }

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	p.signalOnce.Do(func() { close(p.signaled) })
	if p.detached {
		p.exit()
	}
	select {
	case <-p.exited:
	case <-time.After(5 * time.Second):
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Signals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

// peer is the transport's side of the pipes.
type peer struct {
	t        *testing.T
	ch       *channel.Channel
	received []string
	// closed when the agent signals the transport
	signaled <-chan struct{}
}

func (p *peer) send(cmds ...string) {
	for _, cmd := range cmds {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.ch.Write(ctx, []byte(cmd))
		cancel()
		if err != nil {
			p.t.Errorf("peer write %s: %v", cmd, err)
			return
		}
	}
}

// drain records messages until the agent sends the exit token or its end goes away.
func (p *peer) drain() {
	for {
		msg, err := p.ch.Read()
		if err != nil {
			return
		}
		if msg == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.received = append(p.received, string(msg))
		if string(msg) == exitToken {
			return
		}
	}
}

// script drives one spawned transport. A nil script is a transport that never attaches.
type script func(p *peer)

type spawnRecord struct {
	url       *url.URL
	sessionID string
	proc      *fakeProcess
	peer      *peer
}

type fakeSpawner struct {
	t        *testing.T
	dir      string
	scripts  []script
	started  chan int
	stubborn bool

	mu     sync.Mutex
	spawns []*spawnRecord
	wg     sync.WaitGroup
}

var _ bridge.Spawner = (*fakeSpawner)(nil)

func newFakeSpawner(t *testing.T, scripts ...script) *fakeSpawner {
	return &fakeSpawner{t: t, dir: t.TempDir(), scripts: scripts, started: make(chan int, 100)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, rawURL, sessionID string) (bridge.Process, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	n := len(s.spawns)
	rec := &spawnRecord{url: u, sessionID: sessionID, proc: newFakeProcess(1000 + n)}
	rec.proc.stubborn = s.stubborn
	s.spawns = append(s.spawns, rec)
	sc := s.scripts[min(n, len(s.scripts)-1)]
	s.mu.Unlock()

	if sc == nil {
		rec.proc.detached = true
		return rec.proc, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer rec.proc.exit()

		ch, err := channel.Open(filepath.Join(s.dir, sessionID+"_1"), filepath.Join(s.dir, sessionID+"_2"), channel.SkipReset())
		if err != nil {
			s.t.Errorf("peer open: %v", err)
			return
		}
		defer ch.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ch.WaitOpen(ctx); err != nil {
			s.t.Errorf("peer wait open: %v", err)
			return
		}
		rec.peer = &peer{t: s.t, ch: ch, signaled: rec.proc.signaled}
		s.started <- n
		sc(rec.peer)
	}()
	return rec.proc, nil
}

func (s *fakeSpawner) records() []*spawnRecord {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*spawnRecord(nil), s.spawns...)
}

func cmd(kind Kind, fields map[string]any) string {
	m := map[string]any{"command": kind}
	for k, v := range fields {
		m[k] = v
	}
	b, _ := json.Marshal(m)
	return string(b)
}

var connected = cmd(CommandConnected, nil)

func closeCmd() string { return cmd(CommandClose, nil) }
