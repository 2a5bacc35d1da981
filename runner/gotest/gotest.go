// Package gotest runs Go tests through go test's JSON event stream.
//
// Test case ids have the form <import path>#<TestName>. Only top-level tests are scheduled;
// subtests run as part of their parent.
package gotest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/selectiveci/selective-ruby-core/internal/command"
	"github.com/selectiveci/selective-ruby-core/runner"
	"go.uber.org/zap"
)

const (
	Name           = "gotest"
	WrapperVersion = "0.1.0"
)

const idSep = "#"

var testNamePattern = regexp.MustCompile(`^(Test|Fuzz|Example)[^\s/]*$`)

func init() {
	runner.Register(Name, func(args []string, rep *runner.Reporting) (runner.Adapter, error) {
		return New(args, rep)
	})
}

// Adapter implements runner.Adapter for go test.
type Adapter struct {
	Log *zap.SugaredLogger
	// GoBin is the go command, "go" by default.
	GoBin string
	// Dir is the module directory; empty means the working directory.
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
	// Runner lists tests; nil runs GoBin in Dir.
	Runner command.Runner

	flags     []string
	packages  []string
	reporting *runner.Reporting

	mu         sync.Mutex
	failed     map[string]bool
	ran        int
	execStatus *int
}

// New splits args into go test flags (anything starting with "-") and package patterns, defaulting to ./...
func New(args []string, rep *runner.Reporting) (*Adapter, error) {
	a := &Adapter{
		Log:       zap.L().Named("gotest").Sugar(),
		GoBin:     "go",
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		reporting: rep,
		failed:    map[string]bool{},
	}
	if a.reporting == nil {
		a.reporting = runner.NewReporting()
	}
	for _, arg := range args {
		if arg == "-run" || arg == "-list" || strings.HasPrefix(arg, "-run=") || strings.HasPrefix(arg, "-list=") {
			return nil, fmt.Errorf("%s is managed by the scheduler and cannot be passed", arg)
		}
		if strings.HasPrefix(arg, "-") {
			a.flags = append(a.flags, arg)
		} else {
			a.packages = append(a.packages, arg)
		}
	}
	if len(a.packages) == 0 {
		a.packages = []string{"./..."}
	}
	return a, nil
}

// ID builds a test case id.
func ID(pkg, test string) string { return pkg + idSep + test }

// SplitID is the inverse of ID.
func SplitID(id string) (pkg, test string, err error) {
	i := strings.LastIndex(id, idSep)
	if i <= 0 || i == len(id)-1 {
		return "", "", fmt.Errorf("malformed test case id %q", id)
	}
	return id[:i], id[i+1:], nil
}

// event is one record of go test -json output (see go doc test2json).
type event struct {
	Action  string
	Package string
	Test    string
	Elapsed float64
	Output  string
}

func (a *Adapter) Manifest(ctx context.Context) (*runner.Manifest, error) {
	r := a.Runner
	if r == nil {
		r = &command.Exec{Dir: a.Dir}
	}
	args := append([]string{"test", "-list", ".", "-json"}, a.flags...)
	out, err := r.Run(ctx, a.GoBin, append(args, a.packages...)...)
	if err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}
	cases, err := parseList(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	return &runner.Manifest{TestCases: cases}, nil
}

func parseList(r io.Reader) ([]runner.TestCase, error) {
	var cases []runner.TestCase
	dec := json.NewDecoder(r)
	for {
		var ev event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding test list: %w", err)
		}
		if ev.Action != "output" || ev.Test != "" {
			continue
		}
		name := strings.TrimSpace(ev.Output)
		if testNamePattern.MatchString(name) {
			cases = append(cases, runner.TestCase{ID: ID(ev.Package, name), Description: name})
		}
	}
	return cases, nil
}

// RunTestCases runs one go test process per package, in the order the packages first appear in ids.
func (a *Adapter) RunTestCases(ctx context.Context, ids []string, onResult runner.ResultFunc) error {
	a.reporting.Suppress()

	var order []string
	byPkg := map[string][]string{}
	for _, id := range ids {
		pkg, test, err := SplitID(id)
		if err != nil {
			return err
		}
		if _, ok := byPkg[pkg]; !ok {
			order = append(order, pkg)
		}
		byPkg[pkg] = append(byPkg[pkg], test)
	}

	for _, pkg := range order {
		if err := a.runPackage(ctx, pkg, byPkg[pkg], onResult); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.reporting.Defer("tests_run", a.ran)
	a.reporting.Defer("tests_failed", len(a.failed))
	a.mu.Unlock()
	return nil
}

func (a *Adapter) runPackage(ctx context.Context, pkg string, tests []string, onResult runner.ResultFunc) error {
	quoted := make([]string, len(tests))
	for i, t := range tests {
		quoted[i] = regexp.QuoteMeta(t)
	}
	args := append([]string{"test", "-json", "-run", "^(" + strings.Join(quoted, "|") + ")$"}, a.flags...)
	args = append(args, pkg)

	cmd := exec.CommandContext(ctx, a.GoBin, args...)
	cmd.Dir = a.Dir
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	a.Log.Debugw("running tests", "Package", pkg, "Tests", len(tests))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", command.Format(a.GoBin, args), err)
	}

	want := map[string]bool{}
	for _, t := range tests {
		want[t] = true
	}
	reported, parseErr := a.streamResults(stdout, pkg, want, onResult)
	// drain so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if parseErr != nil {
		return parseErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return fmt.Errorf("running tests in %s: %w", pkg, waitErr)
	}

	// tests that never reported, typically because the package failed to build
	var missing []string
	for t := range want {
		if !reported[t] {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	for _, t := range missing {
		res := runner.TestCaseResult{ID: ID(pkg, t), Status: runner.StatusFailed, Message: "no result reported\n" + stderr.String()}
		if err := a.record(res, onResult); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) streamResults(r io.Reader, pkg string, want map[string]bool, onResult runner.ResultFunc) (map[string]bool, error) {
	reported := map[string]bool{}
	output := map[string]*strings.Builder{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var ev event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// go test prints build errors as plain text
			a.Log.Debugw("skipping non-JSON line", "Line", scanner.Text())
			continue
		}
		if ev.Test == "" {
			continue
		}
		top := strings.SplitN(ev.Test, "/", 2)[0]
		if !want[top] {
			continue
		}
		if ev.Action == "output" {
			if output[top] == nil {
				output[top] = &strings.Builder{}
			}
			output[top].WriteString(ev.Output)
			continue
		}
		if ev.Test != top {
			continue
		}
		status, ok := statusFor(ev.Action)
		if !ok {
			continue
		}
		res := runner.TestCaseResult{ID: ID(pkg, top), Status: status, RunTime: ev.Elapsed}
		if status == runner.StatusFailed && output[top] != nil {
			res.Message = output[top].String()
		}
		reported[top] = true
		if err := a.record(res, onResult); err != nil {
			return reported, err
		}
	}
	if err := scanner.Err(); err != nil {
		return reported, fmt.Errorf("reading test output: %w", err)
	}
	return reported, nil
}

func statusFor(action string) (runner.Status, bool) {
	switch action {
	case "pass":
		return runner.StatusPassed, true
	case "fail":
		return runner.StatusFailed, true
	case "skip":
		return runner.StatusSkipped, true
	}
	return "", false
}

func (a *Adapter) record(res runner.TestCaseResult, onResult runner.ResultFunc) error {
	a.mu.Lock()
	a.ran++
	if res.Status == runner.StatusFailed {
		a.failed[res.ID] = true
	} else {
		delete(a.failed, res.ID)
	}
	a.mu.Unlock()
	return onResult(res)
}

func (a *Adapter) RemoveFailedTestCaseResult(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failed, id)
	return nil
}

// Finish prints the run summary unless reporting is suppressed.
func (a *Adapter) Finish(ctx context.Context) error {
	if a.reporting.Suppressed() {
		return nil
	}
	a.mu.Lock()
	ran, failed := a.ran, len(a.failed)
	a.mu.Unlock()
	_, err := fmt.Fprintf(a.Stdout, "%d tests run, %d failed\n", ran, failed)
	return err
}

// Exec runs go test directly with the configured flags and packages.
func (a *Adapter) Exec(ctx context.Context) error {
	args := append(append([]string{"test"}, a.flags...), a.packages...)
	cmd := exec.CommandContext(ctx, a.GoBin, args...)
	cmd.Dir = a.Dir
	cmd.Stdout = a.Stdout
	cmd.Stderr = a.Stderr

	err := cmd.Run()
	status := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("running %s: %w", command.Format(a.GoBin, args), err)
		}
		status = exitErr.ExitCode()
	}
	a.mu.Lock()
	a.execStatus = &status
	a.mu.Unlock()
	return nil
}

func (a *Adapter) ExitStatus() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.execStatus != nil {
		return *a.execStatus
	}
	if len(a.failed) > 0 {
		return 1
	}
	return 0
}

func (a *Adapter) Framework() string        { return Name }
func (a *Adapter) FrameworkVersion() string { return runtime.Version() }
func (a *Adapter) WrapperVersion() string   { return WrapperVersion }

// BaseTestPath is empty: Go tests live next to the code they test.
func (a *Adapter) BaseTestPath() string { return "" }
