package runner

import "context"

// TestCase is one entry of a manifest.
type TestCase struct {
	ID          string `json:"id"`
	FilePath    string `json:"file_path,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manifest is the set of test cases a run can schedule.
type Manifest struct {
	TestCases []TestCase `json:"test_cases"`
}

type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// TestCaseResult is reported once per executed test case.
type TestCaseResult struct {
	ID       string  `json:"id"`
	Status   Status  `json:"status"`
	RunTime  float64 `json:"run_time"`
	FilePath string  `json:"file_path,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ResultFunc receives results in completion order. An error aborts the run and is returned by RunTestCases.
type ResultFunc func(TestCaseResult) error

// Adapter is the framework-specific half of a session: it knows how to enumerate and execute tests.
// Adapters are used from a single goroutine.
type Adapter interface {
	// Manifest enumerates the test cases available to the run.
	Manifest(ctx context.Context) (*Manifest, error)

	// RunTestCases executes the given ids and calls onResult as each one completes.
	RunTestCases(ctx context.Context, ids []string, onResult ResultFunc) error

	// RemoveFailedTestCaseResult forgets a stored failure, typically because the case was retried elsewhere.
	RemoveFailedTestCaseResult(id string) error

	// Finish runs the framework's end-of-run reporting.
	Finish(ctx context.Context) error

	// Exec runs the tests directly, without a remote scheduler.
	Exec(ctx context.Context) error

	// ExitStatus is the status the process should exit with, based on what ran.
	ExitStatus() int

	Framework() string
	FrameworkVersion() string
	WrapperVersion() string

	// BaseTestPath is the repository-relative directory that holds test files.
	BaseTestPath() string
}
