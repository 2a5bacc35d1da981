package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/selectiveci/selective-ruby-core/internal/command"
	"go.uber.org/zap"
)

// DefaultCollector is the correlation routine looked up on PATH when no collector path is configured.
const DefaultCollector = "selective-file-correlator"

const correlateWarning = "Selective was unable to correlate the diff to test files. This may result in a sub-optimal test order. If the issue persists, please contact support."

var errMalformed = errors.New("malformed correlation output")

// Warner receives user-facing warnings.
type Warner interface {
	Warning(msg string)
}

// Result is the collector's output. Both maps are always present in a valid result, possibly empty.
type Result struct {
	CorrelatedFiles   map[string]any `json:"correlated_files"`
	UncorrelatedFiles map[string]any `json:"uncorrelated_files"`
}

type Correlator struct {
	Runner        command.Runner
	CollectorPath string
	Console       Warner
	Log           *zap.SugaredLogger
}

func (c *Correlator) log() *zap.SugaredLogger {
	if c.Log == nil {
		return zap.NewNop().Sugar()
	}
	return c.Log
}

// Correlate fetches numCommits of targetBranch from origin and runs the collector over files.
// It returns nil, after emitting exactly one warning, if anything goes wrong.
func (c *Correlator) Correlate(ctx context.Context, files []string, numCommits int, targetBranch string) *Result {
	res, err := c.correlate(ctx, files, numCommits, targetBranch)
	if err != nil {
		c.log().Debugw("correlation failed", "TargetBranch", targetBranch, "Error", err)
		if c.Console != nil {
			c.Console.Warning(correlateWarning)
		}
		return nil
	}
	c.log().Debugw("correlated files", "Correlated", len(res.CorrelatedFiles), "Uncorrelated", len(res.UncorrelatedFiles))
	return res
}

func (c *Correlator) correlate(ctx context.Context, files []string, numCommits int, targetBranch string) (*Result, error) {
	depth := strconv.Itoa(numCommits)
	if _, err := c.Runner.Run(ctx, "git", "fetch", "origin", targetBranch, "--depth="+depth); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", targetBranch, err)
	}

	collector := c.CollectorPath
	if collector == "" {
		collector = DefaultCollector
	}
	args := append([]string{targetBranch, depth}, files...)
	out, err := c.Runner.Run(ctx, collector, args...)
	if err != nil {
		return nil, fmt.Errorf("running collector: %w", err)
	}
	return parseResult(out)
}

func parseResult(out []byte) (*Result, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	res := &Result{}
	for key, dst := range map[string]*map[string]any{
		"correlated_files":   &res.CorrelatedFiles,
		"uncorrelated_files": &res.UncorrelatedFiles,
	} {
		v, ok := raw[key]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", errMalformed, key)
		}
		if err := json.Unmarshal(v, dst); err != nil || *dst == nil {
			return nil, fmt.Errorf("%w: %s is not an object", errMalformed, key)
		}
	}
	return res, nil
}
