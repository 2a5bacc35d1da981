package session

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/selectiveci/selective-ruby-core/correlator"
	"github.com/selectiveci/selective-ruby-core/runner"
)

func (c *Controller) handleConnected(ctx context.Context, cmd *Command) (bool, error) {
	c.log.Debug("transport already connected")
	return false, nil
}

func (c *Controller) handlePrintNotice(ctx context.Context, cmd *Command) (bool, error) {
	c.console.Notice(cmd.Message)
	return false, nil
}

func (c *Controller) handlePrintMessage(ctx context.Context, cmd *Command) (bool, error) {
	c.console.Warning(cmd.Message)
	return false, nil
}

func (c *Controller) handleTestManifest(ctx context.Context, cmd *Command) (bool, error) {
	c.reporting.Reset()

	manifest, err := c.runner.Manifest(ctx)
	if err != nil {
		return false, fmt.Errorf("building manifest: %w", err)
	}
	if manifest == nil {
		return false, errors.New("building manifest: runner returned no manifest")
	}

	data := map[string]any{"test_cases": manifest.TestCases}
	if target := c.env.TargetBranch(); target != "" {
		diff := c.changedFiles(ctx, target)
		data["modified_test_files"] = correlator.FilterPrefix(diff, c.runner.BaseTestPath())
		if len(diff) > 0 {
			if res := c.correlator.Correlate(ctx, diff, c.env.NumCommits(), target); res != nil {
				data["correlated_files"] = res
			}
		}
	}
	return false, c.write(ctx, MessageTestManifest, data)
}

// changedFiles diffs against the target branch once per controller.
func (c *Controller) changedFiles(ctx context.Context, target string) []string {
	c.diffOnce.Do(func() {
		c.diff = correlator.Diff(ctx, c.git, c.console, target)
	})
	return c.diff
}

func (c *Controller) handleRunTestCases(ctx context.Context, cmd *Command) (bool, error) {
	err := c.runner.RunTestCases(ctx, cmd.TestCaseIDs, func(res runner.TestCaseResult) error {
		c.log.Debugw("test case finished", "ID", res.ID, "Status", res.Status)
		return c.write(ctx, MessageTestCaseResult, res)
	})
	if err != nil {
		return false, fmt.Errorf("running test cases: %w", err)
	}
	return false, nil
}

func (c *Controller) handleRemoveFailedTestCaseResult(ctx context.Context, cmd *Command) (bool, error) {
	if err := c.runner.RemoveFailedTestCaseResult(cmd.TestCaseID); err != nil {
		return false, fmt.Errorf("removing result of %s: %w", cmd.TestCaseID, err)
	}
	return false, nil
}

func (c *Controller) handleReconnect(ctx context.Context, cmd *Command) (bool, error) {
	return false, errReconnect
}

func (c *Controller) handleClose(ctx context.Context, cmd *Command) (bool, error) {
	status, explicit := cmd.ExplicitExitStatus()
	c.reporting.Restore()

	report := c.reporting.Data()
	report["connection_retries"] = c.retries
	report["channel_wait_seconds"] = c.channelWait.Seconds()
	if err := c.write(ctx, MessageReportAtFinish, report); err != nil {
		c.log.Warnw("unable to send finish report", "Err", err)
	}

	if !explicit {
		if err := c.runner.Finish(ctx); err != nil {
			return false, fmt.Errorf("finishing run: %w", err)
		}
		status = c.runner.ExitStatus()
	}

	c.killBridge(syscall.SIGTERM)
	c.closeChannel()
	c.exitStatus = status
	return true, nil
}
