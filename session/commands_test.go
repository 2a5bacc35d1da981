package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/selectiveci/selective-ruby-core/internal/console"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplicitExitStatus(t *testing.T) {
	cases := []struct {
		raw       string
		expStatus int
		expOK     bool
	}{
		{raw: `{"command":"close","exit_status":3}`, expStatus: 3, expOK: true},
		{raw: `{"command":"close","exit_status":0}`, expStatus: 0, expOK: true},
		{raw: `{"command":"close"}`},
		{raw: `{"command":"close","exit_status":null}`},
		{raw: `{"command":"close","exit_status":"3"}`},
		{raw: `{"command":"close","exit_status":2.5}`},
		{raw: `{"command":"close","exit_status":true}`},
	}
	for _, c := range cases {
		t.Run(c.raw, func(t *testing.T) {
			var cmd Command
			require.NoError(t, json.Unmarshal([]byte(c.raw), &cmd))
			status, ok := cmd.ExplicitExitStatus()
			assert.Equal(t, c.expOK, ok)
			assert.Equal(t, c.expStatus, status)
		})
	}
}

func TestSessionID(t *testing.T) {
	assert.Equal(t, "ci_runner_1", SessionID("ci/runner:1"))
	assert.Equal(t, "abc", SessionID("  .abc.  "))
	assert.Regexp(t, regexp.MustCompile(`^selgen-[0-9a-f]{8}$`), SessionID(""))
	assert.Regexp(t, regexp.MustCompile(`^selgen-[0-9a-f]{8}$`), SessionID("..."))
	assert.NotEqual(t, SessionID(""), SessionID(""))
}

func TestDefaultBackoff(t *testing.T) {
	for retry, exp := range map[int]time.Duration{1: time.Second, 3: 3 * time.Second, 4: 4 * time.Second, 10: 4 * time.Second} {
		assert.Equal(t, exp, DefaultBackoff(retry), "retry %d", retry)
	}
}

func TestReportError(t *testing.T) {
	boom := errors.New("boom")

	var out bytes.Buffer
	cons := console.New(&out)

	status, err := ReportError(cons, true, boom, true)
	assert.Equal(t, 1, status)
	assert.Equal(t, boom, err)
	assert.Empty(t, out.String())

	status, err = ReportError(cons, false, boom, true)
	assert.Equal(t, 1, status)
	assert.NoError(t, err)
	assert.Contains(t, out.String(), console.RemediationHeader[:20])
	assert.Contains(t, out.String(), "boom")

	out.Reset()
	_, _ = ReportError(cons, false, boom, false)
	assert.NotContains(t, out.String(), "support")

	status, err = ReportError(cons, true, &InterruptedError{Signal: syscall.SIGTERM}, true)
	assert.Equal(t, 143, status)
	assert.NoError(t, err)
}
