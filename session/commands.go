package session

import (
	"bytes"
	"encoding/json"
)

// Kind tags an inbound command.
type Kind string

const (
	CommandConnected                  Kind = "connected"
	CommandPrintNotice                Kind = "print_notice"
	CommandPrintMessage               Kind = "print_message"
	CommandTestManifest               Kind = "test_manifest"
	CommandRunTestCases               Kind = "run_test_cases"
	CommandRemoveFailedTestCaseResult Kind = "remove_failed_test_case_result"
	CommandReconnect                  Kind = "reconnect"
	CommandClose                      Kind = "close"
)

// Outbound message types.
const (
	MessageTestManifest   = "test_manifest"
	MessageTestCaseResult = "test_case_result"
	MessageReportAtFinish = "report_at_finish"
)

// exitToken asks the transport to shut down. It is written raw, not as a JSON message.
const exitToken = "exit"

// Command is one line received from the transport.
type Command struct {
	Command     Kind     `json:"command"`
	Message     string   `json:"message,omitempty"`
	TestCaseIDs []string `json:"test_case_ids,omitempty"`
	TestCaseID  string   `json:"test_case_id,omitempty"`
	// ExitStatus is kept raw: only an integer dictates the exit status.
	ExitStatus json.RawMessage `json:"exit_status,omitempty"`
}

// ExplicitExitStatus returns the close command's exit status if it is a JSON integer.
func (c *Command) ExplicitExitStatus() (int, bool) {
	raw := bytes.TrimSpace(c.ExitStatus)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}
