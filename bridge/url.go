package bridge

import (
	"fmt"
	"net/url"
	"strings"
)

// Language is the runtime tag sent to the scheduler.
const Language = "go"

const transportPath = "/transport/websocket"

type URLParams struct {
	Host             string
	RunID            string
	RunAttempt       string
	APIKey           string
	RunnerID         string
	CoreVersion      string
	Framework        string
	FrameworkVersion string
	WrapperVersion   string
	// Metadata is the JSON blob of the remaining, non-sensitive build environment fields.
	Metadata  string
	Reconnect bool
}

// ConnectionURL builds the websocket URL handed to the transport process.
func ConnectionURL(p URLParams) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(p.Host, "/") + transportPath)
	if err != nil {
		return "", fmt.Errorf("parsing host %q: %w", p.Host, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("host %q is not a websocket URL", p.Host)
	}

	q := url.Values{}
	q.Set("run_id", p.RunID)
	q.Set("run_attempt", p.RunAttempt)
	q.Set("api_key", p.APIKey)
	q.Set("runner_id", p.RunnerID)
	q.Set("language", Language)
	q.Set("core_version", p.CoreVersion)
	q.Set("framework", p.Framework)
	q.Set("framework_version", p.FrameworkVersion)
	q.Set("framework_wrapper_version", p.WrapperVersion)
	q.Set("metadata", p.Metadata)
	if p.Reconnect {
		q.Set("reconnect", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
