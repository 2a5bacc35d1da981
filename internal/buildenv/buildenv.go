package buildenv

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
	"github.com/selectiveci/selective-ruby-core/internal/command"
)

const (
	KeyHost         = "host"
	KeyAPIKey       = "api_key"
	KeyPlatform     = "platform"
	KeyRunID        = "run_id"
	KeyRunAttempt   = "run_attempt"
	KeyBranch       = "branch"
	KeyTargetBranch = "target_branch"
	KeyRunnerID     = "runner_id"
	KeyNumCommits   = "num_commits"
)

// DefaultNumCommits is the history depth used when the environment does not override it.
const DefaultNumCommits = 1000

var requiredKeys = []string{KeyHost, KeyAPIKey, KeyPlatform, KeyRunID, KeyRunAttempt, KeyBranch}

// excluded from the metadata blob: secrets, and values already sent as their own parameters
var nonMetadataKeys = map[string]bool{
	KeyHost:       true,
	KeyAPIKey:     true,
	KeyRunID:      true,
	KeyRunAttempt: true,
	KeyRunnerID:   true,
}

var hostPattern = regexp.MustCompile(`^wss?://`)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		schema, schemaErr = compiler.Compile(schemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile build env schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ConfigError is a fatal problem with the build environment. It is never retried.
type ConfigError struct {
	Missing []string
	Host    string
	Err     error
}

func (e *ConfigError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return "missing required build environment keys: " + strings.Join(e.Missing, ", ")
	case e.Host != "":
		return fmt.Sprintf("invalid host %q: must start with ws:// or wss://", e.Host)
	case e.Err != nil:
		return "invalid build environment: " + e.Err.Error()
	}
	return "invalid build environment"
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Env is the flat description of the CI run produced by the build environment script.
type Env map[string]string

// Load runs the build environment script and parses its standard output.
func Load(ctx context.Context, r command.Runner, script string) (Env, error) {
	out, err := r.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("running build env script: %w", err)
	}
	return Parse(out)
}

// Parse decodes and schema-checks a JSON object of string values. It does not check required keys; see Validate.
func Parse(data []byte) (Env, error) {
	if !json.Valid(data) {
		return nil, &ConfigError{Err: fmt.Errorf("build env output is not JSON: %q", truncate(data, 200))}
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	result := s.ValidateJSON(data)
	if !result.IsValid() {
		return nil, &ConfigError{Err: fmt.Errorf("schema validation failed: %v", result.Errors)}
	}
	var env Env
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("decoding build env: %w", err)}
	}
	return env, nil
}

// Validate checks that every required key has a value and that the host is a websocket URL.
func (e Env) Validate() error {
	var missing []string
	for _, k := range requiredKeys {
		if strings.TrimSpace(e[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &ConfigError{Missing: missing}
	}
	if !hostPattern.MatchString(e[KeyHost]) {
		return &ConfigError{Host: e[KeyHost]}
	}
	return nil
}

// Set stores value under key unless value is empty, so unset flags do not clobber the script's output.
func (e Env) Set(key, value string) {
	if value != "" {
		e[key] = value
	}
}

func (e Env) TargetBranch() string { return e[KeyTargetBranch] }

func (e Env) RunnerID() string { return e[KeyRunnerID] }

// NumCommits is the history depth for correlation, DefaultNumCommits unless overridden with a positive number.
func (e Env) NumCommits() int {
	n, err := strconv.Atoi(e[KeyNumCommits])
	if err != nil || n <= 0 {
		return DefaultNumCommits
	}
	return n
}

// Metadata returns the non-sensitive fields as canonical (RFC 8785) JSON.
func (e Env) Metadata() (string, error) {
	m := make(map[string]string, len(e))
	for k, v := range e {
		if !nonMetadataKeys[k] {
			m[k] = v
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing metadata: %w", err)
	}
	return string(canonical), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
