package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/selectiveci/selective-ruby-core/bridge"
	"github.com/selectiveci/selective-ruby-core/internal/buildenv"
	"github.com/selectiveci/selective-ruby-core/internal/command"
	"github.com/selectiveci/selective-ruby-core/internal/console"
	"github.com/selectiveci/selective-ruby-core/internal/files"
	"github.com/selectiveci/selective-ruby-core/internal/logging"
	"github.com/selectiveci/selective-ruby-core/runner"
	"github.com/selectiveci/selective-ruby-core/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const buildEnvScript = "build_env.sh"

func newApp() *cli.App {
	return &cli.App{
		Name:      "selective",
		Usage:     "run a test suite under the Selective scheduler",
		ArgsUsage: "<runner> [runner args...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Show raw errors and verbose logs. May also follow the runner name.",
			},
			&cli.BoolFlag{
				Name:  "log",
				Usage: "Write a session log to log/<session id>.log. May also follow the runner name.",
			},
			&cli.StringFlag{
				Name:    "build-env-script",
				Usage:   "Script that prints the build environment as JSON. Defaults to the nearest " + buildEnvScript + ".",
				EnvVars: []string{"SELECTIVE_BUILD_ENV_SCRIPT"},
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Path to the transport binary. Defaults to the nearest " + bridge.BinaryName + ".",
				EnvVars: []string{"SELECTIVE_TRANSPORT_PATH"},
			},
			&cli.StringFlag{
				Name:    "transport-download-url",
				Usage:   "Where to download the transport binary from when it is not found.",
				EnvVars: []string{"SELECTIVE_TRANSPORT_DOWNLOAD_URL"},
			},
			&cli.StringFlag{
				Name:    "host",
				Usage:   "Scheduler websocket URL, overriding the build environment.",
				EnvVars: []string{"SELECTIVE_HOST"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "Scheduler API key, overriding the build environment.",
				EnvVars: []string{"SELECTIVE_API_KEY"},
			},
			&cli.StringFlag{
				Name:  "pipe-dir",
				Usage: "Directory for the pipes shared with the transport.",
				Value: os.TempDir(),
			},
		},
		Action: func(c *cli.Context) error {
			return exit(start(c))
		},
		Commands: []*cli.Command{
			{
				Name:      "exec",
				Usage:     "run the tests directly, without the scheduler",
				ArgsUsage: "<runner> [runner args...]",
				Action: func(c *cli.Context) error {
					return exit(execTests(c))
				},
			},
		},
	}
}

type invocation struct {
	factory runner.Factory
	args    []string
	debug   bool
	log     bool
}

func parseInvocation(c *cli.Context) (*invocation, error) {
	args := c.Args().Slice()
	if len(args) == 0 {
		return nil, fmt.Errorf("missing runner name, expected one of: %s", strings.Join(runner.Names(), ", "))
	}
	f, err := runner.Lookup(args[0])
	if err != nil {
		return nil, err
	}
	rest, debug, log := stripAgentFlags(args[1:])
	return &invocation{
		factory: f,
		args:    rest,
		debug:   debug || c.Bool("debug"),
		log:     log || c.Bool("log"),
	}, nil
}

// stripAgentFlags removes the agent's own flags from the runner's arguments.
func stripAgentFlags(args []string) (rest []string, debug, log bool) {
	rest = []string{}
	for _, a := range args {
		switch a {
		case "--debug":
			debug = true
		case "--log":
			log = true
		default:
			rest = append(rest, a)
		}
	}
	return rest, debug, log
}

func start(c *cli.Context) (int, error) {
	inv, err := parseInvocation(c)
	if err != nil {
		return 1, err
	}
	cons := console.New(c.App.Writer)

	env, err := loadBuildEnv(c)
	if err != nil {
		return session.ReportError(cons, inv.debug, err, true)
	}

	sessionID := session.SessionID(env.RunnerID())
	logger, flush, err := logging.New(logging.Config{SessionID: sessionID, File: inv.log, Debug: inv.debug})
	if err != nil {
		return session.ReportError(cons, inv.debug, err, true)
	}
	defer flush()
	defer zap.ReplaceGlobals(logger)()

	rep := runner.NewReporting()
	adapter, err := inv.factory(inv.args, rep)
	if err != nil {
		return session.ReportError(cons, inv.debug, err, true)
	}

	ctrl := session.New(adapter, env,
		session.WithSessionID(sessionID),
		session.WithDebug(inv.debug),
		session.WithLogger(logger),
		session.WithConsole(cons),
		session.WithReporting(rep),
		session.WithPipeDir(c.String("pipe-dir")),
		session.WithSpawner(&bridge.ExecSpawner{
			Path:        c.String("transport"),
			DownloadURL: c.String("transport-download-url"),
			Stdout:      c.App.Writer,
			Stderr:      c.App.ErrWriter,
			Log:         logger.Named("bridge").Sugar(),
			Console:     cons,
		}),
	)
	return ctrl.Start(c.Context)
}

func execTests(c *cli.Context) (int, error) {
	inv, err := parseInvocation(c)
	if err != nil {
		return 1, err
	}
	cons := console.New(c.App.Writer)

	logger, flush, err := logging.New(logging.Config{SessionID: session.SessionID(""), File: inv.log, Debug: inv.debug})
	if err != nil {
		return session.ReportError(cons, inv.debug, err, false)
	}
	defer flush()
	defer zap.ReplaceGlobals(logger)()

	adapter, err := inv.factory(inv.args, runner.NewReporting())
	if err != nil {
		return session.ReportError(cons, inv.debug, err, false)
	}
	ctrl := session.New(adapter, buildenv.Env{},
		session.WithDebug(inv.debug),
		session.WithLogger(logger),
		session.WithConsole(cons),
	)
	return ctrl.Exec(c.Context)
}

func loadBuildEnv(c *cli.Context) (buildenv.Env, error) {
	script := c.String("build-env-script")
	if script == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		script = files.FindUp(buildEnvScript, wd)
	}
	if script == "" {
		return nil, errors.New("no build environment script found, set --build-env-script")
	}

	env, err := buildenv.Load(c.Context, &command.Exec{}, script)
	if err != nil {
		return nil, err
	}
	env.Set(buildenv.KeyHost, c.String("host"))
	env.Set(buildenv.KeyAPIKey, c.String("api-key"))
	return env, nil
}

// exit turns a status and error into what the cli package expects. A nil error with status 0 exits normally.
func exit(code int, err error) error {
	if err != nil {
		return cli.Exit(err.Error(), max(code, 1))
	}
	if code != 0 {
		return cli.Exit("", code)
	}
	return nil
}
