package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

const (
	exitOK          = 0
	exitSetup       = 1
	exitPartial     = 2
	exitFailed      = 3
	exitInterrupted = 130
)

type CLI struct {
	Config   string  `help:"Path to the YAML config file." type:"path" placeholder:"FILE"`
	EnvFile  envFile `name:"env-file" help:"Load environment variables from this file." default:".env" placeholder:"FILE"`
	LogLevel string  `help:"Override logging.level (debug, info, warn, error)." placeholder:"LEVEL"`

	Sync     SyncCmd     `cmd:"" help:"Sync portal data into the database."`
	Verify   VerifyCmd   `cmd:"" help:"Report row counts, coverage and integrity of the synced data."`
	Schedule ScheduleCmd `cmd:"" help:"Run syncs on a cron schedule and serve status endpoints."`
	Publish  PublishCmd  `cmd:"" help:"Upload a database snapshot and the latest run summary over FTP."`
	Migrate  MigrateCmd  `cmd:"" help:"Apply database migrations."`
}

// envFile loads a dotenv file before flag defaults and the environment are
// resolved. A missing file is only an error when given explicitly.
type envFile string

func (envFile) BeforeReset(ctx *kong.Context, path *kong.Path) error {
	name := path.Flag.Default
	explicit := false
	if v, ok := ctx.FlagValue(path.Flag).(envFile); ok && v != "" {
		explicit = string(v) != path.Flag.Default
		name = string(v)
	}
	if name == "" {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", name, err)
	}
	return nil
}

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func setupError(err error) error {
	return &exitError{code: exitSetup, err: err}
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitSetup
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("portfoliosync"),
		kong.Description("Synchronise power plant portfolio data from the portal API into SQLite."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portfoliosync: %v\n", err)
		return exitSetup
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return exitSetup
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a := &app{ctx: ctx, cli: &cli, stdout: os.Stdout}
	defer a.close()

	err = kctx.Run(a)
	code := exitCode(err)
	if code == exitSetup {
		fmt.Fprintf(os.Stderr, "portfoliosync: %v\n", err)
	}
	return code
}
