// Package cli parses the treesave command line.
package cli

import (
	"flag"
	"fmt"
	"io"

	"github.com/tis24dev/treesave/internal/types"
)

const (
	defaultConfigPath   = "/etc/treesave/treesave.env"
	configSourceDefault = "default path"
	configSourceFlag    = "specified via --config/-c flag"
)

// Command identifies the requested operation.
type Command string

const (
	CommandNone     Command = ""
	CommandBackup   Command = "backup"
	CommandList     Command = "list"
	CommandRestore  Command = "restore"
	CommandSchedule Command = "schedule"
)

// Args holds the parsed command-line arguments.
type Args struct {
	Command          Command
	ConfigPath       string
	ConfigPathSource string
	LogLevel         types.LogLevel
	DryRun           bool
	ShowVersion      bool
	ShowHelp         bool

	// backup / schedule
	SourcePath string
	CronSpec   string

	// restore
	ArchiveRef  string
	RestoreDest string
}

// Parse parses argv (without the program name) into Args. Errors carry the
// message to print; the caller decides the exit code.
func Parse(argv []string) (*Args, error) {
	args := &Args{
		ConfigPath:       defaultConfigPath,
		ConfigPathSource: configSourceDefault,
		LogLevel:         types.LogLevelNone, // overridden by config unless set
	}

	configFlag := newStringFlag(defaultConfigPath)
	var logLevelStr string

	registerShared := func(fs *flag.FlagSet) {
		fs.Var(configFlag, "config", "Path to configuration file")
		fs.Var(configFlag, "c", "Path to configuration file (shorthand)")
		fs.StringVar(&logLevelStr, "log-level", "", "Log level (debug|info|warning|error|none)")
		fs.StringVar(&logLevelStr, "l", "", "Log level (shorthand)")
	}

	globals := flag.NewFlagSet("treesave", flag.ContinueOnError)
	globals.SetOutput(io.Discard)
	registerShared(globals)
	globals.BoolVar(&args.ShowVersion, "version", false, "Show version information")
	globals.BoolVar(&args.ShowVersion, "v", false, "Show version information (shorthand)")
	globals.BoolVar(&args.ShowHelp, "help", false, "Show help message")
	globals.BoolVar(&args.ShowHelp, "h", false, "Show help message (shorthand)")

	if err := globals.Parse(argv); err != nil {
		if err == flag.ErrHelp {
			args.ShowHelp = true
			return args, nil
		}
		return nil, err
	}

	rest := globals.Args()
	if args.ShowVersion || args.ShowHelp {
		finishShared(args, configFlag, logLevelStr)
		return args, nil
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("no command given (expected backup, list, restore, or schedule)")
	}

	command, commandArgs := rest[0], rest[1:]
	switch Command(command) {
	case CommandBackup:
		fs := flag.NewFlagSet("backup", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		registerShared(fs)
		fs.BoolVar(&args.DryRun, "dry-run", false, "Preview the run without writing to the destination")
		fs.BoolVar(&args.DryRun, "n", false, "Preview the run (shorthand)")
		if err := fs.Parse(commandArgs); err != nil {
			return nil, err
		}
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("backup requires exactly one source path")
		}
		args.Command = CommandBackup
		args.SourcePath = fs.Arg(0)

	case CommandList:
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		registerShared(fs)
		if err := fs.Parse(commandArgs); err != nil {
			return nil, err
		}
		if fs.NArg() != 0 {
			return nil, fmt.Errorf("list takes no arguments")
		}
		args.Command = CommandList

	case CommandRestore:
		fs := flag.NewFlagSet("restore", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		registerShared(fs)
		fs.StringVar(&args.RestoreDest, "to", "", "Destination directory for the restored tree")
		fs.BoolVar(&args.DryRun, "dry-run", false, "Preview the restore without writing")
		fs.BoolVar(&args.DryRun, "n", false, "Preview the restore (shorthand)")
		if err := fs.Parse(commandArgs); err != nil {
			return nil, err
		}
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("restore requires exactly one archive name or path")
		}
		if args.RestoreDest == "" {
			return nil, fmt.Errorf("restore requires --to <destination>")
		}
		args.Command = CommandRestore
		args.ArchiveRef = fs.Arg(0)

	case CommandSchedule:
		fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		registerShared(fs)
		fs.StringVar(&args.CronSpec, "cron", "", "Cron expression for recurring backups")
		if err := fs.Parse(commandArgs); err != nil {
			return nil, err
		}
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("schedule requires exactly one source path")
		}
		if args.CronSpec == "" {
			return nil, fmt.Errorf("schedule requires --cron <expression>")
		}
		args.Command = CommandSchedule
		args.SourcePath = fs.Arg(0)

	default:
		return nil, fmt.Errorf("unknown command %q", command)
	}

	finishShared(args, configFlag, logLevelStr)
	return args, nil
}

func finishShared(args *Args, configFlag *stringFlag, logLevelStr string) {
	args.ConfigPath = configFlag.value
	if configFlag.set {
		args.ConfigPathSource = configSourceFlag
	}
	if logLevelStr != "" {
		args.LogLevel = parseLogLevel(logLevelStr)
	}
}

// parseLogLevel converts a string to LogLevel.
func parseLogLevel(s string) types.LogLevel {
	switch s {
	case "debug", "5":
		return types.LogLevelDebug
	case "info", "4":
		return types.LogLevelInfo
	case "warning", "3":
		return types.LogLevelWarning
	case "error", "2":
		return types.LogLevelError
	case "none", "0":
		return types.LogLevelNone
	default:
		return types.LogLevelInfo
	}
}

// PrintHelp writes the usage message.
func PrintHelp(w io.Writer, argv0 string) {
	fmt.Fprintf(w, "Usage: %s [options] <command> [command options]\n\n", argv0)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  backup <sourcePath> [--dry-run]        Create a verified archive of a directory tree")
	fmt.Fprintln(w, "  list                                   List archives in the destination")
	fmt.Fprintln(w, "  restore <nameOrPath> --to <dest>       Extract an archive into a destination")
	fmt.Fprintln(w, "  schedule --cron <expr> <sourcePath>    Run backups on a recurring schedule")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "  -c, --config <path>       Path to configuration file")
	fmt.Fprintln(w, "  -l, --log-level <level>   Log level (debug|info|warning|error|none)")
	fmt.Fprintln(w, "  -n, --dry-run             Preview without writing (backup and restore)")
	fmt.Fprintln(w, "  -v, --version             Show version information")
	fmt.Fprintln(w, "  -h, --help                Show this message")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s backup /srv/data\n", argv0)
	fmt.Fprintf(w, "  %s restore backup-2024-06-01-0200.tar.gz --to /srv/restore\n", argv0)
	fmt.Fprintf(w, "  %s schedule --cron \"0 2 * * *\" /srv/data\n", argv0)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintln(w, "treesave")
	fmt.Fprintln(w, "Version: 0.3.0")
}

type stringFlag struct {
	value string
	set   bool
}

func newStringFlag(defaultValue string) *stringFlag {
	return &stringFlag{value: defaultValue}
}

func (s *stringFlag) String() string {
	return s.value
}

func (s *stringFlag) Set(val string) error {
	s.value = val
	s.set = true
	return nil
}
