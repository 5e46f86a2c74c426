package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"os/user"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/larsks/hvpatch/internal/backup"
	"github.com/larsks/hvpatch/internal/command"
	"github.com/larsks/hvpatch/internal/configlocator"
	"github.com/larsks/hvpatch/internal/mountmanager"
	"github.com/larsks/hvpatch/internal/orchestrator"
	"github.com/larsks/hvpatch/internal/partition"
	"github.com/larsks/hvpatch/internal/patch"
	"github.com/larsks/hvpatch/internal/report"
	"github.com/larsks/hvpatch/internal/settings"
	"github.com/larsks/hvpatch/internal/version"
)

type (
	Options struct {
		config      string
		yes         bool
		restart     bool
		debug       bool
		mountOnly   bool
		dryRun      bool
		settings    string
		keepBackups int
		version     bool
		help        bool
	}
)

var options Options

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nFind OpenCore config.plist files on EFI partitions and set kern.hv_vmm_present=0.\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --yes --restart\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --dry-run\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --config /Volumes/EFI/EFI/OC/config.plist\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  %s --mount-only\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	pflag.PrintDefaults()
}

func init() {
	pflag.StringVarP(&options.config, "config", "c", "", "patch this config.plist instead of searching EFI partitions")
	pflag.BoolVarP(&options.yes, "yes", "y", false, "apply the patch without asking")
	pflag.BoolVarP(&options.restart, "restart", "r", false, "restart the system after a successful patch")
	pflag.BoolVarP(&options.debug, "debug", "D", false, "show debug output")
	pflag.BoolVarP(&options.mountOnly, "mount-only", "m", false, "mount EFI partitions and leave them mounted")
	pflag.BoolVarP(&options.dryRun, "dry-run", "n", false, "report what would change without writing anything")
	pflag.StringVarP(&options.settings, "settings", "s", "", "read settings from this YAML file")
	pflag.IntVar(&options.keepBackups, "keep-backups", 0, "after patching, keep only this many backups per config (0 keeps all)")
	pflag.BoolVarP(&options.version, "version", "V", false, "show version and exit")
	pflag.BoolVarP(&options.help, "help", "h", false, "show this help message")
}

// needsRoot reports whether the run mounts partitions or writes files.
// A dry run against an explicit config only reads it, takes no lock and
// mounts nothing.
func needsRoot(opts Options) bool {
	return opts.mountOnly || opts.config == "" || !opts.dryRun
}

func main() {
	os.Exit(run())
}

func run() int {
	pflag.Parse()

	if options.help {
		printUsage()
		return 0
	}
	if options.version {
		fmt.Println(version.GetVersion("hvpatch"))
		return 0
	}
	if len(pflag.Args()) != 0 {
		fmt.Fprintf(os.Stderr, "Error: unexpected arguments: %v\n", pflag.Args())
		printUsage()
		return 1
	}

	logger := log.New(os.Stdout, "[hvpatch] ", log.LstdFlags)
	debug := log.New(io.Discard, "", 0)
	if options.debug {
		debug = log.New(os.Stdout, "[hvpatch] debug: ", log.LstdFlags)
	}

	cfg := settings.Default()
	if options.settings != "" {
		var err error
		if cfg, err = settings.Load(options.settings); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}
	if pflag.CommandLine.Changed("keep-backups") {
		cfg.KeepBackups = options.keepBackups
	}
	if cfg.KeepBackups < 0 {
		fmt.Fprintf(os.Stderr, "Error: --keep-backups must not be negative\n")
		return 1
	}
	spec, err := cfg.Patch.Spec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if needsRoot(options) {
		currentUser, userErr := user.Current()
		if userErr != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to get current user: %v\n", userErr)
			return 1
		}
		if currentUser.Uid != "0" {
			fmt.Fprintf(os.Stderr, "Error: This program must be run as root\n")
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := command.NewExecRunner(debug)
	orch := orchestrator.New(orchestrator.Options{
		Partitions: partition.NewLocator(partition.NewEnumerator(runner, logger), cfg.Labels, debug),
		Mounter:    mountmanager.NewMountManager(mountmanager.NewBackend(runner), cfg.MountRoot, logger),
		Configs:    configlocator.New(cfg.SearchPaths, debug),
		Engine: patch.NewEngine(patch.Options{
			Spec:        spec,
			Backups:     backup.NewManager(logger),
			Logger:      logger,
			LockTimeout: cfg.LockTimeout,
			DryRun:      options.dryRun,
			KeepBackups: cfg.KeepBackups,
		}),
		Approve: newApprover(options.yes, os.Stdin, os.Stdout, logger),
		Logger:  logger,
	})

	var rep orchestrator.Report
	switch {
	case options.mountOnly:
		rep = orch.MountOnly(ctx)
	case options.config != "":
		rep = orch.RunConfig(ctx, options.config)
	default:
		logger.Printf("patching %s", spec)
		rep = orch.Run(ctx)
	}

	if err := report.Render(os.Stdout, rep); err != nil {
		logger.Printf("warning: failed to write summary: %v", err)
	}

	if !rep.OK() {
		return 1
	}

	if rep.Count(orchestrator.StatusPatched) > 0 {
		if !options.restart {
			fmt.Println("restart the system for the change to take effect")
			return 0
		}
		logger.Printf("restarting")
		if _, err := runner.Run(context.WithoutCancel(ctx), "shutdown", "-r", "now"); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to restart: %v\n", err)
			return 1
		}
	}
	return 0
}
