package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/slok/sbxd/cmd/sbxd/commands"
	"github.com/slok/sbxd/internal/log"
	loglogrus "github.com/slok/sbxd/internal/log/logrus"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	app := kingpin.New("sbxd", "Container sandbox lifecycle and resource orchestration engine.")
	app.DefaultEnvars()
	rootCmd := commands.NewRootCommand(app)

	// Setup commands (registers flags).
	serveCmd := commands.NewServeCommand(rootCmd, app)
	createCmd := commands.NewCreateCommand(rootCmd, app)
	listCmd := commands.NewListCommand(rootCmd, app)
	statusCmd := commands.NewStatusCommand(rootCmd, app)
	stopCmd := commands.NewStopCommand(rootCmd, app)
	startCmd := commands.NewStartCommand(rootCmd, app)
	restartCmd := commands.NewRestartCommand(rootCmd, app)
	removeCmd := commands.NewRemoveCommand(rootCmd, app)
	execCmd := commands.NewExecCommand(rootCmd, app)
	exportCmd := commands.NewExportCommand(rootCmd, app)
	envCmd := commands.NewEnvCommand(rootCmd, app)
	entrypointCmd := commands.NewEntrypointCommand(rootCmd, app)
	timeoutCmd := commands.NewTimeoutCommand(rootCmd, app)
	doctorCmd := commands.NewDoctorCommand(rootCmd, app)

	// Volume subcommands share a parent command.
	volumeCmd := app.Command("volume", "Manage volumes.")
	volumeCreateCmd := commands.NewVolumeCreateCommand(rootCmd, volumeCmd)
	volumeListCmd := commands.NewVolumeListCommand(rootCmd, volumeCmd)
	volumeRmCmd := commands.NewVolumeRmCommand(rootCmd, volumeCmd)
	volumeMountCmd := commands.NewVolumeMountCommand(rootCmd, volumeCmd)
	volumeUnmountCmd := commands.NewVolumeUnmountCommand(rootCmd, volumeCmd)

	cmds := map[string]commands.Command{
		serveCmd.Name():         serveCmd,
		createCmd.Name():        createCmd,
		listCmd.Name():          listCmd,
		statusCmd.Name():        statusCmd,
		stopCmd.Name():          stopCmd,
		startCmd.Name():         startCmd,
		restartCmd.Name():       restartCmd,
		removeCmd.Name():        removeCmd,
		execCmd.Name():          execCmd,
		exportCmd.Name():        exportCmd,
		envCmd.Name():           envCmd,
		entrypointCmd.Name():    entrypointCmd,
		timeoutCmd.Name():       timeoutCmd,
		doctorCmd.Name():        doctorCmd,
		volumeCreateCmd.Name():  volumeCreateCmd,
		volumeListCmd.Name():    volumeListCmd,
		volumeRmCmd.Name():      volumeRmCmd,
		volumeMountCmd.Name():   volumeMountCmd,
		volumeUnmountCmd.Name(): volumeUnmountCmd,
	}

	// Parse command.
	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	// Set standard input/output.
	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Commands that print tables or JSON don't log unless debugging.
	printerCommands := map[string]bool{
		"list":        true,
		"status":      true,
		"volume list": true,
	}
	if printerCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	// Set logger.
	rootCmd.Logger = getLogger(ctx, *rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(ctx context.Context, config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	// If logger not disabled use logrus logger.
	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr // By default logger goes to stderr (so it can split stdout prints).
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	// Log format.
	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": Version,
	})

	logger.Debugf("Debug level is enabled") // Will log only when debug enabled.

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
