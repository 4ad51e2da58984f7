// Package tapctl is the command line interface managing tap-windows6 adapters.
package tapctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/canonical/tap-windows/common"
	"github.com/canonical/tap-windows/common/i18n"
	"github.com/canonical/tap-windows/tap"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cmdName is the binary name of the CLI.
func cmdName() string {
	if runtime.GOOS == "windows" {
		return "tapctl.exe"
	}
	return "tapctl"
}

// App encapsulates the commands and options of the CLI, which can be controlled by env variables and config files.
type App struct {
	rootCmd cobra.Command
	viper   *viper.Viper
	config  appConfig

	ctx    context.Context
	cancel context.CancelFunc

	tapOptions []tap.Option
	closeLog   func()
}

type options struct {
	tapOptions []tap.Option
}

type option func(*options)

// New registers commands and return a new App.
func New(o ...option) *App {
	var opt options
	for _, f := range o {
		f(&opt)
	}

	a := App{tapOptions: opt.tapOptions, closeLog: func() {}}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.rootCmd = cobra.Command{
		Use:   fmt.Sprintf("%s COMMAND", cmdName()),
		Short: i18n.G("Manage tap-windows6 virtual network adapters"),
		Long:  i18n.G("Create, configure, inspect, capture from and delete tap-windows6 virtual network adapters."),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Force a visit of the local flags so persistent flags for all parents are merged.
			cmd.LocalFlags()

			// command parsing has been successful. Returns to not print usage anymore.
			a.rootCmd.SilenceUsage = true

			if err := initViperConfig(strings.ReplaceAll(cmdName(), ".exe", ""), &a.rootCmd, a.viper); err != nil {
				return err
			}

			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to decode configuration into struct: %w", err)
			}

			setVerboseMode(a.config.Verbosity)

			closeLog, err := a.setUpLogger()
			if err != nil {
				return err
			}
			a.closeLog = closeLog

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.closeLog()
		},
		// We display usage error ourselves
		SilenceErrors: true,
	}
	a.viper = viper.New()

	installVerbosityFlag(&a.rootCmd, a.viper)
	installConfigFlag(&a.rootCmd)
	installLogFileFlag(&a.rootCmd, a.viper)
	installComponentIDFlag(&a.rootCmd, a.viper)
	installTimeoutFlags(&a.rootCmd, a.viper)

	// subcommands
	a.installCreate()
	a.installInfo()
	a.installDelete()
	a.installExists()
	a.installUpDown()
	a.installSetName()
	a.installSetIP()
	a.installCapture()
	a.installVersion()

	return &a
}

// Run executes the command and associated process. It returns an error on syntax/usage error.
func (a *App) Run() error {
	return a.rootCmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a *App) UsageError() bool {
	return !a.rootCmd.SilenceUsage
}

// Quit interrupts the running command. A capture in progress stops and its file is kept.
func (a *App) Quit() {
	a.cancel()
}

// RootCmd returns a copy of the root command for the app. Shouldn't be in general necessary apart when running generators.
func (a *App) RootCmd() cobra.Command {
	return a.rootCmd
}

// SetArgs changes the root command args. Shouldn't be in general necessary apart for tests.
func (a *App) SetArgs(args ...string) {
	a.rootCmd.SetArgs(args)
}

// SetOutput redirects the command output. Shouldn't be in general necessary apart for tests.
func (a *App) SetOutput(w io.Writer) {
	a.rootCmd.SetOut(w)
}

// options returns the library options matching the configuration.
func (a *App) options() []tap.Option {
	opts := []tap.Option{
		tap.WithOpenTimeout(a.config.OpenTimeout),
		tap.WithRegistryWaitTimeout(a.config.RegistryWait),
		tap.WithRegistryDeadline(a.config.RegistryDeadline),
	}
	return append(opts, a.tapOptions...)
}

// setUpLogger writes the logs to the configured log file on top of stderr.
func (a *App) setUpLogger() (func(), error) {
	noop := func() {}

	if a.config.LogFile == "" {
		return noop, nil
	}

	f, err := os.OpenFile(a.config.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return noop, fmt.Errorf("could not open log file: %v", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, f))

	fmt.Fprintf(f, "\n======= %s =======\n", strings.Join(os.Args, " "))
	log.Infof("Version: %s", common.Version)
	log.Debug("Debug mode is enabled")

	return func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}
