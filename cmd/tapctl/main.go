// Package main is tapctl, the command line tool managing tap-windows adapters and recording
// their traffic.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/tap-windows/cmd/tapctl/tapctl"
	"github.com/canonical/tap-windows/common"
	"github.com/canonical/tap-windows/common/i18n"
	log "github.com/sirupsen/logrus"
)

// Exit codes of tapctl.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	i18n.InitI18nDomain(common.TEXTDOMAIN)
	os.Exit(run(tapctl.New()))
}

type app interface {
	Run() error
	UsageError() bool
	Quit()
}

// run executes the command line and maps its outcome to an exit code. A command rejected
// before running, like an unknown command or flag, exits with exitUsage.
func run(a app) int {
	defer quitOnSignal(a)()

	log.SetFormatter(&log.TextFormatter{
		DisableQuote: true,
	})

	err := a.Run()
	switch {
	case err == nil:
		return exitOK
	case a.UsageError():
		log.Error(err)
		return exitUsage
	default:
		log.Error(err)
		return exitFailure
	}
}

// quitOnSignal quits a on the first SIGINT or SIGTERM, which ends a running capture with the
// frames recorded so far. The returned function stops listening.
func quitOnSignal(a app) (stop func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if sig, ok := <-c; ok {
			log.Debugf("Quitting on %s", sig)
			a.Quit()
		}
	}()

	return func() {
		signal.Stop(c)
		close(c)
		<-done
	}
}
