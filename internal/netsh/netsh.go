// Package netsh configures network interfaces through the netsh command line utility.
package netsh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

// ErrSubprocess is returned when netsh could not run or exited with an error.
var ErrSubprocess = errors.New("network configuration utility failed")

type options struct {
	cmd []string
	env []string
}

// Option is an optional argument of New.
type Option func(*options)

// WithCommand replaces the netsh executable by cmd, which can carry leading arguments.
func WithCommand(cmd ...string) Option {
	return func(o *options) {
		if len(cmd) > 0 {
			o.cmd = cmd
		}
	}
}

// WithEnv sets the environment of the command. The default is the environment of the process.
func WithEnv(env ...string) Option {
	return func(o *options) {
		o.env = env
	}
}

// Runner runs netsh commands.
type Runner struct {
	opts options
}

// New returns a Runner calling netsh.
func New(args ...Option) Runner {
	o := options{cmd: []string{"netsh"}}
	for _, f := range args {
		f(&o)
	}
	return Runner{opts: o}
}

// SetInterfaceName renames the interface name to newName.
func (r Runner) SetInterfaceName(ctx context.Context, name, newName string) (err error) {
	defer decorate.OnError(&err, "could not rename interface %q to %q", name, newName)

	return r.run(ctx, "int", "set", "int", "name=", name, "newname=", newName)
}

// SetIPv4Address gives the interface name the static address addr with netmask mask.
func (r Runner) SetIPv4Address(ctx context.Context, name string, addr, mask netip.Addr) (err error) {
	defer decorate.OnError(&err, "could not set address %s/%s on interface %q", addr, mask, name)

	if !addr.Is4() || !mask.Is4() {
		return fmt.Errorf("only IPv4 addresses and masks are supported")
	}

	return r.run(ctx, "int", "ipv4", "set", "address", "name=", name, "source=static", "address=", addr.String(), "mask=", mask.String())
}

func (r Runner) run(ctx context.Context, args ...string) error {
	name := r.opts.cmd[0]
	args = append(r.opts.cmd[1:len(r.opts.cmd):len(r.opts.cmd)], args...)

	log.Debugf("Running %s %s", name, strings.Join(args, " "))

	//nolint:gosec // The executable comes from a variable to be testable.
	cmd := exec.CommandContext(ctx, name, args...)
	if r.opts.env != nil {
		cmd.Env = r.opts.env
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v\n    Output: %s", ErrSubprocess, cmd.Path, err, bytes.TrimSpace(out.Bytes()))
	}
	return nil
}
