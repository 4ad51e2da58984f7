// Package resolver derives the LUID of an adapter, either from the registry values the system
// writes after installation or from the adapter name.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/internal/setupapi"
	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

const (
	// DefaultWaitTimeout bounds each wait for a registry change.
	DefaultWaitTimeout = 2 * time.Second
	// DefaultDeadline bounds the whole resolution.
	DefaultDeadline = 30 * time.Second
)

type options struct {
	waitTimeout time.Duration
	deadline    time.Duration
}

// Option is an optional argument of Wait.
type Option func(*options)

// WithWaitTimeout sets how long each wait for a registry change can last.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithDeadline sets how long the whole resolution can last. Zero waits forever.
func WithDeadline(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.deadline = d
		}
	}
}

// Wait reads the LUID values of the driver key k, waiting for the system to write them.
//
// A wait that times out is re-armed. It fails with an error matching setupapi.ErrTimedOut once the
// deadline elapsed, and with ctx.Err() when ctx is cancelled between two waits.
func Wait(ctx context.Context, reg setupapi.Registry, k setupapi.Key, args ...Option) (l luid.LUID, err error) {
	defer decorate.OnError(&err, "could not resolve adapter LUID")

	o := options{
		waitTimeout: DefaultWaitTimeout,
		deadline:    DefaultDeadline,
	}
	for _, f := range args {
		f(&o)
	}

	w := waiter{reg: reg, key: k, opts: o, start: time.Now()}

	ifType, err := w.read(ctx, setupapi.ValueIfType)
	if err != nil {
		return 0, err
	}
	index, err := w.read(ctx, setupapi.ValueNetLuidIndex)
	if err != nil {
		return 0, err
	}

	l = luid.New(ifType, index)
	log.Debugf("Resolved adapter LUID %s (IfType %d, NetLuidIndex %d) after %s", l, ifType, index, time.Since(w.start))
	return l, nil
}

type waiter struct {
	reg   setupapi.Registry
	key   setupapi.Key
	opts  options
	start time.Time
}

func (w waiter) read(ctx context.Context, name string) (uint64, error) {
	for {
		v, err := w.reg.ReadIntegerValue(w.key, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, setupapi.ErrFieldNotExist) {
			return 0, err
		}

		if err := ctx.Err(); err != nil {
			return 0, err
		}

		timeout := w.opts.waitTimeout
		if w.opts.deadline > 0 {
			remaining := w.opts.deadline - time.Since(w.start)
			if remaining <= 0 {
				return 0, fmt.Errorf("registry value %q still missing after %s: %w", name, w.opts.deadline, setupapi.ErrTimedOut)
			}
			timeout = min(timeout, remaining)
		}

		err = w.reg.WaitForChange(w.key, timeout)
		if errors.Is(err, setupapi.ErrTimedOut) {
			log.Debugf("Registry value %q not written after %s, waiting again", name, timeout)
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// ReadOnce reads the LUID values of the driver key k without waiting.
func ReadOnce(reg setupapi.Registry, k setupapi.Key) (luid.LUID, error) {
	ifType, err := reg.ReadIntegerValue(k, setupapi.ValueIfType)
	if err != nil {
		return 0, fmt.Errorf("could not read %q: %w", setupapi.ValueIfType, err)
	}
	index, err := reg.ReadIntegerValue(k, setupapi.ValueNetLuidIndex)
	if err != nil {
		return 0, fmt.Errorf("could not read %q: %w", setupapi.ValueNetLuidIndex, err)
	}
	return luid.New(ifType, index), nil
}

// FromAlias translates an interface name to its LUID with a single call.
// An unknown name gives an error matching both setupapi.ErrNotFound and the native *setupapi.OSError.
func FromAlias(ifs setupapi.Interfaces, name string) (luid.LUID, error) {
	l, err := ifs.AliasToLUID(name)
	if setupapi.HasCode(err, setupapi.CodeInvalidParameter, setupapi.CodeNotFound) {
		return 0, fmt.Errorf("no interface named %q: %w: %w", name, setupapi.ErrNotFound, err)
	}
	if err != nil {
		return 0, fmt.Errorf("could not translate interface name %q: %w", name, err)
	}
	return l, nil
}
