package tap

import (
	"context"
	"net/netip"
	"time"

	"github.com/canonical/tap-windows/internal/netsh"
	"github.com/canonical/tap-windows/internal/resolver"
	"github.com/canonical/tap-windows/internal/setupapi"
)

// DefaultOpenTimeout bounds the attempts to open the device file of a new adapter.
const DefaultOpenTimeout = 2 * time.Second

// Configurator applies the interface configuration that has no driver control code.
type Configurator interface {
	SetInterfaceName(ctx context.Context, name, newName string) error
	SetIPv4Address(ctx context.Context, name string, addr, mask netip.Addr) error
}

type options struct {
	api              setupapi.API
	netsh            Configurator
	openTimeout      time.Duration
	registryWait     time.Duration
	registryDeadline time.Duration
}

// Option is an optional argument of the functions of this package.
type Option func(*options)

// WithAPI replaces the operating system API. It is mostly useful for tests.
func WithAPI(api setupapi.API) Option {
	return func(o *options) {
		o.api = api
	}
}

// WithNetsh replaces the tool used to rename adapters and set their address.
func WithNetsh(c Configurator) Option {
	return func(o *options) {
		o.netsh = c
	}
}

// WithOpenTimeout sets how long Create keeps trying to open the device file of a new adapter.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.openTimeout = d
		}
	}
}

// WithRegistryWaitTimeout sets how long each wait for the system to write the adapter LUID lasts.
func WithRegistryWaitTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.registryWait = d
		}
	}
}

// WithRegistryDeadline sets how long Create waits in total for the adapter LUID. Zero waits forever.
func WithRegistryDeadline(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.registryDeadline = d
		}
	}
}

func newOptions(args []Option) options {
	o := options{
		openTimeout:      DefaultOpenTimeout,
		registryWait:     resolver.DefaultWaitTimeout,
		registryDeadline: resolver.DefaultDeadline,
	}
	for _, f := range args {
		f(&o)
	}

	if o.api == nil {
		o.api = setupapi.Default()
	}
	if o.netsh == nil {
		o.netsh = netsh.New()
	}
	return o
}
