package tapctl

import (
	"testing"

	"github.com/canonical/tap-windows/internal/setupapi"
	"github.com/canonical/tap-windows/tap"
)

// WithTapOptions appends options to every call into the tap package.
func WithTapOptions(opts ...tap.Option) func(*options) {
	return func(o *options) {
		o.tapOptions = append(o.tapOptions, opts...)
	}
}

// NewForTesting creates a new App running against a mocked host.
func NewForTesting(t *testing.T, api *setupapi.Mock, netsh tap.Configurator) *App {
	t.Helper()

	opts := []tap.Option{tap.WithAPI(api)}
	if netsh != nil {
		opts = append(opts, tap.WithNetsh(netsh))
	}

	return New(WithTapOptions(opts...))
}
