// Package tap creates, opens and deletes tap-windows6 virtual network adapters, and exchanges
// Ethernet frames with them.
//
// Adapters are identified by their LUID. Creating an adapter installs a new device node with the
// best installed driver for the component, waits for the system to assign it a LUID and opens its
// device file:
//
//	dev, err := tap.Create(ctx, tap.HardwareID)
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//
// None of the functions of this package are safe to call concurrently for the same adapter.
package tap

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/canonical/tap-windows/common"
	"github.com/canonical/tap-windows/internal/devnode"
	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/internal/netsh"
	"github.com/canonical/tap-windows/internal/resolver"
	"github.com/canonical/tap-windows/internal/setupapi"
	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

// HardwareID is the component identifier of the tap-windows6 driver.
const HardwareID = common.DefaultComponentID

var (
	// ErrNotFound means that no matching driver, device or interface exists.
	ErrNotFound = setupapi.ErrNotFound
	// ErrTimedOut means that the system did not finish setting up the adapter in time.
	ErrTimedOut = setupapi.ErrTimedOut
	// ErrSubprocess means that the network configuration utility failed.
	ErrSubprocess = netsh.ErrSubprocess
)

// OSError is a failure of the operating system carrying its native error code.
type OSError = setupapi.OSError

// LUID is the identifier of an adapter.
type LUID = luid.LUID

// Create installs a new adapter for componentID and opens it.
//
// It fails with an error matching ErrNotFound when no installed driver declares componentID, and
// with an error matching ErrTimedOut when the adapter LUID or device file do not show up in time.
// The adapter is removed again when Create fails after installing it.
func Create(ctx context.Context, componentID string, args ...Option) (d *Device, err error) {
	defer decorate.OnError(&err, "could not create adapter")

	o := newOptions(args)

	var id luid.LUID
	err = devnode.Create(o.api, componentID, func(k setupapi.Key) (err error) {
		id, err = resolver.Wait(ctx, o.api, k,
			resolver.WithWaitTimeout(o.registryWait),
			resolver.WithDeadline(o.registryDeadline))
		return err
	})
	if err != nil {
		return nil, err
	}

	h, err := openWithRetry(o.api, id, o.openTimeout)
	if err != nil {
		if err := devnode.Delete(o.api, componentID, id); err != nil {
			log.Warningf("Could not remove adapter %s that cannot be opened: %v", id, err)
		}
		return nil, err
	}

	log.Infof("Created %s adapter with LUID %s", componentID, id)
	return newDevice(o, componentID, id, h), nil
}

// openWithRetry opens the device file of the adapter, trying again without sleeping until timeout
// elapsed. The driver creates the file asynchronously after installation.
func openWithRetry(api setupapi.API, id luid.LUID, timeout time.Duration) (setupapi.Handle, error) {
	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		h, err := openDeviceFile(api, id)
		if err == nil {
			log.Debugf("Opened device file of adapter %s after %d attempt(s)", id, attempt)
			return h, nil
		}
		if !time.Now().Before(deadline) {
			return 0, fmt.Errorf("device file of adapter %s not available after %s: %w (last error: %v)", id, timeout, ErrTimedOut, err)
		}
		runtime.Gosched()
	}
}

func openDeviceFile(api setupapi.API, id luid.LUID) (setupapi.Handle, error) {
	guid, err := api.LUIDToGUID(id)
	if err != nil {
		return 0, err
	}
	return api.OpenFile(setupapi.DevicePath(guid))
}

// Open opens the existing adapter named name. The adapter must be a present device of
// componentID, or Open fails with an error matching ErrNotFound.
func Open(componentID, name string, args ...Option) (d *Device, err error) {
	defer decorate.OnError(&err, "could not open adapter %q", name)

	o := newOptions(args)

	id, err := resolver.FromAlias(o.api, name)
	if err != nil {
		return nil, err
	}

	ok, err := devnode.Exists(o.api, componentID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("interface %q with LUID %s is not a %s adapter: %w", name, id, componentID, ErrNotFound)
	}

	h, err := openDeviceFile(o.api, id)
	if err != nil {
		return nil, err
	}

	return newDevice(o, componentID, id, h), nil
}

// Exists reports whether a present adapter of componentID has LUID id.
func Exists(componentID string, id LUID, args ...Option) (exists bool, err error) {
	defer decorate.OnError(&err, "could not check if adapter %s exists", id)

	return devnode.Exists(newOptions(args).api, componentID, id)
}

// Delete removes the adapter of componentID with LUID id. It fails with an error matching
// ErrNotFound when there is none.
func Delete(componentID string, id LUID, args ...Option) (err error) {
	defer decorate.OnError(&err, "could not delete adapter %s", id)

	if err := devnode.Delete(newOptions(args).api, componentID, id); err != nil {
		return err
	}

	log.Infof("Deleted %s adapter with LUID %s", componentID, id)
	return nil
}

// IsNotFound reports whether err means that the adapter does not exist, so that creating it is
// the way forward.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
