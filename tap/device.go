package tap

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/canonical/tap-windows/internal/devnode"
	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/internal/property"
	"github.com/canonical/tap-windows/internal/setupapi"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
	"go.uber.org/atomic"
)

// Device is an open adapter. Frames can be read and written concurrently, but the other methods
// must not race with each other.
type Device struct {
	api         setupapi.API
	netsh       Configurator
	componentID string
	id          luid.LUID
	handle      setupapi.Handle

	// io is read-locked across every call on handle and write-locked to close it, so that no call
	// runs against a handle value the system may have reused.
	io        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// cancelRetry is the pause between two attempts to abort the calls running before Close.
const cancelRetry = time.Millisecond

func newDevice(o options, componentID string, id luid.LUID, h setupapi.Handle) *Device {
	return &Device{
		api:         o.api,
		netsh:       o.netsh,
		componentID: componentID,
		id:          id,
		handle:      h,
	}
}

// Version is the version of the driver serving an adapter.
type Version struct {
	Major uint32 `yaml:"major"`
	Minor uint32 `yaml:"minor"`
	Debug bool   `yaml:"debug"`
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d", v.Major, v.Minor)
	if v.Debug {
		s += " (debug)"
	}
	return s
}

// LUID returns the identifier of the adapter.
func (d *Device) LUID() LUID {
	return d.id
}

// ComponentID returns the hardware ID of the adapter.
func (d *Device) ComponentID() string {
	return d.componentID
}

// GUID returns the interface GUID of the adapter.
func (d *Device) GUID() (uuid.UUID, error) {
	return d.api.LUIDToGUID(d.id)
}

// Index returns the interface index of the adapter.
func (d *Device) Index() (uint32, error) {
	return d.api.LUIDToIndex(d.id)
}

// Name returns the interface name of the adapter.
func (d *Device) Name() (string, error) {
	return d.api.LUIDToAlias(d.id)
}

// SetName renames the adapter.
func (d *Device) SetName(ctx context.Context, name string) (err error) {
	defer decorate.OnError(&err, "could not rename adapter %s", d.id)

	current, err := d.Name()
	if err != nil {
		return err
	}
	return d.netsh.SetInterfaceName(ctx, current, name)
}

// SetIP gives the adapter a static IPv4 address and netmask.
func (d *Device) SetIP(ctx context.Context, addr, mask netip.Addr) (err error) {
	defer decorate.OnError(&err, "could not set address of adapter %s", d.id)

	name, err := d.Name()
	if err != nil {
		return err
	}
	return d.netsh.SetIPv4Address(ctx, name, addr, mask)
}

// Up connects the virtual cable of the adapter.
func (d *Device) Up() error {
	return d.SetStatus(true)
}

// Down disconnects the virtual cable of the adapter.
func (d *Device) Down() error {
	return d.SetStatus(false)
}

// SetStatus sets the media status of the adapter.
func (d *Device) SetStatus(connected bool) (err error) {
	defer decorate.OnError(&err, "could not set media status of adapter %s", d.id)

	in := make([]byte, 4)
	if connected {
		binary.LittleEndian.PutUint32(in, 1)
	}
	if err := d.control(setupapi.IoctlSetMediaStatus, in, make([]byte, 4)); err != nil {
		return err
	}

	log.Debugf("Media status of adapter %s set to connected=%t", d.id, connected)
	return nil
}

// MAC returns the hardware address of the adapter.
func (d *Device) MAC() (mac net.HardwareAddr, err error) {
	defer decorate.OnError(&err, "could not get MAC address of adapter %s", d.id)

	out := make([]byte, 6)
	if err := d.control(setupapi.IoctlGetMAC, nil, out); err != nil {
		return nil, err
	}
	return net.HardwareAddr(out), nil
}

// Version returns the version of the driver.
func (d *Device) Version() (v Version, err error) {
	defer decorate.OnError(&err, "could not get driver version of adapter %s", d.id)

	out := make([]byte, 12)
	if err := d.control(setupapi.IoctlGetVersion, nil, out); err != nil {
		return Version{}, err
	}
	return Version{
		Major: binary.LittleEndian.Uint32(out[0:4]),
		Minor: binary.LittleEndian.Uint32(out[4:8]),
		Debug: binary.LittleEndian.Uint32(out[8:12]) != 0,
	}, nil
}

// MTU returns the MTU of the adapter.
func (d *Device) MTU() (mtu uint32, err error) {
	defer decorate.OnError(&err, "could not get MTU of adapter %s", d.id)

	out := make([]byte, 4)
	if err := d.control(setupapi.IoctlGetMTU, nil, out); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(out), nil
}

func (d *Device) control(code uint32, in, out []byte) error {
	d.io.RLock()
	defer d.io.RUnlock()

	if d.closed.Load() {
		return os.ErrClosed
	}
	err := property.Control(d.api, d.handle, code, in, out)
	if err != nil && d.closed.Load() {
		return os.ErrClosed
	}
	return err
}

// Read reads one Ethernet frame into p. It blocks until a frame is available.
func (d *Device) Read(p []byte) (int, error) {
	d.io.RLock()
	defer d.io.RUnlock()

	if d.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := d.api.ReadFile(d.handle, p)
	if err != nil && d.closed.Load() {
		return n, os.ErrClosed
	}
	return n, err
}

// Write writes the Ethernet frame p.
func (d *Device) Write(p []byte) (int, error) {
	d.io.RLock()
	defer d.io.RUnlock()

	if d.closed.Load() {
		return 0, os.ErrClosed
	}
	n, err := d.api.WriteFile(d.handle, p)
	if err != nil && d.closed.Load() {
		return n, os.ErrClosed
	}
	return n, err
}

// Close aborts the pending Read, Write and control calls, which return os.ErrClosed, then closes
// the device file. The adapter itself is kept.
// Calling Close more than once returns the result of the first call.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)

		// A call may have passed its closed check without reaching the system yet: keep
		// cancelling until every call has returned.
		for !d.io.TryLock() {
			if err := d.api.CancelIO(d.handle); err != nil && !setupapi.HasCode(err, setupapi.CodeNotFound) {
				log.Debugf("Could not cancel I/O on adapter %s: %v", d.id, err)
			}
			time.Sleep(cancelRetry)
		}
		defer d.io.Unlock()

		d.closeErr = d.api.CloseHandle(d.handle)
	})
	return d.closeErr
}

// Delete closes the device file and removes the adapter.
func (d *Device) Delete() (err error) {
	defer decorate.OnError(&err, "could not delete adapter %s", d.id)

	if err := d.Close(); err != nil {
		log.Warningf("Could not close adapter %s before deleting it: %v", d.id, err)
	}

	if err := devnode.Delete(d.api, d.componentID, d.id); err != nil {
		return err
	}

	log.Infof("Deleted %s adapter with LUID %s", d.componentID, d.id)
	return nil
}
