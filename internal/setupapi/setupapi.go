// Package setupapi abstracts the operating system surfaces used to manage a TAP adapter: the device
// installation API, the registry, the interface identifier translation helpers and device I/O.
//
// Windows implements API against the real system. Mock is an in-memory replacement for tests.
package setupapi

import (
	"fmt"
	"math"
	"time"

	"github.com/canonical/tap-windows/internal/luid"
	"github.com/google/uuid"
)

// ClassNet is the device setup class of network adapters.
var ClassNet = uuid.MustParse("4d36e972-e325-11ce-bfc1-08002be10318")

// DevInfo is a device information set.
type DevInfo uintptr

// Key is an open registry key.
type Key uintptr

// Handle is an open device file.
type Handle uintptr

// DeviceNode is one device instance of a device information set. It is only valid while its set
// is open.
type DeviceNode struct {
	DevInst uint32
	native  any
}

// DriverCandidate is one entry of the driver information list of a device node.
// It is only valid while that list is alive.
type DriverCandidate struct {
	Version     uint64
	Description string
	native      any
}

// DriverDetail is the detail record of a DriverCandidate.
type DriverDetail struct {
	HardwareID  string
	CompatIDs   []string
	Description string
}

// Property names a device registry property.
type Property uint32

// PropertyHardwareID is the multi-string list of hardware IDs of a device.
const PropertyHardwareID Property = 0x1

// InstallStep is a class installer function code.
type InstallStep uint32

// Class installer steps driven by the lifecycle.
const (
	StepInstallDevice        InstallStep = 0x02
	StepRemove               InstallStep = 0x05
	StepRegisterDevice       InstallStep = 0x19
	StepInstallInterfaces    InstallStep = 0x20
	StepRegisterCoInstallers InstallStep = 0x22
)

func (s InstallStep) String() string {
	switch s {
	case StepInstallDevice:
		return "DIF_INSTALLDEVICE"
	case StepRemove:
		return "DIF_REMOVE"
	case StepRegisterDevice:
		return "DIF_REGISTERDEVICE"
	case StepInstallInterfaces:
		return "DIF_INSTALLINTERFACES"
	case StepRegisterCoInstallers:
		return "DIF_REGISTER_COINSTALLERS"
	}
	return fmt.Sprintf("DIF(%#x)", uint32(s))
}

// Registry value names holding the two halves of the adapter LUID.
const (
	ValueIfType       = "*IfType"
	ValueNetLuidIndex = "NetLuidIndex"
)

// Devices is the device installation API.
//
// Enumerations return an error matching ErrNoMoreItems past their last element.
type Devices interface {
	CreateDeviceInfoList(class uuid.UUID) (DevInfo, error)
	GetClassDevs(class uuid.UUID, presentOnly bool) (DevInfo, error)
	DestroyDeviceInfoList(set DevInfo) error
	ClassNameFromGUID(class uuid.UUID) (string, error)

	CreateDeviceInfo(set DevInfo, name string, class uuid.UUID, description string, generateID bool) (DeviceNode, error)
	EnumDeviceInfo(set DevInfo, index int) (DeviceNode, error)
	SetSelectedDevice(set DevInfo, node DeviceNode) error

	// GetDeviceRegistryProperty copies the raw property into buf and returns the size it needs.
	// When buf is too small the error matches ErrInsufficientBuffer and required is still set.
	GetDeviceRegistryProperty(set DevInfo, node DeviceNode, prop Property, buf []byte) (required uint32, err error)
	SetDeviceRegistryProperty(set DevInfo, node DeviceNode, prop Property, value []byte) error

	BuildDriverInfoList(set DevInfo, node DeviceNode) error
	EnumDriverInfo(set DevInfo, node DeviceNode, index int) (DriverCandidate, error)
	DriverInfoDetail(set DevInfo, node DeviceNode, candidate DriverCandidate) (DriverDetail, error)
	SetSelectedDriver(set DevInfo, node DeviceNode, candidate DriverCandidate) error
	DestroyDriverInfoList(set DevInfo, node DeviceNode) error

	SetRemoveDeviceParams(set DevInfo, node DeviceNode) error
	CallClassInstaller(step InstallStep, set DevInfo, node DeviceNode) error

	// OpenDevRegKey opens the driver key of node with query and notify access.
	OpenDevRegKey(set DevInfo, node DeviceNode) (Key, error)
}

// Registry is the subset of the registry API used to wait for the adapter LUID.
type Registry interface {
	// ReadIntegerValue returns ErrFieldNotExist when the value is not written yet.
	ReadIntegerValue(k Key, name string) (uint64, error)
	// WaitForChange blocks until k or one of its values changes. It returns ErrTimedOut once
	// timeout elapsed without change.
	WaitForChange(k Key, timeout time.Duration) error
	CloseKey(k Key)
}

// Interfaces translates between the identifiers of a network interface.
type Interfaces interface {
	AliasToLUID(alias string) (luid.LUID, error)
	LUIDToGUID(l luid.LUID) (uuid.UUID, error)
	LUIDToAlias(l luid.LUID) (string, error)
	LUIDToIndex(l luid.LUID) (uint32, error)
}

// Files is blocking device I/O. Each call waits for its own completion, but pending calls on a
// handle can be aborted from another goroutine with CancelIO.
type Files interface {
	OpenFile(path string) (Handle, error)
	ReadFile(h Handle, p []byte) (int, error)
	WriteFile(h Handle, p []byte) (int, error)
	DeviceIoControl(h Handle, code uint32, in, out []byte) (returned uint32, err error)
	// CancelIO aborts the calls pending on h, which then fail with CodeOperationAborted.
	// It fails with CodeNotFound when nothing is pending.
	CancelIO(h Handle) error
	// CloseHandle releases h. Calls still pending on h are not aborted by it.
	CloseHandle(h Handle) error
}

// maxWait is the longest finite wait of the system wait functions: one more millisecond means INFINITE.
const maxWait = (math.MaxUint32 - 1) * time.Millisecond

// waitMilliseconds converts d into a finite wait for the system wait functions.
func waitMilliseconds(d time.Duration) uint32 {
	switch {
	case d <= 0:
		return 0
	case d >= maxWait:
		return uint32(maxWait / time.Millisecond)
	}
	return uint32(d / time.Millisecond)
}

// API groups every operating system surface the lifecycle needs.
type API interface {
	Devices
	Registry
	Interfaces
	Files
}
