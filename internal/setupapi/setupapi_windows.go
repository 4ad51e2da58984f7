package setupapi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/canonical/tap-windows/internal/luid"
	"github.com/google/uuid"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// Windows is the API of the running Windows host.
type Windows struct{}

// Default returns the API of the running host.
func Default() API {
	return Windows{}
}

var (
	modsetupapi = windows.NewLazySystemDLL("setupapi.dll")
	modiphlpapi = windows.NewLazySystemDLL("iphlpapi.dll")

	procSetupDiGetDeviceRegistryPropertyW = modsetupapi.NewProc("SetupDiGetDeviceRegistryPropertyW")

	procConvertInterfaceAliasToLuid = modiphlpapi.NewProc("ConvertInterfaceAliasToLuid")
	procConvertInterfaceLuidToGuid  = modiphlpapi.NewProc("ConvertInterfaceLuidToGuid")
	procConvertInterfaceLuidToAlias = modiphlpapi.NewProc("ConvertInterfaceLuidToAlias")
	procConvertInterfaceLuidToIndex = modiphlpapi.NewProc("ConvertInterfaceLuidToIndex")
)

// interfaceAliasLength is NDIS_IF_MAX_STRING_SIZE + 1.
const interfaceAliasLength = 257

func osError(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno windows.Errno
	if errors.As(err, &errno) {
		return &OSError{Op: op, Code: uint32(errno), Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toGUID(u uuid.UUID) windows.GUID {
	return windows.GUID{
		Data1: binary.BigEndian.Uint32(u[0:4]),
		Data2: binary.BigEndian.Uint16(u[4:6]),
		Data3: binary.BigEndian.Uint16(u[6:8]),
		Data4: [8]byte(u[8:16]),
	}
}

func fromGUID(g windows.GUID) uuid.UUID {
	var u uuid.UUID
	binary.BigEndian.PutUint32(u[0:4], g.Data1)
	binary.BigEndian.PutUint16(u[4:6], g.Data2)
	binary.BigEndian.PutUint16(u[6:8], g.Data3)
	copy(u[8:], g.Data4[:])
	return u
}

func nodeData(node DeviceNode) *windows.DevInfoData {
	d, ok := node.native.(*windows.DevInfoData)
	if !ok {
		panic(fmt.Sprintf("device node %d does not come from the Windows device installation API", node.DevInst))
	}
	return d
}

func candidateData(c DriverCandidate) *windows.DrvInfoData {
	d, ok := c.native.(*windows.DrvInfoData)
	if !ok {
		panic("driver candidate does not come from the Windows device installation API")
	}
	return d
}

// CreateDeviceInfoList opens an empty device information set for class.
func (Windows) CreateDeviceInfoList(class uuid.UUID) (DevInfo, error) {
	g := toGUID(class)
	set, err := windows.SetupDiCreateDeviceInfoListEx(&g, 0, "")
	if err != nil {
		return 0, osError("SetupDiCreateDeviceInfoListEx", err)
	}
	return DevInfo(set), nil
}

// GetClassDevs opens a device information set filled with the devices of class.
func (Windows) GetClassDevs(class uuid.UUID, presentOnly bool) (DevInfo, error) {
	var flags windows.DIGCF
	if presentOnly {
		flags = windows.DIGCF_PRESENT
	}
	g := toGUID(class)
	set, err := windows.SetupDiGetClassDevsEx(&g, "", 0, flags, windows.DevInfo(0), "")
	if err != nil {
		return 0, osError("SetupDiGetClassDevsEx", err)
	}
	return DevInfo(set), nil
}

// DestroyDeviceInfoList releases a device information set.
func (Windows) DestroyDeviceInfoList(set DevInfo) error {
	return osError("SetupDiDestroyDeviceInfoList", windows.DevInfo(set).Close())
}

// ClassNameFromGUID returns the name of a device setup class.
func (Windows) ClassNameFromGUID(class uuid.UUID) (string, error) {
	g := toGUID(class)
	name, err := windows.SetupDiClassNameFromGuidEx(&g, "")
	if err != nil {
		return "", osError("SetupDiClassNameFromGuidEx", err)
	}
	return name, nil
}

// CreateDeviceInfo adds a new device node to set.
func (Windows) CreateDeviceInfo(set DevInfo, name string, class uuid.UUID, description string, generateID bool) (DeviceNode, error) {
	var flags windows.DICD
	if generateID {
		flags = windows.DICD_GENERATE_ID
	}
	g := toGUID(class)
	data, err := windows.DevInfo(set).CreateDeviceInfo(name, &g, description, 0, flags)
	if err != nil {
		return DeviceNode{}, osError("SetupDiCreateDeviceInfo", err)
	}
	return DeviceNode{DevInst: uint32(data.DevInst), native: data}, nil
}

// EnumDeviceInfo returns the device node at index.
func (Windows) EnumDeviceInfo(set DevInfo, index int) (DeviceNode, error) {
	data, err := windows.DevInfo(set).EnumDeviceInfo(index)
	if err != nil {
		return DeviceNode{}, osError("SetupDiEnumDeviceInfo", err)
	}
	return DeviceNode{DevInst: uint32(data.DevInst), native: data}, nil
}

// SetSelectedDevice marks node as the selected device of set.
func (Windows) SetSelectedDevice(set DevInfo, node DeviceNode) error {
	return osError("SetupDiSetSelectedDevice", windows.DevInfo(set).SetSelectedDevice(nodeData(node)))
}

// GetDeviceRegistryProperty is one raw call to SetupDiGetDeviceRegistryPropertyW.
func (Windows) GetDeviceRegistryProperty(set DevInfo, node DeviceNode, prop Property, buf []byte) (uint32, error) {
	var dataType, required uint32
	var p *byte
	if len(buf) > 0 {
		p = &buf[0]
	}
	r1, _, e1 := procSetupDiGetDeviceRegistryPropertyW.Call(
		uintptr(set),
		uintptr(unsafe.Pointer(nodeData(node))),
		uintptr(prop),
		uintptr(unsafe.Pointer(&dataType)),
		uintptr(unsafe.Pointer(p)),
		uintptr(len(buf)),
		uintptr(unsafe.Pointer(&required)),
	)
	if r1 == 0 {
		return required, osError("SetupDiGetDeviceRegistryPropertyW", e1)
	}
	return required, nil
}

// SetDeviceRegistryProperty writes a raw property value.
func (Windows) SetDeviceRegistryProperty(set DevInfo, node DeviceNode, prop Property, value []byte) error {
	err := windows.DevInfo(set).SetDeviceRegistryProperty(nodeData(node), windows.SPDRP(prop), value)
	return osError("SetupDiSetDeviceRegistryPropertyW", err)
}

// BuildDriverInfoList builds the compatible driver list of node.
func (Windows) BuildDriverInfoList(set DevInfo, node DeviceNode) error {
	err := windows.DevInfo(set).BuildDriverInfoList(nodeData(node), windows.SPDIT_COMPATDRIVER)
	return osError("SetupDiBuildDriverInfoList", err)
}

// EnumDriverInfo returns the compatible driver at index.
func (Windows) EnumDriverInfo(set DevInfo, node DeviceNode, index int) (DriverCandidate, error) {
	data, err := windows.DevInfo(set).EnumDriverInfo(nodeData(node), windows.SPDIT_COMPATDRIVER, index)
	if err != nil {
		return DriverCandidate{}, osError("SetupDiEnumDriverInfo", err)
	}
	return DriverCandidate{Version: data.DriverVersion, Description: data.Description(), native: data}, nil
}

// DriverInfoDetail fetches the detail record of candidate.
// The record is sized from the length the system asks for, so long hardware IDs are not truncated.
func (Windows) DriverInfoDetail(set DevInfo, node DeviceNode, candidate DriverCandidate) (DriverDetail, error) {
	d, err := windows.DevInfo(set).DriverInfoDetail(nodeData(node), candidateData(candidate))
	if err != nil {
		return DriverDetail{}, osError("SetupDiGetDriverInfoDetail", err)
	}
	return DriverDetail{
		HardwareID:  d.HardwareID(),
		CompatIDs:   d.CompatIDs(),
		Description: d.DrvDescription(),
	}, nil
}

// SetSelectedDriver selects candidate as the driver of node.
func (Windows) SetSelectedDriver(set DevInfo, node DeviceNode, candidate DriverCandidate) error {
	err := windows.DevInfo(set).SetSelectedDriver(nodeData(node), candidateData(candidate))
	return osError("SetupDiSetSelectedDriver", err)
}

// DestroyDriverInfoList releases the compatible driver list of node.
func (Windows) DestroyDriverInfoList(set DevInfo, node DeviceNode) error {
	err := windows.DevInfo(set).DestroyDriverInfoList(nodeData(node), windows.SPDIT_COMPATDRIVER)
	return osError("SetupDiDestroyDriverInfoList", err)
}

// SetRemoveDeviceParams prepares a global DIF_REMOVE of node.
func (Windows) SetRemoveDeviceParams(set DevInfo, node DeviceNode) error {
	params := windows.RemoveDeviceParams{
		ClassInstallHeader: *windows.MakeClassInstallHeader(windows.DIF_REMOVE),
		Scope:              windows.DI_REMOVEDEVICE_GLOBAL,
	}
	err := windows.DevInfo(set).SetClassInstallParams(nodeData(node), &params.ClassInstallHeader, uint32(unsafe.Sizeof(params)))
	return osError("SetupDiSetClassInstallParams", err)
}

// CallClassInstaller runs one class installer step on node.
func (Windows) CallClassInstaller(step InstallStep, set DevInfo, node DeviceNode) error {
	err := windows.DevInfo(set).CallClassInstaller(windows.DI_FUNCTION(step), nodeData(node))
	return osError(fmt.Sprintf("SetupDiCallClassInstaller(%s)", step), err)
}

// OpenDevRegKey opens the driver key of node.
func (Windows) OpenDevRegKey(set DevInfo, node DeviceNode) (Key, error) {
	k, err := windows.DevInfo(set).OpenDevRegKey(nodeData(node), windows.DICS_FLAG_GLOBAL, 0, windows.DIREG_DRV, registry.QUERY_VALUE|registry.NOTIFY)
	if err != nil {
		return 0, osError("SetupDiOpenDevRegKey", err)
	}
	return Key(k), nil
}

// ReadIntegerValue reads a DWORD or QWORD value.
func (Windows) ReadIntegerValue(k Key, name string) (uint64, error) {
	v, _, err := registry.Key(k).GetIntegerValue(name)
	if errors.Is(err, registry.ErrNotExist) {
		return 0, ErrFieldNotExist
	}
	if err != nil {
		return 0, osError("RegQueryValueEx", err)
	}
	return v, nil
}

// WaitForChange subscribes to changes of k and waits for one, at most timeout.
func (Windows) WaitForChange(k Key, timeout time.Duration) (err error) {
	event, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return osError("CreateEvent", err)
	}
	defer windows.CloseHandle(event)

	filter := uint32(windows.REG_NOTIFY_CHANGE_NAME | windows.REG_NOTIFY_CHANGE_LAST_SET | windows.REG_NOTIFY_THREAD_AGNOSTIC)
	if err := windows.RegNotifyChangeKeyValue(windows.Handle(k), true, filter, event, true); err != nil {
		return osError("RegNotifyChangeKeyValue", err)
	}

	s, err := windows.WaitForSingleObject(event, waitMilliseconds(timeout))
	switch {
	case err != nil:
		return osError("WaitForSingleObject", err)
	case s == windows.WAIT_OBJECT_0:
		return nil
	case s == uint32(windows.WAIT_TIMEOUT):
		return ErrTimedOut
	}
	return NewOSError("WaitForSingleObject", s)
}

// CloseKey releases k.
func (Windows) CloseKey(k Key) {
	_ = registry.Key(k).Close()
}

func netioError(op string, r1 uintptr) error {
	if r1 == 0 {
		return nil
	}
	return &OSError{Op: op, Code: uint32(r1), Err: windows.Errno(r1)}
}

// AliasToLUID translates an interface name to its LUID.
func (Windows) AliasToLUID(alias string) (luid.LUID, error) {
	p, err := windows.UTF16PtrFromString(alias)
	if err != nil {
		return 0, fmt.Errorf("invalid interface name %q: %w", alias, err)
	}
	var l uint64
	r1, _, _ := procConvertInterfaceAliasToLuid.Call(uintptr(unsafe.Pointer(p)), uintptr(unsafe.Pointer(&l)))
	if err := netioError("ConvertInterfaceAliasToLuid", r1); err != nil {
		return 0, err
	}
	return luid.LUID(l), nil
}

// LUIDToGUID translates a LUID to the interface GUID.
func (Windows) LUIDToGUID(l luid.LUID) (uuid.UUID, error) {
	v := uint64(l)
	var g windows.GUID
	r1, _, _ := procConvertInterfaceLuidToGuid.Call(uintptr(unsafe.Pointer(&v)), uintptr(unsafe.Pointer(&g)))
	if err := netioError("ConvertInterfaceLuidToGuid", r1); err != nil {
		return uuid.Nil, err
	}
	return fromGUID(g), nil
}

// LUIDToAlias translates a LUID to the interface name.
func (Windows) LUIDToAlias(l luid.LUID) (string, error) {
	v := uint64(l)
	var buf [interfaceAliasLength]uint16
	r1, _, _ := procConvertInterfaceLuidToAlias.Call(uintptr(unsafe.Pointer(&v)), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if err := netioError("ConvertInterfaceLuidToAlias", r1); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:]), nil
}

// LUIDToIndex translates a LUID to the interface index.
func (Windows) LUIDToIndex(l luid.LUID) (uint32, error) {
	v := uint64(l)
	var index uint32
	r1, _, _ := procConvertInterfaceLuidToIndex.Call(uintptr(unsafe.Pointer(&v)), uintptr(unsafe.Pointer(&index)))
	if err := netioError("ConvertInterfaceLuidToIndex", r1); err != nil {
		return 0, err
	}
	return index, nil
}

// OpenFile opens a device file for overlapped read and write.
func (Windows) OpenFile(path string) (Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("invalid device path %q: %w", path, err)
	}
	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_SYSTEM|windows.FILE_FLAG_OVERLAPPED,
		0)
	if err != nil {
		return 0, osError("CreateFile", err)
	}
	return Handle(h), nil
}

// inFlight keeps the overlapped records on the heap while the kernel writes to them.
var inFlight sync.Map

// overlapped starts an I/O on h with start and waits for its completion. start gets a scratch
// counter for the synchronous byte count, which is not the result of an overlapped call.
func overlapped(op string, h windows.Handle, start func(o *windows.Overlapped, done *uint32) error) (uint32, error) {
	event, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, osError("CreateEvent", err)
	}
	defer windows.CloseHandle(event)

	o := &windows.Overlapped{HEvent: event}
	inFlight.Store(o, struct{}{})
	defer inFlight.Delete(o)

	var done uint32
	if err := start(o, &done); err != nil && !errors.Is(err, windows.ERROR_IO_PENDING) {
		return 0, osError(op, err)
	}

	var n uint32
	if err := windows.GetOverlappedResult(h, o, &n, true); err != nil {
		return n, osError(op, err)
	}
	return n, nil
}

// ReadFile reads one frame.
func (Windows) ReadFile(h Handle, p []byte) (int, error) {
	n, err := overlapped("ReadFile", windows.Handle(h), func(o *windows.Overlapped, done *uint32) error {
		return windows.ReadFile(windows.Handle(h), p, done, o)
	})
	return int(n), err
}

// WriteFile writes one frame.
func (Windows) WriteFile(h Handle, p []byte) (int, error) {
	n, err := overlapped("WriteFile", windows.Handle(h), func(o *windows.Overlapped, done *uint32) error {
		return windows.WriteFile(windows.Handle(h), p, done, o)
	})
	return int(n), err
}

// DeviceIoControl sends a control code with fixed size input and output buffers.
func (Windows) DeviceIoControl(h Handle, code uint32, in, out []byte) (uint32, error) {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}
	return overlapped(fmt.Sprintf("DeviceIoControl(%#x)", code), windows.Handle(h), func(o *windows.Overlapped, done *uint32) error {
		return windows.DeviceIoControl(windows.Handle(h), code, inPtr, uint32(len(in)), outPtr, uint32(len(out)), done, o)
	})
}

// CancelIO aborts every I/O pending on h, whichever thread issued it.
func (Windows) CancelIO(h Handle) error {
	return osError("CancelIoEx", windows.CancelIoEx(windows.Handle(h), nil))
}

// CloseHandle closes a device file.
func (Windows) CloseHandle(h Handle) error {
	return osError("CloseHandle", windows.CloseHandle(windows.Handle(h)))
}
