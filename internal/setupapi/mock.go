package setupapi

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canonical/tap-windows/internal/luid"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"
	"golang.org/x/text/encoding/unicode"
)

// MockDriver is a driver package known to the mocked driver store.
type MockDriver struct {
	HardwareID  string
	Version     uint64
	Description string

	// BrokenDetail makes fetching the detail record of this driver fail.
	BrokenDetail bool
	// BrokenEnum makes enumerating this driver fail with an error other than ErrNoMoreItems.
	BrokenEnum bool
	// Unselectable makes selecting this driver fail.
	Unselectable bool
}

// Mock is an in-memory host with a driver store, device nodes, their registry and device files.
type Mock struct {
	mu sync.Mutex

	drivers   []MockDriver
	devices   map[uint32]*mockDevice
	nextInst  uint32
	nextIndex uint64
	steps     []InstallStep

	// driverLists counts built and not yet destroyed driver lists.
	driverLists int
	// abandonedReads counts ReadFile calls still pending when their handle was closed.
	abandonedReads int

	// Handles mimic the opaque pointers returned by the Win32 API. Users only see keys into these maps.
	sets    mockedHeap[DevInfo, *mockSet]
	keys    mockedHeap[Key, *mockKey]
	handles mockedHeap[Handle, *mockHandle]

	// RegistryDelay is how long after DIF_INSTALLDEVICE the LUID values appear in the driver key.
	// Set it before use.
	RegistryDelay time.Duration

	// OpenFailures is how many OpenFile calls fail before one succeeds. Negative means forever.
	OpenFailures atomic.Int32

	// Settings to break the host.
	CannotCreateList           atomic.Bool
	CannotCreateNode           atomic.Bool
	CannotSelectDevice         atomic.Bool
	CannotReadProperty         atomic.Bool
	CannotSetProperty          atomic.Bool
	CannotBuildDriverList      atomic.Bool
	CannotRegister             atomic.Bool
	CannotRegisterCoInstallers atomic.Bool
	CannotInstallInterfaces    atomic.Bool
	CannotInstall              atomic.Bool
	CannotRemove               atomic.Bool
	CannotOpenKey              atomic.Bool
	CannotReadRegistry         atomic.Bool
	CannotWait                 atomic.Bool
	NeverPopulateRegistry      atomic.Bool
	CannotTranslate            atomic.Bool
	CannotOpenFile             atomic.Bool
	CannotControl              atomic.Bool
}

type mockDevice struct {
	inst       uint32
	hardwareID []byte
	registered bool
	installed  bool
	driver     MockDriver

	ifType     uint64
	index      uint64
	populateAt time.Time
	alias      string
	guid       uuid.UUID
	mac        [6]byte
	mtu        uint32

	connected bool
	opened    bool
	inbox     chan []byte
	written   [][]byte
}

type mockSet struct {
	nodes        []uint32
	selected     uint32
	lists        map[uint32]*mockDriverList
	removeParams map[uint32]bool
}

type mockDriverList struct {
	drivers  []MockDriver
	selected int
}

type mockKey struct {
	inst uint32
}

type mockHandle struct {
	inst uint32
	// reads are the abort channels of the ReadFile calls pending on the handle.
	reads map[chan struct{}]struct{}
}

const mockIfIndexBase = 10

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// NewMock initializes a mocked host whose driver store contains drivers.
func NewMock(drivers ...MockDriver) *Mock {
	if !testing.Testing() {
		panic("the mocked device installation API should be used by tests only")
	}

	m := &Mock{
		drivers:  slices.Clone(drivers),
		devices:  make(map[uint32]*mockDevice),
		nextInst: 1,
	}
	m.sets.data = make(map[DevInfo]*mockSet)
	m.keys.data = make(map[Key]*mockKey)
	m.handles.data = make(map[Handle]*mockHandle)

	return m
}

// RequireNoLeaks is a test helper to ensure every set, driver list, key and handle was released.
func (m *Mock) RequireNoLeaks(t *testing.T) {
	t.Helper()

	m.mu.Lock()
	defer m.mu.Unlock()

	require.Empty(t, m.sets.data, "setupapi mock: leaking device information sets")
	require.Zero(t, m.driverLists, "setupapi mock: leaking driver information lists")
	require.Empty(t, m.keys.data, "setupapi mock: leaking registry keys")
	require.Empty(t, m.handles.data, "setupapi mock: leaking device handles")
	require.Zero(t, m.abandonedReads, "setupapi mock: reads left pending on closed handles")
}

// AddExistingDevice installs a device outside of the mocked API, as if it was there before the
// test started. Its registry is populated and its name is alias. It returns the device LUID.
func (m *Mock) AddExistingDevice(hardwareID, alias string) luid.LUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := &mockDevice{
		inst:       m.nextInst,
		hardwareID: encodeMultiSZ(hardwareID),
		registered: true,
		installed:  true,
		driver:     MockDriver{HardwareID: hardwareID, Version: 9<<48 | 24<<32},
	}
	m.nextInst++
	m.devices[d.inst] = d
	m.assignIdentity(d, time.Time{})
	if alias != "" {
		d.alias = alias
	}

	return luid.New(d.ifType, d.index)
}

// DeviceCount returns the number of registered device nodes.
func (m *Mock) DeviceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, d := range m.devices {
		if d.registered {
			n++
		}
	}
	return n
}

// CountHardwareID returns the number of registered device nodes with the given hardware ID.
func (m *Mock) CountHardwareID(hardwareID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for _, d := range maps.Values(m.devices) {
		if d.registered && strings.EqualFold(decodeFirstSZ(d.hardwareID), hardwareID) {
			n++
		}
	}
	return n
}

// InstallerSteps returns the class installer steps called so far, in order.
func (m *Mock) InstallerSteps() []InstallStep {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.steps)
}

// Inject queues a frame to be returned by a ReadFile on the device with LUID l.
func (m *Mock) Inject(l luid.LUID, frame []byte) error {
	m.mu.Lock()
	d, err := m.deviceByLUID("Inject", l)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	d.inbox <- slices.Clone(frame)
	return nil
}

// Written returns the frames written to the device with LUID l.
func (m *Mock) Written(l luid.LUID) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.deviceByLUID("Written", l)
	if err != nil {
		return nil
	}
	return slices.Clone(d.written)
}

// MediaConnected returns the media status last set on the device with LUID l.
func (m *Mock) MediaConnected(l luid.LUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.deviceByLUID("MediaConnected", l)
	if err != nil {
		return false
	}
	return d.connected
}

// Rename changes the name of the device with LUID l, as the network configuration tools would.
func (m *Mock) Rename(l luid.LUID, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.deviceByLUID("Rename", l)
	if err != nil {
		return err
	}
	d.alias = alias
	return nil
}

// assignIdentity gives an installed device its interface identity. Its LUID is readable from
// the registry once populateAt is reached.
func (m *Mock) assignIdentity(d *mockDevice, populateAt time.Time) {
	m.nextIndex++
	d.ifType = luid.IfTypeEthernet
	d.index = m.nextIndex
	d.alias = fmt.Sprintf("Ethernet %d", d.index)
	d.guid = uuid.New()
	d.mac = [6]byte{0x00, 0xff, 0x00, 0x00, byte(d.index >> 8), byte(d.index)}
	d.mtu = 1500
	d.populateAt = populateAt
	d.inbox = make(chan []byte, 64)
}

// populated must be called with m.mu held.
func (m *Mock) populated(d *mockDevice) bool {
	return d.installed && !m.NeverPopulateRegistry.Load() && !time.Now().Before(d.populateAt)
}

// deviceByLUID must be called with m.mu held.
func (m *Mock) deviceByLUID(op string, l luid.LUID) (*mockDevice, error) {
	for _, d := range m.devices {
		if m.populated(d) && luid.New(d.ifType, d.index) == l {
			return d, nil
		}
	}
	return nil, NewOSError(op, CodeNotFound)
}

// node returns the set and device behind node. It must be called with m.mu held.
func (m *Mock) node(op string, set DevInfo, node DeviceNode) (*mockSet, *mockDevice, error) {
	s, ok := m.sets.get(set)
	if !ok {
		return nil, nil, NewOSError(op, CodeInvalidHandle)
	}
	if !slices.Contains(s.nodes, node.DevInst) {
		return nil, nil, NewOSError(op, CodeInvalidParameter)
	}
	d, ok := m.devices[node.DevInst]
	if !ok {
		return nil, nil, NewOSError(op, CodeDeviceNotConnected)
	}
	return s, d, nil
}

// CreateDeviceInfoList mocks opening an empty device information set.
func (m *Mock) CreateDeviceInfoList(class uuid.UUID) (DevInfo, error) {
	if m.CannotCreateList.Load() {
		return 0, NewOSError("SetupDiCreateDeviceInfoListEx", CodeAccessDenied)
	}
	return m.sets.alloc(newMockSet()), nil
}

// GetClassDevs mocks opening a device information set with the registered devices of the class.
func (m *Mock) GetClassDevs(class uuid.UUID, presentOnly bool) (DevInfo, error) {
	if m.CannotCreateList.Load() {
		return 0, NewOSError("SetupDiGetClassDevsEx", CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := newMockSet()
	if class == ClassNet {
		for inst, d := range m.devices {
			if d.registered && (d.installed || !presentOnly) {
				s.nodes = append(s.nodes, inst)
			}
		}
	}
	slices.Sort(s.nodes)

	return m.sets.alloc(s), nil
}

func newMockSet() *mockSet {
	return &mockSet{
		lists:        make(map[uint32]*mockDriverList),
		removeParams: make(map[uint32]bool),
	}
}

// DestroyDeviceInfoList mocks releasing a set. Nodes of the set that were never registered vanish.
func (m *Mock) DestroyDeviceInfoList(set DevInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets.get(set)
	if !ok {
		return NewOSError("SetupDiDestroyDeviceInfoList", CodeInvalidHandle)
	}
	for _, inst := range s.nodes {
		if d, ok := m.devices[inst]; ok && !d.registered {
			delete(m.devices, inst)
		}
	}
	m.sets.free(set)

	return nil
}

// ClassNameFromGUID returns the name of the network adapter class.
func (m *Mock) ClassNameFromGUID(class uuid.UUID) (string, error) {
	if class != ClassNet {
		return "", NewOSError("SetupDiClassNameFromGuidEx", CodeInvalidParameter)
	}
	return "Net", nil
}

// CreateDeviceInfo mocks adding a phantom device node to set.
func (m *Mock) CreateDeviceInfo(set DevInfo, name string, class uuid.UUID, description string, generateID bool) (DeviceNode, error) {
	if m.CannotCreateNode.Load() {
		return DeviceNode{}, NewOSError("SetupDiCreateDeviceInfo", CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets.get(set)
	if !ok {
		return DeviceNode{}, NewOSError("SetupDiCreateDeviceInfo", CodeInvalidHandle)
	}

	d := &mockDevice{inst: m.nextInst}
	m.nextInst++
	m.devices[d.inst] = d
	s.nodes = append(s.nodes, d.inst)

	return DeviceNode{DevInst: d.inst}, nil
}

// EnumDeviceInfo returns the node of set at index.
func (m *Mock) EnumDeviceInfo(set DevInfo, index int) (DeviceNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets.get(set)
	if !ok {
		return DeviceNode{}, NewOSError("SetupDiEnumDeviceInfo", CodeInvalidHandle)
	}
	if index < 0 || index >= len(s.nodes) {
		return DeviceNode{}, NewOSError("SetupDiEnumDeviceInfo", CodeNoMoreItems)
	}
	return DeviceNode{DevInst: s.nodes[index]}, nil
}

// SetSelectedDevice mocks selecting node in set.
func (m *Mock) SetSelectedDevice(set DevInfo, node DeviceNode) error {
	if m.CannotSelectDevice.Load() {
		return NewOSError("SetupDiSetSelectedDevice", CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, err := m.node("SetupDiSetSelectedDevice", set, node)
	if err != nil {
		return err
	}
	s.selected = node.DevInst
	return nil
}

// GetDeviceRegistryProperty mocks one call to SetupDiGetDeviceRegistryProperty.
func (m *Mock) GetDeviceRegistryProperty(set DevInfo, node DeviceNode, prop Property, buf []byte) (uint32, error) {
	const op = "SetupDiGetDeviceRegistryPropertyW"
	if m.CannotReadProperty.Load() {
		return 0, NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, d, err := m.node(op, set, node)
	if err != nil {
		return 0, err
	}
	if prop != PropertyHardwareID || d.hardwareID == nil {
		return 0, NewOSError(op, CodeInvalidParameter)
	}

	required := uint32(len(d.hardwareID))
	if len(buf) < len(d.hardwareID) {
		return required, NewOSError(op, CodeInsufficientBuffer)
	}
	copy(buf, d.hardwareID)
	return required, nil
}

// SetDeviceRegistryProperty mocks writing a raw device property.
func (m *Mock) SetDeviceRegistryProperty(set DevInfo, node DeviceNode, prop Property, value []byte) error {
	const op = "SetupDiSetDeviceRegistryPropertyW"
	if m.CannotSetProperty.Load() {
		return NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, d, err := m.node(op, set, node)
	if err != nil {
		return err
	}
	if prop != PropertyHardwareID {
		return NewOSError(op, CodeInvalidParameter)
	}
	d.hardwareID = slices.Clone(value)
	return nil
}

// BuildDriverInfoList lists every driver of the store as compatible with node.
func (m *Mock) BuildDriverInfoList(set DevInfo, node DeviceNode) error {
	const op = "SetupDiBuildDriverInfoList"
	if m.CannotBuildDriverList.Load() {
		return NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, err := m.node(op, set, node)
	if err != nil {
		return err
	}
	if _, ok := s.lists[node.DevInst]; ok {
		return nil
	}
	s.lists[node.DevInst] = &mockDriverList{drivers: slices.Clone(m.drivers), selected: -1}
	m.driverLists++
	return nil
}

// driverList must be called with m.mu held.
func (m *Mock) driverList(op string, set DevInfo, node DeviceNode) (*mockDriverList, error) {
	s, _, err := m.node(op, set, node)
	if err != nil {
		return nil, err
	}
	l, ok := s.lists[node.DevInst]
	if !ok {
		return nil, NewOSError(op, CodeInvalidParameter)
	}
	return l, nil
}

// EnumDriverInfo returns the driver at index of the list of node.
func (m *Mock) EnumDriverInfo(set DevInfo, node DeviceNode, index int) (DriverCandidate, error) {
	const op = "SetupDiEnumDriverInfo"

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.driverList(op, set, node)
	if err != nil {
		return DriverCandidate{}, err
	}
	if index < 0 || index >= len(l.drivers) {
		return DriverCandidate{}, NewOSError(op, CodeNoMoreItems)
	}
	drv := l.drivers[index]
	if drv.BrokenEnum {
		return DriverCandidate{}, NewOSError(op, CodeGenFailure)
	}
	return DriverCandidate{Version: drv.Version, Description: drv.Description, native: index}, nil
}

func (l *mockDriverList) indexOf(op string, c DriverCandidate) (int, error) {
	i, ok := c.native.(int)
	if !ok || i < 0 || i >= len(l.drivers) {
		return 0, NewOSError(op, CodeInvalidParameter)
	}
	return i, nil
}

// DriverInfoDetail returns the detail record of candidate.
func (m *Mock) DriverInfoDetail(set DevInfo, node DeviceNode, candidate DriverCandidate) (DriverDetail, error) {
	const op = "SetupDiGetDriverInfoDetail"

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.driverList(op, set, node)
	if err != nil {
		return DriverDetail{}, err
	}
	i, err := l.indexOf(op, candidate)
	if err != nil {
		return DriverDetail{}, err
	}
	drv := l.drivers[i]
	if drv.BrokenDetail {
		return DriverDetail{}, NewOSError(op, CodeInsufficientBuffer)
	}
	return DriverDetail{HardwareID: drv.HardwareID, Description: drv.Description}, nil
}

// SetSelectedDriver selects candidate for node.
func (m *Mock) SetSelectedDriver(set DevInfo, node DeviceNode, candidate DriverCandidate) error {
	const op = "SetupDiSetSelectedDriver"

	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := m.driverList(op, set, node)
	if err != nil {
		return err
	}
	i, err := l.indexOf(op, candidate)
	if err != nil {
		return err
	}
	if l.drivers[i].Unselectable {
		return NewOSError(op, CodeAccessDenied)
	}
	l.selected = i
	return nil
}

// DestroyDriverInfoList mocks releasing the driver list of node.
func (m *Mock) DestroyDriverInfoList(set DevInfo, node DeviceNode) error {
	const op = "SetupDiDestroyDriverInfoList"

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets.get(set)
	if !ok {
		return NewOSError(op, CodeInvalidHandle)
	}
	if _, ok := s.lists[node.DevInst]; !ok {
		return nil
	}
	delete(s.lists, node.DevInst)
	m.driverLists--
	return nil
}

// SetRemoveDeviceParams mocks preparing a global removal of node.
func (m *Mock) SetRemoveDeviceParams(set DevInfo, node DeviceNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, _, err := m.node("SetupDiSetClassInstallParams", set, node)
	if err != nil {
		return err
	}
	s.removeParams[node.DevInst] = true
	return nil
}

// CallClassInstaller mocks running one class installer step on node.
func (m *Mock) CallClassInstaller(step InstallStep, set DevInfo, node DeviceNode) error {
	op := fmt.Sprintf("SetupDiCallClassInstaller(%s)", step)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps = append(m.steps, step)

	s, d, err := m.node(op, set, node)
	if err != nil {
		return err
	}

	switch step {
	case StepRegisterDevice:
		if m.CannotRegister.Load() {
			return NewOSError(op, CodeAccessDenied)
		}
		d.registered = true
	case StepRegisterCoInstallers:
		if m.CannotRegisterCoInstallers.Load() {
			return NewOSError(op, CodeAccessDenied)
		}
	case StepInstallInterfaces:
		if m.CannotInstallInterfaces.Load() {
			return NewOSError(op, CodeAccessDenied)
		}
	case StepInstallDevice:
		if m.CannotInstall.Load() {
			return NewOSError(op, CodeAccessDenied)
		}
		l, ok := s.lists[node.DevInst]
		if !ok || l.selected < 0 {
			return NewOSError(op, CodeNoDriverSelected)
		}
		d.driver = l.drivers[l.selected]
		d.installed = true
		m.assignIdentity(d, time.Now().Add(m.RegistryDelay))
	case StepRemove:
		if m.CannotRemove.Load() {
			return NewOSError(op, CodeAccessDenied)
		}
		if !s.removeParams[node.DevInst] {
			return NewOSError(op, CodeInvalidParameter)
		}
		delete(m.devices, node.DevInst)
	default:
		return NewOSError(op, CodeInvalidFunction)
	}

	return nil
}

// OpenDevRegKey mocks opening the driver key of a registered node.
func (m *Mock) OpenDevRegKey(set DevInfo, node DeviceNode) (Key, error) {
	const op = "SetupDiOpenDevRegKey"
	if m.CannotOpenKey.Load() {
		return 0, NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	_, d, err := m.node(op, set, node)
	if err != nil {
		return 0, err
	}
	if !d.registered {
		return 0, NewOSError(op, CodeFileNotFound)
	}
	return m.keys.alloc(&mockKey{inst: d.inst}), nil
}

// keyDevice must be called with m.mu held.
func (m *Mock) keyDevice(op string, k Key) (*mockDevice, error) {
	key, ok := m.keys.get(k)
	if !ok {
		return nil, NewOSError(op, CodeInvalidHandle)
	}
	d, ok := m.devices[key.inst]
	if !ok {
		return nil, NewOSError(op, CodeInvalidHandle)
	}
	return d, nil
}

// ReadIntegerValue mocks reading the LUID values of the driver key.
func (m *Mock) ReadIntegerValue(k Key, name string) (uint64, error) {
	const op = "RegQueryValueEx"
	if m.CannotReadRegistry.Load() {
		return 0, NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.keyDevice(op, k)
	if err != nil {
		return 0, err
	}
	if !m.populated(d) {
		return 0, ErrFieldNotExist
	}

	switch name {
	case ValueIfType:
		return d.ifType, nil
	case ValueNetLuidIndex:
		return d.index, nil
	}
	return 0, ErrFieldNotExist
}

// WaitForChange blocks until the registry of the key is populated, at most timeout.
func (m *Mock) WaitForChange(k Key, timeout time.Duration) error {
	const op = "RegNotifyChangeKeyValue"
	if m.CannotWait.Load() {
		return NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	d, err := m.keyDevice(op, k)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	populated := m.populated(d)
	remaining := time.Until(d.populateAt)
	never := !d.installed || m.NeverPopulateRegistry.Load()
	m.mu.Unlock()

	if populated {
		return nil
	}
	if never || remaining > timeout {
		time.Sleep(timeout)
		return ErrTimedOut
	}
	time.Sleep(remaining)
	return nil
}

// CloseKey mocks releasing a key.
func (m *Mock) CloseKey(k Key) {
	m.keys.free(k)
}

// AliasToLUID finds the installed device named alias.
func (m *Mock) AliasToLUID(alias string) (luid.LUID, error) {
	const op = "ConvertInterfaceAliasToLuid"
	if m.CannotTranslate.Load() {
		return 0, NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if m.populated(d) && strings.EqualFold(d.alias, alias) {
			return luid.New(d.ifType, d.index), nil
		}
	}
	return 0, NewOSError(op, CodeInvalidParameter)
}

// LUIDToGUID returns the interface GUID of the device with LUID l.
func (m *Mock) LUIDToGUID(l luid.LUID) (uuid.UUID, error) {
	const op = "ConvertInterfaceLuidToGuid"
	if m.CannotTranslate.Load() {
		return uuid.Nil, NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.deviceByLUID(op, l)
	if err != nil {
		return uuid.Nil, err
	}
	return d.guid, nil
}

// LUIDToAlias returns the name of the device with LUID l.
func (m *Mock) LUIDToAlias(l luid.LUID) (string, error) {
	const op = "ConvertInterfaceLuidToAlias"
	if m.CannotTranslate.Load() {
		return "", NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.deviceByLUID(op, l)
	if err != nil {
		return "", err
	}
	return d.alias, nil
}

// LUIDToIndex returns the interface index of the device with LUID l.
func (m *Mock) LUIDToIndex(l luid.LUID) (uint32, error) {
	const op = "ConvertInterfaceLuidToIndex"
	if m.CannotTranslate.Load() {
		return 0, NewOSError(op, CodeAccessDenied)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, err := m.deviceByLUID(op, l)
	if err != nil {
		return 0, err
	}
	return uint32(d.index) + mockIfIndexBase, nil
}

// OpenFile mocks opening the device file at path. A device file can only be opened once at a time.
func (m *Mock) OpenFile(path string) (Handle, error) {
	const op = "CreateFile"
	if m.CannotOpenFile.Load() {
		return 0, NewOSError(op, CodeAccessDenied)
	}
	if n := m.OpenFailures.Load(); n < 0 {
		return 0, NewOSError(op, CodeFileNotFound)
	} else if n > 0 {
		m.OpenFailures.Add(-1)
		return 0, NewOSError(op, CodeFileNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if !m.populated(d) || DevicePath(d.guid) != path {
			continue
		}
		if d.opened {
			return 0, NewOSError(op, CodeGenFailure)
		}
		d.opened = true
		return m.handles.alloc(&mockHandle{inst: d.inst, reads: make(map[chan struct{}]struct{})}), nil
	}
	return 0, NewOSError(op, CodeFileNotFound)
}

func (m *Mock) handleDevice(op string, h Handle) (*mockHandle, *mockDevice, error) {
	handle, ok := m.handles.get(h)
	if !ok {
		return nil, nil, NewOSError(op, CodeInvalidHandle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[handle.inst]
	if !ok {
		return nil, nil, NewOSError(op, CodeDeviceNotConnected)
	}
	return handle, d, nil
}

// ReadFile blocks until a frame is injected or the read is cancelled with CancelIO.
// Closing the handle does not end it.
func (m *Mock) ReadFile(h Handle, p []byte) (int, error) {
	handle, d, err := m.handleDevice("ReadFile", h)
	if err != nil {
		return 0, err
	}

	abort := make(chan struct{})
	m.mu.Lock()
	if _, ok := m.handles.get(h); !ok {
		m.mu.Unlock()
		return 0, NewOSError("ReadFile", CodeInvalidHandle)
	}
	handle.reads[abort] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(handle.reads, abort)
		m.mu.Unlock()
	}()

	select {
	case frame := <-d.inbox:
		return copy(p, frame), nil
	case <-abort:
		return 0, NewOSError("ReadFile", CodeOperationAborted)
	}
}

// WriteFile records the frame written to the device.
func (m *Mock) WriteFile(h Handle, p []byte) (int, error) {
	_, d, err := m.handleDevice("WriteFile", h)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	d.written = append(d.written, slices.Clone(p))
	return len(p), nil
}

// DeviceIoControl answers the control codes of the tap-windows6 driver.
func (m *Mock) DeviceIoControl(h Handle, code uint32, in, out []byte) (uint32, error) {
	op := fmt.Sprintf("DeviceIoControl(%#x)", code)
	if m.CannotControl.Load() {
		return 0, NewOSError(op, CodeGenFailure)
	}

	_, d, err := m.handleDevice(op, h)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch code {
	case IoctlGetMAC:
		if len(out) < len(d.mac) {
			return 0, NewOSError(op, CodeInsufficientBuffer)
		}
		return uint32(copy(out, d.mac[:])), nil
	case IoctlGetVersion:
		if len(out) < 12 {
			return 0, NewOSError(op, CodeInsufficientBuffer)
		}
		binary.LittleEndian.PutUint32(out[0:4], uint32(d.driver.Version>>48))
		binary.LittleEndian.PutUint32(out[4:8], uint32(d.driver.Version>>32&0xffff))
		binary.LittleEndian.PutUint32(out[8:12], 0)
		return 12, nil
	case IoctlGetMTU:
		if len(out) < 4 {
			return 0, NewOSError(op, CodeInsufficientBuffer)
		}
		binary.LittleEndian.PutUint32(out, d.mtu)
		return 4, nil
	case IoctlSetMediaStatus:
		if len(in) < 4 {
			return 0, NewOSError(op, CodeInvalidParameter)
		}
		d.connected = binary.LittleEndian.Uint32(in) != 0
		return 0, nil
	}
	return 0, NewOSError(op, CodeInvalidFunction)
}

// CancelIO aborts the ReadFile calls pending on h.
func (m *Mock) CancelIO(h Handle) error {
	const op = "CancelIoEx"
	handle, ok := m.handles.get(h)
	if !ok {
		return NewOSError(op, CodeInvalidHandle)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(handle.reads) == 0 {
		return NewOSError(op, CodeNotFound)
	}
	for abort := range handle.reads {
		close(abort)
		delete(handle.reads, abort)
	}
	return nil
}

// CloseHandle mocks closing a device file. Pending ReadFile calls keep blocking, and are reported
// by RequireNoLeaks.
func (m *Mock) CloseHandle(h Handle) error {
	handle, ok := m.handles.get(h)
	if !ok {
		return NewOSError("CloseHandle", CodeInvalidHandle)
	}
	m.handles.free(h)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.abandonedReads += len(handle.reads)
	if d, ok := m.devices[handle.inst]; ok {
		d.opened = false
	}
	return nil
}

func encodeMultiSZ(s string) []byte {
	b, err := utf16le.NewEncoder().Bytes([]byte(s + "\x00\x00"))
	if err != nil {
		panic(fmt.Sprintf("could not encode %q: %v", s, err))
	}
	return b
}

func decodeFirstSZ(b []byte) string {
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	first, _, _ := strings.Cut(string(s), "\x00")
	return first
}

// mockedHeap maps fake pointers to the data they reference.
type mockedHeap[P ~uintptr, D any] struct {
	mu   sync.Mutex
	data map[P]D
}

func (h *mockedHeap[P, D]) alloc(data D) P {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ptr P
	for ptr == 0 || h.has(ptr) {
		//nolint:gosec // Fake pointers need no secure randomness.
		ptr = P(rand.Int63())
	}

	h.data[ptr] = data
	return ptr
}

// has must be called with h.mu held.
func (h *mockedHeap[P, D]) has(ptr P) bool {
	_, ok := h.data[ptr]
	return ok
}

func (h *mockedHeap[P, D]) get(ptr P) (D, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.data[ptr]
	return d, ok
}

func (h *mockedHeap[P, D]) free(ptr P) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.data, ptr)
}
