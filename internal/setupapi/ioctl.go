package setupapi

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	fileDeviceUnknown = 0x22
	methodBuffered    = 0
	fileAnyAccess     = 0
)

// CtlCode builds a device I/O control code.
func CtlCode(deviceType, function, method, access uint32) uint32 {
	return deviceType<<16 | access<<14 | function<<2 | method
}

func tapControlCode(function uint32) uint32 {
	return CtlCode(fileDeviceUnknown, function, methodBuffered, fileAnyAccess)
}

// Control codes understood by the tap-windows6 driver.
var (
	IoctlGetMAC         = tapControlCode(1)
	IoctlGetVersion     = tapControlCode(2)
	IoctlGetMTU         = tapControlCode(3)
	IoctlSetMediaStatus = tapControlCode(6)
)

// DevicePath returns the path of the device file of the adapter with the given interface GUID.
func DevicePath(guid uuid.UUID) string {
	return fmt.Sprintf(`\\.\Global\{%s}.tap`, strings.ToUpper(guid.String()))
}
