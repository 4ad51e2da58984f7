// Package property reads and writes string device properties and exchanges control codes with
// an open device.
package property

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canonical/tap-windows/internal/setupapi"
	"github.com/ubuntu/decorate"
	"golang.org/x/text/encoding/unicode"
)

// utf16le is the wide encoding of registry strings.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Get returns the string value of prop. Multi-string properties yield their first entry.
//
// The size of the value is asked for first, then read into a buffer of that size.
func Get(api setupapi.Devices, set setupapi.DevInfo, node setupapi.DeviceNode, prop setupapi.Property) (value string, err error) {
	defer decorate.OnError(&err, "could not read property %#x of device %d", uint32(prop), node.DevInst)

	required, err := api.GetDeviceRegistryProperty(set, node, prop, nil)
	if err != nil && !errors.Is(err, setupapi.ErrInsufficientBuffer) {
		return "", err
	}
	if required == 0 {
		return "", nil
	}

	buf := make([]byte, required)
	if _, err := api.GetDeviceRegistryProperty(set, node, prop, buf); err != nil {
		return "", err
	}

	return decode(buf)
}

// Set writes value as a NUL-terminated wide string. The extra terminator makes it a valid
// single entry list for multi-string properties.
func Set(api setupapi.Devices, set setupapi.DevInfo, node setupapi.DeviceNode, prop setupapi.Property, value string) (err error) {
	defer decorate.OnError(&err, "could not write property %#x of device %d", uint32(prop), node.DevInst)

	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("value %q contains a NUL character", value)
	}

	b, err := utf16le.NewEncoder().Bytes([]byte(value + "\x00\x00"))
	if err != nil {
		return err
	}

	return api.SetDeviceRegistryProperty(set, node, prop, b)
}

// Control sends code to the device with in as input and fills out with the answer. There is no
// retry.
func Control(api setupapi.Files, h setupapi.Handle, code uint32, in, out []byte) (err error) {
	_, err = api.DeviceIoControl(h, code, in, out)
	return err
}

func decode(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("wide string has an odd length of %d bytes", len(b))
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", err
	}
	first, _, _ := strings.Cut(string(s), "\x00")
	return first, nil
}
