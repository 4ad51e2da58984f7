//go:build !windows

package setupapi

// Default returns the API of the running host. TAP adapters only exist on Windows, so on
// any other system it panics; use a Mock instead.
func Default() API {
	panic("the device installation API is only available on Windows")
}
