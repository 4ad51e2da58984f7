// Package testdetection guards helpers that must never run in a shipped binary.
package testdetection

import "testing"

// MustBeTesting panics unless the current binary is a test binary.
// Helper processes spawned by tests re-execute the test binary, so they pass this check too.
func MustBeTesting() {
	if !testing.Testing() {
		panic("this can only be called from a test binary")
	}
}
