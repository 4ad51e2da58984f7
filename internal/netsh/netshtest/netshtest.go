// Package netshtest fakes the netsh executable for tests of packages calling it.
package netshtest

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/canonical/tap-windows/common/testdetection"
)

// Behaviors of the fake executable.
const (
	// Succeed accepts valid netsh invocations.
	Succeed = "succeed"
	// Fail rejects every invocation.
	Fail = "fail"
)

// Command returns the command line and environment re-executing the test binary as a fake netsh.
// testName must be a test of the calling package that only calls MockNetsh.
func Command(testName, behavior string) (cmd []string, env []string) {
	testdetection.MustBeTesting()

	return []string{os.Args[0], "-test.run", "^" + testName + "$", "--", behavior}, []string{"GO_WANT_HELPER_PROCESS=1"}
}

// MockNetsh behaves as netsh for the commands of package netsh.
//
//nolint:thelper // This is a faux test used to mock netsh.
func MockNetsh(t *testing.T) {
	testdetection.MustBeTesting()

	if os.Getenv("GO_WANT_HELPER_PROCESS") == "" {
		t.Skip("Skipped because it is not a real test, but rather a mocked executable")
	}

	begin := slices.Index(os.Args, "--")
	if begin == -1 || len(os.Args) < begin+2 {
		fmt.Fprintf(os.Stderr, "Invalid arguments: [%v]\n", os.Args)
		os.Exit(1)
	}
	behavior := os.Args[begin+1]
	argv := os.Args[begin+2:]

	if behavior == Fail {
		fmt.Fprintln(os.Stderr, "The requested operation requires elevation (Run as administrator).")
		os.Exit(1)
	}

	if !valid(argv) {
		fmt.Fprintf(os.Stderr, "The following command was not found: %s.\n", strings.Join(argv, " "))
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, "Ok.")
	os.Exit(0)
}

func valid(argv []string) bool {
	switch {
	case len(argv) == 7 && slices.Equal(argv[:4], []string{"int", "set", "int", "name="}) && argv[5] == "newname=":
		return argv[4] != "" && argv[6] != ""
	case len(argv) == 11 && slices.Equal(argv[:5], []string{"int", "ipv4", "set", "address", "name="}):
		return argv[6] == "source=static" && argv[7] == "address=" && argv[9] == "mask="
	}
	return false
}
