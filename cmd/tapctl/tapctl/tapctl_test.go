package tapctl_test

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/canonical/tap-windows/cmd/tapctl/tapctl"
	"github.com/canonical/tap-windows/common/testutils"
	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/internal/netsh"
	"github.com/canonical/tap-windows/internal/netsh/netshtest"
	"github.com/canonical/tap-windows/internal/setupapi"
	"github.com/canonical/tap-windows/tap"
	"github.com/google/uuid"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var tapDriver = setupapi.MockDriver{HardwareID: tap.HardwareID, Version: 9<<48 | 24<<32, Description: "TAP-Windows Adapter V9"}

func TestHelp(t *testing.T) {
	t.Parallel()

	a := tapctl.NewForTesting(t, setupapi.NewMock(), nil)
	a.SetArgs("--help")

	var out bytes.Buffer
	a.SetOutput(&out)

	err := a.Run()
	require.NoErrorf(t, err, "Run should not return an error with argument --help. Stdout: %v", out.String())
	require.Contains(t, out.String(), "create", "Help should list the commands")
}

func TestVersion(t *testing.T) {
	t.Parallel()

	a := tapctl.NewForTesting(t, setupapi.NewMock(), nil)
	a.SetArgs("version")

	var out bytes.Buffer
	a.SetOutput(&out)

	err := a.Run()
	require.NoError(t, err, "Run should not return an error")

	fields := strings.Fields(out.String())
	require.Len(t, fields, 2, "wrong number of fields in version: %s", out.String())

	want := "tapctl"
	if runtime.GOOS == "windows" {
		want += ".exe"
	}

	require.Equal(t, want, fields[0], "Wrong executable name")
	require.Equal(t, "Dev", fields[1], "Wrong version")
}

func TestUsageError(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		args []string

		wantUsageError bool
		wantErr        bool
	}{
		"Completion is not a usage error":      {args: []string{"completion", "bash"}},
		"Runtime failure is not a usage error": {args: []string{"info", "nonexistent"}, wantErr: true},

		"Unknown command is a usage error":  {args: []string{"doesnotexist"}, wantUsageError: true, wantErr: true},
		"Missing argument is a usage error": {args: []string{"info"}, wantUsageError: true, wantErr: true},
		"Extra argument is a usage error":   {args: []string{"up", "MyIf", "Other"}, wantUsageError: true, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := tapctl.NewForTesting(t, setupapi.NewMock(), nil)
			a.SetArgs(tc.args...)
			a.SetOutput(&bytes.Buffer{})

			err := a.Run()
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
			} else {
				require.NoError(t, err, "Run should not return an error")
			}
			require.Equal(t, tc.wantUsageError, a.UsageError(), "Usage errors should be reported as such")
		})
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		args     []string
		noDriver bool
		failing  bool

		wantConnected bool
		wantErr       bool
	}{
		"Create an adapter":               {},
		"Create a configured adapter":     {args: []string{"--name", "MyIf", "--ip", "10.0.0.1", "--up"}, wantConnected: true},
		"Create with an explicit netmask": {args: []string{"--ip", "10.0.0.1", "--mask", "255.255.0.0"}},

		"Error when no driver is installed":      {noDriver: true, wantErr: true},
		"Error when the address is not IPv4":     {args: []string{"--ip", "fe80::1"}, wantErr: true},
		"Error when the address is invalid":      {args: []string{"--ip", "not-an-address"}, wantErr: true},
		"Error when the adapter cannot be named": {args: []string{"--name", "MyIf"}, failing: true, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			api := setupapi.NewMock(tapDriver)
			if tc.noDriver {
				api = setupapi.NewMock()
			}

			a := tapctl.NewForTesting(t, api, mockNetsh(t, tc.failing))
			a.SetArgs(append([]string{"create"}, tc.args...)...)

			var out bytes.Buffer
			a.SetOutput(&out)

			err := a.Run()
			api.RequireNoLeaks(t)
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				require.False(t, a.UsageError(), "Runtime errors should not be usage errors")
				if strings.Contains(strings.Join(tc.args, " "), "--ip") {
					require.Zero(t, api.DeviceCount(), "No adapter should be created with an invalid address")
				}
				return
			}
			require.NoError(t, err, "Run should not return an error")

			require.Equal(t, 1, api.CountHardwareID(tap.HardwareID), "One adapter should be created")
			require.Contains(t, out.String(), `Created adapter "Ethernet 1"`, "Output should name the new adapter")

			id, err := luid.Parse(lastField(out.String()))
			require.NoError(t, err, "Output should end with the LUID of the new adapter")
			require.Equal(t, tc.wantConnected, api.MediaConnected(id), "Media status should match the request")
		})
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		format      string
		componentID string
		name        string

		wantErr bool
	}{
		"Info as YAML": {format: "yaml"},
		"Info as text": {format: "text"},

		"Error on unknown format":            {format: "json", wantErr: true},
		"Error on unknown adapter":           {format: "yaml", name: "Ethernet 42", wantErr: true},
		"Error on adapter of another vendor": {format: "yaml", componentID: "othervendor0001", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			api := setupapi.NewMock(tapDriver)
			api.AddExistingDevice(tap.HardwareID, "MyIf")

			if tc.name == "" {
				tc.name = "MyIf"
			}
			args := []string{"info", tc.name, "--format", tc.format}
			if tc.componentID != "" {
				args = append(args, "--component-id", tc.componentID)
			}

			a := tapctl.NewForTesting(t, api, nil)
			a.SetArgs(args...)

			var out bytes.Buffer
			a.SetOutput(&out)

			err := a.Run()
			api.RequireNoLeaks(t)
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				return
			}
			require.NoError(t, err, "Run should not return an error")

			if tc.format == "text" {
				require.Contains(t, out.String(), "MyIf", "Text output should contain the adapter name")
				require.Contains(t, out.String(), "00:ff:00:00:00:01", "Text output should contain the MAC address")
				require.Contains(t, out.String(), "9.24", "Text output should contain the driver version")
				return
			}

			var got tapctl.Info
			require.NoError(t, yaml.Unmarshal(out.Bytes(), &got), "Output should be valid YAML")

			_, err = uuid.Parse(got.GUID)
			require.NoError(t, err, "Output should contain the adapter GUID")
			got.GUID = ""

			want := testutils.LoadWithUpdateFromGoldenYAML(t, got)
			require.Equal(t, want, got, "Output should match the golden file")
		})
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		name         string
		cannotRemove bool

		wantErr bool
	}{
		"Delete an adapter": {name: "MyIf"},

		"Error on unknown adapter":                 {name: "Ethernet 42", wantErr: true},
		"Error when the adapter cannot be removed": {name: "MyIf", cannotRemove: true, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			api := setupapi.NewMock(tapDriver)
			api.AddExistingDevice(tap.HardwareID, "MyIf")
			api.CannotRemove.Store(tc.cannotRemove)

			a := tapctl.NewForTesting(t, api, nil)
			a.SetArgs("delete", tc.name)

			err := a.Run()
			api.RequireNoLeaks(t)
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				require.Equal(t, 1, api.DeviceCount(), "Adapter should be kept")
				return
			}
			require.NoError(t, err, "Run should not return an error")
			require.Zero(t, api.DeviceCount(), "Adapter should be removed")
		})
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		luid string

		want    string
		wantErr bool
	}{
		"Existing adapter": {want: "true"},
		"Missing adapter":  {luid: "42", want: "false"},
		"Hexadecimal LUID": {luid: "0x6000001000000", want: "true"},

		"Error on invalid LUID": {luid: "not-a-luid", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			api := setupapi.NewMock(tapDriver)
			id := api.AddExistingDevice(tap.HardwareID, "MyIf")
			if tc.luid == "" {
				tc.luid = id.String()
			}

			a := tapctl.NewForTesting(t, api, nil)
			a.SetArgs("exists", tc.luid)

			var out bytes.Buffer
			a.SetOutput(&out)

			err := a.Run()
			api.RequireNoLeaks(t)
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				return
			}
			require.NoError(t, err, "Run should not return an error")
			require.Equal(t, tc.want, strings.TrimSpace(out.String()), "Output should tell whether the adapter exists")
		})
	}
}

func TestUpDown(t *testing.T) {
	t.Parallel()

	api := setupapi.NewMock(tapDriver)
	id := api.AddExistingDevice(tap.HardwareID, "MyIf")

	for _, step := range []struct {
		cmd  string
		want bool
	}{{"up", true}, {"down", false}} {
		a := tapctl.NewForTesting(t, api, nil)
		a.SetArgs(step.cmd, "MyIf")

		require.NoError(t, a.Run(), "%s should not return an error", step.cmd)
		require.Equal(t, step.want, api.MediaConnected(id), "Media status should be updated by %s", step.cmd)
	}

	api.RequireNoLeaks(t)
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		args    []string
		failing bool

		wantErr bool
	}{
		"Rename an adapter":             {args: []string{"set-name", "MyIf", "Other"}},
		"Set the address of an adapter": {args: []string{"set-ip", "MyIf", "10.0.0.1", "255.255.255.0"}},

		"Error when renaming fails":            {args: []string{"set-name", "MyIf", "Other"}, failing: true, wantErr: true},
		"Error when setting the address fails": {args: []string{"set-ip", "MyIf", "10.0.0.1", "255.255.255.0"}, failing: true, wantErr: true},
		"Error on invalid netmask":             {args: []string{"set-ip", "MyIf", "10.0.0.1", "fffff"}, wantErr: true},
		"Error on unknown adapter":             {args: []string{"set-name", "Ethernet 42", "Other"}, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			api := setupapi.NewMock(tapDriver)
			api.AddExistingDevice(tap.HardwareID, "MyIf")

			a := tapctl.NewForTesting(t, api, mockNetsh(t, tc.failing))
			a.SetArgs(tc.args...)

			err := a.Run()
			api.RequireNoLeaks(t)
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				return
			}
			require.NoError(t, err, "Run should not return an error")
		})
	}
}

func TestCapture(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		frames [][]byte
		args   []string

		want    string
		wantErr bool
	}{
		"Capture frames":                     {frames: [][]byte{bytes.Repeat([]byte{0xaa}, 60), bytes.Repeat([]byte{0xbb}, 80)}, want: "Captured 2 frames (140 bytes)"},
		"Capture a single frame":             {frames: [][]byte{bytes.Repeat([]byte{0xaa}, 60)}, want: "Captured 1 frame (60 bytes)"},
		"Capture without logging any frame":  {frames: [][]byte{bytes.Repeat([]byte{0xaa}, 60)}, args: []string{"--log-rate", "0", "--log-burst", "0"}, want: "Captured 1 frame (60 bytes)"},
		"Capture with a slow frame log rate": {frames: [][]byte{bytes.Repeat([]byte{0xaa}, 60), bytes.Repeat([]byte{0xbb}, 80)}, args: []string{"--log-rate", "0.5", "--log-burst", "1"}, want: "Captured 2 frames (140 bytes)"},

		"Error on negative log rate":  {frames: [][]byte{bytes.Repeat([]byte{0xaa}, 60)}, args: []string{"--log-rate=-1"}, wantErr: true},
		"Error on negative log burst": {frames: [][]byte{bytes.Repeat([]byte{0xaa}, 60)}, args: []string{"--log-burst=-3"}, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			api := setupapi.NewMock(tapDriver)
			id := api.AddExistingDevice(tap.HardwareID, "MyIf")
			for _, f := range tc.frames {
				require.NoError(t, api.Inject(id, f), "Setup: could not inject frame")
			}

			output := filepath.Join(t.TempDir(), "capture.pcap")

			a := tapctl.NewForTesting(t, api, nil)
			a.SetArgs(append([]string{"capture", "MyIf", "--output", output, "--count", fmt.Sprint(len(tc.frames))}, tc.args...)...)

			var out bytes.Buffer
			a.SetOutput(&out)

			err := a.Run()
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				require.NoFileExists(t, output, "No capture file should be created")
				api.RequireNoLeaks(t)
				return
			}
			require.NoError(t, err, "Run should not return an error")
			api.RequireNoLeaks(t)
			require.Contains(t, out.String(), tc.want, "Output should summarize the capture")

			requireCaptured(t, output, tc.frames)
		})
	}
}

func TestCaptureStopsOnQuit(t *testing.T) {
	t.Parallel()

	api := setupapi.NewMock(tapDriver)
	id := api.AddExistingDevice(tap.HardwareID, "MyIf")
	frame := bytes.Repeat([]byte{0xcc}, 64)
	require.NoError(t, api.Inject(id, frame), "Setup: could not inject frame")

	output := filepath.Join(t.TempDir(), "capture.pcap")

	a := tapctl.NewForTesting(t, api, nil)
	a.SetArgs("capture", "MyIf", "--output", output)
	a.SetOutput(&bytes.Buffer{})

	ch := make(chan error)
	go func() {
		ch <- a.Run()
		close(ch)
	}()

	require.Eventually(t, func() bool {
		fi, err := os.Stat(output)
		// Global header and one record.
		return err == nil && fi.Size() >= 24+16+int64(len(frame))
	}, 5*time.Second, 10*time.Millisecond, "The injected frame should be captured")

	a.Quit()

	select {
	case err := <-ch:
		require.NoError(t, err, "Capture should stop without error on Quit")
	case <-time.After(5 * time.Second):
		require.Fail(t, "Capture should stop on Quit")
	}

	api.RequireNoLeaks(t)
	requireCaptured(t, output, [][]byte{frame})
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		config string

		wantErr bool
	}{
		"Component from configuration file": {config: "component-id: tap0901\nregistry-deadline: 10s\n"},

		"Error when the configured component has no adapter": {config: "component-id: othervendor0001\n", wantErr: true},
		"Error on invalid configuration file":                {config: "component-id: [unclosed\n", wantErr: true},
		"Error on invalid duration in configuration file":    {config: "open-timeout: soon\n", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "tapctl.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.config), 0600), "Setup: could not write configuration file")

			api := setupapi.NewMock(tapDriver)
			api.AddExistingDevice(tap.HardwareID, "MyIf")

			a := tapctl.NewForTesting(t, api, nil)
			a.SetArgs("up", "MyIf", "--config", path)

			err := a.Run()
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				return
			}
			require.NoError(t, err, "Run should not return an error")
		})
	}
}

func TestLogFile(t *testing.T) {
	// Not parallel because it redirects the global logger.

	api := setupapi.NewMock(tapDriver)
	api.AddExistingDevice(tap.HardwareID, "MyIf")

	path := filepath.Join(t.TempDir(), "tapctl.log")

	a := tapctl.NewForTesting(t, api, nil)
	a.SetArgs("up", "MyIf", "-v", "--log-file", path)

	require.NoError(t, a.Run(), "Run should not return an error")

	got, err := os.ReadFile(path)
	require.NoError(t, err, "Log file should be created")
	require.Contains(t, string(got), "Version: Dev", "Log file should contain the logs")
}

func TestWithNetshMock(t *testing.T) {
	netshtest.MockNetsh(t)
}

func mockNetsh(t *testing.T, failing bool) tap.Configurator {
	t.Helper()

	behavior := netshtest.Succeed
	if failing {
		behavior = netshtest.Fail
	}
	cmd, env := netshtest.Command("TestWithNetshMock", behavior)
	return netsh.New(netsh.WithCommand(cmd...), netsh.WithEnv(env...))
}

func requireCaptured(t *testing.T, path string, want [][]byte) {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err, "Capture file should exist")
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err, "Capture file should be a pcap file")

	for i, w := range want {
		data, _, err := r.ReadPacketData()
		require.NoError(t, err, "Frame %d should be recorded", i)
		require.Equal(t, w, data, "Frame %d should be recorded unchanged", i)
	}
}

func lastField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
