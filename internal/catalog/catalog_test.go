package catalog_test

import (
	"testing"

	"github.com/canonical/tap-windows/internal/catalog"
	"github.com/canonical/tap-windows/internal/setupapi"
	"github.com/stretchr/testify/require"
)

func TestBest(t *testing.T) {
	t.Parallel()

	tap := func(version uint64) setupapi.MockDriver {
		return setupapi.MockDriver{HardwareID: "tap0901", Version: version}
	}

	testCases := map[string]struct {
		drivers     []setupapi.MockDriver
		componentID string

		wantVersion  uint64
		wantNotFound bool
		wantErr      bool
	}{
		"Success picking the highest version":              {drivers: []setupapi.MockDriver{tap(3), tap(7), tap(5)}, wantVersion: 7},
		"Success with a single candidate":                  {drivers: []setupapi.MockDriver{tap(1)}, wantVersion: 1},
		"Success comparing hardware IDs without case":      {drivers: []setupapi.MockDriver{tap(2)}, componentID: "TAP0901", wantVersion: 2},
		"Success keeping the first of equal versions":      {drivers: []setupapi.MockDriver{{HardwareID: "tap0901", Version: 4, Description: "first"}, {HardwareID: "tap0901", Version: 4, Description: "second"}}, wantVersion: 4},
		"Success ignoring higher versions of others":       {drivers: []setupapi.MockDriver{tap(3), {HardwareID: "othervendor0001", Version: 9}}, wantVersion: 3},
		"Success skipping a broken detail record":          {drivers: []setupapi.MockDriver{tap(3), {HardwareID: "tap0901", Version: 10, BrokenDetail: true}}, wantVersion: 3},
		"Success skipping a driver that is not selectable": {drivers: []setupapi.MockDriver{tap(6), {HardwareID: "tap0901", Version: 11, Unselectable: true}}, wantVersion: 6},

		"Error when the store is empty":     {wantNotFound: true},
		"Error when no hardware ID matches": {drivers: []setupapi.MockDriver{{HardwareID: "othervendor0001", Version: 9}}, wantNotFound: true},
		"Error when every match is broken":  {drivers: []setupapi.MockDriver{{HardwareID: "tap0901", Version: 1, BrokenDetail: true}}, wantNotFound: true},
		"Error when enumeration fails":      {drivers: []setupapi.MockDriver{tap(5), {HardwareID: "tap0901", Version: 12, BrokenEnum: true}, tap(8)}, wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.componentID == "" {
				tc.componentID = "tap0901"
			}

			api := setupapi.NewMock(tc.drivers...)
			set, err := api.CreateDeviceInfoList(setupapi.ClassNet)
			require.NoError(t, err, "Setup: could not create device information set")
			node, err := api.CreateDeviceInfo(set, "Net", setupapi.ClassNet, "", true)
			require.NoError(t, err, "Setup: could not create device node")

			list, err := catalog.Build(api, set, node)
			require.NoError(t, err, "Build should not fail")

			got, err := list.Best(tc.componentID)
			require.NoError(t, list.Close(), "Close should not fail")
			require.NoError(t, list.Close(), "Closing twice should be a no-op")
			require.NoError(t, api.DestroyDeviceInfoList(set), "Teardown: could not destroy device information set")
			api.RequireNoLeaks(t)

			if tc.wantErr {
				require.Error(t, err, "Best should fail when the driver list cannot be enumerated")
				require.NotErrorIs(t, err, setupapi.ErrNotFound, "Enumeration failures should not read as a missing driver")
				require.True(t, setupapi.HasCode(err, setupapi.CodeGenFailure), "Best should return the enumeration error: %v", err)
				return
			}
			if tc.wantNotFound {
				require.ErrorIs(t, err, setupapi.ErrNotFound, "Best should fail with ErrNotFound")
				return
			}
			require.NoError(t, err, "Best should not fail")
			require.Equal(t, tc.wantVersion, got.Version, "Best selected the wrong version")
			if tc.wantVersion == 4 {
				require.Equal(t, "first", got.Description, "Best should keep the first of equal versions")
			}
		})
	}
}

func TestBuildFails(t *testing.T) {
	t.Parallel()

	api := setupapi.NewMock()
	api.CannotBuildDriverList.Store(true)

	set, err := api.CreateDeviceInfoList(setupapi.ClassNet)
	require.NoError(t, err, "Setup: could not create device information set")
	defer api.DestroyDeviceInfoList(set)
	node, err := api.CreateDeviceInfo(set, "Net", setupapi.ClassNet, "", true)
	require.NoError(t, err, "Setup: could not create device node")

	_, err = catalog.Build(api, set, node)
	require.Error(t, err, "Build should fail when the system cannot build the list")
}

func TestNextStopsAtTheEnd(t *testing.T) {
	t.Parallel()

	api := setupapi.NewMock(setupapi.MockDriver{HardwareID: "tap0901", Version: 1}, setupapi.MockDriver{HardwareID: "tap0901", Version: 2})
	set, err := api.CreateDeviceInfoList(setupapi.ClassNet)
	require.NoError(t, err, "Setup: could not create device information set")
	defer api.DestroyDeviceInfoList(set)
	node, err := api.CreateDeviceInfo(set, "Net", setupapi.ClassNet, "", true)
	require.NoError(t, err, "Setup: could not create device node")

	list, err := catalog.Build(api, set, node)
	require.NoError(t, err, "Build should not fail")
	defer list.Close()

	var versions []uint64
	for i := 0; ; i++ {
		c, ok, err := list.Next(i)
		require.NoError(t, err, "Next should not fail")
		if !ok {
			break
		}
		versions = append(versions, c.Version)
	}
	require.Equal(t, []uint64{1, 2}, versions, "Next should list every candidate in order")

	// The sequence can be restarted from any index.
	c, ok, err := list.Next(1)
	require.NoError(t, err, "Next should not fail")
	require.True(t, ok, "Next should find the second candidate again")
	require.Equal(t, uint64(2), c.Version, "Unexpected candidate")
}

func TestFormatVersion(t *testing.T) {
	t.Parallel()

	require.Equal(t, "9.24.2.601", catalog.FormatVersion(9<<48|24<<32|2<<16|601), "Unexpected formatted version")
}
