package devnode_test

import (
	"errors"
	"testing"

	"github.com/canonical/tap-windows/internal/devnode"
	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/internal/resolver"
	"github.com/canonical/tap-windows/internal/setupapi"
	"github.com/stretchr/testify/require"
)

var tapDriver = setupapi.MockDriver{HardwareID: "tap0901", Version: 9<<48 | 24<<32, Description: "TAP-Windows Adapter V9"}

func TestCreate(t *testing.T) {
	t.Parallel()

	installSteps := []setupapi.InstallStep{
		setupapi.StepRegisterDevice,
		setupapi.StepRegisterCoInstallers,
		setupapi.StepInstallInterfaces,
		setupapi.StepInstallDevice,
	}
	rolledBack := append(installSteps[:len(installSteps):len(installSteps)], setupapi.StepRemove)

	testCases := map[string]struct {
		noDriver   bool
		breakMock  func(*setupapi.Mock)
		resolveErr error

		wantErr      bool
		wantNotFound bool
		wantDevices  int
		wantSteps    []setupapi.InstallStep
	}{
		"Success":                                         {wantDevices: 1, wantSteps: installSteps},
		"Success when co-installers cannot be registered": {breakMock: func(m *setupapi.Mock) { m.CannotRegisterCoInstallers.Store(true) }, wantDevices: 1, wantSteps: installSteps},
		"Success when interfaces cannot be installed":     {breakMock: func(m *setupapi.Mock) { m.CannotInstallInterfaces.Store(true) }, wantDevices: 1, wantSteps: installSteps},

		"Error when no driver declares the hardware ID":           {noDriver: true, wantErr: true, wantNotFound: true},
		"Error when the set cannot be created":                    {breakMock: func(m *setupapi.Mock) { m.CannotCreateList.Store(true) }, wantErr: true},
		"Error when the node cannot be created":                   {breakMock: func(m *setupapi.Mock) { m.CannotCreateNode.Store(true) }, wantErr: true},
		"Error when the node cannot be selected":                  {breakMock: func(m *setupapi.Mock) { m.CannotSelectDevice.Store(true) }, wantErr: true},
		"Error when the hardware ID cannot be set":                {breakMock: func(m *setupapi.Mock) { m.CannotSetProperty.Store(true) }, wantErr: true},
		"Error when the driver list cannot be built":              {breakMock: func(m *setupapi.Mock) { m.CannotBuildDriverList.Store(true) }, wantErr: true},
		"Error when the device cannot be registered":              {breakMock: func(m *setupapi.Mock) { m.CannotRegister.Store(true) }, wantErr: true, wantSteps: installSteps[:1]},
		"Error and rollback when the device cannot be installed":  {breakMock: func(m *setupapi.Mock) { m.CannotInstall.Store(true) }, wantErr: true, wantSteps: rolledBack},
		"Error and rollback when the driver key cannot be opened": {breakMock: func(m *setupapi.Mock) { m.CannotOpenKey.Store(true) }, wantErr: true, wantSteps: rolledBack},
		"Error and rollback when resolving fails":                 {resolveErr: errors.New("resolve error"), wantErr: true, wantSteps: rolledBack},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var drivers []setupapi.MockDriver
			if !tc.noDriver {
				drivers = append(drivers, tapDriver)
			}
			api := setupapi.NewMock(drivers...)
			if tc.breakMock != nil {
				tc.breakMock(api)
			}

			var got luid.LUID
			err := devnode.Create(api, "tap0901", func(k setupapi.Key) error {
				if tc.resolveErr != nil {
					return tc.resolveErr
				}
				var err error
				got, err = resolver.ReadOnce(api, k)
				return err
			})

			api.RequireNoLeaks(t)
			require.Equal(t, tc.wantDevices, api.CountHardwareID("tap0901"), "Unexpected number of tap0901 devices left")
			require.Equal(t, tc.wantDevices, api.DeviceCount(), "Unexpected number of devices left")
			require.Equal(t, tc.wantSteps, api.InstallerSteps(), "Unexpected class installer steps")

			if tc.wantErr {
				require.Error(t, err, "Create should have failed")
				require.Equal(t, tc.wantNotFound, errors.Is(err, setupapi.ErrNotFound), "Unexpected not found error kind: %v", err)
				if tc.resolveErr != nil {
					require.ErrorIs(t, err, tc.resolveErr, "Create should return the resolve error")
				}
				return
			}
			require.NoError(t, err, "Create should not fail")
			require.Equal(t, luid.New(luid.IfTypeEthernet, 1), got, "Resolve should read the LUID of the new device")
		})
	}
}

func TestCreateKeepsInstallErrorWhenRollbackFails(t *testing.T) {
	t.Parallel()

	api := setupapi.NewMock(tapDriver)
	api.CannotInstall.Store(true)
	api.CannotRemove.Store(true)

	err := devnode.Create(api, "tap0901", func(setupapi.Key) error { return nil })
	require.Error(t, err, "Create should have failed")

	var osErr *setupapi.OSError
	require.ErrorAs(t, err, &osErr, "Create should return the native error")
	require.Contains(t, osErr.Op, setupapi.StepInstallDevice.String(), "The installation error should prevail over the rollback error")
	api.RequireNoLeaks(t)
}

func TestExistsAndDelete(t *testing.T) {
	t.Parallel()

	testCases := map[string]struct {
		componentID        string
		otherID            bool
		cannotReadProperty bool
		cannotRemove       bool
		cannotList         bool

		wantExists    bool
		wantDeleteErr bool
		wantNotFound  bool
	}{
		"Success":                                     {wantExists: true},
		"Success comparing hardware IDs without case": {componentID: "TAP0901", wantExists: true},

		"Error when no device has the LUID":             {otherID: true, wantDeleteErr: true, wantNotFound: true},
		"Error when the device has another hardware ID": {componentID: "othervendor0001", wantDeleteErr: true, wantNotFound: true},
		"Error when properties cannot be read":          {cannotReadProperty: true, wantDeleteErr: true, wantNotFound: true},
		"Error when the device cannot be removed":       {cannotRemove: true, wantExists: true, wantDeleteErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.componentID == "" {
				tc.componentID = "tap0901"
			}

			api := setupapi.NewMock()
			api.AddExistingDevice("othervendor0002", "Other")
			id := api.AddExistingDevice("tap0901", "MyIf")
			if tc.otherID {
				id = luid.New(luid.IfTypeEthernet, 42)
			}
			api.CannotReadProperty.Store(tc.cannotReadProperty)
			api.CannotRemove.Store(tc.cannotRemove)

			exists, err := devnode.Exists(api, tc.componentID, id)
			require.NoError(t, err, "Exists should not fail")
			require.Equal(t, tc.wantExists, exists, "Unexpected existence before deletion")

			err = devnode.Delete(api, tc.componentID, id)
			api.RequireNoLeaks(t)
			if tc.wantDeleteErr {
				require.Error(t, err, "Delete should have failed")
				require.Equal(t, tc.wantNotFound, errors.Is(err, setupapi.ErrNotFound), "Unexpected not found error kind: %v", err)
				require.Equal(t, 2, api.DeviceCount(), "Delete should not remove anything on failure")
				return
			}
			require.NoError(t, err, "Delete should not fail")
			require.Equal(t, 1, api.DeviceCount(), "Delete should remove exactly one device")

			exists, err = devnode.Exists(api, tc.componentID, id)
			require.NoError(t, err, "Exists should not fail")
			require.False(t, exists, "A deleted device should not exist anymore")
		})
	}
}

func TestExistsFailsWhenDevicesCannotBeListed(t *testing.T) {
	t.Parallel()

	api := setupapi.NewMock()
	id := api.AddExistingDevice("tap0901", "MyIf")
	api.CannotCreateList.Store(true)

	_, err := devnode.Exists(api, "tap0901", id)
	require.Error(t, err, "Exists should fail when devices cannot be listed")
	require.NotErrorIs(t, err, setupapi.ErrNotFound, "A listing failure is not a missing device")
}
