// Package devnode creates, finds and removes the device nodes of network adapters.
package devnode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canonical/tap-windows/internal/catalog"
	"github.com/canonical/tap-windows/internal/luid"
	"github.com/canonical/tap-windows/internal/property"
	"github.com/canonical/tap-windows/internal/resolver"
	"github.com/canonical/tap-windows/internal/setupapi"
	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

// API is the part of the system the device node manager drives.
type API interface {
	setupapi.Devices
	setupapi.Registry
}

// Create installs a new network adapter device node whose hardware ID is componentID, then calls
// resolve with the driver key of the new node.
//
// The node is removed again if installation or resolve fails after the node was registered.
// It returns an error matching setupapi.ErrNotFound, before registering anything, when no
// installed driver declares componentID.
func Create(api API, componentID string, resolve func(setupapi.Key) error) (err error) {
	defer decorate.OnError(&err, "could not create %q device node", componentID)

	set, err := api.CreateDeviceInfoList(setupapi.ClassNet)
	if err != nil {
		return err
	}
	defer destroySet(api, set)

	className, err := api.ClassNameFromGUID(setupapi.ClassNet)
	if err != nil {
		return err
	}

	node, err := api.CreateDeviceInfo(set, className, setupapi.ClassNet, "", true)
	if err != nil {
		return err
	}
	log.Debugf("Created device node %d", node.DevInst)

	if err := api.SetSelectedDevice(set, node); err != nil {
		return err
	}
	if err := property.Set(api, set, node, setupapi.PropertyHardwareID, componentID); err != nil {
		return err
	}

	drivers, err := catalog.Build(api, set, node)
	if err != nil {
		return err
	}
	defer func() {
		if err := drivers.Close(); err != nil {
			log.Warningf("Could not destroy driver list of device %d: %v", node.DevInst, err)
		}
	}()

	if _, err := drivers.Best(componentID); err != nil {
		return err
	}

	if err := api.CallClassInstaller(setupapi.StepRegisterDevice, set, node); err != nil {
		return err
	}

	// The node is registered: any failure from here on has to remove it.
	defer func() {
		if err == nil {
			return
		}
		log.Infof("Rolling back device node %d: %v", node.DevInst, err)
		remove(api, set, node)
	}()

	// Best effort: a driver package does not need co-installers nor interfaces.
	for _, step := range []setupapi.InstallStep{setupapi.StepRegisterCoInstallers, setupapi.StepInstallInterfaces} {
		if err := api.CallClassInstaller(step, set, node); err != nil {
			log.Warningf("Ignoring failure of %s on device %d: %v", step, node.DevInst, err)
		}
	}

	if err := api.CallClassInstaller(setupapi.StepInstallDevice, set, node); err != nil {
		return err
	}
	log.Debugf("Installed device node %d", node.DevInst)

	key, err := api.OpenDevRegKey(set, node)
	if err != nil {
		return err
	}
	defer api.CloseKey(key)

	return resolve(key)
}

// Find looks among the present network adapters for the one with hardware ID componentID (case
// insensitive) and LUID id, and calls action with it.
// It returns an error matching setupapi.ErrNotFound when there is none.
func Find(api API, componentID string, id luid.LUID, action func(setupapi.DevInfo, setupapi.DeviceNode) error) (err error) {
	defer decorate.OnError(&err, "could not find %q device with LUID %s", componentID, id)

	set, err := api.GetClassDevs(setupapi.ClassNet, true)
	if err != nil {
		return err
	}
	defer destroySet(api, set)

	for i := 0; ; i++ {
		node, err := api.EnumDeviceInfo(set, i)
		if errors.Is(err, setupapi.ErrNoMoreItems) {
			break
		}
		if err != nil {
			return err
		}

		if !matches(api, set, node, componentID, id) {
			continue
		}
		return action(set, node)
	}

	return fmt.Errorf("no present device matches: %w", setupapi.ErrNotFound)
}

// matches reports whether node has hardware ID componentID and LUID id. Nodes whose properties
// cannot be read do not match.
func matches(api API, set setupapi.DevInfo, node setupapi.DeviceNode, componentID string, id luid.LUID) bool {
	hwid, err := property.Get(api, set, node, setupapi.PropertyHardwareID)
	if err != nil {
		log.Debugf("Skipping device %d: %v", node.DevInst, err)
		return false
	}
	if !strings.EqualFold(hwid, componentID) {
		return false
	}

	key, err := api.OpenDevRegKey(set, node)
	if err != nil {
		log.Debugf("Skipping device %d: %v", node.DevInst, err)
		return false
	}
	defer api.CloseKey(key)

	got, err := resolver.ReadOnce(api, key)
	if err != nil {
		log.Debugf("Skipping device %d: %v", node.DevInst, err)
		return false
	}
	return got == id
}

// Exists reports whether a present network adapter has hardware ID componentID and LUID id.
func Exists(api API, componentID string, id luid.LUID) (bool, error) {
	err := Find(api, componentID, id, func(setupapi.DevInfo, setupapi.DeviceNode) error { return nil })
	if errors.Is(err, setupapi.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the present network adapter with hardware ID componentID and LUID id.
func Delete(api API, componentID string, id luid.LUID) error {
	return Find(api, componentID, id, func(set setupapi.DevInfo, node setupapi.DeviceNode) (err error) {
		defer decorate.OnError(&err, "could not remove device %d", node.DevInst)

		if err := api.SetRemoveDeviceParams(set, node); err != nil {
			return err
		}
		if err := api.CallClassInstaller(setupapi.StepRemove, set, node); err != nil {
			return err
		}
		log.Debugf("Removed device node %d", node.DevInst)
		return nil
	})
}

// remove is the rollback of Create. Its failures are only logged, the installation error prevails.
func remove(api API, set setupapi.DevInfo, node setupapi.DeviceNode) {
	if err := api.SetRemoveDeviceParams(set, node); err != nil {
		log.Warningf("Could not prepare removal of device %d: %v", node.DevInst, err)
	}
	if err := api.CallClassInstaller(setupapi.StepRemove, set, node); err != nil {
		log.Warningf("Could not remove device %d: %v", node.DevInst, err)
	}
}

func destroySet(api API, set setupapi.DevInfo) {
	if err := api.DestroyDeviceInfoList(set); err != nil {
		log.Warningf("Could not destroy device information set: %v", err)
	}
}
