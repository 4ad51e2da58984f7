// Package catalog enumerates the drivers compatible with a device node and selects the best one.
package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canonical/tap-windows/internal/setupapi"
	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
)

// List is the compatible driver list of one device node. It must be closed after use and is only
// valid while the device information set of the node is open.
type List struct {
	api  setupapi.Devices
	set  setupapi.DevInfo
	node setupapi.DeviceNode

	closed bool
}

// Build builds the compatible driver list of node.
func Build(api setupapi.Devices, set setupapi.DevInfo, node setupapi.DeviceNode) (l *List, err error) {
	defer decorate.OnError(&err, "could not build driver list of device %d", node.DevInst)

	if err := api.BuildDriverInfoList(set, node); err != nil {
		return nil, err
	}

	return &List{api: api, set: set, node: node}, nil
}

// Next returns the candidate at index. ok is false once index is past the last candidate.
// Any other enumeration failure is returned as is.
func (l *List) Next(index int) (c setupapi.DriverCandidate, ok bool, err error) {
	c, err = l.api.EnumDriverInfo(l.set, l.node, index)
	if errors.Is(err, setupapi.ErrNoMoreItems) {
		return setupapi.DriverCandidate{}, false, nil
	}
	if err != nil {
		return setupapi.DriverCandidate{}, false, err
	}
	return c, true, nil
}

// Detail fetches the detail record of c.
func (l *List) Detail(c setupapi.DriverCandidate) (setupapi.DriverDetail, error) {
	return l.api.DriverInfoDetail(l.set, l.node, c)
}

// Best selects, among the candidates declaring hardware ID componentID (case insensitive), the one
// with the highest version, and makes it the selected driver of the node.
// Candidates that cannot be detailed or selected are skipped, but a failed enumeration ends the
// selection with its error. It returns an error matching setupapi.ErrNotFound when no candidate matches.
func (l *List) Best(componentID string) (best setupapi.DriverCandidate, err error) {
	defer decorate.OnError(&err, "could not select a driver for %q", componentID)

	var found bool
	for i := 0; ; i++ {
		c, ok, err := l.Next(i)
		if err != nil {
			return setupapi.DriverCandidate{}, err
		}
		if !ok {
			break
		}

		// Versions are cheaper to compare than detail records are to fetch.
		if found && c.Version <= best.Version {
			continue
		}

		d, err := l.Detail(c)
		if err != nil {
			log.Debugf("Skipping driver candidate %d: %v", i, err)
			continue
		}
		if !strings.EqualFold(d.HardwareID, componentID) {
			continue
		}

		if err := l.api.SetSelectedDriver(l.set, l.node, c); err != nil {
			log.Debugf("Skipping driver candidate %d: %v", i, err)
			continue
		}

		log.Debugf("Selected driver %q version %s", c.Description, FormatVersion(c.Version))
		best, found = c, true
	}

	if !found {
		return setupapi.DriverCandidate{}, fmt.Errorf("no installed driver declares hardware ID %q: %w", componentID, setupapi.ErrNotFound)
	}
	return best, nil
}

// Close destroys the list. Closing twice is a no-op.
func (l *List) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return l.api.DestroyDriverInfoList(l.set, l.node)
}

// FormatVersion formats a packed driver version as major.minor.build.revision.
func FormatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d.%d", v>>48, v>>32&0xffff, v>>16&0xffff, v&0xffff)
}
