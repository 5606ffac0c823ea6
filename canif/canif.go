// Package canif brings CAN interfaces up and down and reports their state,
// implementing [cangw.IfaceManager] on top of vishvananda/netlink. Grounded
// on m-lab-tcp-info's direct netlink dependency (no retrieved example wires
// it for link state, so this follows the library's own documented
// LinkByName/LinkSetUp/LinkSetDown/LinkModify API) and on
// original_source/wp4/src/wp4/core/interface_manager.py's InterfaceManager,
// whose try/except-then-publish-always shape [cangw.Gateway.BringUp] and
// [cangw.Gateway.BringDown] mirror one level up.
package canif

import (
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"github.com/hiltest/cangw"
)

// Manager wraps netlink link operations as a [cangw.IfaceManager].
type Manager struct {
	logger cangw.Logger
}

var _ cangw.IfaceManager = (*Manager)(nil)

// NewManager returns a ready-to-use Manager.
func NewManager(logger cangw.Logger) *Manager {
	if logger == nil {
		logger = cangw.NullLogger{}
	}
	return &Manager{logger: logger}
}

// isVirtual reports whether link is a vcan interface, which silently
// ignores bitrate configuration (spec §6 "virtual interfaces ignore
// bitrate").
func isVirtual(link netlink.Link) bool {
	return strings.EqualFold(link.Type(), "vcan")
}

// BringUp brings name up, applying bitrateBPS via the link's CAN bit-timing
// attribute on real (non-vcan) interfaces only.
func (m *Manager) BringUp(name string, bitrateBPS int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", cangw.ErrInterfaceNotFound, name, err.Error())
	}

	if bitrateBPS > 0 && !isVirtual(link) {
		if canLink, ok := link.(*netlink.Can); ok {
			canLink.BitRate = uint32(bitrateBPS)
			if err := netlink.LinkModify(canLink); err != nil {
				m.logger.Warnf("canif: setting bitrate on %s: %s", name, err.Error())
			}
		} else {
			m.logger.Debugf("canif: %s is not a netlink.Can link; bitrate left unchanged", name)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("canif: LinkSetUp %s: %w", name, err)
	}
	return nil
}

// BringDown brings name down.
func (m *Manager) BringDown(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", cangw.ErrInterfaceNotFound, name, err.Error())
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("canif: LinkSetDown %s: %w", name, err)
	}
	return nil
}

// State reports name's administrative state and bitrate (0 for virtual
// interfaces or when unavailable), per spec §6's
// "{name, state ∈ {UP, DOWN}, bitrate?}" interface-state query.
func (m *Manager) State(name string) (cangw.InterfaceState, int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return cangw.InterfaceStateUnknown, 0, fmt.Errorf("%w: %s: %s", cangw.ErrInterfaceNotFound, name, err.Error())
	}

	state := cangw.InterfaceStateDown
	if link.Attrs().Flags&net.FlagUp != 0 {
		state = cangw.InterfaceStateUp
	}

	bitrate := 0
	if canLink, ok := link.(*netlink.Can); ok && !isVirtual(link) {
		bitrate = int(canLink.BitRate)
	}
	return state, bitrate, nil
}
