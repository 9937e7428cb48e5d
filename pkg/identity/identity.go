// Package identity builds the controller's own PROFINET identity and the
// per-AR identifiers (UUID, session key) issued during connection setup.
package identity

import (
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Controller holds the identity a manager presents to every field device:
// its MAC/IP, station name, interface name and the fixed controller UUID
// derived from vendor/device IDs per IEC 61158-6-10 §4.10.3.2.
type Controller struct {
	MAC           [6]byte
	IP            net.IP
	StationName   string
	InterfaceName string
	VendorID      uint16
	DeviceID      uint16
	UUID          uuid.UUID
}

// instanceField is the fixed instance octet pair used by every controller
// built by this package; a real deployment with multiple controller
// instances on one host would vary it, but the core never needs more than
// one manager per process (see SPEC_FULL.md §9).
const instanceField = 0x0001

// NewControllerUUID constructs the controller UUID
// DEA00000-6C97-11D1-8271-{instance}{device}{vendor}, the fixed layout
// IEC 61158-6-10 specifies for a CMInitiator.
func NewControllerUUID(vendorID, deviceID uint16) uuid.UUID {
	var u uuid.UUID
	copy(u[0:4], []byte{0xDE, 0xA0, 0x00, 0x00})
	copy(u[4:6], []byte{0x6C, 0x97})
	copy(u[6:8], []byte{0x11, 0xD1})
	copy(u[8:10], []byte{0x82, 0x71})
	u[10] = byte(instanceField >> 8)
	u[11] = byte(instanceField)
	u[12] = byte(deviceID >> 8)
	u[13] = byte(deviceID)
	u[14] = byte(vendorID >> 8)
	u[15] = byte(vendorID)
	return u
}

// NewController builds a controller identity with its IP left unset;
// callers must fill it in via a manager's SetControllerIP before any AR
// connects.
func NewController(mac [6]byte, stationName, ifName string, vendorID, deviceID uint16) Controller {
	return Controller{
		MAC:           mac,
		StationName:   stationName,
		InterfaceName: ifName,
		VendorID:      vendorID,
		DeviceID:      deviceID,
		UUID:          NewControllerUUID(vendorID, deviceID),
	}
}

// NewAR generates a fresh, cryptographically-adequate AR UUID. Spec.md
// §4.7 requires this be regenerated on every connect attempt, including
// retries, so that a device can never mistake a new attempt for a resumed
// half-dead AR.
func NewAR() uuid.UUID {
	return uuid.New()
}

// SessionKeyAllocator is a 16-bit counter local to a single manager,
// monotonically increasing across the manager's lifetime. Zero is never
// issued: spec.md §3 treats session_key == 0 as "not yet connected".
type SessionKeyAllocator struct {
	mu      sync.Mutex
	counter uint32
}

// Next returns the next proposed session key. The device may reassign it;
// the device's value always wins once a connect response arrives.
func (a *SessionKeyAllocator) Next() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counter++
	if a.counter == 0 || uint16(a.counter) == 0 {
		a.counter = 1
	}
	return uint16(a.counter)
}

// FormatMAC renders a MAC the way the rest of the codebase logs it.
func FormatMAC(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
