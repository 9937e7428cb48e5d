// Package l2xmit implements transport.FrameTransmitter over a raw
// AF_PACKET socket bound to one network interface, the Linux-specific
// half of the manager's "open no sockets itself" contract (spec.md
// §4.6 init).
package l2xmit

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Transmitter sends already-encoded cyclic frames out a single network
// interface via a raw AF_PACKET socket, grounded on the
// golang.org/x/sys/unix syscall-wrapper idiom from
// pkg/keyring/keyring_linux.go in ChengyuZhu6-veritysetup-go (the
// teacher itself never touches raw sockets): one open, one bound
// address, thin wrappers that fold syscall errors into
// fmt.Errorf("...: %w", err).
type Transmitter struct {
	fd      int
	ifIndex int
	ifName  string
}

// Open binds a new AF_PACKET/SOCK_RAW socket to ifName and returns a
// Transmitter ready for TransmitFrame. The socket is opened with
// ETH_P_ALL so PeekFrameID/DecodeFor on the receive side (wired
// separately) can observe inbound PROFINET frames on the same
// interface; TransmitFrame itself only ever sends.
func Open(ifName string) (*Transmitter, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("l2xmit: socket: %w", err)
	}

	iface, err := interfaceIndex(ifName)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("l2xmit: bind to %q: %w", ifName, err)
	}

	return &Transmitter{fd: fd, ifIndex: iface, ifName: ifName}, nil
}

// TransmitFrame implements transport.FrameTransmitter. payload is the
// complete Ethernet frame built by pkg/frame.EncodeCyclic, already
// including the destination MAC; dstMAC is passed separately only to
// populate the sockaddr's Addr field, which some drivers require for
// raw sends even though it is redundant with the frame's own header.
func (t *Transmitter) TransmitFrame(dstMAC [6]byte, payload []byte) error {
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  t.ifIndex,
		Halen:    6,
	}
	copy(addr.Addr[:6], dstMAC[:])

	if err := unix.Sendto(t.fd, payload, 0, addr); err != nil {
		return fmt.Errorf("l2xmit: sendto %s on %q: %w", t.ifName, macString(dstMAC), err)
	}
	return nil
}

// ReceiveFrame blocks until one frame arrives on the bound interface
// and copies it into buf, returning the number of bytes written. It is
// the receive half of the same AF_PACKET socket TransmitFrame sends on
// (opened with ETH_P_ALL in Open), so a caller can PeekFrameID/DecodeFor
// every inbound PROFINET RT frame and feed it to
// armanager.Manager.HandleRTFrame.
func (t *Transmitter) ReceiveFrame(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(t.fd, buf, 0)
	if err != nil {
		return 0, fmt.Errorf("l2xmit: recvfrom on %q: %w", t.ifName, err)
	}
	return n, nil
}

// Close releases the underlying socket.
func (t *Transmitter) Close() error {
	if err := unix.Close(t.fd); err != nil {
		return fmt.Errorf("l2xmit: close %q: %w", t.ifName, err)
	}
	return nil
}

func interfaceIndex(ifName string) (int, error) {
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return 0, fmt.Errorf("l2xmit: lookup interface %q: %w", ifName, err)
	}
	return iface.Index, nil
}

func htons(v uint16) uint16 {
	return (v<<8)&0xff00 | v>>8
}

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}
