// Package frame implements the PROFINET cyclic frame codec (spec.md
// §4.2): encoding outbound RT_CLASS_1 frames and decoding inbound ones,
// against the exact Ethernet-level byte layout fixed by spec.md §6.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/ioplant/profinet-controller/pkg/iocr"
)

// Ethertype is the PROFINET cyclic/alarm ethertype.
const Ethertype = 0x8892

// MinFrameLength is the minimum total Ethernet frame length (without FCS)
// required by spec.md §6.
const MinFrameLength = 60

const ethHeaderLength = 14 // dst MAC + src MAC + ethertype
const frameIDLength = 2
const trailerLength = 4 // cycle counter (2) + data status (1) + transfer status (1)

// Data status bit masks (spec.md §6).
const (
	StatusState          = 0x01
	StatusRedundancy     = 0x02
	StatusValid          = 0x04
	StatusPrimary        = 0x08
	StatusStationProblem = 0x10
	StatusRun            = 0x20
)

// GoodStatus is the IOPS/IOCS byte value indicating a provider/consumer
// in the GOOD state; any other value is non-good.
const GoodStatus = 0x80

// ErrFrameTooShort is returned by DecodeFor when a frame is too short to
// possibly carry a valid header and trailer.
var ErrFrameTooShort = fmt.Errorf("frame: frame shorter than header+trailer")

// ErrDataTooLarge is returned by DecodeFor when the advertised C-SDU would
// not fit in the frame actually received, and by CopyInto when the C-SDU
// length differs from the IOCR's data_length.
var ErrDataTooLarge = fmt.Errorf("frame: C-SDU exceeds received frame length")

// EncodeCyclic builds one outbound cyclic frame for an OUTPUT IOCR. It
// fills the IOCR's IODataCount IOPS bytes and IOCSCount IOCS bytes with
// GOOD ahead of emission (for an OUTPUT IOCR: one IOPS byte per output
// submodule, one IOCS byte per input submodule), reads and
// post-increments the cycle counter, and pads the result to at least
// MinFrameLength bytes with zeros.
//
// running indicates whether the owning AR is in the RUN state; per
// spec.md §8 invariant 5, the data-status byte must carry RUN and VALID
// whenever the AR is in RUN.
// The returned checksum is the diagnostic CRC-16/ARC over the C-SDU
// (see crc16.go); it is never placed on the wire.
func EncodeCyclic(dstMAC, srcMAC [6]byte, out *iocr.IOCR, running bool) (buf []byte, checksum uint16, err error) {
	if out == nil {
		return nil, 0, fmt.Errorf("frame: nil IOCR")
	}
	if len(out.DataBuffer) != out.DataLength {
		return nil, 0, fmt.Errorf("frame: IOCR buffer length %d does not match data_length %d", len(out.DataBuffer), out.DataLength)
	}

	fillProviderConsumerStatus(out)

	total := ethHeaderLength + frameIDLength + out.DataLength + trailerLength
	if total < MinFrameLength {
		total = MinFrameLength
	}
	buf = make([]byte, total)

	copy(buf[0:6], dstMAC[:])
	copy(buf[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(buf[12:14], Ethertype)
	binary.BigEndian.PutUint16(buf[14:16], out.FrameID)

	csduOff := 16
	copy(buf[csduOff:csduOff+out.DataLength], out.DataBuffer)

	trailerOff := csduOff + out.DataLength
	cycle := out.NextCycleCounter()
	binary.BigEndian.PutUint16(buf[trailerOff:trailerOff+2], cycle)

	status := byte(StatusState)
	if running {
		status |= StatusValid | StatusRun
	}
	buf[trailerOff+2] = status
	buf[trailerOff+3] = 0x00 // transfer_status

	checksum = CRC16(out.DataBuffer)
	return buf, checksum, nil
}

// fillProviderConsumerStatus stamps GOOD into every IOPS/IOCS byte of an
// outbound buffer, matching spec.md §4.2's "Before emission the codec
// fills IOPS bytes ... IOCS bytes ... = GOOD".
func fillProviderConsumerStatus(c *iocr.IOCR) {
	iopsOff := c.IOPSOffset()
	for i := 0; i < c.IODataCount; i++ {
		c.DataBuffer[iopsOff+i] = GoodStatus
	}
	iocsOff := c.IOCSOffset()
	for i := 0; i < c.IOCSCount; i++ {
		c.DataBuffer[iocsOff+i] = GoodStatus
	}
}

// Decoded is the result of decoding one inbound cyclic frame's header;
// the C-SDU slice aliases the input buffer and must be copied by the
// caller before the input buffer is reused.
type Decoded struct {
	FrameID      uint16
	CSDU         []byte
	CycleCounter uint16
	DataStatus   byte
}

// PeekFrameID extracts just the frame_id field so the caller (package
// armanager) can look up the owning IOCR and learn its expected
// data_length before the rest of the frame is parsed. Minimum Ethernet
// padding means the trailer is not reliably the last four bytes of buf,
// so the C-SDU length must come from the IOCR, not from buf's length.
func PeekFrameID(buf []byte) (uint16, error) {
	if len(buf) < ethHeaderLength+frameIDLength {
		return 0, ErrFrameTooShort
	}
	return binary.BigEndian.Uint16(buf[14:16]), nil
}

// DecodeFor parses an inbound cyclic frame's PROFINET-specific portion
// against a known C-SDU length (the owning IOCR's DataLength). Per
// spec.md §4.2, a frame is rejected if it is shorter than header+4, and
// discarded if dataLength does not fit in the bytes actually received.
func DecodeFor(buf []byte, dataLength int) (Decoded, error) {
	if len(buf) < ethHeaderLength+frameIDLength+trailerLength {
		return Decoded{}, ErrFrameTooShort
	}
	frameID := binary.BigEndian.Uint16(buf[14:16])
	csduEnd := ethHeaderLength + frameIDLength + dataLength
	if len(buf) < csduEnd+trailerLength {
		return Decoded{}, ErrDataTooLarge
	}
	csdu := buf[ethHeaderLength+frameIDLength : csduEnd]
	cycle := binary.BigEndian.Uint16(buf[csduEnd : csduEnd+2])
	status := buf[csduEnd+2]
	return Decoded{
		FrameID:      frameID,
		CSDU:         csdu,
		CycleCounter: cycle,
		DataStatus:   status,
	}, nil
}

// CopyInto copies a decoded C-SDU into an INPUT IOCR's buffer. Cycle
// counter and data status are informational only; validation here is
// advisory, not gating, exactly as spec.md §4.2 specifies.
func CopyInto(in *iocr.IOCR, d Decoded) error {
	if in == nil {
		return fmt.Errorf("frame: nil IOCR")
	}
	if in.Type != iocr.Input {
		return fmt.Errorf("frame: CopyInto requires an INPUT IOCR")
	}
	if len(d.CSDU) != in.DataLength {
		return ErrDataTooLarge
	}
	copy(in.DataBuffer, d.CSDU)
	in.CycleCounter = d.CycleCounter
	return nil
}
