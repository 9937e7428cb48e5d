// Package iocr implements the IOCR buffer model (spec.md §4.1): typed
// input/output data areas, IOPS/IOCS placement, and the per-IOCR cycle
// counter.
package iocr

import (
	"fmt"
)

// Type distinguishes an IOCR's direction.
type Type int

const (
	Input Type = iota
	Output
)

func (t Type) String() string {
	if t == Input {
		return "INPUT"
	}
	return "OUTPUT"
}

// SlotKind distinguishes a sensor (input) submodule from an actuator
// (output) submodule.
type SlotKind int

const (
	KindSensor SlotKind = iota
	KindActuator
)

// Semantic is the closed enumeration of application semantics a slot can
// carry, used to size the submodule's payload and to drive the GSDML
// module-ident lookup in package connectparams.
type Semantic int

const (
	SemanticCustom Semantic = iota
	SemanticPH
	SemanticTDS
	SemanticTurbidity
	SemanticTemperature
	SemanticFlow
	SemanticLevel
	SemanticPump
	SemanticValve
	SemanticRelay
)

// SensorPayloadSize is the fixed on-wire size of one sensor's application
// data: a big-endian IEEE-754 float32 plus a one-byte quality code.
const SensorPayloadSize = 5

// ActuatorPayloadSize is the fixed on-wire size of one actuator's
// application data: a one-byte command, one-byte duty cycle and two
// reserved bytes.
const ActuatorPayloadSize = 4

// MinDataLength is the IEC 61158-6 floor for an RT_CLASS_1 C-SDU.
const MinDataLength = 40

// SlotInfo is one entry of an AR's ordered slot layout.
type SlotInfo struct {
	Slot     byte
	Subslot  byte
	Kind     SlotKind
	Semantic Semantic
}

func (s SlotInfo) payloadSize() int {
	if s.Kind == KindSensor {
		return SensorPayloadSize
	}
	return ActuatorPayloadSize
}

// IOCR is a directional cyclic-frame channel bound to an AR. It owns its
// data buffer exclusively; no other component may retain it across an
// unlock boundary (spec.md §5, §9).
type IOCR struct {
	Type           Type
	FrameID        uint16
	DataLength     int
	UserDataLength int
	IODataCount    int // IOPS byte count (one per submodule of this IOCR's own direction)
	IOCSCount      int // IOCS byte count (one per submodule of the opposite direction)
	DataBuffer     []byte
	CycleCounter   uint16
	LastFrameTime  int64 // microseconds since the Unix epoch, updated on RX
}

// IOPSOffset is the offset within DataBuffer where IOPS bytes begin.
func (c *IOCR) IOPSOffset() int { return c.UserDataLength }

// IOCSOffset is the offset within DataBuffer where IOCS bytes begin.
func (c *IOCR) IOCSOffset() int { return c.UserDataLength + c.IODataCount }

// NextCycleCounter returns the counter to stamp on the next outbound frame
// and advances the internal counter, wrapping modulo 2^16. Per spec.md
// §4.2 the value is read, used, then post-incremented.
func (c *IOCR) NextCycleCounter() uint16 {
	v := c.CycleCounter
	c.CycleCounter++
	return v
}

// newIOCR allocates a zeroed IOCR sized from a slot list. sensorCount
// and actuatorCount count the slots present in the *whole* AR (both
// directions), because spec.md §4.1 mirrors IOPS/IOCS counts across both
// IOCRs of an AR: an INPUT IOCR carries one IOPS byte per sensor (what it
// provides) and one IOCS byte per actuator (the consumer status it
// echoes back for the device's outputs); an OUTPUT IOCR is the symmetric
// mirror image.
func newIOCR(typ Type, sensors, actuators []SlotInfo, sensorCount, actuatorCount int) *IOCR {
	userDataLength := 0
	var iodataCount, iocsCount int
	if typ == Input {
		for _, s := range sensors {
			userDataLength += s.payloadSize()
		}
		iodataCount = sensorCount
		iocsCount = actuatorCount
	} else {
		for _, a := range actuators {
			userDataLength += a.payloadSize()
		}
		iodataCount = actuatorCount
		iocsCount = sensorCount
	}

	dataLength := userDataLength + iodataCount + iocsCount
	if dataLength < MinDataLength {
		dataLength = MinDataLength
	}

	return &IOCR{
		Type:           typ,
		DataLength:     dataLength,
		UserDataLength: userDataLength,
		IODataCount:    iodataCount,
		IOCSCount:      iocsCount,
		DataBuffer:     make([]byte, dataLength),
	}
}

// Allocate creates one INPUT IOCR and one OUTPUT IOCR sized from the
// combined slot list, splitting it into sensors and actuators first. It
// fails, before allocating any buffer, if a slot's Kind is neither
// KindSensor nor KindActuator. DataLength is always >= MinDataLength.
func Allocate(slots []SlotInfo) (input *IOCR, output *IOCR, err error) {
	var sensors, actuators []SlotInfo
	for _, s := range slots {
		switch s.Kind {
		case KindSensor:
			sensors = append(sensors, s)
		case KindActuator:
			actuators = append(actuators, s)
		default:
			return nil, nil, fmt.Errorf("iocr: invalid slot kind %v for slot %d/%d", s.Kind, s.Slot, s.Subslot)
		}
	}

	input = newIOCR(Input, sensors, actuators, len(sensors), len(actuators))
	output = newIOCR(Output, sensors, actuators, len(sensors), len(actuators))
	return input, output, nil
}

// Free releases an IOCR's buffer. Buffers are exclusively owned, so this
// is the only legal way to release one.
func Free(c *IOCR) {
	if c == nil {
		return
	}
	c.DataBuffer = nil
}
