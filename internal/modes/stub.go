package modes

import (
	"encoding/binary"
	"errors"
)

// stubMessage is the wire shape StubDecoder understands. It is not a real
// Mode S frame (that encoding belongs to a full decoder swapped in at
// deployment time); it exists purely so the core engine's call sites
// (clocktrack.ReceiverSync, mlattrack.resolve) can be exercised end to end
// in tests without a real RF front end.
//
// Layout (all big-endian):
//
//	[0]     DF
//	[1]     EType
//	[2]     flags: bit0=F bit1=CRCOK bit2=hasAltitude bit3=hasSquawk bit4=hasCallsign
//	[3]     NUC
//	[4:7]   24-bit address
//	[7:9]   altitude (int16 feet, only if hasAltitude)
//	[...:+4] squawk (4 ascii digits, only if hasSquawk)
//	[...:+8] callsign (8 bytes, space padded, only if hasCallsign)
//	[...:+3] raw CPR latitude (only if EType == airborne position)
//	[...:+3] raw CPR longitude (only if EType == airborne position)
const (
	flagF            = 1 << 0
	flagCRCOK        = 1 << 1
	flagHasAltitude  = 1 << 2
	flagHasSquawk    = 1 << 3
	flagHasCallsign  = 1 << 4
	minStubFrameSize = 7
)

var errShortFrame = errors.New("modes: frame too short")

func decodeStub(raw []byte) (*Message, error) {
	if len(raw) < minStubFrameSize {
		return nil, errShortFrame
	}

	flags := raw[2]
	msg := &Message{
		DF:      int(raw[0]),
		EType:   ESType(raw[1]),
		CRCOK:   flags&flagCRCOK != 0,
		F:       flags&flagF != 0,
		NUC:     int(raw[3]),
		Address: uint32(raw[4])<<16 | uint32(raw[5])<<8 | uint32(raw[6]),
	}
	if !msg.CRCOK {
		return nil, ErrDecode
	}

	off := 7
	if flags&flagHasAltitude != 0 {
		if len(raw) < off+2 {
			return nil, errShortFrame
		}
		alt := int(int16(binary.BigEndian.Uint16(raw[off : off+2])))
		msg.Altitude = &alt
		off += 2
	}
	if flags&flagHasSquawk != 0 {
		if len(raw) < off+4 {
			return nil, errShortFrame
		}
		sq := string(raw[off : off+4])
		msg.Squawk = &sq
		off += 4
	}
	if flags&flagHasCallsign != 0 {
		if len(raw) < off+8 {
			return nil, errShortFrame
		}
		cs := string(raw[off : off+8])
		msg.Callsign = &cs
		off += 8
	}
	if msg.EType == ESTypeAirbornePosition {
		if len(raw) < off+6 {
			return nil, errShortFrame
		}
		msg.RawLat = int(raw[off])<<16 | int(raw[off+1])<<8 | int(raw[off+2])
		off += 3
		msg.RawLon = int(raw[off])<<16 | int(raw[off+1])<<8 | int(raw[off+2])
	}

	return msg, nil
}

// EncodeAirbornePosition builds a stub frame carrying an airborne-position
// extended squitter, for use by tests and by loopback harnesses.
func EncodeAirbornePosition(address uint32, f bool, nuc int, altitudeFt int, rawLat, rawLon int) []byte {
	flags := byte(flagCRCOK | flagHasAltitude)
	if f {
		flags |= flagF
	}
	buf := make([]byte, 7+2+3+3)
	buf[0] = 17
	buf[1] = byte(ESTypeAirbornePosition)
	buf[2] = flags
	buf[3] = byte(nuc)
	buf[4] = byte(address >> 16)
	buf[5] = byte(address >> 8)
	buf[6] = byte(address)
	binary.BigEndian.PutUint16(buf[7:9], uint16(int16(altitudeFt)))
	buf[9] = byte(rawLat >> 16)
	buf[10] = byte(rawLat >> 8)
	buf[11] = byte(rawLat)
	buf[12] = byte(rawLon >> 16)
	buf[13] = byte(rawLon >> 8)
	buf[14] = byte(rawLon)
	return buf
}
