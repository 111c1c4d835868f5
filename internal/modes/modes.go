// Package modes defines the narrow interface contract the core multilateration
// engine needs from a Mode S / ADS-B frame decoder. Full DF-type dispatch and
// CRC checking are deliberately out of scope for this repository: this
// package only carries the decoded fields clocktrack and mlattrack actually
// consume, plus the CPR global-decode algorithm, and leaves the bit-level
// frame parsing to a pluggable Decoder.
package modes

import "errors"

// ESType identifies the extended-squitter subtype of a DF17 message that
// matters to the core engine. Other subtypes decode fine but are reported
// as ESTypeOther.
type ESType int

const (
	ESTypeOther ESType = iota
	ESTypeAirbornePosition
)

// Message is the decoded view of a single Mode S frame that the core engine
// needs. A production deployment supplies a Decoder backed by a real bit-level
// parser; this package's default Decode is a minimal, spec-documented stub.
type Message struct {
	Address uint32
	DF      int
	CRCOK   bool
	EType   ESType

	F   bool // CPR format flag: false = even, true = odd
	NUC int  // navigation uncertainty category

	Altitude *int // feet, nil if absent
	Squawk   *string
	Callsign *string

	// Raw CPR-encoded lat/lon fields, only meaningful when EType is
	// ESTypeAirbornePosition.
	RawLat int
	RawLon int
}

// ErrDecode is returned by the stub decoder for a frame whose CRC-ok flag is
// not set. A frame too short for the fields it declares fails with a
// separate error, and the DF value is not checked. Callers treat any decode
// failure as "silently drop the frame".
var ErrDecode = errors.New("modes: frame could not be decoded")

// Decoder is the seam the core engine depends on. Swap in a real decoder
// (CRC checking, full DF dispatch, CPR decode) without touching any other
// package.
type Decoder interface {
	Decode(raw []byte) (*Message, error)
}

// StubDecoder is a minimal Decoder good enough to exercise the clocktrack and
// mlattrack call sites in tests and in deployments that supply pre-decoded
// frames out of band (e.g. a sidecar process). It expects raw to already be
// a little encoding produced by EncodeAirbornePosition (see stub.go) rather than a
// real over-the-air Mode S frame.
type StubDecoder struct{}

// Decode implements Decoder.
func (StubDecoder) Decode(raw []byte) (*Message, error) {
	return decodeStub(raw)
}

// DefaultDecoder is used wherever the core engine needs a Decoder and none
// was explicitly wired in (e.g. by tests).
var DefaultDecoder Decoder = StubDecoder{}
