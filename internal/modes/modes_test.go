package modes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNLSymmetricInLatitudeSign(t *testing.T) {
	for _, lat := range []float64{0, 10, 45, 60, 89} {
		assert.Equal(t, NL(lat), NL(-lat), "NL must only depend on |lat|")
	}
}

func TestNLMonotonicallyDecreasesTowardThePoles(t *testing.T) {
	prev := NL(0)
	for lat := 5.0; lat < 90; lat += 5 {
		cur := NL(lat)
		assert.LessOrEqual(t, cur, prev, "NL must be non-increasing as latitude grows")
		prev = cur
	}
}

func TestStubDecodeRoundTripsAirbornePosition(t *testing.T) {
	raw := EncodeAirbornePosition(0x4840D6, false, 7, 10025, 0x12345, 0x23456)

	msg, err := StubDecoder{}.Decode(raw)
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, uint32(0x4840D6), msg.Address)
	assert.Equal(t, 17, msg.DF)
	assert.Equal(t, ESTypeAirbornePosition, msg.EType)
	assert.True(t, msg.CRCOK)
	assert.False(t, msg.F)
	assert.Equal(t, 7, msg.NUC)
	require.NotNil(t, msg.Altitude)
	assert.Equal(t, 10025, *msg.Altitude)
	assert.Equal(t, 0x12345, msg.RawLat)
	assert.Equal(t, 0x23456, msg.RawLon)
}

func TestStubDecodeRejectsShortFrames(t *testing.T) {
	_, err := StubDecoder{}.Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}
