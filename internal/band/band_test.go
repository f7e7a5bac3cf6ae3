package band

import (
	"os"
	"testing"

	loraband "github.com/brocaar/lorawan/band"
	"github.com/stretchr/testify/require"

	"github.com/YKMeIz/lorabasicsmodem/internal/config"
)

func TestMain(m *testing.M) {
	var c config.Config
	c.Modem.Band.Name = loraband.EU868
	if err := Setup(c); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

func TestSetup(t *testing.T) {
	assert := require.New(t)

	assert.Equal(loraband.EU868, Name())
	assert.Equal(0, MinDataRate())
	assert.True(MaxDataRate() >= 5)
	assert.EqualValues(1, ReceiveDelay1())

	freq, dr := RX2Defaults()
	assert.EqualValues(869525000, freq)
	assert.Equal(0, dr)
}

func TestIsValidDataRate(t *testing.T) {
	tests := []struct {
		dr    int
		valid bool
	}{
		{0, true},
		{5, true},
		{-1, false},
		{15, false},
		{100, false},
	}

	for _, tst := range tests {
		assert := require.New(t)
		assert.Equal(tst.valid, IsValidDataRate(tst.dr), "data-rate %d", tst.dr)
	}
}

func TestIsValidTXPowerIndex(t *testing.T) {
	assert := require.New(t)

	assert.True(IsValidTXPowerIndex(0))
	assert.True(IsValidTXPowerIndex(7))
	assert.False(IsValidTXPowerIndex(8))
	assert.False(IsValidTXPowerIndex(15))
}

func TestFrequencyValidation(t *testing.T) {
	assert := require.New(t)

	assert.True(IsValidUplinkFrequency(868100000))
	assert.True(IsValidUplinkFrequency(863000000))
	assert.True(IsValidUplinkFrequency(870000000))
	assert.False(IsValidUplinkFrequency(900000000))
	assert.False(IsValidUplinkFrequency(0))

	assert.True(IsValidDownlinkFrequency(869525000))
	assert.False(IsValidDownlinkFrequency(433000000))
}

func TestRX1DataRateForOffset(t *testing.T) {
	tests := []struct {
		uplinkDR int
		offset   int
		expected int
	}{
		{0, 0, 0},
		{5, 0, 5},
		{5, 2, 3},
		{5, 5, 0},
	}

	for _, tst := range tests {
		assert := require.New(t)

		dr, err := RX1DataRateForOffset(tst.uplinkDR, tst.offset)
		assert.NoError(err)
		assert.Equal(tst.expected, dr)
	}
}

func TestMaxPayloadSizeForDataRate(t *testing.T) {
	assert := require.New(t)

	n, err := MaxPayloadSizeForDataRate(0)
	assert.NoError(err)
	assert.Equal(51, n)

	n, err = MaxPayloadSizeForDataRate(5)
	assert.NoError(err)
	assert.True(n > 51)
}

func TestMaxEIRPForIndex(t *testing.T) {
	assert := require.New(t)

	assert.EqualValues(8, MaxEIRPForIndex(0))
	assert.EqualValues(30, MaxEIRPForIndex(13))
	assert.EqualValues(36, MaxEIRPForIndex(15))
	// The index wraps on its low nibble.
	assert.EqualValues(8, MaxEIRPForIndex(16))
}

func TestDecodeFrequency(t *testing.T) {
	assert := require.New(t)

	// 868100000 Hz = 8681000 * 100, little-endian on the wire.
	assert.EqualValues(868100000, DecodeFrequency([]byte{0x28, 0x76, 0x84}))
	assert.EqualValues(0, DecodeFrequency([]byte{0, 0, 0}))
}
