// Package band wraps the regional parameter tables with the device-side
// lookups the MAC engine needs each cycle.
package band

import (
	"github.com/pkg/errors"

	"github.com/YKMeIz/lorabasicsmodem/internal/config"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Device-side regional constants. These are fixed by the LoRaWAN regional
// parameters but are not part of the band tables themselves.
const (
	// SyncWord is the public network LoRa sync word.
	SyncWord uint8 = 0x34

	// PreambleLength in symbols, LoRa uplink and downlink.
	PreambleLength uint16 = 8

	// ADRAckLimit and ADRAckDelay define the no-downlink window after which
	// the device starts asking for, then forcing, a data-rate step down.
	ADRAckLimit uint16 = 64
	ADRAckDelay uint16 = 32

	// MaxFCntGap bounds the forward jump accepted on the downlink counter.
	MaxFCntGap uint32 = 16384

	// JoinSF5TimeOnAirMs is the reference time-on-air of a join request at
	// SF5, used by the join backoff estimate. The estimate doubles it per
	// spreading-factor step, which overshoots real time-on-air on purpose.
	JoinSF5TimeOnAirMs uint32 = 20
)

// maxEIRPTable maps the TXParamSetupReq MaxEIRP index to dBm.
var maxEIRPTable = [16]int8{8, 10, 12, 13, 14, 16, 18, 20, 21, 24, 26, 27, 29, 30, 33, 36}

// frequencyRange defines the valid carrier range of a band in Hz.
type frequencyRange struct {
	min uint32
	max uint32
}

var frequencyRanges = map[loraband.Name]frequencyRange{
	loraband.EU868: {863000000, 870000000},
	loraband.US915: {902000000, 928000000},
	loraband.AU915: {915000000, 928000000},
	loraband.CN470: {470000000, 510000000},
}

// maxTXPowerIndex maps a band to its highest valid TXPower index.
var maxTXPowerIndex = map[loraband.Name]uint8{
	loraband.EU868: 7,
	loraband.US915: 10,
	loraband.AU915: 10,
	loraband.CN470: 7,
}

var (
	band     loraband.Band
	bandName loraband.Name

	minDataRate int
	maxDataRate int
)

// Setup configures the package band from the given configuration.
func Setup(c config.Config) error {
	dwellTime := lorawan.DwellTimeNoLimit
	if c.Modem.Band.DownlinkDwellTime400ms {
		dwellTime = lorawan.DwellTime400ms
	}
	bandConfig, err := loraband.GetConfig(c.Modem.Band.Name, c.Modem.Band.RepeaterCompatible, dwellTime)
	if err != nil {
		return errors.Wrap(err, "get band config error")
	}
	band = bandConfig
	bandName = c.Modem.Band.Name

	enabled := band.GetEnabledUplinkDataRates()
	if len(enabled) == 0 {
		return errors.New("band has no enabled uplink data-rates")
	}
	minDataRate = enabled[0]
	maxDataRate = enabled[0]
	for _, i := range enabled {
		if i < minDataRate {
			minDataRate = i
		}
		if i > maxDataRate {
			maxDataRate = i
		}
	}

	return nil
}

// Band returns the configured band.
func Band() loraband.Band {
	return band
}

// Name returns the configured band name.
func Name() loraband.Name {
	return bandName
}

// MinDataRate returns the lowest enabled uplink data-rate index.
func MinDataRate() int {
	return minDataRate
}

// MaxDataRate returns the highest enabled uplink data-rate index.
func MaxDataRate() int {
	return maxDataRate
}

// IsValidDataRate returns true when the given uplink data-rate index exists
// in the regional tables.
func IsValidDataRate(dr int) bool {
	if dr < 0 {
		return false
	}
	for _, i := range band.GetEnabledUplinkDataRates() {
		if i == dr {
			return true
		}
	}
	return false
}

// IsValidRX1DROffset returns true when the offset is defined for the band.
func IsValidRX1DROffset(offset int) bool {
	_, err := band.GetRX1DataRateIndex(maxDataRate, offset)
	return err == nil
}

// IsValidTXPowerIndex returns true when the TXPower index is defined for the
// band.
func IsValidTXPowerIndex(index uint8) bool {
	max, ok := maxTXPowerIndex[bandName]
	if !ok {
		return false
	}
	return index <= max
}

// IsValidUplinkFrequency returns true when the frequency falls inside the
// band's carrier range. Zero is never valid here; a zero NewChannelReq
// frequency means "disable" and is handled by the caller.
func IsValidUplinkFrequency(freq uint32) bool {
	r, ok := frequencyRanges[bandName]
	if !ok {
		return false
	}
	return freq >= r.min && freq <= r.max
}

// IsValidDownlinkFrequency returns true when the frequency falls inside the
// band's carrier range.
func IsValidDownlinkFrequency(freq uint32) bool {
	return IsValidUplinkFrequency(freq)
}

// MaxPayloadSizeForDataRate returns the maximum application payload size (N)
// for the given data-rate index.
func MaxPayloadSizeForDataRate(dr int) (int, error) {
	s, err := band.GetMaxPayloadSizeForDataRateIndex("", "", dr)
	if err != nil {
		return 0, errors.Wrap(err, "get max payload size error")
	}
	return s.N, nil
}

// RX1DataRateForOffset returns the RX1 downlink data-rate for the given
// uplink data-rate and RX1 data-rate offset.
func RX1DataRateForOffset(uplinkDR, offset int) (int, error) {
	dr, err := band.GetRX1DataRateIndex(uplinkDR, offset)
	if err != nil {
		return 0, errors.Wrap(err, "get rx1 data-rate error")
	}
	return dr, nil
}

// ReceiveDelay1 returns the default RECEIVE_DELAY1 in seconds.
func ReceiveDelay1() uint8 {
	return uint8(band.GetDefaults().ReceiveDelay1.Seconds())
}

// RX2Defaults returns the default RX2 frequency and data-rate.
func RX2Defaults() (uint32, int) {
	d := band.GetDefaults()
	return d.RX2Frequency, d.RX2DataRate
}

// MaxEIRPForIndex returns the dBm value for a TXParamSetupReq MaxEIRP index.
func MaxEIRPForIndex(index uint8) int8 {
	return maxEIRPTable[index&0x0F]
}

// DefaultMaxEIRPIndex is the boot value of the MaxEIRP index before any
// TXParamSetupReq is received.
const DefaultMaxEIRPIndex uint8 = 13

// DecodeFrequency decodes a 3-byte little-endian wire frequency field
// (unit 100 Hz) into Hz.
func DecodeFrequency(b []byte) uint32 {
	return (uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16) * 100
}
