package mac

import (
	log "github.com/sirupsen/logrus"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/monitoring"
	"github.com/brocaar/lorawan"
)

// Downlink request record sizes, CID byte included.
var cmdReqSize = map[lorawan.CID]int{
	lorawan.LinkCheckAns:     3,
	lorawan.LinkADRReq:       5,
	lorawan.DutyCycleReq:     2,
	lorawan.RXParamSetupReq:  5,
	lorawan.DevStatusReq:     1,
	lorawan.NewChannelReq:    6,
	lorawan.RXTimingSetupReq: 2,
	lorawan.TXParamSetupReq:  2,
	lorawan.DLChannelReq:     5,
}

// Uplink answer record sizes, CID byte included. Used by answerCut to trim
// on whole-record boundaries.
var cmdAnsSize = map[lorawan.CID]int{
	lorawan.LinkCheckReq:     1,
	lorawan.LinkADRAns:       2,
	lorawan.DutyCycleAns:     1,
	lorawan.RXParamSetupAns:  2,
	lorawan.DevStatusAns:     3,
	lorawan.NewChannelAns:    2,
	lorawan.RXTimingSetupAns: 1,
	lorawan.TXParamSetupAns:  1,
	lorawan.DLChannelAns:     2,
}

const linkADRReqSize = 5

// processCommands walks the received MAC command buffer record by record.
// An unknown opcode makes the remaining offsets meaningless, so parsing
// stops there and the rest of the buffer is dropped.
func (s *Session) processCommands() {
	i := 0
	for i < s.nwkPayloadSize {
		cid := lorawan.CID(s.nwkPayload[i])

		size, known := cmdReqSize[cid]
		if !known {
			log.WithFields(log.Fields{
				"cid":    int(cid),
				"offset": i,
			}).Warning("mac: unknown mac command, dropping remaining buffer")
			monitoring.MalformedCommandCycleCounter.Inc()
			s.nwkPayloadSize = 0
			return
		}
		if i+size > s.nwkPayloadSize {
			log.WithFields(log.Fields{
				"cid":    int(cid),
				"offset": i,
			}).Warning("mac: truncated mac command, dropping remaining buffer")
			monitoring.MalformedCommandCycleCounter.Inc()
			s.nwkPayloadSize = 0
			return
		}

		monitoring.MACCommandCounter.WithLabelValues(cid.String()).Inc()

		switch cid {
		case lorawan.LinkCheckAns:
			s.parseLinkCheckAns(i)
			i += size
		case lorawan.LinkADRReq:
			// Consecutive LinkADR requests form one atomic block.
			n := 1
			for i+(n*linkADRReqSize) < s.nwkPayloadSize &&
				lorawan.CID(s.nwkPayload[i+(n*linkADRReqSize)]) == lorawan.LinkADRReq {
				n++
			}
			s.parseLinkADRReq(i, n)
			i += n * linkADRReqSize
		case lorawan.DutyCycleReq:
			s.parseDutyCycleReq(i)
			i += size
		case lorawan.RXParamSetupReq:
			s.parseRXParamSetupReq(i)
			i += size
		case lorawan.DevStatusReq:
			s.parseDevStatusReq(i)
			i += size
		case lorawan.NewChannelReq:
			s.parseNewChannelReq(i)
			i += size
		case lorawan.RXTimingSetupReq:
			s.parseRXTimingSetupReq(i)
			i += size
		case lorawan.TXParamSetupReq:
			s.parseTXParamSetupReq(i)
			i += size
		case lorawan.DLChannelReq:
			s.parseDLChannelReq(i)
			i += size
		}
	}
	s.nwkPayloadSize = 0
}

// pushAns appends an answer record to the per-cycle answer buffer.
func (s *Session) pushAns(b ...byte) {
	if s.ansCurrentSize+len(b) > ansBufSize {
		return
	}
	s.ansCurrentSize += copy(s.ansCurrent[s.ansCurrentSize:], b)
}

// pushStickyAns appends an answer that must be repeated on every uplink
// until a downlink confirms reception.
func (s *Session) pushStickyAns(b ...byte) {
	if s.ansStickySize+len(b) > ansBufSize {
		return
	}
	s.ansStickySize += copy(s.ansSticky[s.ansStickySize:], b)
}

func (s *Session) parseLinkCheckAns(i int) {
	var cmd lorawan.MACCommand
	if err := cmd.UnmarshalBinary(false, s.nwkPayload[i:i+3]); err != nil {
		log.WithError(err).Warning("mac: link check ans unmarshal error")
		return
	}
	pl := cmd.Payload.(*lorawan.LinkCheckAnsPayload)
	s.linkCheckMargin = pl.Margin
	s.linkCheckGwCnt = pl.GwCnt

	log.WithFields(log.Fields{
		"margin": pl.Margin,
		"gw_cnt": pl.GwCnt,
	}).Info("mac: link check answer received")
}

// parseLinkADRReq handles a block of n consecutive LinkADR requests. The
// channel masks of all records combine into one plan; data-rate, power and
// NbTrans come from the last record. The block is atomic: every field
// applies or none does, and one shared status answers every record.
func (s *Session) parseLinkADRReq(i, n int) {
	statusAns := uint8(0x7)

	var unwrapped [maxChannels]bool
	maskTouched := false
	cntlValid := true

	var last *lorawan.LinkADRReqPayload
	for r := 0; r < n; r++ {
		var cmd lorawan.MACCommand
		if err := cmd.UnmarshalBinary(false, s.nwkPayload[i+r*linkADRReqSize:i+(r+1)*linkADRReqSize]); err != nil {
			log.WithError(err).Warning("mac: link adr req unmarshal error")
			cntlValid = false
			continue
		}
		pl := cmd.Payload.(*lorawan.LinkADRReqPayload)
		last = pl

		switch pl.Redundancy.ChMaskCntl {
		case 0:
			for c := 0; c < maxChannels; c++ {
				unwrapped[c] = pl.ChMask[c]
			}
			maskTouched = true
		case 6:
			for c := 0; c < maxChannels; c++ {
				unwrapped[c] = s.plan[c].frequencyHz != 0
			}
			maskTouched = true
		default:
			cntlValid = false
		}
	}

	if !cntlValid {
		statusAns &= 0x6
		log.Warning("mac: link adr req with invalid channel mask cntl")
	}

	// The combined mask must address defined channels only and keep at
	// least one enabled.
	maskValid := maskTouched
	anyEnabled := false
	for c := 0; c < maxChannels; c++ {
		if !unwrapped[c] {
			continue
		}
		anyEnabled = true
		if s.plan[c].frequencyHz == 0 {
			maskValid = false
		}
	}
	if !anyEnabled {
		maskValid = false
	}
	if !maskValid {
		statusAns &= 0x6
		log.Warning("mac: link adr req with invalid channel mask")
	}

	if last == nil {
		statusAns &= 0x6
	} else {
		if !s.isAcceptableDataRate(int(last.DataRate), unwrapped) {
			statusAns &= 0x5
			log.WithFields(log.Fields{
				"data_rate": last.DataRate,
			}).Warning("mac: link adr req with invalid data-rate")
		}
		if !band.IsValidTXPowerIndex(last.TXPower) {
			statusAns &= 0x3
			log.WithFields(log.Fields{
				"tx_power": last.TXPower,
			}).Warning("mac: link adr req with invalid tx power")
		}
	}

	if statusAns == 0x7 {
		for c := 0; c < maxChannels; c++ {
			if s.plan[c].frequencyHz != 0 {
				s.plan[c].enabled = unwrapped[c]
			}
		}
		s.txDataRate = int(last.DataRate)
		s.txPowerIndex = last.TXPower
		s.nbTrans = last.Redundancy.NbRep

		log.WithFields(log.Fields{
			"data_rate": s.txDataRate,
			"tx_power":  s.txPowerIndex,
			"nb_trans":  s.nbTrans,
		}).Info("mac: link adr applied")
	}

	for r := 0; r < n; r++ {
		s.pushAns(byte(lorawan.LinkADRAns), statusAns)
	}
}

// isAcceptableDataRate reports whether dr is defined for the band and
// served by at least one channel of the candidate mask.
func (s *Session) isAcceptableDataRate(dr int, mask [maxChannels]bool) bool {
	if !band.IsValidDataRate(dr) {
		return false
	}
	for c := 0; c < maxChannels; c++ {
		if mask[c] && s.plan[c].frequencyHz != 0 && dr >= s.plan[c].drMin && dr <= s.plan[c].drMax {
			return true
		}
	}
	return false
}

func (s *Session) parseDutyCycleReq(i int) {
	var cmd lorawan.MACCommand
	if err := cmd.UnmarshalBinary(false, s.nwkPayload[i:i+2]); err != nil {
		log.WithError(err).Warning("mac: duty cycle req unmarshal error")
		return
	}
	pl := cmd.Payload.(*lorawan.DutyCycleReqPayload)
	s.maxDutyCycleIndex = pl.MaxDCycle & 0x0F

	log.WithFields(log.Fields{
		"max_duty_cycle": s.maxDutyCycleIndex,
	}).Info("mac: duty cycle applied")

	s.pushAns(byte(lorawan.DutyCycleAns))
}

func (s *Session) parseRXParamSetupReq(i int) {
	statusAns := uint8(0x7)

	var cmd lorawan.MACCommand
	if err := cmd.UnmarshalBinary(false, s.nwkPayload[i:i+5]); err != nil {
		log.WithError(err).Warning("mac: rx param setup req unmarshal error")
		return
	}
	pl := cmd.Payload.(*lorawan.RXParamSetupReqPayload)

	rx1DROffset := int(pl.DLSettings.RX1DROffset)
	rx2DataRate := int(pl.DLSettings.RX2DataRate)

	if !band.IsValidRX1DROffset(rx1DROffset) {
		statusAns &= 0x6
		log.Warning("mac: rx param setup with invalid rx1 dr offset")
	}
	if !band.IsValidDataRate(rx2DataRate) {
		statusAns &= 0x5
		log.Warning("mac: rx param setup with invalid rx2 data-rate")
	}
	if !band.IsValidDownlinkFrequency(pl.Frequency) {
		statusAns &= 0x3
		log.Warning("mac: rx param setup with invalid rx2 frequency")
	}

	if statusAns == 0x7 {
		s.rx1DROffset = rx1DROffset
		s.rx2DataRate = rx2DataRate
		s.rx2FreqHz = pl.Frequency

		log.WithFields(log.Fields{
			"rx1_dr_offset": rx1DROffset,
			"rx2_dr":        rx2DataRate,
			"rx2_frequency": pl.Frequency,
		}).Info("mac: rx param setup applied")
	}

	s.pushStickyAns(byte(lorawan.RXParamSetupAns), statusAns)
}

func (s *Session) parseDevStatusReq(i int) {
	s.pushAns(byte(lorawan.DevStatusAns), s.battery(), byte(s.rxSNR)&0x3F)
}

func (s *Session) parseNewChannelReq(i int) {
	statusAns := uint8(0x3)

	var cmd lorawan.MACCommand
	if err := cmd.UnmarshalBinary(false, s.nwkPayload[i:i+6]); err != nil {
		log.WithError(err).Warning("mac: new channel req unmarshal error")
		return
	}
	pl := cmd.Payload.(*lorawan.NewChannelReqPayload)

	if int(pl.ChIndex) >= maxChannels {
		statusAns &= 0x0
		log.Warning("mac: new channel req with invalid channel index")
	}
	// Frequency zero disables the channel and is always acceptable.
	if pl.Freq != 0 && !band.IsValidUplinkFrequency(pl.Freq) {
		statusAns &= 0x2
		log.Warning("mac: new channel req with invalid frequency")
	}
	if !band.IsValidDataRate(int(pl.MinDR)) {
		statusAns &= 0x1
		log.Warning("mac: new channel req with invalid min data-rate")
	}
	if !band.IsValidDataRate(int(pl.MaxDR)) {
		statusAns &= 0x1
		log.Warning("mac: new channel req with invalid max data-rate")
	}
	if pl.MaxDR < pl.MinDR {
		statusAns &= 0x1
		log.Warning("mac: new channel req with max data-rate below min")
	}

	if statusAns == 0x3 {
		rx1Freq := pl.Freq
		if f, err := band.Band().GetRX1FrequencyForUplinkFrequency(pl.Freq); err == nil {
			rx1Freq = f
		}
		s.plan[pl.ChIndex] = channel{
			frequencyHz:    pl.Freq,
			rx1FrequencyHz: rx1Freq,
			drMin:          int(pl.MinDR),
			drMax:          int(pl.MaxDR),
			enabled:        pl.Freq != 0,
		}
		log.WithFields(log.Fields{
			"channel":   pl.ChIndex,
			"frequency": pl.Freq,
			"dr_min":    pl.MinDR,
			"dr_max":    pl.MaxDR,
		}).Info("mac: new channel applied")
	}

	s.pushAns(byte(lorawan.NewChannelAns), statusAns)
}

func (s *Session) parseRXTimingSetupReq(i int) {
	var cmd lorawan.MACCommand
	if err := cmd.UnmarshalBinary(false, s.nwkPayload[i:i+2]); err != nil {
		log.WithError(err).Warning("mac: rx timing setup req unmarshal error")
		return
	}
	pl := cmd.Payload.(*lorawan.RXTimingSetupReqPayload)

	s.rx1DelayS = pl.Delay & 0x0F
	if s.rx1DelayS == 0 {
		s.rx1DelayS = 1
	}

	log.WithFields(log.Fields{
		"rx1_delay": s.rx1DelayS,
	}).Info("mac: rx timing setup applied")

	s.pushStickyAns(byte(lorawan.RXTimingSetupAns))
}

func (s *Session) parseTXParamSetupReq(i int) {
	b := s.nwkPayload[i+1]

	s.maxEIRPIndex = b & 0x0F
	s.uplinkDwellTime = (b & 0x10) >> 4
	s.downlinkDwellTime = (b & 0x20) >> 5

	log.WithFields(log.Fields{
		"max_eirp":            band.MaxEIRPForIndex(s.maxEIRPIndex),
		"uplink_dwell_time":   s.uplinkDwellTime,
		"downlink_dwell_time": s.downlinkDwellTime,
	}).Info("mac: tx param setup applied")

	s.pushStickyAns(byte(lorawan.TXParamSetupAns))
}

func (s *Session) parseDLChannelReq(i int) {
	statusAns := uint8(0x3)

	var cmd lorawan.MACCommand
	if err := cmd.UnmarshalBinary(false, s.nwkPayload[i:i+5]); err != nil {
		log.WithError(err).Warning("mac: dl channel req unmarshal error")
		return
	}
	pl := cmd.Payload.(*lorawan.DLChannelReqPayload)

	// The downlink override only makes sense for a defined uplink channel.
	if int(pl.ChIndex) >= maxChannels || s.plan[pl.ChIndex].frequencyHz == 0 {
		statusAns &= 0x1
		log.Warning("mac: dl channel req with invalid channel index")
	}
	if !band.IsValidDownlinkFrequency(pl.Freq) {
		statusAns &= 0x2
		log.Warning("mac: dl channel req with invalid frequency")
	}

	if statusAns == 0x3 {
		s.plan[pl.ChIndex].rx1FrequencyHz = pl.Freq
		log.WithFields(log.Fields{
			"channel":       pl.ChIndex,
			"rx1_frequency": pl.Freq,
		}).Info("mac: dl channel applied")
	}

	s.pushStickyAns(byte(lorawan.DLChannelAns), statusAns)
}

// answerCut returns the length of the longest whole-record prefix of the
// answer buffer that fits in max bytes.
func answerCut(ans []byte, max int) int {
	i := 0
	for i < len(ans) {
		size, known := cmdAnsSize[lorawan.CID(ans[i])]
		if !known {
			break
		}
		if i+size > max {
			break
		}
		i += size
	}
	return i
}
