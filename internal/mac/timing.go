package mac

import (
	"encoding/binary"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/radio"
	loraband "github.com/brocaar/lorawan/band"
)

// OnRadioEvent is the radio scheduler completion callback. It interprets
// the task outcome, pre-filters received packets and advances the radio
// process state machine. Everything heavier runs in Update.
func (s *Session) OnRadioEvent(timestampMs uint32, status radio.Status, rxSize int, snr int8) {
	s.rxWindowArmed = false

	switch status {
	case radio.StatusTxDone:
	case radio.StatusRxPacket:
		s.rxSize = rxSize
		s.rxSNR = snr
		if !s.downlinkCheckUnderIT() {
			// Not for us; the window is spent either way.
			log.Debug("mac: received packet rejected by pre-filter")
			s.rxSize = 0
			status = radio.StatusRxTimeout
		}
	case radio.StatusRxTimeout:
	default:
		log.WithFields(log.Fields{
			"status": status,
		}).Error("mac: radio task completed with error status")
	}
	s.rxStatus = status

	switch s.state {
	case stateTxOn:
		// Timestamp is taken on the TX done event only; every receive
		// window is anchored to it.
		s.isrTimestampMs = timestampMs
		s.state = stateTxFinished
	case stateTxFinished:
		s.state = stateRx1Finished
		s.rxWindow = RX1
	case stateRx1Finished:
		s.state = stateIdle
		s.rxWindow = RX2
	default:
		s.onFatal(FatalError{Reason: "unknown radio process state " + s.state.String()})
	}
}

// downlinkCheckUnderIT is the cheap packet filter run directly on task
// completion: message type must be a downlink and, once joined, the
// address must be ours. It keeps the engine from burning a receive window
// on foreign traffic.
func (s *Session) downlinkCheckUnderIT() bool {
	if s.rxSize < 1 {
		return false
	}

	mType := s.rxBuf[0] >> 5
	if mType == mTypeJoinRequest || mType == mTypeUnconfirmedDataUp ||
		mType == mTypeConfirmedDataUp || mType == mTypeRejoinRequest {
		return false
	}

	if s.joined {
		if s.rxSize < 5 {
			return false
		}
		if binary.LittleEndian.Uint32(s.rxBuf[1:5]) != s.devAddr {
			return false
		}
	}
	return true
}

// rxWindowDataRate returns the downlink data-rate index of a window.
func (s *Session) rxWindowDataRate(w RxWindow) (int, error) {
	if w == RX2 {
		return s.rx2DataRate, nil
	}
	return band.RX1DataRateForOffset(s.txDataRate, s.rx1DROffset)
}

// rxWindowFrequency returns the downlink frequency of a window.
func (s *Session) rxWindowFrequency(w RxWindow) uint32 {
	if w == RX2 {
		return s.rx2FreqHz
	}
	return s.plan[s.channelIndex].rx1FrequencyHz
}

// computeRxWindowParameters derives the symbol count, the start offset and
// the timeout of a receive window from the modulation and the clock error
// accumulated over the receive delay.
func (s *Session) computeRxWindowParameters(dr loraband.DataRate, rxDelayMs uint32) {
	rxErrorMs := (s.clockAccuracy * rxDelayMs) / 1000

	var tSymbol float64
	var windowSymb uint32

	if dr.Modulation == loraband.LoRaModulation {
		bw := uint32(dr.Bandwidth)
		if bw == 0 {
			bw = 125
		}
		sf := uint(dr.SpreadFactor)
		tSymbol = float64(uint32(1)<<sf) / float64(bw)
		windowSymb = (2*minRxSymbols - 8) + ((2 * rxErrorMs * bw) >> sf) + 1
	} else {
		// One FSK symbol is one byte.
		kbps := uint32(dr.BitRate) / 1000
		if kbps == 0 {
			kbps = 50
		}
		tSymbol = 8.0 / float64(kbps)
		windowSymb = (2*minRxSymbols - 8) + ((2 * rxErrorMs * kbps) >> 3) + 1
	}
	if windowSymb < minRxSymbols {
		windowSymb = minRxSymbols
	}

	s.rxWindowSymb = windowSymb
	s.rxOffsetMs = -int32(math.Ceil(4.0*tSymbol - (float64(windowSymb)*tSymbol)/2.0 - float64(s.boardDelayMs)))
	s.rxTimeoutMs = uint32(math.Ceil(float64(windowSymb) * tSymbol))
}

// configureRxWindow computes the window parameters and schedules the
// receive task, anchored to the TX done timestamp. A window that can no
// longer be met is skipped by moving the state machine forward without a
// radio submission.
func (s *Session) configureRxWindow(w RxWindow) {
	delayMs := uint32(s.rx1DelayS) * 1000
	if s.txMType == mTypeJoinRequest {
		delayMs = joinAcceptDelay1Ms
	}
	if w == RX2 {
		delayMs += 1000
	}

	drIdx, err := s.rxWindowDataRate(w)
	if err != nil {
		s.onFatal(FatalError{Reason: "rx window data-rate is not defined for the band"})
		return
	}
	dr, err := band.Band().GetDataRate(drIdx)
	if err != nil {
		s.onFatal(FatalError{Reason: "rx window data-rate is not defined for the band"})
		return
	}

	s.computeRxWindowParameters(dr, delayMs)

	nowMs := s.clock.NowMs()
	tAlarmMs := delayMs + s.isrTimestampMs - nowMs
	if int32(tAlarmMs-uint32(s.rxOffsetMs)) < 0 {
		log.WithFields(log.Fields{
			"window": w,
		}).Warning("mac: too late to open receive window, skipped")
		s.skipRxWindow(w)
		return
	}

	startTimeMs := s.clock.NowMs() + tAlarmMs - uint32(s.rxOffsetMs)

	task := radio.Task{
		Hook:        s.hook,
		StartTimeMs: startTimeMs,
		Scheduled:   true,
		DurationMs:  s.rxTimeoutMs,
	}

	var params radio.Params
	if dr.Modulation == loraband.LoRaModulation {
		task.Type = radio.TaskRxLoRa
		params.LoRa = radio.LoRaParams{
			FrequencyHz:     s.rxWindowFrequency(w),
			SpreadingFactor: uint8(dr.SpreadFactor),
			BandwidthKHz:    uint32(dr.Bandwidth),
			SyncWord:        band.SyncWord,
			PreambleLength:  band.PreambleLength,
			InvertIQ:        true,
			CRCOn:           false,
			SymbTimeout:     s.rxWindowSymb,
		}
	} else {
		task.Type = radio.TaskRxFSK
		params.FSK = radio.FSKParams{
			FrequencyHz: s.rxWindowFrequency(w),
			BitRate:     uint32(dr.BitRate),
			TimeoutMs:   s.rxTimeoutMs,
		}
	}

	if err := s.scheduler.Enqueue(task, s.rxBuf[:], params); err != nil {
		log.WithFields(log.Fields{
			"window": w,
		}).Warning("mac: radio scheduler busy, receive window lost")
		s.skipRxWindow(w)
		return
	}

	s.rxWindowArmed = true
	log.WithFields(log.Fields{
		"window":     w,
		"start_ms":   startTimeMs,
		"symbols":    s.rxWindowSymb,
		"timeout_ms": s.rxTimeoutMs,
		"frequency":  s.rxWindowFrequency(w),
		"data_rate":  drIdx,
	}).Debug("mac: receive window scheduled")
}

// skipRxWindow advances the state machine as if the window had timed out.
func (s *Session) skipRxWindow(w RxWindow) {
	s.rxStatus = radio.StatusRxTimeout
	switch w {
	case RX1:
		s.state = stateRx1Finished
	case RX2:
		s.state = stateIdle
	default:
		s.onFatal(FatalError{Reason: "unknown receive window"})
	}
}
