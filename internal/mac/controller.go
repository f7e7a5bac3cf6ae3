package mac

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/logging"
	"github.com/YKMeIz/lorabasicsmodem/internal/radio"
)

// Update runs one controller cycle. The supervisor calls it after every
// radio event and on its periodic tick; the call is idempotent while the
// radio is busy.
func (s *Session) Update(ctx context.Context) error {
	switch s.state {
	case stateTxOn:
		// Radio still owns the frame.
		return nil

	case stateTxFinished:
		if !s.rxWindowArmed {
			s.configureRxWindow(RX1)
			// A skipped window moves the state forward; fall through on
			// the next call.
		}
		return nil

	case stateRx1Finished:
		if s.rxStatus == radio.StatusRxPacket {
			if s.processDownlink(ctx) {
				s.state = stateIdle
				return s.finishCycle(ctx)
			}
			// A rejected frame spends the window like a timeout; RX2
			// still opens.
		}
		if !s.rxWindowArmed {
			s.configureRxWindow(RX2)
		}
		return nil

	case stateIdle:
		if !s.cyclePending {
			return nil
		}
		if s.rxStatus == radio.StatusRxPacket {
			s.processDownlink(ctx)
		}
		return s.finishCycle(ctx)
	}
	return nil
}

// processDownlink decodes the received frame and runs any MAC commands it
// carried. It reports whether the frame was accepted.
func (s *Session) processDownlink(ctx context.Context) bool {
	packetType, err := s.decodeDownlink()
	s.rxStatus = radio.StatusNone
	if err != nil {
		log.WithFields(log.Fields{
			"ctx_id": logging.ContextID(ctx),
			"window": s.rxWindow,
		}).WithError(err).Warning("mac: downlink rejected")
		return false
	}

	s.rxPacket = packetType
	log.WithFields(log.Fields{
		"ctx_id":      logging.ContextID(ctx),
		"window":      s.rxWindow,
		"packet_type": packetType,
		"f_cnt_down":  s.fCntDown,
	}).Info("mac: downlink accepted")

	if s.nwkPayloadSize > 0 {
		s.processCommands()
	}
	return true
}

// finishCycle closes one TX/RX1/RX2 run: join backoff, ADR bookkeeping,
// retransmission countdown and MAC answer assembly, in that order.
func (s *Session) finishCycle(ctx context.Context) error {
	s.cyclePending = false

	s.updateDutyCycleTimeOff()

	if s.txMType == mTypeJoinRequest {
		if !s.joined {
			s.scheduleNextJoin()
		}
		return nil
	}

	if err := s.updateADR(ctx); err != nil {
		return err
	}

	s.updateRetransmission()
	s.assembleAnswers()

	switch s.ansToSend {
	case userFrameToRetransmit:
		s.ansToSend = noFrameToSend
		s.nextChannel()
		return s.txRadioStart()
	case nwkFrameToSend:
		s.ansToSend = noFrameToSend
		return s.sendNetworkFrame()
	}
	return nil
}

// scheduleNextJoin applies the join duty-cycle backoff. The estimate
// doubles a reference SF5 time-on-air per spreading-factor step, which
// deliberately overshoots the true time-on-air: a cheap bound beats an
// exact one here, the constraint is regulatory.
func (s *Session) scheduleNextJoin() {
	nowS := s.clock.NowS()

	sf := uint32(7)
	if dr, err := s.currentDataRate(); err == nil && dr.SpreadFactor >= 5 {
		sf = uint32(dr.SpreadFactor)
	}
	toa := band.JoinSF5TimeOnAirMs << (sf - 5)

	elapsedS := nowS - s.firstJoinTimeS
	switch {
	case elapsedS < 3600:
		s.nextJoinTimeS = nowS + toa/10
	case elapsedS < 11*3600:
		s.nextJoinTimeS = nowS + toa
	default:
		s.nextJoinTimeS = nowS + toa*10
	}

	log.WithFields(log.Fields{
		"next_join_s": s.nextJoinTimeS,
	}).Info("mac: join attempt failed, backoff armed")
}

// updateADR runs the link watchdog: request a downlink proof of life
// inside the ack window, force the data-rate down past it, and give up
// entirely once the combined counters hit the ceiling.
func (s *Session) updateADR(ctx context.Context) error {
	if !s.joined {
		return nil
	}

	limit := uint16(band.ADRAckLimit)
	delay := uint16(band.ADRAckDelay)

	if s.adrEnabled {
		s.adrAckReq = s.adrAckCnt >= limit && s.adrAckCnt <= limit+delay

		if s.adrAckCnt >= limit+delay {
			if s.txDataRate > band.MinDataRate() {
				s.txDataRate--
				s.adrAckCnt = limit
				log.WithFields(log.Fields{
					"ctx_id":    logging.ContextID(ctx),
					"data_rate": s.txDataRate,
				}).Warning("mac: no downlink inside adr window, stepping data-rate down")
			}
		}
	}

	if s.adrAckCntConfirmed >= adrLimitConfirmedUp {
		s.adrAckCntConfirmed = 0
		if s.txDataRate > band.MinDataRate() {
			s.txDataRate--
			log.WithFields(log.Fields{
				"ctx_id":    logging.ContextID(ctx),
				"data_rate": s.txDataRate,
			}).Warning("mac: confirmed uplinks unacknowledged, stepping data-rate down")
		}
	}

	if uint32(s.adrAckCnt)+uint32(s.adrAckCntConfirmed) >= noRxPacketCnt {
		err := FatalError{Reason: "no downlink received within the link watchdog ceiling"}
		s.onFatal(err)
		return err
	}
	return nil
}

// updateRetransmission decides whether the last frame goes out again with
// the same counter or the run is over and the counter advances.
func (s *Session) updateRetransmission() {
	if s.nbTransCpt <= 1 {
		s.fCntUp++
		s.nbTransCpt = 1
		s.persist()
		return
	}
	s.nbTransCpt--
	s.ansToSend = userFrameToRetransmit
	log.WithFields(log.Fields{
		"remaining": s.nbTransCpt,
	}).Info("mac: retransmitting uplink frame")
}

// assembleAnswers merges the sticky and per-cycle MAC answers. Up to 15
// bytes piggyback in FOpts; anything longer is promoted to a dedicated
// port-0 uplink, trimmed on whole-record boundaries to the max payload
// size of the current data-rate.
func (s *Session) assembleAnswers() {
	total := s.ansStickySize + s.ansCurrentSize
	if total == 0 {
		s.foptsSize = 0
		return
	}

	if total > maxFOptsLen {
		n := copy(s.nwkAns[:], s.ansSticky[:s.ansStickySize])
		n += copy(s.nwkAns[n:], s.ansCurrent[:s.ansCurrentSize])

		max, err := band.MaxPayloadSizeForDataRate(s.txDataRate)
		if err != nil {
			max = maxFOptsLen
		}
		s.nwkAnsSize = answerCut(s.nwkAns[:n], max)
		s.foptsSize = 0
		// The dedicated answer frame takes precedence over a pending
		// retransmission.
		s.ansToSend = nwkFrameToSend
	} else {
		n := copy(s.fopts[:], s.ansSticky[:s.ansStickySize])
		n += copy(s.fopts[n:], s.ansCurrent[:s.ansCurrentSize])
		s.foptsSize = n
	}

	s.ansCurrentSize = 0
}

// sendNetworkFrame transmits the pending MAC answers as an unconfirmed
// port-0 uplink of their own.
func (s *Session) sendNetworkFrame() error {
	s.txMType = mTypeUnconfirmedDataUp
	s.txConfirmed = false
	s.nbTransCpt = 1

	s.buildFrame(false)
	if err := s.encryptFrame(); err != nil {
		return err
	}
	s.nwkAnsSize = 0
	s.nextChannel()

	log.WithFields(log.Fields{
		"f_cnt_up": s.fCntUp,
		"size":     s.txSize,
	}).Info("mac: sending dedicated network answer frame")
	return s.txRadioStart()
}

// updateDutyCycleTimeOff charges the transmit duty cycle with the airtime
// of the frame that just went out. The aggregated limit follows the last
// DutyCycleReq: off time is (2^index - 1) times the time on air.
func (s *Session) updateDutyCycleTimeOff() {
	if s.maxDutyCycleIndex == 0 {
		s.txTimeOffMs = 0
		return
	}

	sf := uint32(7)
	if dr, err := s.currentDataRate(); err == nil && dr.SpreadFactor >= 5 {
		sf = uint32(dr.SpreadFactor)
	}
	toa := band.JoinSF5TimeOnAirMs << (sf - 5)

	s.txTimeOffMs = toa * ((1 << s.maxDutyCycleIndex) - 1)
	s.txTimeOffTimestamp = s.clock.NowMs()
}

// NextFreeDutyCycleMs returns how long transmission stays forbidden by the
// aggregated duty cycle. The subtraction survives the 32-bit clock wrap.
func (s *Session) NextFreeDutyCycleMs() uint32 {
	if s.txTimeOffMs == 0 {
		return 0
	}

	nowMs := s.clock.NowMs()
	var deltaT uint32
	if nowMs >= s.txTimeOffTimestamp {
		deltaT = nowMs - s.txTimeOffTimestamp
	} else {
		deltaT = 0xFFFFFFFF - s.txTimeOffTimestamp
		deltaT += nowMs
	}

	if deltaT > s.txTimeOffMs {
		return 0
	}
	return s.txTimeOffMs - deltaT
}
