package mac

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/crypto"
	"github.com/YKMeIz/lorabasicsmodem/internal/monitoring"
	"github.com/YKMeIz/lorabasicsmodem/internal/radio"
	loraband "github.com/brocaar/lorawan/band"
)

// Send stages an application payload, builds and encrypts the uplink frame
// and hands it to the radio scheduler. A confirmed frame starts a
// retransmission run of NbTrans attempts.
func (s *Session) Send(fPort uint8, payload []byte, confirmed bool) error {
	if !s.joined {
		return ErrNotJoined
	}
	if fPort == portNwk {
		return errors.Wrap(ErrProtocolViolation, "port 0 is reserved for MAC traffic")
	}

	max, err := band.MaxPayloadSizeForDataRate(s.txDataRate)
	if err != nil {
		return err
	}
	if len(payload) > max-s.foptsSize {
		return ErrPayloadTooLarge
	}

	s.txFPort = fPort
	s.txConfirmed = confirmed
	s.txUserSize = copy(s.txUserBuf[:], payload)
	s.txStaged = true
	s.nbTransCpt = s.nbTrans

	if confirmed {
		s.txMType = mTypeConfirmedDataUp
	} else {
		s.txMType = mTypeUnconfirmedDataUp
	}

	s.buildFrame(true)
	if err := s.encryptFrame(); err != nil {
		return err
	}
	return s.txRadioStart()
}

// buildFrame encodes MHDR and FHDR plus the staged payload into the TX
// buffer. withPort selects a user frame; otherwise the pending network
// answer is sent as the port-0 payload.
func (s *Session) buildFrame(withPort bool) {
	fctrl := uint8(s.foptsSize) & 0x0F
	if s.adrEnabled {
		fctrl |= 0x80
	}
	if s.adrAckReq {
		fctrl |= 0x40
	}
	if s.txAckBit {
		fctrl |= 0x20
	}

	s.txBuf[0] = s.txMType << 5
	binary.LittleEndian.PutUint32(s.txBuf[1:5], s.devAddr)
	s.txBuf[5] = fctrl
	binary.LittleEndian.PutUint16(s.txBuf[6:8], uint16(s.fCntUp))

	n := fhdrOffset
	n += copy(s.txBuf[n:], s.fopts[:s.foptsSize])

	if withPort {
		s.txBuf[n] = s.txFPort
		n++
		n += copy(s.txBuf[n:], s.txUserBuf[:s.txUserSize])
	} else {
		s.txBuf[n] = portNwk
		n++
		n += copy(s.txBuf[n:], s.nwkAns[:s.nwkAnsSize])
	}
	s.txSize = n

	// The ack and ADR request bits ride on exactly one frame.
	s.txAckBit = false
	s.rxAckBit = false
}

// encryptFrame encrypts the FRMPayload in place and appends the MIC. The
// payload key follows the port: NwkSKey on port 0, AppSKey otherwise.
func (s *Session) encryptFrame() error {
	payloadStart := fhdrOffset + s.foptsSize + 1
	fPort := s.txBuf[payloadStart-1]

	key := s.appSKey
	if fPort == portNwk {
		key = s.nwkSKey
	}

	if err := crypto.EncryptPayload(s.txBuf[payloadStart:s.txSize], key, s.devAddr, crypto.DirUplink, s.fCntUp); err != nil {
		return err
	}

	mic, err := crypto.ComputeMIC(s.txBuf[:s.txSize], s.nwkSKey, s.devAddr, crypto.DirUplink, s.fCntUp)
	if err != nil {
		return err
	}
	copy(s.txBuf[s.txSize:], mic[:])
	s.txSize += micSize
	return nil
}

// Join builds and transmits a join request. The attempt is rejected while
// the join duty-cycle backoff runs.
func (s *Session) Join() error {
	if s.joined {
		return ErrJoined
	}

	nowS := s.clock.NowS()
	if s.firstJoinTimeS == 0 {
		s.firstJoinTimeS = nowS
	}
	if nowS < s.nextJoinTimeS {
		return ErrJoinBackoff
	}

	if err := s.buildJoinRequest(); err != nil {
		return err
	}

	s.txMType = mTypeJoinRequest
	s.txConfirmed = false
	s.txStaged = false
	s.nbTrans = 1
	s.nbTransCpt = 1
	s.nextChannel()

	monitoring.JoinAttemptCounter.Inc()
	return s.txRadioStart()
}

// buildJoinRequest encodes the join request into the TX buffer. EUIs go out
// little-endian. The incremented DevNonce is persisted before transmit so a
// reboot can never reuse it.
func (s *Session) buildJoinRequest() error {
	s.devNonce++

	s.txBuf[0] = mTypeJoinRequest << 5
	for i := 0; i < 8; i++ {
		s.txBuf[1+i] = s.joinEUI[7-i]
		s.txBuf[9+i] = s.devEUI[7-i]
	}
	binary.LittleEndian.PutUint16(s.txBuf[17:19], s.devNonce)

	mic, err := crypto.ComputeJoinMIC(s.txBuf[:joinRequestSize], s.appKey)
	if err != nil {
		return err
	}
	copy(s.txBuf[joinRequestSize:], mic[:])
	s.txSize = joinRequestSize + micSize

	s.persist()
	return nil
}

// txRadioStart submits the TX buffer to the radio scheduler. A busy
// scheduler is transient: the frame stays staged and the caller retries the
// cycle.
func (s *Session) txRadioStart() error {
	dr, err := s.currentDataRate()
	if err != nil {
		s.onFatal(FatalError{Reason: "tx data-rate is not defined for the band"})
		return err
	}

	ch := &s.plan[s.channelIndex]
	power := band.MaxEIRPForIndex(s.maxEIRPIndex) - 2*int8(s.txPowerIndex)

	task := radio.Task{
		Hook:       s.hook,
		DurationMs: txDurationMs,
	}
	if s.sendAtTime {
		task.StartTimeMs = s.txSlotTimeMs
		task.Scheduled = true
	}

	var params radio.Params
	switch dr.Modulation {
	case loraband.LoRaModulation:
		task.Type = radio.TaskTxLoRa
		params.LoRa = radio.LoRaParams{
			FrequencyHz:     ch.frequencyHz,
			SpreadingFactor: uint8(dr.SpreadFactor),
			BandwidthKHz:    uint32(dr.Bandwidth),
			SyncWord:        band.SyncWord,
			PreambleLength:  band.PreambleLength,
			PowerDBm:        power,
			InvertIQ:        false,
			CRCOn:           true,
		}
	case loraband.FSKModulation:
		task.Type = radio.TaskTxFSK
		params.FSK = radio.FSKParams{
			FrequencyHz: ch.frequencyHz,
			BitRate:     uint32(dr.BitRate),
			FDevHz:      25000,
			PowerDBm:    power,
		}
	default:
		err := FatalError{Reason: "unsupported modulation for tx"}
		s.onFatal(err)
		return err
	}

	if err := s.scheduler.Enqueue(task, s.txBuf[:s.txSize], params); err != nil {
		if errors.Cause(err) == radio.ErrBusy {
			monitoring.SchedulerBusyCounter.Inc()
			log.WithFields(log.Fields{
				"frequency": ch.frequencyHz,
				"data_rate": s.txDataRate,
			}).Warning("mac: radio scheduler busy, tx postponed")
			return nil
		}
		return err
	}

	s.state = stateTxOn
	s.cyclePending = true
	s.sendAtTime = false

	if s.joined {
		if s.txMType == mTypeConfirmedDataUp {
			s.adrAckCntConfirmed++
		} else {
			s.adrAckCnt++
		}
	}

	monitoring.UplinkCounter.WithLabelValues(mTypeString(s.txMType)).Inc()
	log.WithFields(log.Fields{
		"m_type":    mTypeString(s.txMType),
		"f_cnt_up":  s.fCntUp,
		"frequency": ch.frequencyHz,
		"data_rate": s.txDataRate,
		"size":      s.txSize,
	}).Info("mac: uplink frame submitted")

	return nil
}

func mTypeString(t uint8) string {
	switch t {
	case mTypeJoinRequest:
		return "join_request"
	case mTypeJoinAccept:
		return "join_accept"
	case mTypeUnconfirmedDataUp:
		return "unconfirmed_data_up"
	case mTypeUnconfirmedDataDown:
		return "unconfirmed_data_down"
	case mTypeConfirmedDataUp:
		return "confirmed_data_up"
	case mTypeConfirmedDataDown:
		return "confirmed_data_down"
	case mTypeRejoinRequest:
		return "rejoin_request"
	default:
		return "proprietary"
	}
}
