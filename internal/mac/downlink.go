package mac

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/crypto"
	"github.com/YKMeIz/lorabasicsmodem/internal/monitoring"
)

// fcntDownAccept reconstructs the 32-bit downlink counter from the 16-bit
// wire field. The first downlink of a session is accepted unconditionally;
// afterwards only forward moves are valid, where a value far behind the
// current low word is read as a wrap of the high word.
func fcntDownAccept(current uint32, wire uint16) (uint32, bool) {
	if current == fcntDownNever {
		return uint32(wire), true
	}

	lsb := uint16(current)
	msb := current & 0xFFFF0000

	if wire > lsb {
		return msb | uint32(wire), true
	}
	if uint32(lsb-wire) > maxFCntGap {
		return msb + 0x10000 + uint32(wire), true
	}
	return 0, false
}

// decodeDownlink validates and classifies the frame in the RX buffer. The
// pipeline is fail-closed: session state is mutated only after every check
// has passed, so a rejected frame leaves no trace.
func (s *Session) decodeDownlink() (RxPacketType, error) {
	if s.rxSize < minFrameSize {
		monitoring.DownlinkRejectedCounter.WithLabelValues("too_short").Inc()
		return PacketNone, errors.Wrapf(ErrWireFormat, "frame size %d below minimum", s.rxSize)
	}

	mType := s.rxBuf[0] >> 5
	switch mType {
	case mTypeJoinRequest, mTypeUnconfirmedDataUp, mTypeConfirmedDataUp, mTypeRejoinRequest:
		monitoring.DownlinkRejectedCounter.WithLabelValues("bad_mtype").Inc()
		return PacketNone, errors.Wrapf(ErrWireFormat, "uplink message type %s on downlink", mTypeString(mType))
	case mTypeJoinAccept:
		return s.decodeJoinAccept()
	case mTypeProprietary:
		monitoring.DownlinkRejectedCounter.WithLabelValues("bad_mtype").Inc()
		return PacketNone, errors.Wrap(ErrWireFormat, "proprietary frames are not supported")
	}

	return s.decodeData(mType)
}

// decodeData handles confirmed and unconfirmed data downlinks.
func (s *Session) decodeData(mType uint8) (RxPacketType, error) {
	if !s.joined {
		monitoring.DownlinkRejectedCounter.WithLabelValues("not_joined").Inc()
		return PacketNone, ErrNotJoined
	}

	devAddr := binary.LittleEndian.Uint32(s.rxBuf[1:5])
	if devAddr != s.devAddr {
		monitoring.DownlinkRejectedCounter.WithLabelValues("dev_addr").Inc()
		return PacketNone, errors.Wrapf(ErrSecurity, "dev_addr %08x is not ours", devAddr)
	}

	fCtrl := s.rxBuf[5]
	fOptsLen := int(fCtrl & 0x0F)
	if fhdrOffset+fOptsLen+micSize > s.rxSize {
		monitoring.DownlinkRejectedCounter.WithLabelValues("bad_fopts_len").Inc()
		return PacketNone, errors.Wrap(ErrWireFormat, "fopts length exceeds frame")
	}

	wireFCnt := binary.LittleEndian.Uint16(s.rxBuf[6:8])
	fCnt, ok := fcntDownAccept(s.fCntDown, wireFCnt)
	if !ok {
		monitoring.DownlinkRejectedCounter.WithLabelValues("replay").Inc()
		return PacketNone, errors.Wrapf(ErrSecurity, "downlink counter %d replayed or out of window", wireFCnt)
	}

	micStart := s.rxSize - micSize
	mic, err := crypto.ComputeMIC(s.rxBuf[:micStart], s.nwkSKey, s.devAddr, crypto.DirDownlink, fCnt)
	if err != nil {
		return PacketNone, err
	}
	for i := 0; i < micSize; i++ {
		if mic[i] != s.rxBuf[micStart+i] {
			monitoring.DownlinkRejectedCounter.WithLabelValues("mic").Inc()
			return PacketNone, errors.Wrap(ErrSecurity, "mic mismatch")
		}
	}

	// All checks passed; from here on the frame is trusted and the session
	// is updated.
	s.fCntDown = fCnt

	if mType == mTypeConfirmedDataDown {
		s.txAckBit = true
	}
	if s.txMType == mTypeConfirmedDataUp && fCtrl&0x20 != 0 {
		s.rxAckBit = true
	}
	// A valid downlink ends the retransmission run, except when our own
	// confirmed uplink is still waiting for its acknowledgement.
	if !(s.txMType == mTypeConfirmedDataUp && !s.rxAckBit) {
		s.nbTransCpt = 1
	}

	s.adrAckCnt = 0
	s.adrAckCntConfirmed = 0
	s.adrAckReq = false
	s.ansStickySize = 0

	return s.classifyData(fOptsLen, fCnt)
}

// classifyData splits the validated frame into MAC traffic and application
// payload and decrypts whichever part is present.
func (s *Session) classifyData(fOptsLen int, fCnt uint32) (RxPacketType, error) {
	s.nwkPayloadSize = 0
	s.rxAppSize = 0
	s.rxFPort = 0

	fOpts := s.rxBuf[fhdrOffset : fhdrOffset+fOptsLen]
	portPos := fhdrOffset + fOptsLen
	micStart := s.rxSize - micSize

	if portPos >= micStart {
		// No port, no payload. Any piggybacked commands ride in FOpts.
		if fOptsLen > 0 {
			s.nwkPayloadSize = copy(s.nwkPayload[:], fOpts)
			monitoring.DownlinkCounter.WithLabelValues(PacketUserFOpts.String()).Inc()
			return PacketUserFOpts, nil
		}
		monitoring.DownlinkCounter.WithLabelValues(PacketUser.String()).Inc()
		return PacketUser, nil
	}

	fPort := s.rxBuf[portPos]
	frm := s.rxBuf[portPos+1 : micStart]

	if fPort == portNwk {
		if fOptsLen > 0 {
			// Commands in both FOpts and port 0 payload are not allowed.
			log.Warning("mac: downlink carries mac commands in both fopts and port 0 payload, dropped")
			monitoring.DownlinkRejectedCounter.WithLabelValues("dual_mac_payload").Inc()
			return PacketNone, nil
		}
		if err := crypto.EncryptPayload(frm, s.nwkSKey, s.devAddr, crypto.DirDownlink, fCnt); err != nil {
			return PacketNone, err
		}
		s.nwkPayloadSize = copy(s.nwkPayload[:], frm)
		monitoring.DownlinkCounter.WithLabelValues(PacketNetwork.String()).Inc()
		return PacketNetwork, nil
	}

	if err := crypto.EncryptPayload(frm, s.appSKey, s.devAddr, crypto.DirDownlink, fCnt); err != nil {
		return PacketNone, err
	}
	s.rxFPort = fPort
	s.rxAppSize = copy(s.rxAppBuf[:], frm)

	if fOptsLen > 0 {
		s.nwkPayloadSize = copy(s.nwkPayload[:], fOpts)
		monitoring.DownlinkCounter.WithLabelValues(PacketUserFOpts.String()).Inc()
		return PacketUserFOpts, nil
	}
	monitoring.DownlinkCounter.WithLabelValues(PacketUser.String()).Inc()
	return PacketUser, nil
}

// decodeJoinAccept decrypts and validates a join-accept and re-keys the
// session on success.
func (s *Session) decodeJoinAccept() (RxPacketType, error) {
	if s.joined {
		monitoring.DownlinkRejectedCounter.WithLabelValues("unexpected_join_accept").Inc()
		return PacketNone, errors.Wrap(ErrProtocolViolation, "join-accept while joined")
	}

	if err := crypto.DecryptJoinAccept(s.rxBuf[1:s.rxSize], s.appKey); err != nil {
		monitoring.DownlinkRejectedCounter.WithLabelValues("join_format").Inc()
		return PacketNone, errors.Wrap(ErrWireFormat, err.Error())
	}

	micStart := s.rxSize - micSize
	mic, err := crypto.ComputeJoinMIC(s.rxBuf[:micStart], s.appKey)
	if err != nil {
		return PacketNone, err
	}
	for i := 0; i < micSize; i++ {
		if mic[i] != s.rxBuf[micStart+i] {
			monitoring.DownlinkRejectedCounter.WithLabelValues("mic").Inc()
			return PacketNone, errors.Wrap(ErrSecurity, "join-accept mic mismatch")
		}
	}

	var appNonce [6]byte
	copy(appNonce[:], s.rxBuf[1:7])
	devAddr := binary.LittleEndian.Uint32(s.rxBuf[7:11])
	rx1DROffset := int(s.rxBuf[11]&0x70) >> 4
	rx2DataRate := int(s.rxBuf[11] & 0x0F)
	rxDelay := s.rxBuf[12] & 0x0F
	if rxDelay == 0 {
		rxDelay = 1
	}

	nwkSKey, appSKey, err := crypto.DeriveSessionKeys(s.appKey, appNonce, s.devNonce)
	if err != nil {
		return PacketNone, err
	}

	s.initSession()
	s.joined = true
	s.devAddr = devAddr
	s.nwkSKey = nwkSKey
	s.appSKey = appSKey
	s.rx1DROffset = rx1DROffset
	s.rx2DataRate = rx2DataRate
	s.rx1DelayS = rxDelay

	if s.rxSize >= 13+cfListSize+micSize {
		s.applyCFList(s.rxBuf[13 : 13+cfListSize])
	}

	s.persist()
	monitoring.DownlinkCounter.WithLabelValues(PacketJoinAccept.String()).Inc()
	log.WithFields(log.Fields{
		"dev_addr":      devAddr,
		"rx1_dr_offset": rx1DROffset,
		"rx2_dr":        rx2DataRate,
		"rx1_delay":     rxDelay,
	}).Info("mac: join-accept processed, session keys derived")

	return PacketJoinAccept, nil
}

// applyCFList appends the five CFList frequencies to the channel plan after
// the regional default channels. The data-rate range of the new channels
// follows the first default channel.
func (s *Session) applyCFList(cfList []byte) {
	base := 0
	for i, c := range s.plan {
		if c.enabled {
			base = i + 1
		}
	}

	drMin := s.plan[0].drMin
	drMax := s.plan[0].drMax

	for i := 0; i < 5; i++ {
		idx := base + i
		if idx >= maxChannels {
			return
		}
		freq := band.DecodeFrequency(cfList[i*3 : i*3+3])
		if freq == 0 {
			continue
		}
		if !band.IsValidUplinkFrequency(freq) {
			log.WithFields(log.Fields{
				"frequency": freq,
			}).Warning("mac: cflist frequency outside band, skipped")
			continue
		}
		rx1Freq := freq
		if f, err := band.Band().GetRX1FrequencyForUplinkFrequency(freq); err == nil {
			rx1Freq = f
		}
		s.plan[idx] = channel{
			frequencyHz:    freq,
			rx1FrequencyHz: rx1Freq,
			drMin:          drMin,
			drMax:          drMax,
			enabled:        true,
		}
	}
}
