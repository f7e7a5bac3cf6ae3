// Package mac implements the LoRaWAN class A MAC layer of the modem: frame
// build and encryption, fail-closed downlink decoding, the MAC command
// protocol, receive-window timing and the per-cycle link controller.
package mac

import (
	log "github.com/sirupsen/logrus"

	"github.com/YKMeIz/lorabasicsmodem/internal/band"
	"github.com/YKMeIz/lorabasicsmodem/internal/radio"
	"github.com/YKMeIz/lorabasicsmodem/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Frame geometry and protocol constants.
const (
	fhdrOffset   = 8 // MHDR + DevAddr + FCtrl + FCnt
	micSize      = 4
	minFrameSize = 12
	maxFrameSize = 255
	maxFOptsLen  = 15
	portNwk      = 0

	joinRequestSize = 19 // MHDR + JoinEUI + DevEUI + DevNonce, MIC excluded
	cfListSize      = 16

	// fcntDownNever marks a session that never received a downlink; the
	// first downlink counter value is accepted unconditionally.
	fcntDownNever uint32 = 0xFFFFFFFF

	// maxFCntGap bounds the forward jump accepted on the downlink counter.
	maxFCntGap = band.MaxFCntGap

	// adrLimitConfirmedUp is the number of unacknowledged confirmed
	// uplinks after which the data-rate steps down.
	adrLimitConfirmedUp = 3

	// noRxPacketCnt is the combined ADR counter ceiling; reaching it means
	// the link is considered lost for good.
	noRxPacketCnt = 5000

	maxChannels = 16
	ansBufSize  = maxFrameSize

	// txDurationMs is the radio reservation requested for a transmit task.
	txDurationMs = 2000

	// joinAcceptDelay1Ms is the delay between the end of a join request and
	// the first join-accept receive window.
	joinAcceptDelay1Ms = 5000

	minRxSymbols = 6
)

// MHDR message types.
const (
	mTypeJoinRequest         uint8 = 0
	mTypeJoinAccept          uint8 = 1
	mTypeUnconfirmedDataUp   uint8 = 2
	mTypeUnconfirmedDataDown uint8 = 3
	mTypeConfirmedDataUp     uint8 = 4
	mTypeConfirmedDataDown   uint8 = 5
	mTypeRejoinRequest       uint8 = 6
	mTypeProprietary         uint8 = 7
)

// radioState tracks where the radio process is inside one TX/RX1/RX2 run.
type radioState uint8

const (
	stateIdle radioState = iota
	stateTxOn
	stateTxFinished
	stateRx1Finished
)

func (s radioState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateTxOn:
		return "tx_on"
	case stateTxFinished:
		return "tx_finished"
	case stateRx1Finished:
		return "rx1_finished"
	default:
		return "unknown"
	}
}

// RxWindow selects the receive window being configured.
type RxWindow uint8

// Receive windows.
const (
	RX1 RxWindow = 1
	RX2 RxWindow = 2
)

// RxPacketType classifies an accepted downlink.
type RxPacketType uint8

// Downlink classifications.
const (
	// PacketNone means no valid downlink is pending.
	PacketNone RxPacketType = iota
	// PacketJoinAccept means a join-accept re-initialized the session.
	PacketJoinAccept
	// PacketNetwork means port-0 MAC commands were received in FRMPayload.
	PacketNetwork
	// PacketUser means application data without piggybacked commands.
	PacketUser
	// PacketUserFOpts means application data or an empty frame carrying
	// piggybacked MAC commands in FOpts.
	PacketUserFOpts
)

func (t RxPacketType) String() string {
	switch t {
	case PacketNone:
		return "none"
	case PacketJoinAccept:
		return "join_accept"
	case PacketNetwork:
		return "network"
	case PacketUser:
		return "user"
	case PacketUserFOpts:
		return "user_fopts"
	default:
		return "unknown"
	}
}

// ansType selects what the next cycle has to transmit on behalf of the MAC.
type ansType uint8

const (
	noFrameToSend ansType = iota
	nwkFrameToSend
	userFrameToRetransmit
)

// Clock abstracts the monotonic time source of the platform.
type Clock interface {
	NowMs() uint32
	NowS() uint32
}

// channel is one slot of the mutable channel plan.
type channel struct {
	frequencyHz    uint32
	rx1FrequencyHz uint32
	drMin          int
	drMax          int
	enabled        bool
}

// SessionConfig carries the identity and collaborators of a session.
type SessionConfig struct {
	DevEUI  lorawan.EUI64
	JoinEUI lorawan.EUI64
	AppKey  lorawan.AES128Key

	ADREnabled bool

	Scheduler radio.Scheduler
	Clock     Clock
	Store     storage.Store

	// Battery reports the DevStatusAns battery level (0 external power,
	// 1..254 level, 255 unknown). Nil defaults to unknown.
	Battery func() uint8

	// OnFatal is invoked on unrecoverable conditions. Nil defaults to a
	// fatal log entry.
	OnFatal func(error)

	// ClockAccuracy is the crystal error in per-mille used to widen the
	// receive windows.
	ClockAccuracy uint32

	// BoardDelayMs compensates the RX chain setup time of the board.
	BoardDelayMs uint8
}

// Session is the complete MAC state of the device. All cycle-path buffers
// are fixed arrays; nothing on the TX/RX path allocates.
type Session struct {
	devEUI  lorawan.EUI64
	joinEUI lorawan.EUI64
	appKey  lorawan.AES128Key

	nwkSKey lorawan.AES128Key
	appSKey lorawan.AES128Key

	devAddr  uint32
	devNonce uint16
	joined   bool

	fCntUp   uint32
	fCntDown uint32

	// TX staging.
	txBuf        [maxFrameSize]byte
	txSize       int
	txMType      uint8
	txFPort      uint8
	txConfirmed  bool
	txUserBuf    [maxFrameSize]byte
	txUserSize   int
	txStaged     bool
	txAckBit     bool
	rxAckBit     bool
	sendAtTime   bool
	txSlotTimeMs uint32

	// RX buffers.
	rxBuf          [maxFrameSize]byte
	rxSize         int
	rxSNR          int8
	rxFPort        uint8
	rxPacket       RxPacketType
	rxAppBuf       [maxFrameSize]byte
	rxAppSize      int
	nwkPayload     [maxFrameSize]byte
	nwkPayloadSize int

	// MAC answer assembly.
	ansCurrent     [ansBufSize]byte
	ansCurrentSize int
	ansSticky      [ansBufSize]byte
	ansStickySize  int
	fopts          [maxFOptsLen]byte
	foptsSize      int
	nwkAns         [maxFrameSize]byte
	nwkAnsSize     int
	ansToSend      ansType

	// Link state.
	adrEnabled         bool
	adrAckReq          bool
	adrAckCnt          uint16
	adrAckCntConfirmed uint16
	nbTrans            uint8
	nbTransCpt         uint8

	txDataRate   int
	txPowerIndex uint8
	channelIndex int
	plan         [maxChannels]channel

	rx1DelayS   uint8
	rx1DROffset int
	rx2DataRate int
	rx2FreqHz   uint32

	maxEIRPIndex      uint8
	uplinkDwellTime   uint8
	downlinkDwellTime uint8
	maxDutyCycleIndex uint8

	linkCheckMargin uint8
	linkCheckGwCnt  uint8

	// Radio process.
	state          radioState
	hook           uint8
	isrTimestampMs uint32
	rxStatus       radio.Status
	rxWindow       RxWindow
	rxWindowArmed  bool
	cyclePending   bool
	rxWindowSymb   uint32
	rxOffsetMs     int32
	rxTimeoutMs    uint32
	clockAccuracy  uint32
	boardDelayMs   uint8

	// Join duty cycle.
	firstJoinTimeS uint32
	nextJoinTimeS  uint32

	// Transmit duty cycle bookkeeping for DutyCycleReq.
	txTimeOffMs        uint32
	txTimeOffTimestamp uint32

	scheduler radio.Scheduler
	clock     Clock
	store     storage.Store
	battery   func() uint8
	onFatal   func(error)
}

// NewSession registers a radio hook, restores the persisted nonce state and
// returns an initialized session.
func NewSession(cfg SessionConfig) (*Session, error) {
	s := &Session{
		devEUI:        cfg.DevEUI,
		joinEUI:       cfg.JoinEUI,
		appKey:        cfg.AppKey,
		adrEnabled:    cfg.ADREnabled,
		scheduler:     cfg.Scheduler,
		clock:         cfg.Clock,
		store:         cfg.Store,
		battery:       cfg.Battery,
		onFatal:       cfg.OnFatal,
		clockAccuracy: cfg.ClockAccuracy,
		boardDelayMs:  cfg.BoardDelayMs,
	}

	if s.battery == nil {
		s.battery = func() uint8 { return 255 }
	}
	if s.onFatal == nil {
		s.onFatal = func(err error) {
			log.WithError(err).Fatal("mac: unrecoverable engine condition")
		}
	}

	hook, err := s.scheduler.HookID(s)
	if err != nil {
		return nil, err
	}
	s.hook = hook

	snap, restored := storage.Snapshot{}, false
	if s.store != nil {
		var err error
		snap, restored, err = s.store.Load()
		if err != nil {
			return nil, err
		}
	}

	s.initSession()

	if restored {
		s.devNonce = snap.DevNonce
		if snap.Joined {
			s.joined = true
			s.devAddr = snap.DevAddr
			s.nwkSKey = snap.NwkSKey
			s.appSKey = snap.AppSKey
			s.fCntUp = snap.FCntUp
			s.fCntDown = snap.FCntDown
		}
	}
	return s, nil
}

// initSession resets the volatile session state. Called at construction and
// again when a join-accept re-keys the device.
func (s *Session) initSession() {
	s.fCntUp = 0
	s.fCntDown = fcntDownNever

	s.adrAckReq = false
	s.adrAckCnt = 0
	s.adrAckCntConfirmed = 0
	s.nbTrans = 1
	s.nbTransCpt = 0

	s.txAckBit = false
	s.rxAckBit = false
	s.txStaged = false
	s.txSize = 0
	s.sendAtTime = false

	s.ansCurrentSize = 0
	s.ansStickySize = 0
	s.foptsSize = 0
	s.nwkAnsSize = 0
	s.nwkPayloadSize = 0
	s.ansToSend = noFrameToSend

	s.rxPacket = PacketNone
	s.rxWindowArmed = false
	s.state = stateIdle

	s.maxEIRPIndex = band.DefaultMaxEIRPIndex
	s.uplinkDwellTime = 0
	s.downlinkDwellTime = 0
	s.maxDutyCycleIndex = 0
	s.txTimeOffMs = 0

	s.rx1DelayS = band.ReceiveDelay1()
	s.rx1DROffset = 0
	s.rx2FreqHz, s.rx2DataRate = band.RX2Defaults()

	s.txDataRate = band.MinDataRate()
	s.txPowerIndex = 0
	s.channelIndex = 0

	s.initChannelPlan()
}

// initChannelPlan loads the default regional channels into the plan.
func (s *Session) initChannelPlan() {
	for i := range s.plan {
		s.plan[i] = channel{}
	}

	b := band.Band()
	for _, i := range b.GetStandardUplinkChannelIndices() {
		if i >= maxChannels {
			continue
		}
		c, err := b.GetUplinkChannel(i)
		if err != nil {
			continue
		}
		rx1Freq, err := b.GetRX1FrequencyForUplinkFrequency(c.Frequency)
		if err != nil {
			rx1Freq = c.Frequency
		}
		s.plan[i] = channel{
			frequencyHz:    c.Frequency,
			rx1FrequencyHz: rx1Freq,
			drMin:          c.MinDR,
			drMax:          c.MaxDR,
			enabled:        true,
		}
	}
}

// nextChannel advances to the next enabled channel of the plan that accepts
// the current data-rate.
func (s *Session) nextChannel() {
	for i := 1; i <= maxChannels; i++ {
		idx := (s.channelIndex + i) % maxChannels
		c := &s.plan[idx]
		if c.enabled && c.frequencyHz != 0 && s.txDataRate >= c.drMin && s.txDataRate <= c.drMax {
			s.channelIndex = idx
			return
		}
	}
}

// currentDataRate returns the regional data-rate record in use for TX.
func (s *Session) currentDataRate() (loraband.DataRate, error) {
	return band.Band().GetDataRate(s.txDataRate)
}

// Joined reports whether the device holds an active session.
func (s *Session) Joined() bool {
	return s.joined
}

// Busy reports whether a TX/RX1/RX2 run is still in flight. New uplinks and
// join attempts must wait until the engine is idle again.
func (s *Session) Busy() bool {
	return s.state != stateIdle || s.cyclePending
}

// DevAddr returns the current device address.
func (s *Session) DevAddr() uint32 {
	return s.devAddr
}

// FCntUp returns the uplink frame counter.
func (s *Session) FCntUp() uint32 {
	return s.fCntUp
}

// FCntDown returns the reconstructed downlink frame counter, or
// 0xFFFFFFFF when no downlink was ever accepted.
func (s *Session) FCntDown() uint32 {
	return s.fCntDown
}

// LastPacket returns the classification, port and application payload of the
// last accepted downlink, then clears it. Payload is a copy-free view valid
// until the next radio cycle.
func (s *Session) LastPacket() (RxPacketType, uint8, []byte) {
	t := s.rxPacket
	s.rxPacket = PacketNone
	if t == PacketNone {
		return t, 0, nil
	}
	return t, s.rxFPort, s.rxAppBuf[:s.rxAppSize]
}

// LinkCheck returns the margin and gateway count of the last LinkCheckAns.
func (s *Session) LinkCheck() (uint8, uint8) {
	return s.linkCheckMargin, s.linkCheckGwCnt
}

// snapshot builds the persisted view of the session.
func (s *Session) snapshot() storage.Snapshot {
	return storage.Snapshot{
		DevNonce: s.devNonce,
		Joined:   s.joined,
		DevAddr:  s.devAddr,
		NwkSKey:  s.nwkSKey,
		AppSKey:  s.appSKey,
		FCntUp:   s.fCntUp,
		FCntDown: s.fCntDown,
	}
}

// persist writes the snapshot through the store, if one is configured.
func (s *Session) persist() {
	if s.store == nil {
		return
	}
	if err := s.store.Save(s.snapshot()); err != nil {
		log.WithError(err).Error("mac: session persist error")
	}
}
