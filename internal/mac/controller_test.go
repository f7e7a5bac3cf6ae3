package mac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/YKMeIz/lorabasicsmodem/internal/radio"
)

func TestUpdateFullCycleNoDownlink(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()

	assert.NoError(s.Send(5, []byte("ping"), false))
	assert.Equal(stateTxOn, s.state)
	assert.NoError(s.Update(ctx))

	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))
	assert.True(s.rxWindowArmed)

	sub, _ := sim.LastSubmission()
	assert.Equal(radio.TaskRxLoRa, sub.Task.Type)

	s.OnRadioEvent(6005, radio.StatusRxTimeout, 0, 0)
	assert.Equal(stateRx1Finished, s.state)
	assert.NoError(s.Update(ctx))
	assert.True(s.rxWindowArmed)

	s.OnRadioEvent(7005, radio.StatusRxTimeout, 0, 0)
	assert.Equal(stateIdle, s.state)
	assert.NoError(s.Update(ctx))

	assert.False(s.cyclePending)
	assert.EqualValues(1, s.FCntUp())
	// TX, RX1, RX2.
	assert.Len(sim.Submissions(), 3)
}

func TestUpdateCycleWithDownlink(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()

	assert.NoError(s.Send(5, []byte("ping"), false))
	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))

	injectDownlink(t, s, downlinkFrame{
		mType:   mTypeUnconfirmedDataDown,
		devAddr: testDevAddr,
		fCnt:    3,
		fPort:   5,
		frm:     []byte("pong"),
	})
	s.OnRadioEvent(6005, radio.StatusRxPacket, s.rxSize, -2)
	assert.NoError(s.Update(ctx))

	assert.Equal(stateIdle, s.state)
	assert.EqualValues(1, s.FCntUp())
	assert.EqualValues(3, s.FCntDown())

	packetType, fPort, payload := s.LastPacket()
	assert.Equal(PacketUser, packetType)
	assert.EqualValues(5, fPort)
	assert.Equal([]byte("pong"), payload)

	// The RX1 packet closes the cycle; no RX2 window opens.
	assert.Len(sim.Submissions(), 2)
}

func TestUpdateCycleDownlinkCommandsPiggyback(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()

	assert.NoError(s.Send(5, []byte("ping"), false))
	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))

	injectDownlink(t, s, downlinkFrame{
		mType:   mTypeUnconfirmedDataDown,
		devAddr: testDevAddr,
		fCnt:    1,
		fOpts:   []byte{0x06}, // DevStatusReq
		fPort:   -1,
	})
	s.OnRadioEvent(6005, radio.StatusRxPacket, s.rxSize, -2)
	assert.NoError(s.Update(ctx))

	// The answer waits in FOpts for the next uplink.
	assert.Equal(3, s.foptsSize)
	assert.EqualValues(0x06, s.fopts[0])

	assert.NoError(s.Send(5, []byte("next"), false))
	sub, _ := sim.LastSubmission()
	assert.EqualValues(3, sub.Payload[5]&0x0F)
	assert.Equal(s.fopts[:3], sub.Payload[8:11])
}

func TestUpdateCycleAnswerPromotion(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()

	assert.NoError(s.Send(5, []byte("ping"), false))
	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))

	// Six DevStatusReq produce 18 answer bytes, too much for FOpts.
	injectDownlink(t, s, downlinkFrame{
		mType:   mTypeUnconfirmedDataDown,
		devAddr: testDevAddr,
		fCnt:    1,
		fPort:   portNwk,
		frm:     []byte{0x06, 0x06, 0x06, 0x06, 0x06, 0x06},
	})
	s.OnRadioEvent(6005, radio.StatusRxPacket, s.rxSize, -2)
	assert.NoError(s.Update(ctx))

	// The answers go out as a dedicated port-0 uplink.
	assert.Equal(stateTxOn, s.state)
	assert.Equal(0, s.foptsSize)
	assert.Equal(0, s.nwkAnsSize)

	sub, _ := sim.LastSubmission()
	frame := sub.Payload
	assert.Equal(mTypeUnconfirmedDataUp, frame[0]>>5)
	assert.EqualValues(portNwk, frame[8])
	assert.Len(frame, fhdrOffset+1+18+micSize)
}

func TestUpdateCycleRejectedDownlinkStillOpensRX2(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()

	assert.NoError(s.Send(5, []byte("ping"), false))
	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))

	// The frame passes the pre-filter but fails MIC verification.
	injectDownlink(t, s, downlinkFrame{
		mType:   mTypeUnconfirmedDataDown,
		devAddr: testDevAddr,
		fCnt:    3,
		fPort:   5,
		frm:     []byte("pong"),
	})
	s.rxBuf[s.rxSize-1] ^= 0xff

	s.OnRadioEvent(6005, radio.StatusRxPacket, s.rxSize, -2)
	assert.NoError(s.Update(ctx))

	// The rejection counts as a timeout; the cycle stays open and RX2
	// gets scheduled.
	assert.Equal(stateRx1Finished, s.state)
	assert.True(s.cyclePending)
	assert.True(s.rxWindowArmed)
	assert.Len(sim.Submissions(), 3)
	assert.EqualValues(fcntDownNever, s.FCntDown())

	s.OnRadioEvent(7005, radio.StatusRxTimeout, 0, 0)
	assert.NoError(s.Update(ctx))
	assert.False(s.cyclePending)
	assert.EqualValues(1, s.FCntUp())
}

func TestUpdateCycleAnswerPromotionDuringRetransmission(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()
	s.nbTrans = 3

	assert.NoError(s.Send(5, []byte("ping"), true))
	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))

	// An unacknowledged downlink keeps the retransmission running while
	// its commands produce more answers than FOpts can carry.
	injectDownlink(t, s, downlinkFrame{
		mType:   mTypeUnconfirmedDataDown,
		devAddr: testDevAddr,
		fCnt:    1,
		fPort:   portNwk,
		frm:     []byte{0x06, 0x06, 0x06, 0x06, 0x06, 0x06},
	})
	s.OnRadioEvent(6005, radio.StatusRxPacket, s.rxSize, -2)
	assert.NoError(s.Update(ctx))

	// The dedicated answer frame wins over the retransmission.
	assert.Equal(stateTxOn, s.state)

	sub, _ := sim.LastSubmission()
	frame := sub.Payload
	assert.Equal(mTypeUnconfirmedDataUp, frame[0]>>5)
	assert.EqualValues(portNwk, frame[8])
	assert.Len(frame, fhdrOffset+1+18+micSize)
}

func TestUpdateCycleRetransmission(t *testing.T) {
	assert := require.New(t)

	s, sim, clock := newJoinedSession(t)
	ctx := context.Background()
	s.nbTrans = 3

	assert.NoError(s.Send(5, []byte("ping"), true))
	assert.EqualValues(3, s.nbTransCpt)

	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))
	s.OnRadioEvent(6005, radio.StatusRxTimeout, 0, 0)
	assert.NoError(s.Update(ctx))
	s.OnRadioEvent(7005, radio.StatusRxTimeout, 0, 0)
	assert.NoError(s.Update(ctx))

	// No acknowledgement: the frame goes out again on the same counter.
	assert.Equal(stateTxOn, s.state)
	assert.EqualValues(2, s.nbTransCpt)
	assert.EqualValues(0, s.FCntUp())

	sub, _ := sim.LastSubmission()
	assert.Equal(radio.TaskTxLoRa, sub.Task.Type)
	assert.Equal(mTypeConfirmedDataUp, sub.Payload[0]>>5)
}

func TestUpdateJoinCycleBackoff(t *testing.T) {
	assert := require.New(t)

	s, _, clock := newTestSession(t)
	ctx := context.Background()

	assert.NoError(s.Join())
	s.OnRadioEvent(5000, radio.StatusTxDone, 0, 0)
	clock.ms = 5100
	assert.NoError(s.Update(ctx))
	s.OnRadioEvent(10005, radio.StatusRxTimeout, 0, 0)
	assert.NoError(s.Update(ctx))
	s.OnRadioEvent(11005, radio.StatusRxTimeout, 0, 0)
	assert.NoError(s.Update(ctx))

	assert.False(s.Joined())
	assert.True(s.nextJoinTimeS > clock.NowS())
	assert.Equal(ErrJoinBackoff, s.Join())
}

func TestScheduleNextJoin(t *testing.T) {
	tests := []struct {
		name     string
		elapsedS uint32
		backoffS uint32
	}{
		{name: "first hour", elapsedS: 0, backoffS: 256},
		{name: "hour one to eleven", elapsedS: 7200, backoffS: 2560},
		{name: "after hour eleven", elapsedS: 12 * 3600, backoffS: 25600},
	}

	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			assert := require.New(t)

			s, _, clock := newTestSession(t)
			s.firstJoinTimeS = 1
			clock.ms = (1 + tst.elapsedS) * 1000

			// DR0 is SF12: the reference time-on-air doubles seven times.
			s.scheduleNextJoin()
			assert.Equal(clock.NowS()+tst.backoffS, s.nextJoinTimeS)
		})
	}
}

func TestUpdateADR(t *testing.T) {
	ctx := context.Background()

	t.Run("ack request inside the window", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.adrAckCnt = 63
		assert.NoError(s.updateADR(ctx))
		assert.False(s.adrAckReq)

		s.adrAckCnt = 64
		assert.NoError(s.updateADR(ctx))
		assert.True(s.adrAckReq)

		s.adrAckCnt = 95
		assert.NoError(s.updateADR(ctx))
		assert.True(s.adrAckReq)

		// The window includes its upper bound.
		s.adrAckCnt = 96
		assert.NoError(s.updateADR(ctx))
		assert.True(s.adrAckReq)

		s.adrAckCnt = 97
		assert.NoError(s.updateADR(ctx))
		assert.False(s.adrAckReq)
	})

	t.Run("step down past the window", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.txDataRate = 2
		s.adrAckCnt = 96

		assert.NoError(s.updateADR(ctx))
		assert.True(s.adrAckReq)
		assert.Equal(1, s.txDataRate)
		assert.EqualValues(64, s.adrAckCnt)
	})

	t.Run("no step below the minimum data-rate", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.txDataRate = 0
		s.adrAckCnt = 96

		assert.NoError(s.updateADR(ctx))
		assert.Equal(0, s.txDataRate)
	})

	t.Run("unacknowledged confirmed uplinks step down", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.txDataRate = 2
		s.adrAckCntConfirmed = 3

		assert.NoError(s.updateADR(ctx))
		assert.Equal(1, s.txDataRate)
		assert.EqualValues(0, s.adrAckCntConfirmed)
	})

	t.Run("watchdog ceiling is fatal", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		var fatal error
		s.onFatal = func(err error) { fatal = err }
		s.adrAckCnt = 5000

		err := s.updateADR(ctx)
		assert.Error(err)
		assert.Equal(err, fatal)
	})

	t.Run("adr disabled never requests", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.adrEnabled = false
		s.txDataRate = 2
		s.adrAckCnt = 200

		assert.NoError(s.updateADR(ctx))
		assert.False(s.adrAckReq)
		assert.Equal(2, s.txDataRate)
	})
}

func TestAssembleAnswers(t *testing.T) {
	t.Run("small answers ride in fopts", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.ansStickySize = copy(s.ansSticky[:], []byte{0x05, 0x07})
		s.ansCurrentSize = copy(s.ansCurrent[:], []byte{0x04})

		s.assembleAnswers()
		assert.Equal([]byte{0x05, 0x07, 0x04}, s.fopts[:s.foptsSize])
		assert.Equal(0, s.ansCurrentSize)
		// Sticky answers repeat until a downlink confirms them.
		assert.Equal(2, s.ansStickySize)
		assert.Equal(noFrameToSend, s.ansToSend)
	})

	t.Run("large answers promote to a port 0 frame", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		sticky := []byte{0x0a, 0x03, 0x0a, 0x03, 0x0a, 0x03, 0x0a, 0x03, 0x0a, 0x03, 0x0a, 0x03}
		current := []byte{0x06, 128, 0x3d, 0x06, 128, 0x3d}
		s.ansStickySize = copy(s.ansSticky[:], sticky)
		s.ansCurrentSize = copy(s.ansCurrent[:], current)

		s.assembleAnswers()
		assert.Equal(0, s.foptsSize)
		assert.Equal(nwkFrameToSend, s.ansToSend)
		assert.Equal(18, s.nwkAnsSize)
		assert.Equal(append(sticky, current...), s.nwkAns[:s.nwkAnsSize])
	})

	t.Run("overflow cuts on record boundaries", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		for i := 0; i < 20; i++ {
			s.pushAns(0x06, 128, 0x3d)
		}
		assert.Equal(60, s.ansCurrentSize)

		s.assembleAnswers()
		// DR0 carries at most 51 payload bytes; 17 whole records fit.
		assert.Equal(51, s.nwkAnsSize)
	})

	t.Run("nothing pending clears fopts", func(t *testing.T) {
		assert := require.New(t)

		s, _, _ := newJoinedSession(t)
		s.foptsSize = 3

		s.assembleAnswers()
		assert.Equal(0, s.foptsSize)
	})
}

func TestUpdateRetransmissionCounter(t *testing.T) {
	assert := require.New(t)

	s, _, _ := newJoinedSession(t)

	s.nbTransCpt = 1
	s.updateRetransmission()
	assert.EqualValues(1, s.FCntUp())
	assert.Equal(noFrameToSend, s.ansToSend)

	s.nbTransCpt = 3
	s.updateRetransmission()
	assert.EqualValues(2, s.nbTransCpt)
	assert.Equal(userFrameToRetransmit, s.ansToSend)
	assert.EqualValues(1, s.FCntUp())
}

func TestDutyCycleTimeOff(t *testing.T) {
	assert := require.New(t)

	s, _, clock := newJoinedSession(t)
	clock.ms = 10_000
	s.maxDutyCycleIndex = 4
	s.txDataRate = 0

	s.updateDutyCycleTimeOff()
	// SF12 estimate 2560ms, off time (2^4 - 1) times that.
	assert.EqualValues(38400, s.NextFreeDutyCycleMs())

	clock.ms = 20_000
	assert.EqualValues(28400, s.NextFreeDutyCycleMs())

	clock.ms = 50_000
	assert.EqualValues(0, s.NextFreeDutyCycleMs())

	t.Run("survives the clock wrap", func(t *testing.T) {
		assert := require.New(t)

		s.updateDutyCycleTimeOff()
		s.txTimeOffTimestamp = 0xffffff00
		clock.ms = 356

		assert.EqualValues(38400-611, s.NextFreeDutyCycleMs())
	})

	t.Run("index zero means no limit", func(t *testing.T) {
		assert := require.New(t)

		s.maxDutyCycleIndex = 0
		s.updateDutyCycleTimeOff()
		assert.EqualValues(0, s.NextFreeDutyCycleMs())
	})
}
