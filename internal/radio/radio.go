// Package radio defines the contract between the MAC engine and the radio
// task scheduler that owns the transceiver.
package radio

import (
	"github.com/pkg/errors"
)

// ErrBusy is returned by Enqueue when the scheduler cannot take the task.
// The engine treats it as a transient condition, not a failure.
var ErrBusy = errors.New("radio: scheduler busy")

// TaskType identifies the kind of radio activity a task requests.
type TaskType uint8

// Task types.
const (
	TaskTxLoRa TaskType = iota
	TaskTxFSK
	TaskRxLoRa
	TaskRxFSK
)

// Status reports the outcome of a completed radio task.
type Status uint8

// Task outcomes.
const (
	StatusNone Status = iota
	StatusTxDone
	StatusRxPacket
	StatusRxTimeout
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusTxDone:
		return "tx_done"
	case StatusRxPacket:
		return "rx_packet"
	case StatusRxTimeout:
		return "rx_timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// LoRaParams carries the full LoRa modulation setup of a task.
type LoRaParams struct {
	FrequencyHz     uint32
	SpreadingFactor uint8
	BandwidthKHz    uint32
	SyncWord        uint8
	PreambleLength  uint16
	PowerDBm        int8
	InvertIQ        bool
	CRCOn           bool
	// SymbTimeout bounds a receive task in symbols. Zero for TX.
	SymbTimeout uint32
}

// FSKParams carries the FSK modulation setup of a task.
type FSKParams struct {
	FrequencyHz uint32
	BitRate     uint32
	FDevHz      uint32
	PowerDBm    int8
	// TimeoutMs bounds a receive task. Zero for TX.
	TimeoutMs uint32
}

// Params is the modulation parameter record submitted with a task. Exactly
// one of LoRa or FSK is meaningful, selected by the task type.
type Params struct {
	LoRa LoRaParams
	FSK  FSKParams
}

// Task describes one unit of radio work.
type Task struct {
	Hook uint8
	Type TaskType
	// StartTimeMs is the absolute start time when Scheduled is set,
	// otherwise the task runs as soon as possible.
	StartTimeMs uint32
	Scheduled   bool
	// DurationMs is the reservation the scheduler accounts for the task.
	DurationMs uint32
}

// Scheduler is implemented by the radio task scheduler. The engine never
// touches the transceiver directly.
type Scheduler interface {
	// HookID registers the owner and returns its completion hook id.
	HookID(owner interface{}) (uint8, error)

	// Enqueue submits a task. payload is the TX frame for transmit tasks
	// and the receive buffer for receive tasks. Returns ErrBusy when a
	// higher priority task holds the radio.
	Enqueue(task Task, payload []byte, params Params) error

	// Status returns the completion timestamp (ms) and outcome of the
	// last task finished on the given hook.
	Status(hook uint8) (uint32, Status)
}
