package mac

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors of the engine. Callers match them with errors.Cause.
var (
	// ErrWireFormat covers structurally invalid frames: short buffers,
	// inconsistent length fields, uplink-only message types on a downlink.
	ErrWireFormat = errors.New("wire format error")

	// ErrSecurity covers MIC mismatches and counter replay. Frames failing
	// a security check are dropped without touching session state.
	ErrSecurity = errors.New("security check failed")

	// ErrProtocolViolation covers semantically invalid content inside a
	// structurally valid frame, such as an unknown MAC command opcode.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrNotJoined is returned when an operation requires an active
	// session.
	ErrNotJoined = errors.New("device has not joined")

	// ErrJoined is returned when a join is requested on a joined session.
	ErrJoined = errors.New("device has already joined")

	// ErrJoinBackoff is returned when a join attempt is requested before
	// the duty-cycle backoff window has elapsed.
	ErrJoinBackoff = errors.New("join duty-cycle backoff active")

	// ErrPayloadTooLarge is returned when the staged application payload
	// does not fit the max payload size of the current data-rate.
	ErrPayloadTooLarge = errors.New("payload exceeds data-rate limit")
)

// FatalError marks unrecoverable conditions: corrupted engine state or an
// unusable radio. It is handed to the session fault handler, never returned
// to the caller of a frame operation.
type FatalError struct {
	Reason string
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal engine condition: %s", e.Reason)
}
