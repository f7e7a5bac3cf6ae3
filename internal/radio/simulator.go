package radio

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Submission records one Enqueue call accepted by the Simulator.
type Submission struct {
	Task    Task
	Payload []byte
	Params  Params
}

// Simulator is an in-process Scheduler used by tests and the demo daemon.
// It records submissions and lets the caller inject completions.
type Simulator struct {
	mu sync.Mutex

	nextHook    uint8
	submissions []Submission
	pending     []Submission

	timestampMs uint32
	status      Status

	// Busy makes Enqueue reject tasks with ErrBusy.
	Busy bool
}

// NewSimulator returns an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// HookID implements Scheduler.
func (s *Simulator) HookID(owner interface{}) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextHook
	s.nextHook++
	return id, nil
}

// Enqueue implements Scheduler.
func (s *Simulator) Enqueue(task Task, payload []byte, params Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Busy {
		return ErrBusy
	}

	p := make([]byte, len(payload))
	copy(p, payload)
	sub := Submission{Task: task, Payload: p, Params: params}
	s.submissions = append(s.submissions, sub)
	s.pending = append(s.pending, sub)

	log.WithFields(log.Fields{
		"hook":      task.Hook,
		"task_type": task.Type,
		"scheduled": task.Scheduled,
		"start_ms":  task.StartTimeMs,
	}).Debug("radio: task enqueued")

	return nil
}

// Status implements Scheduler.
func (s *Simulator) Status(hook uint8) (uint32, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timestampMs, s.status
}

// Complete injects a task completion.
func (s *Simulator) Complete(timestampMs uint32, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestampMs = timestampMs
	s.status = status
}

// CompleteNext completes the oldest pending task as an idle medium would:
// transmit tasks finish with TxDone at their end time, receive tasks expire
// with RxTimeout. A scheduled task only completes once nowMs has passed its
// end time. Returns false when nothing completed.
func (s *Simulator) CompleteNext(nowMs uint32) (uint32, Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return 0, StatusNone, false
	}

	task := s.pending[0].Task
	endMs := nowMs
	if task.Scheduled {
		endMs = task.StartTimeMs + task.DurationMs
		if int32(nowMs-endMs) < 0 {
			return 0, StatusNone, false
		}
	}
	s.pending = s.pending[1:]

	status := StatusTxDone
	if task.Type == TaskRxLoRa || task.Type == TaskRxFSK {
		status = StatusRxTimeout
	}
	s.timestampMs = endMs
	s.status = status
	return endMs, status, true
}

// Submissions returns a copy of the accepted submissions.
func (s *Simulator) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

// LastSubmission returns the most recent submission, or false when none.
func (s *Simulator) LastSubmission() (Submission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submissions) == 0 {
		return Submission{}, false
	}
	return s.submissions[len(s.submissions)-1], true
}

// Reset clears the recorded state.
func (s *Simulator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions = nil
	s.pending = nil
	s.timestampMs = 0
	s.status = StatusNone
	s.Busy = false
}
