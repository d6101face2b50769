package cache

import (
	"log/slog"
	"time"
)

// Outcome is the externally visible result of an operation.
type Outcome string

const (
	// OutcomeHit means restore found an artifact and unpacked it.
	OutcomeHit Outcome = "hit"
	// OutcomeFullMiss means no key matched, or restore failed softly.
	OutcomeFullMiss Outcome = "fullMiss"
	// OutcomeAlreadyCached means save found the key already stored.
	OutcomeAlreadyCached Outcome = "alreadyCached"
	// OutcomeSaved means save uploaded a new artifact.
	OutcomeSaved Outcome = "saved"
	// OutcomeFailed means save did not upload. It never fails the build.
	OutcomeFailed Outcome = "failed"
)

// Result describes one finished Save or Restore.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Key is the key that was stored or restored; empty on a full miss.
	Key string `json:"key,omitempty"`
	// Tier is 0 for the primary key and n for the n-th fallback key.
	Tier int `json:"tier"`
	// Exact is true when Key is the primary key.
	Exact            bool     `json:"exact"`
	BytesTransferred int64    `json:"bytesTransferred"`
	Paths            []string `json:"paths,omitempty"`
	State            State    `json:"state"`
	// Err is the error that was swallowed into Outcome, if any.
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
}

// State is a step of a single operation:
//
//	Idle → Probing → (ShortCircuited | Transferring) → Packing/Unpacking → Cleanup → Done | Failed
type State string

const (
	StateIdle           State = "Idle"
	StateProbing        State = "Probing"
	StateShortCircuited State = "ShortCircuited"
	StateTransferring   State = "Transferring"
	StatePacking        State = "Packing"
	StateUnpacking      State = "Unpacking"
	StateCleanup        State = "Cleanup"
	StateDone           State = "Done"
	StateFailed         State = "Failed"
)

// opState tracks the state of one operation and logs transitions.
type opState struct {
	current State
	logger  *slog.Logger
}

func newOpState(logger *slog.Logger) *opState {
	return &opState{current: StateIdle, logger: logger}
}

func (s *opState) to(next State) {
	s.logger.Debug("state transition", "from", string(s.current), "to", string(next))
	s.current = next
}
