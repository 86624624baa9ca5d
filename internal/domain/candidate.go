package domain

import (
	"errors"
	"time"
)

// CandidateStatus is the candidate lifecycle state.
type CandidateStatus string

const (
	CandidateNew          CandidateStatus = "NEW"
	CandidateFiltered     CandidateStatus = "FILTERED"
	CandidateEvidenceDone CandidateStatus = "EVIDENCE_DONE"
	CandidateAIDone       CandidateStatus = "AI_DONE"
	CandidateDecided      CandidateStatus = "DECIDED"
	CandidateExecuted     CandidateStatus = "EXECUTED"
	CandidateDropped      CandidateStatus = "DROPPED"
)

var ErrInvalidCandidateTransition = errors.New("invalid candidate state transition")

var candidateTransitions = map[CandidateStatus][]CandidateStatus{
	CandidateNew:          {CandidateFiltered, CandidateEvidenceDone, CandidateDropped},
	CandidateEvidenceDone: {CandidateAIDone, CandidateDropped},
	CandidateAIDone:       {CandidateDecided, CandidateDropped},
	CandidateDecided:      {CandidateExecuted, CandidateDropped},
}

// Candidate is one evaluation attempt for a market, pinned to the snapshot it
// was created from.
type Candidate struct {
	ID           string
	MarketID     string
	SnapshotID   string
	CreatedAt    time.Time
	TriggerReasons []string
	Status       CandidateStatus
	StateVersion int64
}

// Transition advances the candidate, bumping the monotonic state version.
func (c *Candidate) Transition(to CandidateStatus) error {
	if c.Status == to {
		return nil
	}
	for _, allowed := range candidateTransitions[c.Status] {
		if allowed == to {
			c.Status = to
			c.StateVersion++
			return nil
		}
	}
	return ErrInvalidCandidateTransition
}

// Age returns how long ago the candidate was created.
func (c Candidate) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Expired reports whether the candidate has outlived CandidateMaxAgeSec and
// may no longer reach execution.
func (c Candidate) Expired(now time.Time) bool {
	return c.Age(now) > CandidateMaxAgeSec*time.Second
}
