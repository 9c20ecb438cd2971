// Package session holds the mutable conversation state for one task attempt.
//
// A [GameSession] is mutated exclusively by the dialogue engine; every other
// component reads it. The package also defines the [Store] persistence
// contract with an in-memory implementation here and a PostgreSQL one in the
// postgres subpackage.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored an exchange.
type Role string

const (
	// RoleStudent is the human student's turn.
	RoleStudent Role = "student"

	// RoleTrickster is the AI persona's turn.
	RoleTrickster Role = "trickster"
)

// IsValid reports whether r is a recognised session role.
func (r Role) IsValid() bool {
	return r == RoleStudent || r == RoleTrickster
}

// Exchange is one turn in the conversation. Immutable once appended.
type Exchange struct {
	// Role is who spoke.
	Role Role `json:"role"`

	// Content is the turn's text.
	Content string `json:"content"`

	// Timestamp is when the turn was appended.
	Timestamp time.Time `json:"timestamp"`
}

// ChoiceRecord is one opaque choice the student made in a non-AI phase. The
// core only reads ContextLabel; the payload belongs to the transport layer.
type ChoiceRecord struct {
	// PhaseID is the phase the choice was made in.
	PhaseID string `json:"phase_id"`

	// Value is the raw choice payload.
	Value string `json:"value"`

	// ContextLabel, when set, is woven into the Trickster's system prompt as
	// student path context.
	ContextLabel string `json:"context_label,omitempty"`
}

// GameSession is the mutable conversation state for one task attempt.
type GameSession struct {
	// ID is the session identifier.
	ID string `json:"id"`

	// StudentID identifies the student.
	StudentID string `json:"student_id"`

	// CurrentTask is the active task id, empty when none.
	CurrentTask string `json:"current_task,omitempty"`

	// CurrentPhase is the active phase id, empty when none.
	CurrentPhase string `json:"current_phase,omitempty"`

	// Exchanges is the chronological conversation, append-only.
	Exchanges []Exchange `json:"exchanges"`

	// Choices records the student's path through non-AI phases.
	Choices []ChoiceRecord `json:"choices"`

	// LastRedactionReason is the boundary category of the most recent
	// redacted reply. One-shot: cleared by the next assembly that injects it.
	LastRedactionReason string `json:"last_redaction_reason,omitempty"`

	// PromptSnapshots maps prompt layer names to the fragment text captured
	// on the session's first AI call. Nil until then; invariant afterwards for
	// the lifetime of the task attempt.
	PromptSnapshots map[string]string `json:"prompt_snapshots,omitempty"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`
}

// New creates a session for a student with a fresh identifier.
func New(studentID string) *GameSession {
	return &GameSession{
		ID:        uuid.NewString(),
		StudentID: studentID,
		CreatedAt: time.Now(),
	}
}

// AppendExchange appends a turn with the current timestamp.
func (s *GameSession) AppendExchange(role Role, content string) {
	s.Exchanges = append(s.Exchanges, Exchange{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
}

// StudentExchangeCount returns the number of student-role turns.
func (s *GameSession) StudentExchangeCount() int {
	n := 0
	for i := range s.Exchanges {
		if s.Exchanges[i].Role == RoleStudent {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the session.
func (s *GameSession) Clone() *GameSession {
	out := *s
	out.Exchanges = append([]Exchange(nil), s.Exchanges...)
	out.Choices = append([]ChoiceRecord(nil), s.Choices...)
	if s.PromptSnapshots != nil {
		out.PromptSnapshots = make(map[string]string, len(s.PromptSnapshots))
		for k, v := range s.PromptSnapshots {
			out.PromptSnapshots[k] = v
		}
	}
	return &out
}
