package pipeline

import "fmt"

// Phase is the per-round pipeline phase. Legal order is fixed:
// Idle → Generating → Validating → Splitting → (Training | Skipped) →
// RoundComplete, with RoundFailed reachable from any running phase.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseGenerating    Phase = "generating"
	PhaseValidating    Phase = "validating"
	PhaseSplitting     Phase = "splitting"
	PhaseTraining      Phase = "training"
	PhaseSkipped       Phase = "skipped"
	PhaseRoundComplete Phase = "round_complete"
	PhaseRoundFailed   Phase = "round_failed"
)

var phaseTransitions = map[Phase][]Phase{
	PhaseIdle:          {PhaseGenerating},
	PhaseGenerating:    {PhaseValidating, PhaseRoundFailed},
	PhaseValidating:    {PhaseSplitting, PhaseRoundFailed},
	PhaseSplitting:     {PhaseTraining, PhaseSkipped, PhaseRoundFailed},
	PhaseTraining:      {PhaseRoundComplete, PhaseRoundFailed},
	PhaseSkipped:       {PhaseRoundComplete},
	PhaseRoundComplete: {PhaseGenerating},
	PhaseRoundFailed:   {PhaseGenerating},
}

// advance moves to next, or errors on an illegal transition. Transition bugs
// are programmer errors; surfacing them beats silently corrupting the round.
func (p Phase) advance(next Phase) (Phase, error) {
	for _, legal := range phaseTransitions[p] {
		if legal == next {
			return next, nil
		}
	}
	return p, fmt.Errorf("illegal phase transition: %s -> %s", p, next)
}
