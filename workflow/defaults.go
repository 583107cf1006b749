package workflow

// DefaultStageProbability maps a deal stage to its default win
// probability, used when no rule configures an explicit value.
func DefaultStageProbability(stage string) int {
	switch normalizeState(stage) {
	case "new":
		return 10
	case "qualified":
		return 25
	case "proposal":
		return 50
	case "negotiation":
		return 75
	case "won":
		return 100
	case "lost":
		return 0
	}
	return 0
}

// ScoreIncrementForStatus maps a lead status to the score awarded when
// a lead reaches it.
func ScoreIncrementForStatus(status string) int {
	switch normalizeState(status) {
	case "contacted":
		return 10
	case "qualified":
		return 25
	case "converted":
		return 50
	}
	return 0
}
