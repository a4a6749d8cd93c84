package contracts

// RiskGrade classifies how much verification a change or claim requires
// before it may be committed.
type RiskGrade string

const (
	// RiskL1 covers documentation, whitespace, comments, trivial renames.
	RiskL1 RiskGrade = "L1"
	// RiskL2 covers functional code changes, external API use, file or network I/O.
	RiskL2 RiskGrade = "L2"
	// RiskL3 covers security-sensitive paths and dangerous constructs.
	RiskL3 RiskGrade = "L3"
)

// Rank orders grades for comparison: L1 < L2 < L3.
func (g RiskGrade) Rank() int {
	switch g {
	case RiskL1:
		return 1
	case RiskL2:
		return 2
	case RiskL3:
		return 3
	default:
		return 0
	}
}

// Valid reports whether the grade is one of L1/L2/L3.
func (g RiskGrade) Valid() bool { return g.Rank() != 0 }

// Raise returns the next higher grade. L3 stays L3.
func (g RiskGrade) Raise() RiskGrade {
	switch g {
	case RiskL1:
		return RiskL2
	case RiskL2:
		return RiskL3
	default:
		return RiskL3
	}
}

// MaxGrade returns the higher of two grades.
func MaxGrade(a, b RiskGrade) RiskGrade {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
