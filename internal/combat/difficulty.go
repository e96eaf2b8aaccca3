package combat

import "vttsync/internal/apperr"

// Difficulty rates an encounter against a party.
type Difficulty string

const (
	Easy   Difficulty = "easy"
	Medium Difficulty = "medium"
	Hard   Difficulty = "hard"
	Deadly Difficulty = "deadly"
)

// Threshold is the per-character XP budget at a party level.
func Threshold(level int) int {
	return 40 * level
}

// Multiplier scales raw XP by how many monsters share the fight.
func Multiplier(count int) float64 {
	switch {
	case count <= 1:
		return 1
	case count == 2:
		return 1.5
	case count <= 6:
		return 2
	case count <= 10:
		return 2.5
	case count <= 14:
		return 3
	default:
		return 4
	}
}

// AdjustedXP sums monster XP and applies the group multiplier.
func AdjustedXP(monsterXP []int) float64 {
	total := 0
	for _, xp := range monsterXP {
		total += xp
	}
	return float64(total) * Multiplier(len(monsterXP))
}

// Rate classifies a fight for partySize characters of partyLevel.
func Rate(partySize, partyLevel int, monsterXP []int) (Difficulty, error) {
	if partySize < 1 || partyLevel < 1 {
		return "", apperr.Validation("party size and level must be at least 1")
	}
	for _, xp := range monsterXP {
		if xp < 0 {
			return "", apperr.Validation("monster xp must not be negative")
		}
	}
	budget := float64(Threshold(partyLevel) * partySize)
	adjusted := AdjustedXP(monsterXP)
	switch {
	case adjusted <= budget:
		return Easy, nil
	case adjusted <= 2*budget:
		return Medium, nil
	case adjusted <= 3*budget:
		return Hard, nil
	default:
		return Deadly, nil
	}
}
