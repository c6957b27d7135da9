package scoring

import "math"

// CTRWeight returns how much of the blended score leans on early click
// signal at a given ad age. Young ads have no pipeline data so CTR carries
// everything; as attribution catches up the weight hands over to ROAS.
//
// The curve is continuous: 1.0 until 6h, linear to 0.7 at 24h, linear to
// 0.3 at 72h, then exponential decay floored at 0.1.
func CTRWeight(ageHours float64) float64 {
	switch {
	case ageHours < 0:
		return 1.0
	case ageHours < 6:
		return 1.0
	case ageHours < 24:
		return 1.0 - 0.3*(ageHours-6)/18
	case ageHours < 72:
		return 0.7 - 0.4*(ageHours-24)/48
	default:
		return math.Max(0.1, 0.3*math.Exp(-0.1*(ageHours-72)/24))
	}
}
