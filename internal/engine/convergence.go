package engine

import "consensus-research-pipeline/internal/models"

// thresholdTolerance absorbs float noise so a step of exactly the threshold
// (0.60 -> 0.63 is 5.000000000000004%) counts as below it.
const thresholdTolerance = 1e-9

// improvementPercent is the relative change of best totals, 0 when prev is 0.
func improvementPercent(prevBest, curBest float64) float64 {
	if prevBest == 0 {
		return 0
	}
	return (curBest - prevBest) / prevBest * 100
}

// shouldTerminate reports whether the last two improvements both fell below
// threshold. It needs at least three iterations.
func shouldTerminate(history []models.IterationResult, threshold float64) bool {
	n := len(history)
	if n < 2 {
		return false
	}
	current := improvementPercent(history[n-2].BestScore(), history[n-1].BestScore())
	if current >= threshold+thresholdTolerance {
		return false
	}
	if n < 3 {
		return false
	}
	previous := improvementPercent(history[n-3].BestScore(), history[n-2].BestScore())
	return previous < threshold+thresholdTolerance
}
