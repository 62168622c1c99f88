package consensus

import (
	"fmt"
	"sort"

	"consensus-research-pipeline/internal/models"
)

// TieThreshold is the total-score gap below which the top two reports are
// considered tied.
const TieThreshold = 0.01

const singleReportReason = "Only one report available"

type Selection struct {
	SelectedReportID string `json:"selected_report_id"`
	Reason           string `json:"reason"`
	TieBreak         bool   `json:"tie_break"`
}

type RankEntry struct {
	Rank             int     `json:"rank"`
	ReportID         string  `json:"report_id"`
	TotalScore       float64 `json:"total_score"`
	ConsistencyScore float64 `json:"consistency_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	CoverageScore    float64 `json:"coverage_score"`
	ConflictCount    int     `json:"conflict_count"`
}

type ScoreDeltas struct {
	Total       float64 `json:"total"`
	Consistency float64 `json:"consistency"`
	Reliability float64 `json:"reliability"`
	Coverage    float64 `json:"coverage"`
}

// SelectionAnalysis is a diagnostic view of a selection.
type SelectionAnalysis struct {
	SelectedReportID string      `json:"selected_report_id"`
	Deltas           ScoreDeltas `json:"deltas"`
	Ranking          []RankEntry `json:"ranking"`
	Gap              float64     `json:"gap"`
	Confidence       float64     `json:"confidence"`
}

// Selector picks the winning report of an iteration. Selection is a pure
// function of the score set; input order does not matter.
type Selector struct{}

func NewSelector() *Selector {
	return &Selector{}
}

func (selector *Selector) Select(scores []models.ReportScore) (Selection, error) {
	switch len(scores) {
	case 0:
		return Selection{}, models.NewConsensusError(models.CodeSelectionError, "no scores to select from")
	case 1:
		return Selection{SelectedReportID: scores[0].ReportID, Reason: singleReportReason}, nil
	}

	ranked := rankScores(scores)
	top, runnerUp := ranked[0], ranked[1]

	if top.TotalScore-runnerUp.TotalScore < TieThreshold {
		winner := mostConsistent(scores)
		return Selection{
			SelectedReportID: winner.ReportID,
			TieBreak:         true,
			Reason: fmt.Sprintf(
				"Tie-break: top total scores within %.2f (%.3f vs %.3f); selected highest consistency score %.3f among all %d reports",
				TieThreshold, top.TotalScore, runnerUp.TotalScore, winner.ConsistencyScore, len(scores)),
		}, nil
	}

	othersMean := meanTotalExcluding(scores, top.ReportID)
	margin := 0.0
	if othersMean > 0 {
		margin = (top.TotalScore - othersMean) / othersMean * 100
	}

	return Selection{
		SelectedReportID: top.ReportID,
		Reason: fmt.Sprintf(
			"Selected highest total score %.3f (%.1f%% above the mean of the other reports); consistency %.3f, reliability %.3f, coverage %.3f; %d conflicts",
			top.TotalScore, margin, top.ConsistencyScore, top.ReliabilityScore, top.CoverageScore, len(top.Conflicts)),
	}, nil
}

// AnalyzeSelection compares the selected report against the rest and derives
// a confidence from the gap to its best competitor.
func (selector *Selector) AnalyzeSelection(scores []models.ReportScore, selection Selection) SelectionAnalysis {
	analysis := SelectionAnalysis{
		SelectedReportID: selection.SelectedReportID,
		Ranking:          []RankEntry{},
	}

	ranked := rankScores(scores)
	var winner *models.ReportScore
	for i, score := range ranked {
		analysis.Ranking = append(analysis.Ranking, RankEntry{
			Rank:             i + 1,
			ReportID:         score.ReportID,
			TotalScore:       score.TotalScore,
			ConsistencyScore: score.ConsistencyScore,
			ReliabilityScore: score.ReliabilityScore,
			CoverageScore:    score.CoverageScore,
			ConflictCount:    len(score.Conflicts),
		})
		if score.ReportID == selection.SelectedReportID && winner == nil {
			winner = &ranked[i]
		}
	}

	if winner == nil {
		return analysis
	}
	if len(scores) < 2 {
		analysis.Confidence = ConfidenceForGap(1)
		return analysis
	}

	var sum ScoreDeltas
	bestCompetitor := -1.0
	for _, score := range scores {
		if score.ReportID == winner.ReportID {
			continue
		}
		sum.Total += score.TotalScore
		sum.Consistency += score.ConsistencyScore
		sum.Reliability += score.ReliabilityScore
		sum.Coverage += score.CoverageScore
		if score.TotalScore > bestCompetitor {
			bestCompetitor = score.TotalScore
		}
	}
	others := float64(len(scores) - 1)
	analysis.Deltas = ScoreDeltas{
		Total:       winner.TotalScore - sum.Total/others,
		Consistency: winner.ConsistencyScore - sum.Consistency/others,
		Reliability: winner.ReliabilityScore - sum.Reliability/others,
		Coverage:    winner.CoverageScore - sum.Coverage/others,
	}
	analysis.Gap = winner.TotalScore - bestCompetitor
	analysis.Confidence = ConfidenceForGap(analysis.Gap)

	return analysis
}

// ConfidenceForGap maps the winner's lead over its best competitor onto fixed
// confidence bands.
func ConfidenceForGap(gap float64) float64 {
	switch {
	case gap >= 0.10:
		return 0.95
	case gap >= 0.05:
		return 0.80
	case gap >= 0.02:
		return 0.60
	case gap >= 0.01:
		return 0.40
	default:
		return 0.30
	}
}

// rankScores sorts a copy by total score descending; report id breaks exact
// ties so the order never depends on input order.
func rankScores(scores []models.ReportScore) []models.ReportScore {
	ranked := append([]models.ReportScore(nil), scores...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].TotalScore != ranked[j].TotalScore {
			return ranked[i].TotalScore > ranked[j].TotalScore
		}
		return ranked[i].ReportID < ranked[j].ReportID
	})
	return ranked
}

func mostConsistent(scores []models.ReportScore) models.ReportScore {
	best := scores[0]
	for _, score := range scores[1:] {
		switch {
		case score.ConsistencyScore > best.ConsistencyScore:
			best = score
		case score.ConsistencyScore == best.ConsistencyScore && score.TotalScore > best.TotalScore:
			best = score
		case score.ConsistencyScore == best.ConsistencyScore && score.TotalScore == best.TotalScore && score.ReportID < best.ReportID:
			best = score
		}
	}
	return best
}

func meanTotalExcluding(scores []models.ReportScore, reportID string) float64 {
	sum, count := 0.0, 0
	for _, score := range scores {
		if score.ReportID == reportID {
			continue
		}
		sum += score.TotalScore
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}
