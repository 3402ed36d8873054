package pipeline

import (
	"strings"

	"github.com/kapu/outlier-scout-go/internal/domain"
)

const (
	brandKeywordWeight  = 2
	familyKeywordWeight = 1
	energyKeywordWeight = 1
	patternWeight       = 1
	negativePenalty     = 3
)

// brandFitScore rates a video 0-10 against the brand criteria. Each keyword
// counts once, however often it appears.
func brandFitScore(rules brandRules, video domain.VideoSummary) float64 {
	raw := video.Title + "\n" + video.Description + "\n" + strings.Join(video.Tags, "\n")
	text := strings.ToLower(raw)

	score := 0
	score += brandKeywordWeight * countPresent(text, rules.brandKeywords)
	score += familyKeywordWeight * countPresent(text, rules.familyKeywords)
	score += energyKeywordWeight * countPresent(text, rules.energyKeywords)
	for _, re := range rules.patterns {
		if re.MatchString(raw) {
			score += patternWeight
		}
	}
	score -= negativePenalty * countPresent(text, rules.negatives)

	switch {
	case score < 0:
		return 0
	case score > domain.MaxBrandFitScore:
		return domain.MaxBrandFitScore
	default:
		return float64(score)
	}
}

func countPresent(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			n++
		}
	}
	return n
}
