package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/util"
	"github.com/kapu/outlier-scout-go/pkg/errors"
)

// Rules is the compiled, read-only form of an AnalysisConfig. A run only ever
// sees the snapshot it was started with; edits to the stored configuration do
// not reach a job already in flight.
type Rules struct {
	version string

	exclusionChannelIDs []string
	exclusionChannels   map[string]struct{}
	searchQueries       []string
	subscriberRange     domain.SubscriberRange
	window              time.Duration
	outlierThreshold    float64
	brandFitThreshold   float64
	maxResults          int

	exclusionPatterns []*regexp.Regexp
	brand             brandRules
}

type brandRules struct {
	brandKeywords  []string
	familyKeywords []string
	energyKeywords []string
	negatives      []string
	patterns       []*regexp.Regexp
}

// CompileRules validates cfg and compiles its patterns. The version is a
// content hash, so two identical configurations share a version.
func CompileRules(cfg domain.AnalysisConfig) (*Rules, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("hash rules: %w", err)
	}
	sum := sha256.Sum256(raw)

	r := &Rules{
		version:             hex.EncodeToString(sum[:])[:12],
		exclusionChannelIDs: util.UniqueStrings(cfg.ExclusionChannelIDs),
		exclusionChannels:   make(map[string]struct{}, len(cfg.ExclusionChannelIDs)),
		searchQueries:       append([]string(nil), cfg.SearchQueries...),
		subscriberRange:     cfg.SubscriberRange,
		window:              cfg.TimeWindow(),
		outlierThreshold:    cfg.OutlierThreshold,
		brandFitThreshold:   cfg.BrandFitThreshold,
		maxResults:          cfg.MaxResults,
		brand: brandRules{
			brandKeywords:  util.UniqueStrings(util.NormalizeAll(cfg.BrandCriteria.BrandKeywords)),
			familyKeywords: util.UniqueStrings(util.NormalizeAll(cfg.BrandCriteria.FamilyFriendlyKeywords)),
			energyKeywords: util.UniqueStrings(util.NormalizeAll(cfg.BrandCriteria.HighEnergyKeywords)),
			negatives:      util.UniqueStrings(util.NormalizeAll(cfg.BrandCriteria.NegativeKeywords)),
		},
	}
	if r.maxResults == 0 {
		r.maxResults = constants.Pipeline.MaxResults
	}
	for _, id := range r.exclusionChannelIDs {
		r.exclusionChannels[id] = struct{}{}
	}

	for i, p := range cfg.ExclusionPatterns {
		re, err := p.Compile()
		if err != nil {
			return nil, errors.NewValidationError(err.Error(), fmt.Sprintf("exclusion_patterns[%d]", i), p.Pattern)
		}
		r.exclusionPatterns = append(r.exclusionPatterns, re)
	}
	for i, p := range cfg.BrandCriteria.Patterns {
		re, err := p.Compile()
		if err != nil {
			return nil, errors.NewValidationError(err.Error(), fmt.Sprintf("brand_criteria.patterns[%d]", i), p.Pattern)
		}
		r.brand.patterns = append(r.brand.patterns, re)
	}

	return r, nil
}

func (r *Rules) Version() string {
	return r.version
}

func (r *Rules) Window() time.Duration {
	return r.window
}

func (r *Rules) MaxResults() int {
	return r.maxResults
}

func (r *Rules) isExcludedChannel(id string) bool {
	_, ok := r.exclusionChannels[id]
	return ok
}
