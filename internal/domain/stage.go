package domain

// Stage is one of the six ordered steps of the analysis pipeline.
type Stage int

const (
	StageNone Stage = iota
	StageExclusionList
	StageChannelDiscovery
	StageVideoRetrieval
	StageOutlierDetection
	StageBrandFit
	StageAggregation
)

const StageCount = 6

var stageLabels = map[Stage]string{
	StageNone:             "not started",
	StageExclusionList:    "building exclusion list",
	StageChannelDiscovery: "discovering adjacent channels",
	StageVideoRetrieval:   "retrieving videos",
	StageOutlierDetection: "detecting outliers",
	StageBrandFit:         "scoring brand fit",
	StageAggregation:      "aggregating results",
}

func (s Stage) Label() string {
	if label, ok := stageLabels[s]; ok {
		return label
	}
	return "unknown"
}

// Next returns the stage that follows s, or StageNone after the last stage.
func (s Stage) Next() Stage {
	if s >= StageAggregation || s < StageNone {
		return StageNone
	}
	return s + 1
}

func (s Stage) IsValid() bool {
	return s >= StageNone && s <= StageAggregation
}

// Percentage is stage/6 * 100.
func (s Stage) Percentage() float64 {
	if s <= StageNone {
		return 0
	}
	return float64(s) / StageCount * 100
}
