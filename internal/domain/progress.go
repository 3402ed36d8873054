package domain

import "time"

// ProgressEvent is pushed to subscribers of one analysis identifier.
type ProgressEvent struct {
	AnalysisID string    `json:"analysis_id"`
	Stage      Stage     `json:"stage"`
	Label      string    `json:"label"`
	Percentage float64   `json:"percentage"`
	Status     JobStatus `json:"status"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// IsTerminal reports whether no further events follow for this analysis run.
func (e ProgressEvent) IsTerminal() bool {
	return e.Status.IsTerminal()
}

func NewStageEvent(analysisID string, stage Stage, now time.Time) ProgressEvent {
	return ProgressEvent{
		AnalysisID: analysisID,
		Stage:      stage,
		Label:      stage.Label(),
		Percentage: stage.Percentage(),
		Status:     JobStatusRunning,
		Timestamp:  now,
	}
}
