package orchestrator

import (
	"time"

	"github.com/kagent-dev/sage/pkg/cache"
	"github.com/kagent-dev/sage/pkg/research"
)

// Outcome summarizes a finished session.
type Outcome struct {
	SessionID      string                `json:"session_id"`
	Goal           string                `json:"goal"`
	Status         research.Status       `json:"status"`
	Phase          research.Phase        `json:"phase"`
	Report         string                `json:"report"`
	Caveat         string                `json:"caveat,omitempty"`
	QualityScore   float64               `json:"quality_score"`
	Iterations     int                   `json:"iterations"`
	Sources        int                   `json:"sources"`
	SourceTypes    []research.SourceType `json:"source_types,omitempty"`
	Findings       int                   `json:"findings"`
	FailedAttempts []research.Attempt    `json:"failed_attempts,omitempty"`
	Contradictions int                   `json:"contradictions"`
	Reason         string                `json:"reason,omitempty"`
	StartTime      time.Time             `json:"start_time"`
	EndTime        time.Time             `json:"end_time"`
	Duration       time.Duration         `json:"duration"`
}

func newOutcome(snap research.Snapshot) *Outcome {
	findings := 0
	for _, evidence := range snap.Findings {
		findings += len(evidence)
	}

	return &Outcome{
		SessionID:      snap.SessionID,
		Goal:           snap.Goal,
		Status:         snap.Status,
		Phase:          snap.Phase,
		Report:         snap.Report,
		Caveat:         snap.Caveat,
		QualityScore:   snap.QualityScore,
		Iterations:     snap.Iteration,
		Sources:        len(snap.Sources),
		SourceTypes:    snap.SourceTypes(),
		Findings:       findings,
		FailedAttempts: snap.FailedAttempts(),
		Contradictions: len(snap.Contradictions),
		Reason:         snap.Reason,
		StartTime:      snap.StartTime,
		EndTime:        snap.EndTime,
		Duration:       snap.Duration(snap.EndTime),
	}
}

// Record converts a terminal snapshot to the persisted session record.
func Record(snap research.Snapshot) cache.SessionRecord {
	return cache.SessionRecord{
		SessionID:    snap.SessionID,
		Goal:         snap.Goal,
		StartTime:    snap.StartTime,
		EndTime:      snap.EndTime,
		Status:       string(snap.Status),
		FinalReport:  snap.Report,
		Iterations:   snap.Iteration,
		QualityScore: snap.QualityScore,
		Reason:       snap.Reason,
	}
}
