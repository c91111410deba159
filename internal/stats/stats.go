package stats

import (
	"time"

	"creditauth/api/internal/workflow"
)

type Summary struct {
	Total     int                     `json:"total"`
	PerStatus map[workflow.Status]int `json:"perStatus"`
	// Decided counts the requests that contributed to the average.
	Decided                int           `json:"decided"`
	AverageDecisionTime    time.Duration `json:"-"`
	AvgDecisionTimeSeconds float64       `json:"avgDecisionTimeSeconds"`
}

// NewSummary returns an empty summary with every status present.
func NewSummary() Summary {
	perStatus := make(map[workflow.Status]int, len(workflow.Statuses))
	for _, s := range workflow.Statuses {
		perStatus[s] = 0
	}
	return Summary{PerStatus: perStatus}
}

// Aggregate counts requests by status and averages the time from creation to
// decision over decided requests. Open requests are left out of the average.
func Aggregate(requests []workflow.AuthorizationRequest) Summary {
	summary := NewSummary()
	var elapsed time.Duration
	for _, req := range requests {
		summary.Total++
		summary.PerStatus[req.Status]++
		if !req.Status.IsTerminal() || req.DecidedAt == nil {
			continue
		}
		elapsed += req.DecidedAt.Sub(req.CreatedAt)
		summary.Decided++
	}
	if summary.Decided > 0 {
		summary.AverageDecisionTime = elapsed / time.Duration(summary.Decided)
		summary.AvgDecisionTimeSeconds = summary.AverageDecisionTime.Seconds()
	}
	return summary
}
