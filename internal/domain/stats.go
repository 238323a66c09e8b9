package domain

import "time"

// BatchStats aggregates record counts for one request. Total == 0 signals
// that the request is unknown.
type BatchStats struct {
	RequestID  string
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Done reports whether no record of the request can still move forward.
func (s BatchStats) Done() bool {
	return s.Total > 0 && s.Pending == 0 && s.Processing == 0
}

// SuccessRate is completed over total, 0 when the request is unknown.
func (s BatchStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Completed) / float64(s.Total)
}

// GlobalStatistics is a rolling-window aggregate over all requests.
type GlobalStatistics struct {
	WindowDays        int
	TotalRecords      int
	Completed         int
	Failed            int
	Pending           int
	SuccessRate       float64
	AvgProcessingTime time.Duration
}
