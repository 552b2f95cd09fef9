package domain

// WorkerStats holds lifetime attempt counters of one challenge worker.
type WorkerStats struct {
	ID     int   `json:"id"`
	Solved int64 `json:"solved"`
	Failed int64 `json:"failed"`
}

// PoolStats is a point-in-time snapshot of challenge pool counters.
type PoolStats struct {
	RequestsTotal   int64 `json:"requests_total"`
	SolvedOK        int64 `json:"solved_ok"`
	SolvedFail      int64 `json:"solved_fail"`
	ReportedInvalid int64 `json:"reported_invalid"`

	ConfiguredWorkers int           `json:"configured_workers"`
	ActiveWorkers     int           `json:"active_workers"`
	Workers           []WorkerStats `json:"workers"`
}

// ValidSuccessRate returns the share of requests whose token was not later
// reported invalid, floored at 0.
func (s PoolStats) ValidSuccessRate() float64 {
	if s.RequestsTotal == 0 {
		return 0
	}
	valid := s.SolvedOK - s.ReportedInvalid
	if valid < 0 {
		valid = 0
	}
	return float64(valid) / float64(s.RequestsTotal)
}
