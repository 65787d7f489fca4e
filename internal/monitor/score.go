package monitor

// Health status bands.
const (
	StatusExcellent = "excellent"
	StatusGood      = "good"
	StatusFair      = "fair"
	StatusPoor      = "poor"
)

// Thresholds that map a composite score to a status.
const (
	ThresholdExcellent = 0.9
	ThresholdGood      = 0.7
	ThresholdFair      = 0.5
)

// cacheMemoryPenalty is subtracted from the cache score once the cache's
// estimated footprint passes cacheMemoryHighWater of its budget.
const (
	cacheMemoryPenalty   = 0.2
	cacheMemoryHighWater = 0.8
)

// Input holds the values the component scores are computed from.
type Input struct {
	// CacheLookups is zero while the cache has not served any Get yet.
	CacheLookups  uint64
	CacheHitRate  float64
	CacheMemoryMB float64
	CacheBudgetMB float64

	BroadcastErrorRate float64

	AvgQueryMS float64

	// Utilization is process memory use as a fraction of the budget.
	Utilization float64
}

// Scores holds the per-component scores (each 0–1) and their mean.
type Scores struct {
	Cache       float64 `json:"cache"`
	Broadcaster float64 `json:"broadcaster"`
	Query       float64 `json:"query"`
	Resources   float64 `json:"resources"`
	Composite   float64 `json:"composite"`
	Status      string  `json:"status"`
}

// Compute scores every component and averages them.
func Compute(in Input) Scores {
	s := Scores{
		Cache:       cacheScore(in),
		Broadcaster: clamp01(1 - in.BroadcastErrorRate),
		Query:       latencyScore(in.AvgQueryMS),
		Resources:   utilizationScore(in.Utilization),
	}
	s.Composite = (s.Cache + s.Broadcaster + s.Query + s.Resources) / 4
	s.Status = statusFromScore(s.Composite)
	return s
}

func cacheScore(in Input) float64 {
	score := 1.0
	if in.CacheLookups > 0 {
		score = in.CacheHitRate
	}
	if in.CacheBudgetMB > 0 && in.CacheMemoryMB > in.CacheBudgetMB*cacheMemoryHighWater {
		score -= cacheMemoryPenalty
	}
	return clamp01(score)
}

func latencyScore(ms float64) float64 {
	switch {
	case ms < 50:
		return 1.0
	case ms < 100:
		return 0.8
	case ms < 200:
		return 0.6
	case ms < 500:
		return 0.4
	default:
		return 0.2
	}
}

func utilizationScore(u float64) float64 {
	switch {
	case u < 0.5:
		return 1.0
	case u < 0.7:
		return 0.8
	case u < 0.85:
		return 0.6
	case u < 0.95:
		return 0.4
	default:
		return 0.2
	}
}

// statusFromScore maps a composite score to a named band.
func statusFromScore(score float64) string {
	switch {
	case score >= ThresholdExcellent:
		return StatusExcellent
	case score >= ThresholdGood:
		return StatusGood
	case score >= ThresholdFair:
		return StatusFair
	default:
		return StatusPoor
	}
}

// clamp01 restricts v to the range [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
