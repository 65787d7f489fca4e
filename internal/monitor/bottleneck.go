package monitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Severity levels of a bottleneck.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Bottleneck types handled specially by Optimize.
const (
	TypeMemory = "memory"
)

var ErrInvalidRule = errors.New("monitor: invalid rule")

// Rule is one threshold check over a Sample.
type Rule struct {
	Type string

	// Condition is "field op value", e.g. "cache_hit_rate < 0.7" or
	// "status == poor". See numericField for the fields.
	Condition      string
	Severity       string
	Description    string
	Recommendation string
}

// Bottleneck is a rule that fired on a sample.
type Bottleneck struct {
	Type           string  `json:"type"`
	Severity       string  `json:"severity"`
	Description    string  `json:"description"`
	Recommendation string  `json:"recommendation"`
	Condition      string  `json:"condition"`
	Value          float64 `json:"value"`
}

// DefaultRules returns the built-in bottleneck thresholds.
func DefaultRules() []Rule {
	return []Rule{
		{
			Type:           "cache",
			Condition:      "cache_hit_rate < 0.7",
			Severity:       SeverityWarning,
			Description:    "Cache hit rate is below 70%",
			Recommendation: "Review TTL policies for frequently read prefixes or raise cache.max_size",
		},
		{
			Type:           "database",
			Condition:      "avg_query_ms > 100",
			Severity:       SeverityWarning,
			Description:    "Average query time exceeds 100ms",
			Recommendation: "Route hot reads through the loader and check upstream indexes",
		},
		{
			Type:           TypeMemory,
			Condition:      "memory_mb > 1000",
			Severity:       SeverityCritical,
			Description:    "Heap usage exceeds 1000MB",
			Recommendation: "Clear the cache and lower cache.max_size",
		},
		{
			Type:           "broadcast",
			Condition:      "broadcast_error_rate > 0.05",
			Severity:       SeverityWarning,
			Description:    "More than 5% of deliveries fail",
			Recommendation: "Check transport health and slow consumers",
		},
		{
			Type:           "connections",
			Condition:      "pool_utilization > 0.9",
			Severity:       SeverityWarning,
			Description:    "A connection pool is above 90% capacity",
			Recommendation: "Raise the pool capacity or shorten broadcaster.connection_timeout",
		},
		{
			Type:           "watcher",
			Condition:      "watcher_errors > 10",
			Severity:       SeverityInfo,
			Description:    "File watcher sources reported more than 10 errors",
			Recommendation: "Check watched paths and inotify limits",
		},
	}
}

// ValidateRules checks that every rule parses against the known fields.
func ValidateRules(rules []Rule) error {
	for _, r := range rules {
		if r.Type == "" {
			return fmt.Errorf("%w: empty type", ErrInvalidRule)
		}
		parts := strings.Fields(r.Condition)
		if len(parts) != 3 {
			return fmt.Errorf("%w: %s: condition %q is not \"field op value\"", ErrInvalidRule, r.Type, r.Condition)
		}
		field, op, rhs := parts[0], parts[1], parts[2]
		if field == "status" {
			if op != "==" && op != "!=" {
				return fmt.Errorf("%w: %s: status supports == and != only", ErrInvalidRule, r.Type)
			}
			continue
		}
		if _, ok := numericField(field, &Sample{}); !ok {
			return fmt.Errorf("%w: %s: unknown field %q", ErrInvalidRule, r.Type, field)
		}
		if _, err := strconv.ParseFloat(rhs, 64); err != nil {
			return fmt.Errorf("%w: %s: threshold %q is not a number", ErrInvalidRule, r.Type, rhs)
		}
		switch op {
		case ">", ">=", "<", "<=", "==", "!=":
		default:
			return fmt.Errorf("%w: %s: unknown operator %q", ErrInvalidRule, r.Type, op)
		}
	}
	return nil
}

// Detect evaluates rules against s and returns the ones that fire.
func Detect(rules []Rule, s *Sample) []Bottleneck {
	var out []Bottleneck
	for _, r := range rules {
		fires, v := evalCondition(r.Condition, s)
		if !fires {
			continue
		}
		out = append(out, Bottleneck{
			Type:           r.Type,
			Severity:       r.Severity,
			Description:    r.Description,
			Recommendation: r.Recommendation,
			Condition:      r.Condition,
			Value:          v,
		})
	}
	return out
}

// evalCondition evaluates a rule condition against a sample and returns
// whether it fires and the value it was compared with.
func evalCondition(cond string, s *Sample) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	if field == "status" {
		switch op {
		case "==":
			return s.Scores.Status == rhs, s.Scores.Composite
		case "!=":
			return s.Scores.Status != rhs, s.Scores.Composite
		}
		return false, 0
	}

	v, ok := numericField(field, s)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// numericField maps a field name to its value in the sample.
func numericField(field string, s *Sample) (float64, bool) {
	switch field {
	case "cache_hit_rate":
		// An unused cache has no hit rate to complain about.
		if s.Cache.Lookups() == 0 {
			return 1, true
		}
		return s.Cache.HitRate, true
	case "cache_size":
		return float64(s.Cache.Size), true
	case "cache_memory_mb":
		return float64(s.Cache.EstimatedMemoryBytes) / (1024 * 1024), true
	case "avg_query_ms":
		return s.Query.AvgLatencyMS(), true
	case "query_error_rate":
		return s.Query.ErrorRate(), true
	case "memory_mb":
		return s.Runtime.HeapAllocMB(), true
	case "goroutines":
		return s.Runtime.Goroutines, true
	case "broadcast_error_rate":
		return s.Broadcast.ErrorRate(), true
	case "pool_utilization":
		return s.Broadcast.PoolUtilization, true
	case "connections":
		return float64(s.Broadcast.Connections), true
	case "watcher_errors":
		return float64(s.Watcher.Errors), true
	case "health_score":
		return s.Scores.Composite, true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
