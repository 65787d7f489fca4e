package monitor

import (
	"math"
	"testing"
)

func TestCompute(t *testing.T) {
	tests := []struct {
		name       string
		in         Input
		wantCache  float64
		wantQuery  float64
		wantRes    float64
		wantStatus string
	}{
		{
			name:       "unused cache, idle process",
			in:         Input{},
			wantCache:  1, wantQuery: 1, wantRes: 1,
			wantStatus: StatusExcellent,
		},
		{
			name:       "hit rate drives cache score",
			in:         Input{CacheLookups: 10, CacheHitRate: 0.6, AvgQueryMS: 75, Utilization: 0.6},
			wantCache:  0.6, wantQuery: 0.8, wantRes: 0.8,
			wantStatus: StatusGood,
		},
		{
			name: "memory penalty",
			in: Input{
				CacheLookups: 10, CacheHitRate: 0.9,
				CacheMemoryMB: 90, CacheBudgetMB: 100,
				AvgQueryMS: 150, Utilization: 0.9,
			},
			wantCache: 0.7, wantQuery: 0.6, wantRes: 0.4,
			wantStatus: StatusFair,
		},
		{
			name: "everything slow",
			in: Input{
				CacheLookups: 10, CacheHitRate: 0.1,
				BroadcastErrorRate: 0.9,
				AvgQueryMS: 900, Utilization: 1.2,
			},
			wantCache: 0.1, wantQuery: 0.2, wantRes: 0.2,
			wantStatus: StatusPoor,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Compute(tc.in)
			if !near(got.Cache, tc.wantCache) {
				t.Errorf("cache: got %v, want %v", got.Cache, tc.wantCache)
			}
			if !near(got.Query, tc.wantQuery) {
				t.Errorf("query: got %v, want %v", got.Query, tc.wantQuery)
			}
			if !near(got.Resources, tc.wantRes) {
				t.Errorf("resources: got %v, want %v", got.Resources, tc.wantRes)
			}
			mean := (got.Cache + got.Broadcaster + got.Query + got.Resources) / 4
			if !near(got.Composite, mean) {
				t.Errorf("composite: got %v, want mean %v", got.Composite, mean)
			}
			if got.Status != tc.wantStatus {
				t.Errorf("status: got %s, want %s (composite %v)", got.Status, tc.wantStatus, got.Composite)
			}
		})
	}
}

func TestStatusBands(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{1, StatusExcellent},
		{0.9, StatusExcellent},
		{0.89, StatusGood},
		{0.7, StatusGood},
		{0.5, StatusFair},
		{0.49, StatusPoor},
	}
	for _, tc := range tests {
		if got := statusFromScore(tc.score); got != tc.want {
			t.Errorf("statusFromScore(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestLatencyBuckets(t *testing.T) {
	tests := []struct {
		ms   float64
		want float64
	}{
		{0, 1}, {49, 1}, {50, 0.8}, {99, 0.8}, {100, 0.6}, {199, 0.6},
		{200, 0.4}, {499, 0.4}, {500, 0.2}, {5000, 0.2},
	}
	for _, tc := range tests {
		if got := latencyScore(tc.ms); got != tc.want {
			t.Errorf("latencyScore(%v) = %v, want %v", tc.ms, got, tc.want)
		}
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
