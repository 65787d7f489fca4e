package querystats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/devguard/perfcore/internal/metrics"
)

const defaultScrapeTimeout = 10 * time.Second

// ScraperOptions configures a Scraper.
type ScraperOptions struct {
	// Endpoint is the URL serving the Prometheus text exposition.
	Endpoint string

	// LatencyMetric names a histogram or summary of query latency in
	// seconds. Untyped "<name>_sum" and "<name>_count" families work too.
	LatencyMetric string

	// ErrorMetric optionally names a counter of failed queries.
	ErrorMetric string

	Timeout time.Duration

	// Header and Key, when both set, are sent with every scrape.
	Header string
	Key    string
}

// Scraper is a Source reading query latency from a Prometheus endpoint
// exposed by the query layer. Counters are cumulative, so each scrape
// reports the delta since the previous one; the first scrape reports the
// lifetime totals.
type Scraper struct {
	opts   ScraperOptions
	client *http.Client

	mu        sync.Mutex
	have      bool
	prevSum   float64
	prevCount float64
	prevErrs  float64
	last      Stats
}

// NewScraper creates a Scraper. It builds the HTTP client once and reuses
// it across scrapes.
func NewScraper(opts ScraperOptions) *Scraper {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultScrapeTimeout
	}
	return &Scraper{
		opts: opts,
		client: &http.Client{
			Transport: &keyRoundTripper{base: http.DefaultTransport, header: opts.Header, key: opts.Key},
			Timeout:   opts.Timeout,
		},
	}
}

// keyRoundTripper injects the API key header into every outgoing request.
type keyRoundTripper struct {
	base        http.RoundTripper
	header, key string
}

func (t *keyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.header != "" && t.key != "" {
		req = req.Clone(req.Context())
		req.Header.Set(t.header, t.key)
	}
	return t.base.RoundTrip(req)
}

// QueryStats implements Source.
func (s *Scraper) QueryStats(ctx context.Context) (Stats, error) {
	mfs, err := fetchMetrics(ctx, s.client, s.opts.Endpoint)
	if err != nil {
		metrics.QueryScrapeErrors.Inc()
		slog.Warn("querystats: scrape failed", "endpoint", s.opts.Endpoint, "err", err)
		return Stats{}, fmt.Errorf("querystats: scrape %s: %w", s.opts.Endpoint, err)
	}

	sum, count, ok := latency(mfs, s.opts.LatencyMetric)
	if !ok {
		return Stats{}, fmt.Errorf("querystats: metric %q not exposed by %s", s.opts.LatencyMetric, s.opts.Endpoint)
	}
	var errs float64
	if s.opts.ErrorMetric != "" {
		errs = sumFamily(mfs[s.opts.ErrorMetric])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dSum, dCount, dErrs := sum, count, errs
	// A counter going backwards means the target restarted; treat the new
	// totals as the window.
	if s.have && count >= s.prevCount && sum >= s.prevSum {
		dSum, dCount, dErrs = sum-s.prevSum, count-s.prevCount, errs-s.prevErrs
		if dErrs < 0 {
			dErrs = errs
		}
	}
	s.have = true
	s.prevSum, s.prevCount, s.prevErrs = sum, count, errs

	now := time.Now().UTC()
	if dCount == 0 {
		st := s.last
		st.SampledAt = now
		return st, nil
	}
	st := Stats{
		Queries:    uint64(dCount),
		Errors:     uint64(dErrs),
		AvgLatency: time.Duration(math.Round(dSum * float64(time.Second) / dCount)),
		SampledAt:  now,
	}
	s.last = st
	return st, nil
}

// latency extracts the cumulative sum and count of a histogram or summary.
func latency(mfs map[string]*dto.MetricFamily, name string) (sum, count float64, ok bool) {
	if mf := mfs[name]; mf != nil {
		for _, m := range mf.GetMetric() {
			switch {
			case m.Histogram != nil:
				sum += m.Histogram.GetSampleSum()
				count += float64(m.Histogram.GetSampleCount())
				ok = true
			case m.Summary != nil:
				sum += m.Summary.GetSampleSum()
				count += float64(m.Summary.GetSampleCount())
				ok = true
			}
		}
		if ok {
			return sum, count, true
		}
	}
	sumMF, countMF := mfs[name+"_sum"], mfs[name+"_count"]
	if sumMF == nil || countMF == nil {
		return 0, 0, false
	}
	return sumFamily(sumMF), sumFamily(countMF), true
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition. A partial parse with
// at least one family is still a success.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
