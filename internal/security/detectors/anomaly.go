package detectors

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/accproxy/accproxy/internal/security"
)

const (
	anomalyWindow     = 50
	anomalyMinSamples = 10
	zScoreMedium      = 3.0
	zScoreHigh        = 4.0
	errorRateLimit    = 0.5
)

// metricWindow is a bounded sample window with rolling statistics.
type metricWindow struct {
	samples []float64
}

func (w *metricWindow) push(v float64) {
	w.samples = append(w.samples, v)
	if len(w.samples) > anomalyWindow {
		w.samples = w.samples[1:]
	}
}

// zScore measures v against the window mean excluding v itself.
func (w *metricWindow) zScore(v float64) (float64, bool) {
	n := len(w.samples)
	if n < anomalyMinSamples {
		return 0, false
	}
	var sum float64
	for _, s := range w.samples {
		sum += s
	}
	mean := sum / float64(n)
	var varSum float64
	for _, s := range w.samples {
		varSum += (s - mean) * (s - mean)
	}
	stddev := math.Sqrt(varSum / float64(n))
	if stddev == 0 {
		return 0, false
	}
	return (v - mean) / stddev, true
}

type principalProfile struct {
	inputTokens  metricWindow
	outputTokens metricWindow
	requestSize  metricWindow
	responseSize metricWindow
	requests     int64
	errors       int64
}

// AnomalyDetector tracks per-principal baselines for token counts and
// payload sizes and flags requests that deviate sharply from them.
type AnomalyDetector struct {
	mu       sync.Mutex
	profiles map[string]*principalProfile
	enabled  bool
}

func NewAnomalyDetector() *AnomalyDetector {
	return &AnomalyDetector{profiles: make(map[string]*principalProfile), enabled: true}
}

func (d *AnomalyDetector) Name() string { return "behavioral_anomaly" }
func (d *AnomalyDetector) ThreatType() string { return security.ThreatAnomaly }
func (d *AnomalyDetector) Priority() int { return 60 }
func (d *AnomalyDetector) Enabled() bool { return d.enabled }
func (d *AnomalyDetector) Mode() security.ExecMode { return security.ModeAsync }

func (d *AnomalyDetector) profile(key string) *principalProfile {
	p, ok := d.profiles[key]
	if !ok {
		p = &principalProfile{}
		d.profiles[key] = p
	}
	return p
}

func (d *AnomalyDetector) Detect(_ context.Context, in *security.Input) ([]security.Result, error) {
	key := in.UserID.String()
	if in.AgentID != "" {
		key += ":" + in.AgentID
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.profile(key)

	var results []security.Result
	check := func(w *metricWindow, v float64, metric string) {
		z, ok := w.zScore(v)
		w.push(v)
		if !ok || z < zScoreMedium {
			return
		}
		sev := security.SeverityMedium
		if z >= zScoreHigh {
			sev = security.SeverityHigh
		}
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatAnomaly,
			Severity:    sev,
			Confidence:  math.Min(0.5+z/10, 0.9),
			Source:      security.SourceBehavioral,
			Description: metric + " far above principal baseline",
			Evidence:    fmt.Sprintf("z-score %.1f", z),
			RuleID:      "anomaly-" + metric,
		})
	}

	if in.IsResponse {
		if in.OutputTokens > 0 {
			check(&p.outputTokens, float64(in.OutputTokens), "output_tokens")
		}
		if in.SizeBytes > 0 {
			check(&p.responseSize, float64(in.SizeBytes), "response_size")
		}
		p.requests++
		if in.StatusCode >= 400 {
			p.errors++
		}
		if p.requests >= anomalyMinSamples {
			rate := float64(p.errors) / float64(p.requests)
			if rate > errorRateLimit {
				results = append(results, security.Result{
					Detected:    true,
					ThreatType:  security.ThreatAnomaly,
					Severity:    security.SeverityMedium,
					Confidence:  0.75,
					Source:      security.SourceBehavioral,
					Description: "sustained error rate",
					Evidence:    fmt.Sprintf("%.0f%% errors over %d requests", rate*100, p.requests),
					RuleID:      "anomaly-error-rate",
				})
			}
		}
	} else {
		if in.InputTokens > 0 {
			check(&p.inputTokens, float64(in.InputTokens), "input_tokens")
		}
		if in.SizeBytes > 0 {
			check(&p.requestSize, float64(in.SizeBytes), "request_size")
		}
	}

	return results, nil
}
