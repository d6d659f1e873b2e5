package detectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/accproxy/accproxy/internal/security"
)

// Indicator is one extracted observable.
type Indicator struct {
	Kind  string // ip | domain | url | hash
	Value string
}

// FeedMatch is a positive lookup against a threat feed.
type FeedMatch struct {
	Indicator  Indicator
	Feed       string
	Category   string
	Confidence float64
}

// Feed answers whether indicators are known-bad.
type Feed interface {
	Name() string
	Lookup(ctx context.Context, indicators []Indicator) ([]FeedMatch, error)
}

var (
	ipv4Pattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	domainPattern = regexp.MustCompile(`\b[a-z0-9][a-z0-9\-]{0,62}(?:\.[a-z0-9][a-z0-9\-]{0,62})+\.(?:com|net|org|io|ru|cn|xyz|top|info|biz|cc|tk|onion)\b`)
	hashPattern   = regexp.MustCompile(`\b[0-9a-f]{32}\b|\b[0-9a-f]{40}\b|\b[0-9a-f]{64}\b`)
)

// ExtractIndicators pulls IPs, URLs, domains, and file hashes out of
// free text. Private and loopback IPs are skipped.
func ExtractIndicators(content string) []Indicator {
	seen := make(map[string]bool)
	var out []Indicator
	add := func(kind, value string) {
		key := kind + ":" + value
		if !seen[key] {
			seen[key] = true
			out = append(out, Indicator{Kind: kind, Value: value})
		}
	}

	for _, m := range ipv4Pattern.FindAllString(content, 20) {
		ip := net.ParseIP(m)
		if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
			continue
		}
		add("ip", m)
	}
	for _, m := range urlPattern.FindAllString(content, 20) {
		add("url", m)
		if u, err := url.Parse(m); err == nil && u.Hostname() != "" {
			add("domain", strings.ToLower(u.Hostname()))
		}
	}
	for _, m := range domainPattern.FindAllString(strings.ToLower(content), 20) {
		add("domain", m)
	}
	for _, m := range hashPattern.FindAllString(strings.ToLower(content), 20) {
		add("hash", m)
	}
	return out
}

// ThreatIntelDetector extracts observables from content and checks
// them against configured feeds. Runs off the request path since feed
// lookups cross the network.
type ThreatIntelDetector struct {
	feeds   []Feed
	enabled bool
}

func NewThreatIntelDetector(feeds ...Feed) *ThreatIntelDetector {
	return &ThreatIntelDetector{feeds: feeds, enabled: len(feeds) > 0}
}

func (d *ThreatIntelDetector) Name() string { return "threat_intel" }
func (d *ThreatIntelDetector) ThreatType() string { return security.ThreatIntelMatch }
func (d *ThreatIntelDetector) Priority() int { return 80 }
func (d *ThreatIntelDetector) Enabled() bool { return d.enabled }
func (d *ThreatIntelDetector) Mode() security.ExecMode { return security.ModeAsync }

func (d *ThreatIntelDetector) Detect(ctx context.Context, in *security.Input) ([]security.Result, error) {
	indicators := ExtractIndicators(in.Content)
	if len(indicators) == 0 {
		return nil, nil
	}

	var results []security.Result
	for _, feed := range d.feeds {
		matches, err := feed.Lookup(ctx, indicators)
		if err != nil {
			// One dead feed must not silence the rest.
			continue
		}
		for _, m := range matches {
			results = append(results, security.Result{
				Detected:    true,
				ThreatType:  security.ThreatIntelMatch,
				Severity:    security.SeverityHigh,
				Confidence:  m.Confidence,
				Source:      security.SourceExternal,
				Description: fmt.Sprintf("%s flagged by %s (%s)", m.Indicator.Kind, m.Feed, m.Category),
				Evidence:    m.Indicator.Value,
				RuleID:      "intel-" + m.Indicator.Kind,
			})
		}
	}
	return results, nil
}

// HTTPFeed queries a JSON reputation endpoint, one POST per batch.
type HTTPFeed struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPFeed(name, baseURL, apiKey string) *HTTPFeed {
	return &HTTPFeed{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (f *HTTPFeed) Name() string { return f.name }

type feedQuery struct {
	Indicators []Indicator `json:"indicators"`
}

type feedResponse struct {
	Matches []struct {
		Kind       string  `json:"kind"`
		Value      string  `json:"value"`
		Category   string  `json:"category"`
		Confidence float64 `json:"confidence"`
	} `json:"matches"`
}

func (f *HTTPFeed) Lookup(ctx context.Context, indicators []Indicator) ([]FeedMatch, error) {
	payload, err := json.Marshal(feedQuery{Indicators: indicators})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/lookup", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed %s returned %d", f.name, resp.StatusCode)
	}

	var decoded feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	out := make([]FeedMatch, 0, len(decoded.Matches))
	for _, m := range decoded.Matches {
		out = append(out, FeedMatch{
			Indicator:  Indicator{Kind: m.Kind, Value: m.Value},
			Feed:       f.name,
			Category:   m.Category,
			Confidence: m.Confidence,
		})
	}
	return out, nil
}

// StaticFeed serves a fixed indicator set, used for local blocklists.
type StaticFeed struct {
	name string
	bad  map[string]string // value -> category
}

func NewStaticFeed(name string, bad map[string]string) *StaticFeed {
	return &StaticFeed{name: name, bad: bad}
}

func (f *StaticFeed) Name() string { return f.name }

func (f *StaticFeed) Lookup(_ context.Context, indicators []Indicator) ([]FeedMatch, error) {
	var out []FeedMatch
	for _, ind := range indicators {
		if category, ok := f.bad[ind.Value]; ok {
			out = append(out, FeedMatch{Indicator: ind, Feed: f.name, Category: category, Confidence: 0.9})
		}
	}
	return out, nil
}
