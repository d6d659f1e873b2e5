package detectors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/accproxy/accproxy/internal/security"
)

const (
	minuteWindowLimit  = 60
	fiveMinWindowLimit = 200
	identicalLimit     = 5
	recentHashCount    = 20
)

// RunawayDetector spots agent loops through per-principal call-rate
// windows and repeated identical requests, tracked in redis so the
// windows survive across proxy instances.
type RunawayDetector struct {
	rdb     *redis.Client
	enabled bool
	now     func() time.Time
}

func NewRunawayDetector(rdb *redis.Client) *RunawayDetector {
	return &RunawayDetector{rdb: rdb, enabled: rdb != nil, now: time.Now}
}

func (d *RunawayDetector) Name() string { return "runaway_loop" }
func (d *RunawayDetector) ThreatType() string { return security.ThreatRunawayLoop }
func (d *RunawayDetector) Priority() int { return 50 }
func (d *RunawayDetector) Enabled() bool { return d.enabled }
func (d *RunawayDetector) Mode() security.ExecMode { return security.ModeSync }

func (d *RunawayDetector) principalKey(in *security.Input) string {
	if in.AgentID != "" {
		return in.UserID.String() + ":" + in.AgentID
	}
	return in.UserID.String()
}

func (d *RunawayDetector) Detect(ctx context.Context, in *security.Input) ([]security.Result, error) {
	if in.IsResponse {
		return nil, nil
	}
	principal := d.principalKey(in)
	now := d.now()

	perMin, per5Min, err := d.recordCall(ctx, principal, now)
	if err != nil {
		return nil, err
	}
	repeats, err := d.recordHash(ctx, principal, in.Content)
	if err != nil {
		return nil, err
	}

	var results []security.Result
	if perMin > minuteWindowLimit {
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatRunawayLoop,
			Severity:    security.SeverityHigh,
			Confidence:  0.90,
			Source:      security.SourceBehavioral,
			Description: "call rate above per-minute ceiling",
			Evidence:    fmt.Sprintf("%d calls in 60s", perMin),
			RuleID:      "runaway-rate-001",
		})
	}
	if per5Min > fiveMinWindowLimit {
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatRunawayLoop,
			Severity:    security.SeverityHigh,
			Confidence:  0.85,
			Source:      security.SourceBehavioral,
			Description: "call rate above five-minute ceiling",
			Evidence:    fmt.Sprintf("%d calls in 300s", per5Min),
			RuleID:      "runaway-rate-002",
		})
	}
	if repeats >= identicalLimit {
		results = append(results, security.Result{
			Detected:    true,
			ThreatType:  security.ThreatRunawayLoop,
			Severity:    security.SeverityMedium,
			Confidence:  0.80,
			Source:      security.SourceBehavioral,
			Description: "identical request repeated in a tight loop",
			Evidence:    fmt.Sprintf("%d identical requests in last %d", repeats, recentHashCount),
			RuleID:      "runaway-loop-001",
		})
	}
	return results, nil
}

// recordCall appends the call to both sliding windows and returns the
// resulting counts.
func (d *RunawayDetector) recordCall(ctx context.Context, principal string, now time.Time) (int64, int64, error) {
	member := fmt.Sprintf("%d", now.UnixNano())
	score := float64(now.UnixMilli())

	keyMin := "runaway:win1m:" + principal
	key5Min := "runaway:win5m:" + principal

	pipe := d.rdb.Pipeline()
	pipe.ZAdd(ctx, keyMin, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, keyMin, "0", fmt.Sprintf("%f", score-60_000))
	cMin := pipe.ZCard(ctx, keyMin)
	pipe.Expire(ctx, keyMin, 2*time.Minute)

	pipe.ZAdd(ctx, key5Min, redis.Z{Score: score, Member: member})
	pipe.ZRemRangeByScore(ctx, key5Min, "0", fmt.Sprintf("%f", score-300_000))
	c5Min := pipe.ZCard(ctx, key5Min)
	pipe.Expire(ctx, key5Min, 10*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return cMin.Val(), c5Min.Val(), nil
}

// recordHash pushes the request content hash onto a bounded recent
// list and counts occurrences of the newest hash.
func (d *RunawayDetector) recordHash(ctx context.Context, principal, content string) (int, error) {
	sum := sha256.Sum256([]byte(content))
	h := hex.EncodeToString(sum[:8])
	key := "runaway:recent:" + principal

	pipe := d.rdb.Pipeline()
	pipe.LPush(ctx, key, h)
	pipe.LTrim(ctx, key, 0, recentHashCount-1)
	recent := pipe.LRange(ctx, key, 0, recentHashCount-1)
	pipe.Expire(ctx, key, 10*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	count := 0
	for _, v := range recent.Val() {
		if v == h {
			count++
		}
	}
	return count, nil
}
