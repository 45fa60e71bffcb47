package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable indicates the usage-record backend is unreachable.
// Analysis degrades to an unknown verdict on this error, it never blocks.
var ErrRedisUnavailable = errors.New("redis unavailable")

// TrustLevel grades how established a device is for a user.
type TrustLevel string

const (
	// TrustUnknown marks a device with no usage history.
	TrustUnknown TrustLevel = "UNKNOWN"
	// TrustLow marks a device with minimal history.
	TrustLow TrustLevel = "LOW"
	// TrustMedium marks a device with repeated recent use.
	TrustMedium TrustLevel = "MEDIUM"
	// TrustHigh marks a long-established, frequently used device.
	TrustHigh TrustLevel = "HIGH"
)

// Info is the accumulated usage record of one (user, fingerprint) pair.
type Info struct {
	Fingerprint string
	IP          string
	UserAgent   string
	DeviceType  string
	Browser     string
	OS          string
	TrustLevel  TrustLevel
	FirstSeenAt time.Time
	LastUsedAt  time.Time
	UsageCount  int64
}

// AnalysisResult is the per-login verdict.
type AnalysisResult struct {
	Risk        bool
	TrustLevel  TrustLevel
	Fingerprint string
	Profile     Profile
	NewDevice   bool
	IPChanged   bool
}

// Config tunes trust escalation and record retention.
type Config struct {
	// MediumUsageCount is the usage count at which trust reaches MEDIUM.
	MediumUsageCount int64
	// HighUsageCount is the usage count at which trust may reach HIGH.
	HighUsageCount int64
	// HighTrustAge is the minimum time since first sighting for HIGH trust.
	HighTrustAge time.Duration
	// RecordTTL bounds how long an unused device record is retained.
	RecordTTL time.Duration
}

// DefaultConfig returns the trust escalation defaults.
func DefaultConfig() Config {
	return Config{
		MediumUsageCount: 3,
		HighUsageCount:   10,
		HighTrustAge:     7 * 24 * time.Hour,
		RecordTTL:        90 * 24 * time.Hour,
	}
}

// Analyzer evaluates device trust against usage records in Redis.
type Analyzer struct {
	redis  redis.UniversalClient
	prefix string
	config Config
	now    func() time.Time
}

// NewAnalyzer creates a device trust [Analyzer] under the given key prefix.
func NewAnalyzer(redisClient redis.UniversalClient, prefix string, cfg Config) *Analyzer {
	if cfg.MediumUsageCount <= 0 {
		cfg.MediumUsageCount = 3
	}
	if cfg.HighUsageCount <= cfg.MediumUsageCount {
		cfg.HighUsageCount = cfg.MediumUsageCount * 3
	}
	if cfg.HighTrustAge <= 0 {
		cfg.HighTrustAge = 7 * 24 * time.Hour
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 90 * 24 * time.Hour
	}
	return &Analyzer{
		redis:  redisClient,
		prefix: prefix,
		config: cfg,
		now:    time.Now,
	}
}

func (a *Analyzer) deviceKey(userID, fingerprint string) string {
	return a.prefix + ":device:" + userID + ":" + fingerprint
}

func (a *Analyzer) userDevicesKey(userID string) string {
	return a.prefix + ":devices:" + userID
}

// Analyze classifies the request metadata, looks up prior usage for the
// derived fingerprint, and returns the trust/risk verdict. Risk is raised
// when the fingerprint is unseen while the user has other devices on record,
// or when the network prefix moved sharply from the device's last sighting.
//
// On backend failure the verdict is unknown trust without risk, returned
// together with the error: the signal is advisory and must not block login.
func (a *Analyzer) Analyze(ctx context.Context, userID, ip, userAgent string) (*AnalysisResult, error) {
	profile := Classify(userAgent)
	fingerprint := Fingerprint(userAgent)

	result := &AnalysisResult{
		TrustLevel:  TrustUnknown,
		Fingerprint: fingerprint,
		Profile:     profile,
	}

	fields, err := a.redis.HGetAll(ctx, a.deviceKey(userID, fingerprint)).Result()
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if len(fields) == 0 {
		result.NewDevice = true

		known, err := a.redis.SCard(ctx, a.userDevicesKey(userID)).Result()
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		// A first-ever device is a baseline, not an anomaly.
		result.Risk = known > 0
		return result, nil
	}

	info := infoFromFields(fingerprint, fields)
	result.TrustLevel = a.trustFor(info)
	if info.IP != "" && ip != "" && networkPrefix(info.IP) != networkPrefix(ip) {
		result.IPChanged = true
		result.Risk = true
	}
	return result, nil
}

// RecordUsage accumulates a sighting of the device for the user. Called
// after a successful login so failed attempts never build trust.
func (a *Analyzer) RecordUsage(ctx context.Context, userID, ip, userAgent string) error {
	profile := Classify(userAgent)
	fingerprint := Fingerprint(userAgent)
	key := a.deviceKey(userID, fingerprint)
	setKey := a.userDevicesKey(userID)
	now := a.now().Unix()

	_, err := a.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "first_seen_at", now)
		pipe.HSet(ctx, key,
			"ip", ip,
			"ua", userAgent,
			"device_type", profile.DeviceType,
			"browser", profile.Browser,
			"os", profile.OS,
			"last_used_at", now,
		)
		pipe.HIncrBy(ctx, key, "usage_count", 1)
		pipe.Expire(ctx, key, a.config.RecordTTL)
		pipe.SAdd(ctx, setKey, fingerprint)
		pipe.Expire(ctx, setKey, a.config.RecordTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Devices returns the user's recorded devices.
func (a *Analyzer) Devices(ctx context.Context, userID string) ([]*Info, error) {
	fingerprints, err := a.redis.SMembers(ctx, a.userDevicesKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Info{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	devices := make([]*Info, 0, len(fingerprints))
	for _, fp := range fingerprints {
		fields, err := a.redis.HGetAll(ctx, a.deviceKey(userID, fp)).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(fields) == 0 {
			continue
		}
		info := infoFromFields(fp, fields)
		info.TrustLevel = a.trustFor(info)
		devices = append(devices, info)
	}
	return devices, nil
}

func (a *Analyzer) trustFor(info *Info) TrustLevel {
	age := a.now().Sub(info.FirstSeenAt)
	switch {
	case info.UsageCount >= a.config.HighUsageCount && age >= a.config.HighTrustAge:
		return TrustHigh
	case info.UsageCount >= a.config.MediumUsageCount:
		return TrustMedium
	case info.UsageCount >= 1:
		return TrustLow
	default:
		return TrustUnknown
	}
}

func infoFromFields(fingerprint string, fields map[string]string) *Info {
	info := &Info{
		Fingerprint: fingerprint,
		IP:          fields["ip"],
		UserAgent:   fields["ua"],
		DeviceType:  fields["device_type"],
		Browser:     fields["browser"],
		OS:          fields["os"],
	}
	if v, err := strconv.ParseInt(fields["usage_count"], 10, 64); err == nil {
		info.UsageCount = v
	}
	if v, err := strconv.ParseInt(fields["first_seen_at"], 10, 64); err == nil {
		info.FirstSeenAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(fields["last_used_at"], 10, 64); err == nil {
		info.LastUsedAt = time.Unix(v, 0)
	}
	return info
}

// SameNetwork reports whether two IPs share the coarse network prefix used
// for location-change detection.
func SameNetwork(a, b string) bool {
	return networkPrefix(a) == networkPrefix(b)
}

// networkPrefix reduces an IP to a coarse network identity: /16 for IPv4,
// /32 for IPv6. A mismatch approximates a sharp location change without a
// geolocation database.
func networkPrefix(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(16, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(32, 128)).String()
}
