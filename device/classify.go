package device

import (
	"encoding/hex"
	"strings"

	"github.com/kovelo/authgate/internal"
)

// Device classes derived from the user agent.
const (
	ClassMobile  = "mobile"
	ClassTablet  = "tablet"
	ClassDesktop = "desktop"
)

// Profile is the classification derived from one user agent string.
type Profile struct {
	DeviceType string
	Browser    string
	OS         string
}

// Classify derives device class, browser, and OS from a user agent via
// case-insensitive substring matching. Order matters where agent strings
// embed each other (Edge carries "chrome", Chrome carries "safari").
func Classify(userAgent string) Profile {
	ua := strings.ToLower(userAgent)

	var p Profile
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		p.DeviceType = ClassTablet
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		p.DeviceType = ClassMobile
	default:
		p.DeviceType = ClassDesktop
	}

	switch {
	case strings.Contains(ua, "edg"):
		p.Browser = "edge"
	case strings.Contains(ua, "opr") || strings.Contains(ua, "opera"):
		p.Browser = "opera"
	case strings.Contains(ua, "chrome"):
		p.Browser = "chrome"
	case strings.Contains(ua, "firefox"):
		p.Browser = "firefox"
	case strings.Contains(ua, "safari"):
		p.Browser = "safari"
	case strings.Contains(ua, "msie") || strings.Contains(ua, "trident"):
		p.Browser = "ie"
	default:
		p.Browser = "unknown"
	}

	switch {
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		p.OS = "ios"
	case strings.Contains(ua, "android"):
		p.OS = "android"
	case strings.Contains(ua, "windows"):
		p.OS = "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		p.OS = "macos"
	case strings.Contains(ua, "linux"):
		p.OS = "linux"
	default:
		p.OS = "unknown"
	}

	return p
}

// Fingerprint computes the stable device fingerprint from the classified
// profile and the raw user agent. The IP is deliberately excluded so a
// device keeps its identity across networks.
func Fingerprint(userAgent string) string {
	p := Classify(userAgent)
	sum := internal.HashValue(p.DeviceType + "|" + p.Browser + "|" + p.OS + "|" + userAgent)
	return hex.EncodeToString(sum[:])
}
