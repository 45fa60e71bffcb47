package device

import "testing"

const (
	uaChromeWin  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	uaEdgeWin    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0"
	uaSafariMac  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15"
	uaFirefoxLnx = "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0"
	uaIPhone     = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	uaIPad       = "Mozilla/5.0 (iPad; CPU OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
	uaAndroid    = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Mobile Safari/537.36"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		ua   string
		want Profile
	}{
		{"chrome windows", uaChromeWin, Profile{ClassDesktop, "chrome", "windows"}},
		{"edge windows", uaEdgeWin, Profile{ClassDesktop, "edge", "windows"}},
		{"safari mac", uaSafariMac, Profile{ClassDesktop, "safari", "macos"}},
		{"firefox linux", uaFirefoxLnx, Profile{ClassDesktop, "firefox", "linux"}},
		{"iphone", uaIPhone, Profile{ClassMobile, "safari", "ios"}},
		{"ipad", uaIPad, Profile{ClassTablet, "safari", "ios"}},
		{"android chrome", uaAndroid, Profile{ClassMobile, "chrome", "android"}},
		{"empty", "", Profile{ClassDesktop, "unknown", "unknown"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.ua)
			if got != tc.want {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestFingerprintIsStable(t *testing.T) {
	fp1 := Fingerprint(uaChromeWin)
	fp2 := Fingerprint(uaChromeWin)
	if fp1 != fp2 {
		t.Fatal("fingerprint must be deterministic")
	}
	if len(fp1) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(fp1))
	}
	if Fingerprint(uaEdgeWin) == fp1 {
		t.Fatal("distinct agents must not collide")
	}
}

func TestSameNetwork(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"192.168.1.10", "192.168.200.5", true},
		{"192.168.1.10", "192.169.1.10", false},
		{"10.0.0.1", "203.0.113.7", false},
		{"2001:db8::1", "2001:db8::ffff", true},
		{"2001:db8::1", "2001:db9::1", false},
		{"not-an-ip", "not-an-ip", true},
	}
	for _, tc := range cases {
		if got := SameNetwork(tc.a, tc.b); got != tc.want {
			t.Fatalf("SameNetwork(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
