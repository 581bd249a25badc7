package core

import (
	"context"
	"net/http"
	"strings"
)

// DeviceInfo is the client description captured at sign-in.
type DeviceInfo struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// NewDeviceInfo reads the device-identifying headers of r.
func NewDeviceInfo(r *http.Request) DeviceInfo {
	return DeviceInfo{
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// Fingerprint is a stable hash of the device headers.
func (d DeviceInfo) Fingerprint() string {
	return generateDeviceFingerprint(d.UserAgent, d.AcceptLanguage, d.AcceptEncoding)
}

// GeoLocator resolves an IP address to a coarse location (ISO country code).
// An empty result means unknown.
type GeoLocator interface {
	Locate(ctx context.Context, ip string) (string, error)
}

// GeoLocatorFunc adapts a function to GeoLocator.
type GeoLocatorFunc func(ctx context.Context, ip string) (string, error)

func (f GeoLocatorFunc) Locate(ctx context.Context, ip string) (string, error) { return f(ctx, ip) }

// UserAgentDetails is the coarse classification of a User-Agent string.
type UserAgentDetails struct {
	DeviceType string
	Browser    string
	OS         string
}

// ParseUserAgent classifies a User-Agent into device type, browser and OS
// families. Order matters: Edge and Opera embed "Chrome", Chrome embeds "Safari".
func ParseUserAgent(ua string) UserAgentDetails {
	s := strings.ToLower(ua)
	d := UserAgentDetails{DeviceType: "desktop", Browser: "Unknown", OS: "Unknown"}
	if s == "" {
		d.DeviceType = "unknown"
		return d
	}

	switch {
	case containsAny(s, "bot", "crawler", "spider", "curl/", "wget/", "python-requests", "go-http-client"):
		d.DeviceType = "bot"
	case containsAny(s, "ipad", "tablet") || (strings.Contains(s, "android") && !strings.Contains(s, "mobile")):
		d.DeviceType = "tablet"
	case containsAny(s, "mobile", "iphone", "ipod", "android", "windows phone"):
		d.DeviceType = "mobile"
	}

	switch {
	case strings.Contains(s, "edg/") || strings.Contains(s, "edge/"):
		d.Browser = "Edge"
	case strings.Contains(s, "opr/") || strings.Contains(s, "opera"):
		d.Browser = "Opera"
	case strings.Contains(s, "firefox/") || strings.Contains(s, "fxios/"):
		d.Browser = "Firefox"
	case strings.Contains(s, "chrome/") || strings.Contains(s, "crios/"):
		d.Browser = "Chrome"
	case strings.Contains(s, "safari/"):
		d.Browser = "Safari"
	case strings.Contains(s, "curl/"):
		d.Browser = "curl"
	}

	switch {
	case containsAny(s, "iphone", "ipad", "ipod"):
		d.OS = "iOS"
	case strings.Contains(s, "android"):
		d.OS = "Android"
	case strings.Contains(s, "windows"):
		d.OS = "Windows"
	case strings.Contains(s, "mac os x") || strings.Contains(s, "macintosh"):
		d.OS = "macOS"
	case strings.Contains(s, "cros"):
		d.OS = "ChromeOS"
	case strings.Contains(s, "linux"):
		d.OS = "Linux"
	}
	return d
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
