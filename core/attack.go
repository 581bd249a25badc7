package core

import (
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var defaultSignaturesYAML []byte

// AttackSignatures is the static pattern set used by the AttackDetector.
type AttackSignatures struct {
	// Patterns maps an attack class to case-insensitive substrings.
	Patterns          map[string][]string `yaml:"patterns"`
	ScannerUserAgents []string            `yaml:"scanner_user_agents"`
	SpoofableHeaders  []string            `yaml:"spoofable_headers"`
}

// DefaultSignatures returns the embedded signature set.
func DefaultSignatures() (*AttackSignatures, error) {
	return ParseSignatures(defaultSignaturesYAML)
}

// ParseSignatures decodes a YAML signature document.
func ParseSignatures(data []byte) (*AttackSignatures, error) {
	var sigs AttackSignatures
	if err := yaml.Unmarshal(data, &sigs); err != nil {
		return nil, fmt.Errorf("failed to parse attack signatures: %w", err)
	}
	if len(sigs.Patterns) == 0 && len(sigs.ScannerUserAgents) == 0 {
		return nil, fmt.Errorf("attack signatures are empty")
	}
	sigs.normalize()
	return &sigs, nil
}

// LoadSignatures reads a YAML signature file.
func LoadSignatures(path string) (*AttackSignatures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attack signatures: %w", err)
	}
	return ParseSignatures(data)
}

func (s *AttackSignatures) normalize() {
	for class, patterns := range s.Patterns {
		lowered := make([]string, 0, len(patterns))
		for _, p := range patterns {
			if p = strings.ToLower(p); p != "" {
				lowered = append(lowered, p)
			}
		}
		s.Patterns[class] = lowered
	}
	for i, ua := range s.ScannerUserAgents {
		s.ScannerUserAgents[i] = strings.ToLower(ua)
	}
}

// Detection is the outcome of inspecting one request.
type Detection struct {
	Suspicious bool
	Class      string // attack class, "scanner" or "header_spoofing"
	Indicator  string // matched pattern, user agent signature or header name
}

// AttackDetector is a stateless request classifier. It is a coarse first line
// of defense: false positives are acceptable and novel attacks will pass.
type AttackDetector struct {
	signatures *AttackSignatures
	classes    []string
}

// NewAttackDetector creates a detector over signatures.
func NewAttackDetector(signatures *AttackSignatures) *AttackDetector {
	classes := make([]string, 0, len(signatures.Patterns))
	for class := range signatures.Patterns {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return &AttackDetector{signatures: signatures, classes: classes}
}

// IsSuspicious reports whether the request matches any signature.
func (d *AttackDetector) IsSuspicious(rc *RequestContext) bool {
	return d.Inspect(rc).Suspicious
}

// Inspect classifies the request and reports the first matching signature.
func (d *AttackDetector) Inspect(rc *RequestContext) Detection {
	target := strings.ToLower(decodeRepeatedly(rc.Path) + "?" + decodeRepeatedly(rc.RawQuery))
	for _, class := range d.classes {
		for _, pattern := range d.signatures.Patterns[class] {
			if strings.Contains(target, pattern) {
				return Detection{Suspicious: true, Class: class, Indicator: pattern}
			}
		}
	}

	ua := strings.ToLower(rc.UserAgent)
	for _, scanner := range d.signatures.ScannerUserAgents {
		if scanner != "" && strings.Contains(ua, scanner) {
			return Detection{Suspicious: true, Class: "scanner", Indicator: scanner}
		}
	}

	for _, name := range d.signatures.SpoofableHeaders {
		for _, value := range rc.Header.Values(name) {
			for _, part := range strings.Split(value, ",") {
				if isInternalAddress(strings.TrimSpace(part)) {
					return Detection{Suspicious: true, Class: "header_spoofing", Indicator: name}
				}
			}
		}
	}

	return Detection{}
}

// decodeRepeatedly unescapes s up to twice to catch double-encoded payloads.
func decodeRepeatedly(s string) string {
	for range 2 {
		decoded, err := url.QueryUnescape(s)
		if err != nil || decoded == s {
			break
		}
		s = decoded
	}
	return s
}

func isInternalAddress(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
}
