// Package privacy anonymizes URLs in messages that leave the process, such
// as error reports. Stream, broker and notification URLs routinely carry
// credentials or tokens.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"'<>]+`)

// ScrubMessage replaces every URL in message with its anonymized form.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, AnonymizeURL)
}

// AnonymizeURL returns a stable token for rawURL. Equal scheme, host class,
// port and path shape give equal tokens, so reports about the same camera
// group together without exposing it. The scheme stays readable.
func AnonymizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	parts := []string{strings.ToLower(u.Scheme)}
	if host := u.Hostname(); host != "" {
		parts = append(parts, categorizeHost(host))
	}
	if port := u.Port(); port != "" {
		parts = append(parts, "port-"+port)
	}
	if u.Path != "" && u.Path != "/" {
		parts = append(parts, anonymizePath(u.Path))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return fmt.Sprintf("%s://url-%x", parts[0], hash[:12])
}

// categorizeHost reduces a host to a coarse class.
func categorizeHost(host string) string {
	if host == "localhost" {
		return "localhost"
	}
	if ip := net.ParseIP(host); ip != nil {
		switch {
		case ip.IsLoopback():
			return "localhost"
		case ip.IsPrivate(), ip.IsLinkLocalUnicast():
			return "private-ip"
		default:
			return "public-ip"
		}
	}
	if i := strings.LastIndexByte(host, '.'); i >= 0 && i < len(host)-1 {
		return "domain-" + host[i+1:]
	}
	return "unknown-host"
}

// anonymizePath keeps the segment count and well-known stream names.
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}
	var out []string
	for _, seg := range strings.Split(path, "/") {
		switch {
		case seg == "":
			continue
		case isCommonStreamName(seg):
			out = append(out, "stream")
		case isNumeric(seg):
			out = append(out, "numeric")
		default:
			hash := sha256.Sum256([]byte(seg))
			out = append(out, fmt.Sprintf("seg-%x", hash[:4]))
		}
	}
	return strings.Join(out, "/")
}

func isCommonStreamName(segment string) bool {
	segment = strings.ToLower(segment)
	for _, name := range []string{"stream", "live", "video", "main", "sub", "ch", "cam", "h264"} {
		if strings.Contains(segment, name) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
