package logger

import "strings"

// RedactFingerprint masks an identity fingerprint for safe logging.
// "f3a91c0b77de" → "f3a9***"
// Short fingerprints (≤4 chars) are fully masked.
func RedactFingerprint(fp string) string {
	if fp == "" {
		return ""
	}
	if len(fp) > 4 {
		return fp[:4] + "***"
	}
	return "***"
}

// RedactIP masks the host portion of an IP address.
// "203.0.113.42" → "203.0.x.x"; IPv6 keeps the first two groups.
func RedactIP(ip string) string {
	if ip == "" {
		return ""
	}
	if strings.Contains(ip, ":") {
		groups := strings.Split(ip, ":")
		if len(groups) > 2 {
			return groups[0] + ":" + groups[1] + "::x"
		}
		return "x::x"
	}
	octets := strings.Split(ip, ".")
	if len(octets) != 4 {
		return "x.x.x.x"
	}
	return octets[0] + "." + octets[1] + ".x.x"
}

// RedactUserAgent keeps only the product token of a user-agent string.
func RedactUserAgent(ua string) string {
	if ua == "" {
		return ""
	}
	if idx := strings.IndexByte(ua, ' '); idx > 0 {
		return ua[:idx] + " ..."
	}
	return ua
}
