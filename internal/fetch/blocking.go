package fetch

import "strings"

// blockedStatuses are HTTP statuses treated as anti-bot blocking outright.
var blockedStatuses = map[int]bool{
	403: true,
	429: true,
	503: true,
}

// blockingPatterns are case-insensitive substrings that mark a response
// body as an anti-bot interstitial even under a 200 status.
var blockingPatterns = []string{
	"captcha",
	"robot",
	"blocked",
	"access denied",
	"rate limit",
	"too many requests",
	"cloudflare",
	"incapsula",
	"distil",
	"datadome",
	"perimeterx",
}

// probeLimit bounds how much of the body is scanned for blocking markers.
// Interstitials are small pages; real catalog payloads need not be walked.
const probeLimit = 64 * 1024

// Blocked reports whether the response looks like anti-bot blocking,
// either by status code or by a marker in the body.
func Blocked(statusCode int, body []byte) bool {
	if blockedStatuses[statusCode] {
		return true
	}
	probe := body
	if len(probe) > probeLimit {
		probe = probe[:probeLimit]
	}
	lower := strings.ToLower(string(probe))
	for _, p := range blockingPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
