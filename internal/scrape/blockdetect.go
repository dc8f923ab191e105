package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockAkamai     BlockType = "akamai"
	BlockIncapsula  BlockType = "incapsula"
	BlockPerimeterX BlockType = "perimeterx"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// Challenge pages are small; product pages that merely load a captcha
// widget somewhere are not.
const challengeMaxBytes = 64 * 1024

// DetectBlock checks an HTTP response for signs of anti-bot protection.
// resp may be nil for pages rendered by the browser tier.
func DetectBlock(resp *http.Response, body []byte) (bool, BlockType) {
	if resp != nil && (resp.StatusCode == 403 || resp.StatusCode == 503 || resp.StatusCode == 429) {
		if resp.Header.Get("cf-ray") != "" || resp.Header.Get("cf-mitigated") != "" ||
			strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
		if strings.Contains(strings.ToLower(resp.Header.Get("server")), "akamai") {
			return true, BlockAkamai
		}
		if resp.Header.Get("x-iinfo") != "" {
			return true, BlockIncapsula
		}
	}

	// Challenge pages are small; a full product page that merely loads
	// assets from a CDN or mentions a captcha widget is not a block.
	if len(body) > challengeMaxBytes {
		return false, BlockNone
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cf-chl-") {
		return true, BlockCloudflare
	}
	if strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") &&
		(resp != nil && resp.StatusCode >= 300 || strings.Contains(lower, "just a moment")) {
		return true, BlockCloudflare
	}

	if strings.Contains(lower, "access denied") && strings.Contains(lower, "reference #") {
		return true, BlockAkamai
	}
	if strings.Contains(lower, "incapsula incident") || strings.Contains(lower, "_incapsula_resource") {
		return true, BlockIncapsula
	}
	if strings.Contains(lower, "px-captcha") || strings.Contains(lower, "press & hold") {
		return true, BlockPerimeterX
	}

	if strings.Contains(lower, "captcha") ||
		strings.Contains(lower, "are you a robot") ||
		strings.Contains(lower, "unusual traffic") {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return true, BlockJSShell
		}
		if strings.Contains(lower, "meta http-equiv=\"refresh\"") {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
