// ABOUTME: Blocker detection: classifies fetched pages into the blocker taxonomy.
// ABOUTME: Only classification lives here; whether a blocker warrants a human is the orchestrator's call.

package research

import (
	"strings"

	"github.com/pandora-research/pandora/intervention"
)

// DetectBlocker inspects a fetched page and reports what, if anything, stops
// automated extraction. The boolean is false for clean pages.
func DetectBlocker(page Page) (intervention.BlockerType, bool) {
	low := strings.ToLower(page.HTML)

	switch {
	case page.StatusCode == 429:
		return intervention.BlockerRateLimit, true
	case page.StatusCode == 401 || page.StatusCode == 403:
		// Cloudflare interstitials answer 403 with their challenge markers.
		if strings.Contains(low, "cloudflare") || strings.Contains(low, "cf-challenge") || strings.Contains(low, "just a moment") {
			return intervention.BlockerCloudflare, true
		}
		return intervention.BlockerBotDetection, true
	}

	switch {
	case strings.Contains(low, "g-recaptcha") || strings.Contains(low, "recaptcha/api"):
		return intervention.BlockerRecaptcha, true
	case strings.Contains(low, "h-captcha") || strings.Contains(low, "hcaptcha.com"):
		return intervention.BlockerHcaptcha, true
	case strings.Contains(low, "cf-challenge") || strings.Contains(low, "checking your browser") || strings.Contains(low, "just a moment..."):
		return intervention.BlockerCloudflare, true
	case strings.Contains(low, "captcha"):
		return intervention.BlockerCaptchaGeneric, true
	case containsAny(low, "sign in to continue", "login required", "please log in", "create an account to view"):
		return intervention.BlockerLoginRequired, true
	case containsAny(low, "unusual traffic", "automated requests", "access denied", "are you a robot"):
		return intervention.BlockerBotDetection, true
	}

	if page.StatusCode >= 400 {
		return intervention.BlockerUnknown, true
	}
	return "", false
}

// NeedsHuman reports whether a blocker type can only be cleared by a person.
// Rate limits and unknown failures are handled by skipping, not by handoff.
func NeedsHuman(bt intervention.BlockerType) bool {
	switch bt {
	case intervention.BlockerRecaptcha,
		intervention.BlockerHcaptcha,
		intervention.BlockerCloudflare,
		intervention.BlockerCaptchaGeneric,
		intervention.BlockerLoginRequired,
		intervention.BlockerBotDetection:
		return true
	}
	return false
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
