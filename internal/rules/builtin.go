package rules

import (
	"strings"
	"unicode"

	"github.com/calebmorrow/notiq/internal/models"
)

// defaultOTPKeywords match immediately, no numeric token required.
var defaultOTPKeywords = []string{
	"otp", "one time password", "auth code", "security code",
	"login code", "2fa", "two factor", "confirmation code", "access code",
}

// verificationKeywords require an accompanying numeric token.
var verificationKeywords = []string{"verification code", "verification", "verify"}

var defaultPromoKeywords = []string{
	"sale", "discount", "offer", "deal", "promotion", "coupon",
	"limited time", "buy now", "shop", "free shipping", "% off",
	"unsubscribe", "marketing", "newsletter",
}

type otpMatcher struct {
	keywords []string
}

func newOTPMatcher(keywords []string) otpMatcher {
	if len(keywords) == 0 {
		keywords = defaultOTPKeywords
	}
	return otpMatcher{keywords: keywords}
}

// matches implements the otp_always heuristic: an OTP keyword, or a
// verification phrase plus an embedded 4-8 digit token, or a standalone
// 4-8 digit token anywhere in the text.
func (m otpMatcher) matches(record *models.Notification, override []string) bool {
	text := record.ContentText()

	keywords := m.keywords
	if len(override) > 0 {
		keywords = override
	}
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}

	for _, keyword := range verificationKeywords {
		if strings.Contains(text, keyword) {
			return containsNumericToken(text, 4, 8)
		}
	}

	return containsNumericToken(text, 4, 8)
}

// containsNumericToken reports whether any word in text, once separators are
// stripped, is an all-digit token of length [minLen, maxLen].
func containsNumericToken(text string, minLen, maxLen int) bool {
	for _, word := range strings.Fields(text) {
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '-', ':', '.', ',':
				return -1
			}
			return r
		}, word)

		if len(cleaned) < minLen || len(cleaned) > maxLen {
			continue
		}

		numeric := true
		for _, r := range cleaned {
			if !unicode.IsDigit(r) {
				numeric = false
				break
			}
		}
		if numeric {
			return true
		}
	}
	return false
}

type promoMatcher struct {
	keywords []string
}

func newPromoMatcher(keywords []string) promoMatcher {
	if len(keywords) == 0 {
		keywords = defaultPromoKeywords
	}
	return promoMatcher{keywords: keywords}
}

// matches implements the promo_mute heuristic over the promotional keyword set.
func (m promoMatcher) matches(record *models.Notification, override []string) bool {
	text := record.ContentText()

	keywords := m.keywords
	if len(override) > 0 {
		keywords = override
	}
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return true
		}
	}
	return false
}
