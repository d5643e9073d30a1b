// Package message scores free-text messages for scam intent. Everything in
// it is a pure function of the input text.
package message

import (
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Signature describes one scam family. A signature matches when any keyword
// is a substring of the normalized text or any pattern matches. LabelOnly
// patterns never score; they only name the fraud type of a risky message.
type Signature struct {
	Category  domain.FraudCategory
	Label     string
	Keywords  []string
	Patterns  []*regexp.Regexp
	LabelOnly []*regexp.Regexp
}

var ci = regexp.MustCompile

// signatures are listed in fraud-type precedence order.
var signatures = []Signature{
	{
		Category: domain.CategoryOTPPhishing,
		Label:    "OTP/Credential Phishing",
		Keywords: []string{"share otp", "enter otp", "provide otp", "send otp", "card details", "password"},
		Patterns: []*regexp.Regexp{
			ci(`(?i)\bcvv\b`),
			ci(`(?i)\b(?:upi|atm|card)\s*pin\b`),
		},
		LabelOnly: []*regexp.Regexp{ci(`(?i)\b(?:otp|pin)\b`)},
	},
	{
		Category: domain.CategoryTaxRefundScam,
		Label:    "Fake Tax Refund",
		Keywords: []string{"income tax refund", "tax refund", "gst refund", "income tax department", "itr refund"},
	},
	{
		Category: domain.CategoryFakeRefund,
		Label:    "Fake Refund Scam",
		Keywords: []string{"refund pending", "refund credited", "reversed amount", "credited back", "refund initiated", "claim your refund"},
		Patterns: []*regexp.Regexp{ci(`(?i)\brefund\b`)},
	},
	{
		Category: domain.CategoryLotteryScam,
		Label:    "Prize/Lottery Scam",
		Keywords: []string{"congratulations you won", "you have won", "claim your prize", "lottery", "jackpot", "lucky draw", "prize money"},
		Patterns: []*regexp.Regexp{ci(`(?i)\bwon\b.{0,30}\b(?:prize|cash|reward|car|iphone)\b`)},
	},
	{
		Category: domain.CategoryCourierScam,
		Label:    "Fake Courier Scam",
		Keywords: []string{"courier pending", "parcel detained", "customs charge", "courier", "parcel", "shipment on hold", "delivery failed"},
	},
	{
		Category: domain.CategoryKYCScam,
		Label:    "KYC Update Scam",
		Keywords: []string{"update kyc", "verify your account", "verify account", "confirm your details", "update details", "kyc expired"},
		Patterns: []*regexp.Regexp{ci(`(?i)\bkyc\b`)},
	},
	{
		Category: domain.CategoryLegalThreatScam,
		Label:    "Threatening/Legal Scam",
		Keywords: []string{"arrest warrant", "legal action", "police complaint", "cyber crime cell", "court notice"},
		Patterns: []*regexp.Regexp{ci(`(?i)\b(?:arrest(?:ed)?|warrant|police)\b`)},
	},
	{
		Category: domain.CategoryGeneralPhishing,
		Label:    "General Phishing",
		Keywords: []string{
			"account will be blocked", "account has been blocked", "account suspended",
			"suspended", "click here", "click link", "customer care number",
			"call this number", "helpline", "transfer money", "send money urgently",
			"immediate payment", "act now", "free gift",
		},
	},
}

var (
	shortenerRe = ci(`(?i)\b(?:bit\.ly|tinyurl\.com|tinyurl|goo\.gl|t\.co|is\.gd|cutt\.ly|rb\.gy|shorturl\.at)\b\S*`)
	linkRe      = ci(`(?i)\bhttps?://\S+|\bwww\.\S+`)
	phoneRe     = ci(`(?:\+91[\s-]?)?\b[6-9]\d{9}\b`)
	cardRe      = ci(`\b(?:\d{4}[\s-]?){3}\d{4}\b`)
	otpDigitsRe = ci(`(?i)\b(?:otp|code|pin)\b\D{0,20}\b\d{4,8}\b|\b\d{6}\b`)
	urgencyRes  = []*regexp.Regexp{
		ci(`(?i)\burgent(?:ly)?\b`),
		ci(`(?i)\bimmediately\b`),
		ci(`(?i)\bnow\b`),
		ci(`(?i)\btoday\b`),
		ci(`(?i)\bexpir(?:e|es|ed|ing|y)\b`),
		ci(`(?i)\blimited time\b`),
		ci(`(?i)\bwithin 24 hours\b`),
		ci(`(?i)\basap\b`),
		ci(`(?i)\blast chance\b`),
	}
	keywordRe = ci(`(?i)\b(?:verify|confirm|update|expire[sd]?|urgent|limited time|act now|don't miss|free gift|` +
		`bonus|reward|cashback|click link|visit site|download app|bank account|credit card|debit card|` +
		`pin|password|cvv|card details)\b`)
	impersonationPhrases = []string{
		"from bank", "from paytm", "from phonepe", "from gpay", "from government",
		"from rbi", "from income tax", "official notification", "bank official",
		"government official",
	}
	legitimatePhrases = []string{
		"payment successful", "transaction successful", "credited to account",
		"credited to your account", "debited from account", "balance is",
		"available balance", "thank you for", "order confirmed", "booking confirmed",
	}
)

// CategoryMatch is a matched signature with the phrases that triggered it.
type CategoryMatch struct {
	Category domain.FraudCategory
	Label    string
	Hits     []string
}

// SignalMatch is a structural, urgency, impersonation or legitimacy hit.
type SignalMatch struct {
	Signal domain.SignalKind
	Hits   []string
	// Shortened distinguishes shortener links from plain links.
	Shortened bool
}

// Matches is everything the library found in one text. Labels holds the
// labels of every signature that matched, scoring or not, in precedence
// order.
type Matches struct {
	Categories []CategoryMatch
	Signals    []SignalMatch
	Labels     []string
}

// Library evaluates all signatures and detectors independently.
type Library struct {
	signatures []Signature
	minUrgency int
}

// NewLibrary returns the built-in library. minUrgency is the number of
// distinct urgency markers needed for the urgency signal.
func NewLibrary(minUrgency int) *Library {
	if minUrgency <= 0 {
		minUrgency = 2
	}
	return &Library{signatures: signatures, minUrgency: minUrgency}
}

// Signatures lists the category signatures in precedence order.
func (l *Library) Signatures() []Signature {
	return l.signatures
}

// Match runs every detector over text. Matching is case-insensitive.
func (l *Library) Match(text string) Matches {
	norm := normalize(text)
	var m Matches

	for _, sig := range l.signatures {
		if hits := matchSignature(sig, norm); len(hits) > 0 {
			m.Categories = append(m.Categories, CategoryMatch{
				Category: sig.Category,
				Label:    sig.Label,
				Hits:     hits,
			})
			m.Labels = append(m.Labels, sig.Label)
			continue
		}
		for _, re := range sig.LabelOnly {
			if re.MatchString(norm) {
				m.Labels = append(m.Labels, sig.Label)
				break
			}
		}
	}

	if hits := shortenerRe.FindAllString(text, -1); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalSuspiciousURL, Hits: hits, Shortened: true})
	} else if hits := linkRe.FindAllString(text, -1); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalSuspiciousURL, Hits: hits})
	}
	if hits := phoneRe.FindAllString(text, -1); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalPhoneNumber, Hits: hits})
	}
	if hits := otpDigitsRe.FindAllString(text, -1); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalOTPDigits, Hits: hits})
	}
	if hits := cardRe.FindAllString(text, -1); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalCardNumber, Hits: hits})
	}

	var urgent []string
	for _, re := range urgencyRes {
		if hit := re.FindString(norm); hit != "" {
			urgent = append(urgent, hit)
		}
	}
	if len(urgent) >= l.minUrgency {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalUrgency, Hits: urgent})
	}

	if hits := distinct(keywordRe.FindAllString(norm, -1)); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalKeyword, Hits: hits})
	}
	if hits := containsAny(norm, impersonationPhrases); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalImpersonation, Hits: hits})
	}
	if hits := containsAny(norm, legitimatePhrases); len(hits) > 0 {
		m.Signals = append(m.Signals, SignalMatch{Signal: domain.SignalLegitimate, Hits: hits})
	}

	return m
}

func matchSignature(sig Signature, norm string) []string {
	hits := containsAny(norm, sig.Keywords)
	for _, re := range sig.Patterns {
		if hit := re.FindString(norm); hit != "" && !contains(hits, hit) {
			hits = append(hits, hit)
		}
	}
	return hits
}

func containsAny(norm string, phrases []string) []string {
	var hits []string
	for _, p := range phrases {
		if strings.Contains(norm, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

func distinct(hits []string) []string {
	var out []string
	for _, h := range hits {
		if !contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// normalize lowercases and collapses whitespace.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
