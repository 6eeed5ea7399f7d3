package sanitize

import "regexp"

// Type identifies a category of sensitive data.
type Type string

const (
	TypeTaxID         Type = "TaxId"
	TypeNationalID    Type = "NationalId"
	TypeAccountNumber Type = "AccountNumber"
	TypeCardNumber    Type = "CardNumber"
	TypeEmail         Type = "Email"
	TypePhoneNumber   Type = "PhoneNumber"
	TypeIPAddress     Type = "IpAddress"
	TypeAPIKey        Type = "ApiKey"
	TypePassword      Type = "Password"
)

// Pattern couples a sensitive type with its detection regex. When the regex
// has a capture group, only group 1 is tokenized; otherwise the whole match.
type Pattern struct {
	Type Type
	Re   *regexp.Regexp
}

// DefaultPatterns returns the built-in ordered pattern set. Order matters:
// the first pattern claiming a span wins, so the specific credential shapes
// come before the broader numeric ones.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// Bare provider-style secrets (sk-..., ghp_..., AKIA...)
		{TypeAPIKey, regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{12,}\b`)},
		{TypeAPIKey, regexp.MustCompile(`\b(?:ghp|gho|ghs)_[A-Za-z0-9]{20,}\b`)},
		{TypeAPIKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		// key=value credential assignments
		{TypeAPIKey, regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|access[_-]?token|auth[_-]?token|secret[_-]?key)\s*[=:]\s*["']?([A-Za-z0-9_\-\./+]{8,})["']?`)},
		{TypePassword, regexp.MustCompile(`(?i)\b(?:password|passwd|pwd|senha)\s*[=:]\s*["']?(\S{4,})["']?`)},
		// Payment cards before the generic numeric shapes
		{TypeCardNumber, regexp.MustCompile(`\b(?:\d{4}[ -]?){3}\d{4}\b`)},
		// Brazilian CNPJ (company tax id) then CPF (national id)
		{TypeTaxID, regexp.MustCompile(`\b\d{2}\.?\d{3}\.?\d{3}/?\d{4}-?\d{2}\b`)},
		{TypeNationalID, regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`)},
		{TypeAccountNumber, regexp.MustCompile(`(?i)\b(?:account|acct|conta)\s*(?:n[oº°]?\.?|number|#)?\s*[=:]?\s*(\d[\d\-.]{4,18}\d)\b`)},
		{TypeEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
		{TypeIPAddress, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`)},
		{TypePhoneNumber, regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?(?:\(\d{2,3}\)[ .\-]?)?\d{4,5}[.\-]\d{4}\b`)},
	}
}

// tokenRe matches the opaque replacement tokens produced by Sanitize.
// Counters are zero-padded to five digits but keep growing past 99999.
var tokenRe = regexp.MustCompile(`<[A-Za-z]+_\d{5,}>`)
