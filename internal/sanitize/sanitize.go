// Package sanitize detects and reversibly tokenizes sensitive data before it
// leaves the process boundary (LLM prompts, audit payloads).
//
// Detection runs an ordered regex set; the first pattern claiming a span
// wins. Replacement tokens have the form <Type_nnnnn> with per-request
// per-type counters, and the token → original mapping lives in a
// request-scoped SensitiveMap that is destroyed when the request completes.
package sanitize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	rerrors "github.com/rcourtman/resolvd/internal/errors"
)

// Finding reports one detected sensitive span.
type Finding struct {
	Type  Type
	Start int
	End   int
}

// Sanitizer detects, tokenizes and restores sensitive values.
type Sanitizer struct {
	patterns  []Pattern
	mandatory map[Type]struct{}
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithPatterns replaces the default pattern set.
func WithPatterns(patterns []Pattern) Option {
	return func(s *Sanitizer) { s.patterns = patterns }
}

// WithMandatoryTypes sets the types that must never survive scrubbing.
func WithMandatoryTypes(types []string) Option {
	return func(s *Sanitizer) {
		s.mandatory = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.mandatory[Type(t)] = struct{}{}
		}
	}
}

// New creates a Sanitizer with the default patterns and the default
// mandatory set {ApiKey, Password, TaxId}.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		patterns: DefaultPatterns(),
		mandatory: map[Type]struct{}{
			TypeAPIKey:   {},
			TypePassword: {},
			TypeTaxID:    {},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Detect reports all sensitive spans in text without modifying it.
func (s *Sanitizer) Detect(text string) []Finding {
	return s.findSpans(text)
}

// Sanitize replaces every detected span with an opaque token and records the
// mapping in map. The same original value of the same type maps to the same
// token within one request. After replacement, a defensive post-check
// verifies that no mandatory-type pattern still matches; if one does,
// SanitizationRequired is returned.
func (s *Sanitizer) Sanitize(text string, m *SensitiveMap) (string, error) {
	const op = "sanitize.sanitize"

	spans := s.findSpans(text)
	if len(spans) > 0 {
		var b strings.Builder
		b.Grow(len(text))
		last := 0
		for _, f := range spans {
			b.WriteString(text[last:f.Start])
			b.WriteString(m.tokenFor(f.Type, text[f.Start:f.End]))
			last = f.End
		}
		b.WriteString(text[last:])
		text = b.String()
	}

	// Defensive post-check: a mandatory pattern surviving the scrub means the
	// text cannot be sent anywhere. Matches whose value span is itself a
	// replacement token are expected and skipped.
	for _, p := range s.patterns {
		if _, ok := s.mandatory[p.Type]; !ok {
			continue
		}
		for _, match := range p.Re.FindAllStringSubmatchIndex(text, -1) {
			start, end := match[0], match[1]
			if len(match) >= 4 && match[2] >= 0 {
				start, end = match[2], match[3]
			}
			if tokenRe.MatchString(text[start:end]) {
				continue
			}
			return "", rerrors.Newf(rerrors.KindSanitizationRequired, op,
				"%s pattern still present after scrub at offset %d", p.Type, start)
		}
	}

	return text, nil
}

// Restore substitutes tokens back to their originals using exact-match
// replacement. Tokens not present in the map are left unchanged and logged:
// they signal a provenance mismatch (the model inventing tokens, or a map
// from a different request).
func (s *Sanitizer) Restore(text string, m *SensitiveMap) (string, error) {
	const op = "sanitize.restore"

	var restoreErr error
	out := tokenRe.ReplaceAllStringFunc(text, func(token string) string {
		original, ok, err := m.lookup(token)
		if err != nil {
			restoreErr = rerrors.New(rerrors.KindIntegrity, op, err)
			return token
		}
		if !ok {
			log.Warn().Str("token", token).Msg("Restore encountered token with no map entry")
			return token
		}
		return original
	})
	if restoreErr != nil {
		return "", restoreErr
	}
	return out, nil
}

// findSpans collects non-overlapping sensitive spans, honoring pattern order:
// a span claimed by an earlier pattern is never re-claimed by a later one.
func (s *Sanitizer) findSpans(text string) []Finding {
	var claimed []Finding
	for _, p := range s.patterns {
		matches := p.Re.FindAllStringSubmatchIndex(text, -1)
		for _, match := range matches {
			start, end := match[0], match[1]
			// Tokenize only the captured value when the pattern has one.
			if len(match) >= 4 && match[2] >= 0 {
				start, end = match[2], match[3]
			}
			if start == end {
				continue
			}
			if overlaps(claimed, start, end) {
				continue
			}
			claimed = append(claimed, Finding{Type: p.Type, Start: start, End: end})
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].Start < claimed[j].Start })
	return claimed
}

func overlaps(spans []Finding, start, end int) bool {
	for _, f := range spans {
		if start < f.End && end > f.Start {
			return true
		}
	}
	return false
}

// Describe returns a compact, PII-safe summary of a detection pass, suitable
// for audit payloads.
func Describe(findings []Finding) string {
	if len(findings) == 0 {
		return "no sensitive spans"
	}
	counts := make(map[Type]int)
	for _, f := range findings {
		counts[f.Type]++
	}
	parts := make([]string, 0, len(counts))
	for t, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
