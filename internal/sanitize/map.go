package sanitize

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SensitiveMap holds the token → original mapping for one request. Each entry
// carries an HMAC-SHA256 over (token, original) keyed by a per-request secret
// so Restore can refuse a map that did not originate from the same request
// lineage. The map must never outlive or be persisted beyond its request.
type SensitiveMap struct {
	key      []byte
	values   map[string]string // token -> original
	macs     map[string][]byte // token -> MAC(token, original)
	counters map[Type]int
}

// NewSensitiveMap creates an empty map with a fresh random secret.
func NewSensitiveMap() (*SensitiveMap, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate sensitive map key: %w", err)
	}
	return &SensitiveMap{
		key:      key,
		values:   make(map[string]string),
		macs:     make(map[string][]byte),
		counters: make(map[Type]int),
	}, nil
}

// Len returns the number of tokenized values.
func (m *SensitiveMap) Len() int {
	return len(m.values)
}

// TypeCounts returns how many values of each type were tokenized.
// Safe to include in audit payloads: counts only, no content.
func (m *SensitiveMap) TypeCounts() map[Type]int {
	out := make(map[Type]int, len(m.counters))
	for t, n := range m.counters {
		out[t] = n
	}
	return out
}

// tokenFor returns the existing token for (typ, original), or mints a new
// one. Identical originals of the same type share a token within a request
// so restoration is exact-match.
func (m *SensitiveMap) tokenFor(typ Type, original string) string {
	for token, value := range m.values {
		if value == original && tokenType(token) == string(typ) {
			return token
		}
	}
	m.counters[typ]++
	token := fmt.Sprintf("<%s_%05d>", typ, m.counters[typ])
	m.values[token] = original
	m.macs[token] = m.mac(token, original)
	return token
}

// lookup verifies the entry MAC and returns the original value.
func (m *SensitiveMap) lookup(token string) (string, bool, error) {
	original, ok := m.values[token]
	if !ok {
		return "", false, nil
	}
	if !hmac.Equal(m.macs[token], m.mac(token, original)) {
		return "", false, fmt.Errorf("sensitive map entry %s failed MAC verification", token)
	}
	return original, true, nil
}

// Merge folds the entries of other into m, re-binding them to m's secret.
// Colliding tokens from a different request lineage are re-minted.
func (m *SensitiveMap) Merge(other *SensitiveMap) error {
	if other == nil {
		return nil
	}
	for token, original := range other.values {
		if !hmac.Equal(other.macs[token], other.mac(token, original)) {
			return fmt.Errorf("refusing to merge sensitive map: entry %s failed MAC verification", token)
		}
		if existing, ok := m.values[token]; ok {
			if existing == original {
				continue
			}
			// Token collision with different content: mint a fresh token for
			// the incoming value under its own type counter.
			m.tokenFor(Type(tokenType(token)), original)
			continue
		}
		m.values[token] = original
		m.macs[token] = m.mac(token, original)
		if t := Type(tokenType(token)); t != "" {
			if n := tokenOrdinal(token); n > m.counters[t] {
				m.counters[t] = n
			}
		}
	}
	return nil
}

// Destroy zeroes the secret and drops all entries. The map is unusable
// afterwards; call it when the request completes.
func (m *SensitiveMap) Destroy() {
	for i := range m.key {
		m.key[i] = 0
	}
	m.values = map[string]string{}
	m.macs = map[string][]byte{}
	m.counters = map[Type]int{}
}

func (m *SensitiveMap) mac(token, original string) []byte {
	h := hmac.New(sha256.New, m.key)
	h.Write([]byte(token))
	h.Write([]byte{0})
	h.Write([]byte(original))
	return h.Sum(nil)
}

// tokenType extracts the type name from a token like "<ApiKey_00001>".
func tokenType(token string) string {
	if len(token) < 9 || token[0] != '<' {
		return ""
	}
	for i := 1; i < len(token); i++ {
		if token[i] == '_' {
			return token[1:i]
		}
	}
	return ""
}

// tokenOrdinal extracts the counter from a token, or 0 when malformed.
func tokenOrdinal(token string) int {
	if len(token) < 8 || token[len(token)-1] != '>' {
		return 0
	}
	n := 0
	for i := len(token) - 6; i < len(token)-1; i++ {
		if token[i] < '0' || token[i] > '9' {
			return 0
		}
		n = n*10 + int(token[i]-'0')
	}
	return n
}
