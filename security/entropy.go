package security

import (
	"math"
	"strings"
)

// ShannonEntropy returns the entropy of data in bits per byte.
//
// Typical values:
//   - English text: 3.0 - 4.5
//   - Hex: at most 4.0
//   - Base64 and random API keys: 4.8 - 6.0
func ShannonEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	length := float64(len(data))
	var entropy float64
	for _, count := range freq {
		if count == 0 {
			continue
		}
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// EntropyThreshold is the bits/byte above which a token is treated as a
// credential or encoded blob. Hex ids such as UUIDs stay below it.
const EntropyThreshold = 4.8

// MinTokenLen is the shortest run of token characters considered for
// masking.
const MinTokenLen = 32

// IsHighEntropy reports whether data is above EntropyThreshold.
func IsHighEntropy(data []byte) bool {
	return ShannonEntropy(data) > EntropyThreshold
}

// maskHighEntropy replaces every run of at least MinTokenLen token
// characters whose entropy exceeds the threshold with Placeholder.
func maskHighEntropy(s string) string {
	if len(s) < MinTokenLen {
		return s
	}
	var b strings.Builder
	masked := false
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		seg := s[start:end]
		if len(seg) >= MinTokenLen && IsHighEntropy([]byte(seg)) {
			b.WriteString(Placeholder)
			masked = true
		} else {
			b.WriteString(seg)
		}
		start = -1
	}
	for i := 0; i < len(s); i++ {
		if isTokenChar(s[i]) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
		b.WriteByte(s[i])
	}
	flush(len(s))
	if !masked {
		return s
	}
	return b.String()
}

// isTokenChar reports whether c can appear in base64, base64url or a
// typical API key.
func isTokenChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '+' || c == '/' || c == '=' ||
		c == '-' || c == '_'
}
