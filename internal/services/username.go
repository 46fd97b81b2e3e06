package services

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const (
	usernameMinLength = 3
	usernameMaxLength = 30

	usernameSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	usernameSuffixLength   = 6
)

// ResolveUsername picks a username for an account created from an OAuth
// profile. Candidates are tried in order after sanitization; the first free
// one wins. When every candidate is taken or unusable, a random suffix is
// appended to the fallback seed until a free name appears.
func ResolveUsername(candidates []string, fallbackSeed string, taken func(string) bool) (string, error) {
	for _, candidate := range candidates {
		name := sanitizeUsername(candidate)
		if name == "" {
			continue
		}
		if !taken(name) {
			return name, nil
		}
	}

	base := sanitizeUsername(fallbackSeed)
	if base == "" {
		base = "user"
	}
	for {
		suffix, err := randomUsernameSuffix()
		if err != nil {
			return "", err
		}
		name := base + "-" + suffix
		if len(name) > usernameMaxLength {
			name = name[:usernameMaxLength]
		}
		if !taken(name) {
			return name, nil
		}
	}
}

// sanitizeUsername lowercases and strips everything outside [a-z0-9._-].
// Results shorter than the minimum are rejected as empty.
func sanitizeUsername(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(raw)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}

	name := strings.Trim(b.String(), ".-_")
	if len(name) > usernameMaxLength {
		name = name[:usernameMaxLength]
	}
	if len(name) < usernameMinLength {
		return ""
	}
	return name
}

func randomUsernameSuffix() (string, error) {
	suffix := make([]byte, usernameSuffixLength)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(usernameSuffixAlphabet))))
		if err != nil {
			return "", err
		}
		suffix[i] = usernameSuffixAlphabet[n.Int64()]
	}
	return string(suffix), nil
}
