// Package subject implements the dotted subject grammar used by the Relay:
// validation, wildcard pattern matching, and filesystem-safe hashing.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// RootToken is the mandatory first token of every concrete subject.
	RootToken = "relay"

	// TokenWildcard matches exactly one token in a pattern.
	TokenWildcard = "*"

	// TailWildcard matches one or more trailing tokens and must be terminal.
	TailWildcard = ">"

	hashLength = 12
)

// ErrInvalid is the kind wrapped by all subject validation failures.
var ErrInvalid = errors.New("invalid subject")

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks a concrete subject: dot-separated tokens matching
// [A-Za-z0-9_-]+, first token "relay", no wildcards, no empty tokens.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	tokens := strings.Split(s, ".")
	if tokens[0] != RootToken {
		return fmt.Errorf("%w: %q must start with %q", ErrInvalid, s, RootToken)
	}
	for _, token := range tokens {
		if token == "" {
			return fmt.Errorf("%w: %q contains an empty token", ErrInvalid, s)
		}
		if token == TokenWildcard || token == TailWildcard {
			return fmt.Errorf("%w: %q contains a wildcard", ErrInvalid, s)
		}
		if !tokenPattern.MatchString(token) {
			return fmt.Errorf("%w: token %q in %q", ErrInvalid, token, s)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern: tokens may additionally be
// "*" (one token) or a terminal ">" (one or more tokens).
func ValidatePattern(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalid)
	}
	tokens := strings.Split(p, ".")
	for i, token := range tokens {
		switch token {
		case "":
			return fmt.Errorf("%w: %q contains an empty token", ErrInvalid, p)
		case TokenWildcard:
			continue
		case TailWildcard:
			if i != len(tokens)-1 {
				return fmt.Errorf("%w: %q has a non-terminal %q", ErrInvalid, p, TailWildcard)
			}
		default:
			if !tokenPattern.MatchString(token) {
				return fmt.Errorf("%w: token %q in %q", ErrInvalid, token, p)
			}
		}
	}
	return nil
}

// Matches reports whether a concrete subject matches a pattern,
// evaluated token-by-token. "*" consumes exactly one token; ">" consumes
// one or more trailing tokens.
func Matches(pattern, s string) bool {
	if pattern == s {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(s, ".")

	for i, p := range pTokens {
		if p == TailWildcard {
			return i == len(pTokens)-1 && len(sTokens) > i
		}
		if i >= len(sTokens) {
			return false
		}
		if p == TokenWildcard {
			continue
		}
		if p != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}

// HasWildcard reports whether the string uses pattern syntax.
func HasWildcard(s string) bool {
	return strings.Contains(s, TokenWildcard) || strings.Contains(s, TailWildcard)
}

// HasPrefix reports whether the subject starts with the given dot-bounded
// prefix. "relay.adapter.tg" is a prefix of "relay.adapter.tg.123" but not
// of "relay.adapter.tg1.123".
func HasPrefix(s, prefix string) bool {
	if s == prefix {
		return true
	}
	return strings.HasPrefix(s, prefix+".")
}

// Hash returns the short lowercase hex digest of a subject, used as a
// filesystem-safe directory name. Deterministic: equal subjects always
// yield equal hashes.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:hashLength]
}
