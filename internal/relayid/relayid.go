// Package relayid generates and validates the two identifier families used
// by the relay: session identifiers (the subdomain label that addresses a
// tunnel) and share tokens (the unguessable credential that lets a caller
// reach a tunnel without revealing the session identifier).
//
// The generation strategy mirrors Mutagen's collision-resistant identifier
// package: sample random bytes, encode them, and let the caller (the Session
// Directory) retry on collision against its own table.
package relayid

import (
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/wingmanux/tunnelrelay/pkg/random"
)

// matcher is the identifier validation grammar from the ingress routing
// specification: two lowercase words of three to ten letters each joined by
// a hyphen.
var matcher = regexp.MustCompile(`^[a-z]{3,10}-[a-z]{3,10}$`)

// IsValidSession reports whether value matches the session identifier
// grammar. It does not check the reserved-subdomain set; callers combine
// this with their own reserved list.
func IsValidSession(value string) bool {
	return matcher.MatchString(value)
}

// NewSession generates a random candidate session identifier by sampling one
// adjective and one noun from disjoint word lists and joining them with a
// hyphen. It does not check for collisions; the caller (the Session
// Directory) is responsible for retrying against its own table.
func NewSession() (string, error) {
	adjectiveIndex, err := randomIndex(len(adjectives))
	if err != nil {
		return "", fmt.Errorf("unable to sample adjective: %w", err)
	}
	nounIndex, err := randomIndex(len(nouns))
	if err != nil {
		return "", fmt.Errorf("unable to sample noun: %w", err)
	}

	return adjectives[adjectiveIndex] + "-" + nouns[nounIndex], nil
}

// shareTokenBytes is the default width of a share token's underlying random
// value: 128 bits, per the specification's shareTokenBits configuration
// knob default.
const shareTokenBytes = 16

// NewShareToken generates a cryptographically random share token of the
// specified bit width, encoded as lowercase hex. bits must be a positive
// multiple of 8; callers pass the configured shareTokenBits knob.
func NewShareToken(bits int) (string, error) {
	if bits <= 0 || bits%8 != 0 {
		return "", fmt.Errorf("share token bit width must be a positive multiple of 8, got %d", bits)
	}

	value, err := random.New(bits / 8)
	if err != nil {
		return "", fmt.Errorf("unable to generate share token: %w", err)
	}

	return hex.EncodeToString(value), nil
}

// randomIndex samples a uniformly distributed index in [0, n) using the
// package's cryptographic random source. It rejects out-of-range draws to
// avoid modulo bias.
func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("empty word list")
	}

	// A single random byte is sufficient entropy for our word list sizes
	// (both are well under 256 entries); reject draws that would bias the
	// distribution and resample.
	for {
		buffer, err := random.New(1)
		if err != nil {
			return 0, err
		}
		draw := int(buffer[0])
		limit := (256 / n) * n
		if draw < limit {
			return draw % n, nil
		}
	}
}
