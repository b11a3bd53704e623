// Package ident derives the layered identifiers that address a transfer.
// The public code is the only identifier a client ever sees; the record
// key and object key are one-way derivations so that neither the store's
// lookup key nor the blob key can be reconstructed from a leaked response.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// codeAlphabet is the 62-character set public codes are drawn from.
// Codes are case-sensitive, so 62^6 combinations at the fixed length.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// CodeLength is the fixed public-code length.
const CodeLength = 6

// DeriveRecordKey hashes the public code with the process-wide secret.
// The result is the record store's lookup key and is never exposed.
func DeriveRecordKey(publicCode, globalSecret string) string {
	sum := sha256.Sum256([]byte(publicCode + globalSecret))
	return hex.EncodeToString(sum[:])
}

// DeriveObjectKey hashes the public code, the record key, and the
// per-record salt into the blob-store key. Recovering it requires the
// fetched record (for the salt) plus the public code, never either alone.
func DeriveObjectKey(publicCode, recordKey, salt string) string {
	sum := sha256.Sum256([]byte(publicCode + recordKey + salt))
	return hex.EncodeToString(sum[:])
}

// GeneratePublicCode returns a 6-character alphanumeric code drawn
// uniformly from the alphabet. Codes only need enough entropy that the
// creation-time uniqueness check rarely retries.
func GeneratePublicCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	code := make([]byte, CodeLength)
	for i, b := range buf {
		code[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(code), nil
}

// GenerateSalt returns byteLength random bytes hex-encoded. The salt keeps
// the object key safe from offline brute force even if a record key leaks.
func GenerateSalt(byteLength int) (string, error) {
	if byteLength <= 0 {
		return "", fmt.Errorf("invalid salt length %d", byteLength)
	}
	buf := make([]byte, byteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidPublicCode reports whether a client-supplied code has the expected
// shape. Derivation itself never fails, so this is the only input check.
func ValidPublicCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
