package eventizer

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// fingerprint derives a deterministic event id from the colon-joined parts
// that identify it. Re-fetching the same item always reproduces the same
// ids, so downstream indexing stays idempotent.
func fingerprint(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// identityFingerprint derives the id of a contributor identity from its
// source and signature fields. Missing fields take a "None" placeholder and
// the whole key is lowercased, so case-only variations of the same person
// collapse into one id.
func identityFingerprint(source, email, name, username string) string {
	key := strings.Join([]string{source, orNone(email), orNone(name), orNone(username)}, ":")
	return fingerprint(strings.ToLower(key))
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// parseSignature splits a git signature of the form "Name <email>" into its
// name and email. Either half may be empty.
func parseSignature(signature string) (name, email string) {
	signature = strings.TrimSpace(signature)
	open := strings.LastIndex(signature, "<")
	if open < 0 {
		return signature, ""
	}
	name = strings.TrimSpace(signature[:open])
	email = strings.TrimSuffix(strings.TrimSpace(signature[open+1:]), ">")
	return name, email
}
