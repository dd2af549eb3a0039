package helpers

import (
	"fmt"
	"strings"
)

// NormalizeAddress lowercases an email address and strips surrounding
// whitespace and angle brackets as they appear in SMTP envelopes.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}

// SplitEmailAddress splits a normalized address into local part and domain.
// It returns an error when the address does not contain exactly one '@'
// separating two non-empty parts.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(email)
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed email address: %q", email)
	}
	return parts[0], parts[1], nil
}

// DomainOf returns the domain part of an address, or "" when the address
// has no domain. Used by the admission filter, which treats an address
// without a domain as never allowed.
func DomainOf(email string) string {
	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}
