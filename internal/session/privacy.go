package session

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Redactor masks phone numbers and message bodies before they reach the
// operator log. The zero value is a no-op.
type Redactor struct {
	MaskNumbers bool
	MaskBodies  bool
}

// ID masks the user part of a chat id, keeping the server suffix and the
// last four digits: "5511999999999@c.us" becomes "*********9999@c.us".
func (r Redactor) ID(id string) string {
	if !r.MaskNumbers || id == "" {
		return id
	}
	user, server, hasServer := strings.Cut(id, "@")
	masked := maskTail(user, 4)
	if hasServer {
		return masked + "@" + server
	}
	return masked
}

// Body replaces a message body with its length and a short digest.
func (r Redactor) Body(body string) string {
	if !r.MaskBodies || body == "" {
		return body
	}
	return fmt.Sprintf("<%d bytes %s>", len(body), shortHash(body))
}

// IsNoop reports whether the redactor changes nothing.
func (r Redactor) IsNoop() bool {
	return !r.MaskNumbers && !r.MaskBodies
}

func maskTail(s string, keep int) string {
	if len(s) <= keep {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keep) + s[len(s)-keep:]
}

// shortHash returns a truncated SHA-256 hex digest for an opaque string.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
