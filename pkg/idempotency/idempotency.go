// Package idempotency reads the Idempotency-Key request header. A non-empty
// key binds the created order to the key in the same transaction; replaying
// the key returns the original order instead of creating a second one.
package idempotency

import (
	"net/http"
	"strings"
)

const Header = "Idempotency-Key"

// Key returns the trimmed header value, empty when the client sent none.
func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}
