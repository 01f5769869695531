// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for message submissions. It
// validates an Idempotency-Key request header, asks a lookup whether the key
// was already delivered in the addressed session, and annotates the request
// context so downstream handlers can:
//   - read the validated key (GetIdempotencyKey)
//   - detect replayed submissions (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
//
// The header is validated with the same token pattern the delivery layer uses
// for adopted keys, so a key accepted here is never rejected later.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-relay/internal/delivery"
)

// HeaderIdempotencyKey is the request header that carries a caller-chosen
// idempotency key. The key is reused verbatim by every transport attempt of
// the submission, including fallbacks.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed is set on responses served from the attempt
// ledger instead of a new submission.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: key already delivered
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the key on this request was already delivered in
// the addressed session.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to
	// delivery.MaxKeyLen.
	MaxLen int
	// Pattern restricts allowed characters. Nil selects delivery.KeyPattern.
	Pattern *regexp.Regexp
}

// IdempotencyLookup answers whether key already produced a delivered reply in
// sessionID at time now. The replay window is enforced by the lookup. Errors
// never block the request; they only disable the replay path.
type IdempotencyLookup func(ctx context.Context, sessionID, key string, now time.Time) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header (if present),
// stashes it in the request context and consults lookup for a prior delivery
// in the session named by the :id route parameter.
//
// Behavior:
//   - If header is absent: the middleware is a no-op.
//   - If header fails validation: responds 400 with a compact error body.
//   - If lookup reports a delivery: sets replay + rate-bypass flags.
//
// The middleware never serves a payload itself; handlers rebuild the replayed
// outcome.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = delivery.MaxKeyLen
	}
	pat := opts.Pattern
	if pat == nil {
		pat = delivery.KeyPattern
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "bad_idempotency_key",
				"message": "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		sessionID := c.Param("id")
		if lookup != nil && sessionID != "" {
			exists, err := lookup(c.Request.Context(), sessionID, key, time.Now().UTC())
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Str("key", key).Msg("idempotency lookup failed")
			}
			if exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}
