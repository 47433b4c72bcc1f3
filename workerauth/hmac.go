package workerauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

var (
	// ErrMissingHeaders reports an absent signature or timestamp.
	ErrMissingHeaders = errors.New("missing signature headers")
	// ErrInvalidTimestamp reports a timestamp that is not an integer.
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")
	// ErrRequestExpired reports a timestamp older than the replay window.
	ErrRequestExpired = errors.New("signed request expired")
	// ErrRequestInFuture reports a timestamp beyond clock skew tolerance.
	ErrRequestInFuture = errors.New("signed request timestamp in future")
	// ErrInvalidSignature reports a signature mismatch.
	ErrInvalidSignature = errors.New("invalid request signature")
	// ErrOriginNotAllowed reports an origin outside the allowlist.
	ErrOriginNotAllowed = errors.New("origin not allowed")
)

// DefaultClockSkew is the allowed margin for sender/verifier clock
// disagreement on otherwise-future timestamps.
const DefaultClockSkew = 60 * time.Second

// Sign computes the hex HMAC-SHA256 signature of "{timestamp}:{payload}"
// under secret. The timestamp is integer seconds since epoch.
func Sign(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte(":"))
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyInput carries one request's signature material. AllowedOrigins and
// Origin are optional; an empty allowlist skips the origin check. A zero
// ClockSkew means [DefaultClockSkew].
type VerifyInput struct {
	Payload   []byte
	Signature string
	Timestamp string
	Secret    string
	MaxAge    time.Duration
	Now       time.Time
	ClockSkew time.Duration

	AllowedOrigins []string
	Origin         string
}

// Verify checks the request signature and its timestamp window. Each failure
// mode is a distinct sentinel; checks run in a fixed order so the first
// failing condition names the result.
func Verify(in VerifyInput) error {
	if in.Signature == "" || in.Timestamp == "" {
		return ErrMissingHeaders
	}

	timestamp, err := strconv.ParseInt(in.Timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	skew := in.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}

	now := in.Now.Unix()
	if now-timestamp > int64(in.MaxAge/time.Second) {
		return ErrRequestExpired
	}
	if timestamp-now > int64(skew/time.Second) {
		return ErrRequestInFuture
	}

	expected := Sign(in.Payload, in.Secret, timestamp)
	if !hmac.Equal([]byte(expected), []byte(in.Signature)) {
		return ErrInvalidSignature
	}

	if len(in.AllowedOrigins) > 0 {
		allowed := false
		for _, origin := range in.AllowedOrigins {
			if origin == in.Origin {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrOriginNotAllowed
		}
	}

	return nil
}
