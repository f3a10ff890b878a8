package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Slack-Request-Timestamp"
	HeaderSignature = "X-Slack-Signature"

	signatureVersion = "v0"
	// MaxSkew bounds how far the request timestamp may be from now.
	MaxSkew = 300 * time.Second
)

var (
	ErrMissingHeaders = errors.New("slack: missing signature headers")
	ErrStaleTimestamp = errors.New("slack: request timestamp outside window")
	ErrBadSignature   = errors.New("slack: signature mismatch")
)

// Verifier checks the signature Slack attaches to every Events API call.
// It is the single verification routine used by every inbound channel route.
type Verifier struct {
	getter     Getter
	secretName string
	now        func() time.Time
}

func NewVerifier(ps Getter, paramPrefix string) (*Verifier, error) {
	if ps == nil {
		return nil, errors.New("slack: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("slack: parameter prefix must not be empty")
	}
	return &Verifier{
		getter:     ps,
		secretName: paramPrefix + "/slack-signing-secret",
		now:        time.Now,
	}, nil
}

// Verify returns nil when header carries a fresh, valid signature for body.
// Header-level failures are reported without fetching the secret.
func (v *Verifier) Verify(ctx context.Context, header http.Header, body []byte) error {
	ts := strings.TrimSpace(header.Get(HeaderTimestamp))
	sig := strings.TrimSpace(header.Get(HeaderSignature))
	if ts == "" || sig == "" {
		return ErrMissingHeaders
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	skew := v.now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return ErrStaleTimestamp
	}

	secret, err := v.getter.GetParameter(ctx, v.secretName)
	if err != nil {
		return fmt.Errorf("slack: fetch signing secret: %w", err)
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return errors.New("slack: signing secret is empty")
	}

	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the "v0=<hex>" signature for a request body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// IsRejection reports whether err means the caller failed verification,
// as opposed to the secret being unavailable.
func IsRejection(err error) bool {
	return errors.Is(err, ErrMissingHeaders) || errors.Is(err, ErrStaleTimestamp) || errors.Is(err, ErrBadSignature)
}
