package external

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"eventmail/internal/types"
)

// Header names used by the SendGrid signed event webhook.
const (
	SendGridSignatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	SendGridTimestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

// SendGridVerifier checks ECDSA P-256 signatures over timestamp || payload.
// The key is parsed once at construction.
type SendGridVerifier struct {
	key       *ecdsa.PublicKey
	tolerance time.Duration
}

// NewSendGridVerifier parses publicKey, given as base64 DER or PEM. A zero
// tolerance disables the timestamp freshness check.
func NewSendGridVerifier(publicKey string, tolerance time.Duration) (*SendGridVerifier, error) {
	key, err := parseECPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("sendgrid verifier: %w", err)
	}
	return &SendGridVerifier{key: key, tolerance: tolerance}, nil
}

// Verify returns an ErrCodeAuthSignatureInvalid AppError when the signature
// is missing, malformed, wrong, or the timestamp is outside the tolerance.
func (v *SendGridVerifier) Verify(payload []byte, signature, timestamp string, now time.Time) error {
	if signature == "" || timestamp == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing webhook signature headers", nil)
	}

	if v.tolerance > 0 {
		secs, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
		if err != nil {
			return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "malformed webhook timestamp", err)
		}
		skew := now.Sub(time.Unix(secs, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.tolerance {
			return types.NewAppError(types.ErrCodeAuthSignatureInvalid,
				fmt.Sprintf("webhook timestamp outside tolerance (%s)", skew.Truncate(time.Second)), nil)
		}
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "malformed webhook signature", err)
	}

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write(payload)
	if !ecdsa.VerifyASN1(v.key, h.Sum(nil), sig) {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "webhook signature mismatch", nil)
	}
	return nil
}

func parseECPublicKey(publicKey string) (*ecdsa.PublicKey, error) {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" {
		return nil, errors.New("public key is empty")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(publicKey)); block != nil {
		der = block.Bytes
	} else {
		var err error
		der, err = base64.StdEncoding.DecodeString(publicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to base64-decode public key: %w", err)
		}
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PKIX public key: %w", err)
	}
	key, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA (got %T)", pub)
	}
	return key, nil
}

var _ EventWebhookVerifier = (*SendGridVerifier)(nil)
