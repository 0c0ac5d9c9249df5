package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

// VerificationPolicy decides what happens when a webhook fails signature
// verification. Discard acknowledges with 200 and drops the event so the
// provider stops retrying; Reject answers 401.
type VerificationPolicy string

const (
	PolicyDiscard VerificationPolicy = "discard"
	PolicyReject  VerificationPolicy = "reject"
)

func PolicyFromString(s string) VerificationPolicy {
	if strings.EqualFold(strings.TrimSpace(s), string(PolicyReject)) {
		return PolicyReject
	}
	return PolicyDiscard
}

// SignatureParts holds the fields of an x-signature header, which is a
// comma-separated list of key=value pairs.
type SignatureParts struct {
	TS string
	V1 string
}

func ParseSignatureHeader(header string) (SignatureParts, error) {
	var parts SignatureParts
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			parts.TS = strings.TrimSpace(value)
		case "v1":
			parts.V1 = strings.TrimSpace(value)
		}
	}
	if parts.TS == "" || parts.V1 == "" {
		return parts, errors.New("signature header missing ts or v1")
	}
	return parts, nil
}

// VerifyWebhookSignature checks the HMAC-SHA256 digest over
// "{request-id}{ts}" keyed by the shared secret against the base64-encoded
// v1 value.
func VerifyWebhookSignature(requestID, signatureHeader, secret string) bool {
	if strings.TrimSpace(requestID) == "" || strings.TrimSpace(secret) == "" {
		return false
	}
	parts, err := ParseSignatureHeader(signatureHeader)
	if err != nil {
		return false
	}

	expectedSig, err := base64.StdEncoding.DecodeString(parts.V1)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(requestID + parts.TS))
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
