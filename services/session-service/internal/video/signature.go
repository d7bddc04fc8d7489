package video

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook signature headers sent by the conferencing provider. The signature
// is "v0=" + hex(HMAC-SHA256(secret, "v0:<timestamp>:<body>")).
const (
	SignatureHeader = "X-Meeting-Signature"
	TimestampHeader = "X-Meeting-Request-Timestamp"

	signatureVersion = "v0"
	// SignatureTolerance bounds how stale a delivery may be before it is
	// treated as a possible replay.
	SignatureTolerance = 5 * time.Minute
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// VerifySignature checks the HMAC on a webhook delivery. timestamp is the raw
// header value, unix seconds.
func VerifySignature(secret, signature, timestamp string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrStaleTimestamp, timestamp)
	}
	sent := time.Unix(ts, 0)
	if drift := now.Sub(sent); drift > SignatureTolerance || drift < -SignatureTolerance {
		return ErrStaleTimestamp
	}

	expected := ComputeSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature))) {
		return ErrBadSignature
	}
	return nil
}

// ComputeSignature builds the signature value for a timestamp and body.
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:", signatureVersion, strings.TrimSpace(timestamp))
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}
