package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ComputeSignature returns the hex HMAC-SHA256 of "timestamp.body" under the
// shared secret. The same scheme signs outbound callbacks.
func ComputeSignature(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature in constant time and enforces the
// replay-protection skew window around now. The timestamp is unix seconds.
func VerifySignature(secret, timestamp, signature string, body []byte, maxSkew time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp", ErrStaleTimestamp)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxSkew || age < -maxSkew {
		return ErrStaleTimestamp
	}

	expected := ComputeSignature(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
