package receipts

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	receiptNumberPrefix   = "RCPT-"
	receiptSuffixLength   = 10
	downloadTokenBytes    = 32
	maxGenerationAttempts = 5
)

// NewReceiptNumber returns RCPT-YYYYMMDD- followed by ten ULID entropy characters.
func NewReceiptNumber(at time.Time, entropy io.Reader) (string, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	id, err := ulid.New(ulid.Timestamp(at), entropy)
	if err != nil {
		return "", fmt.Errorf("receipt number: %w", err)
	}
	// The first ten characters encode the timestamp; the rest is randomness.
	encoded := id.String()
	return receiptNumberPrefix + at.UTC().Format("20060102") + "-" + encoded[10:10+receiptSuffixLength], nil
}

// NewDownloadToken returns 256 random bits, base64url encoded without padding.
func NewDownloadToken(entropy io.Reader) (string, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	buffer := make([]byte, downloadTokenBytes)
	if _, err := io.ReadFull(entropy, buffer); err != nil {
		return "", fmt.Errorf("download token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
