package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// generateToken returns a 256-bit hex session token.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// referralCharset drops I, O, 1 and 0 to avoid confusion when codes are
// typed by hand.
const referralCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateReferralCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate referral code: %w", err)
	}
	for i := range b {
		b[i] = referralCharset[int(b[i])%len(referralCharset)]
	}
	return string(b), nil
}
