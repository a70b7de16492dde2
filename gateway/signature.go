package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
)

// ErrSignatureInvalid indicates the callback signature did not verify. The
// callback must be rejected outright: nothing is processed and no payment is
// mutated. Treated as a security event and always logged by callers.
var ErrSignatureInvalid = errors.New("gateway: invalid signature")

// Sign computes the keyed hash over the canonical form of values using
// HMAC-SHA512 and returns it hex encoded. The signature fields themselves
// are excluded from the canonical string.
func Sign(values url.Values, secret []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(canonicalize(values)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature over values and compares it to the
// supplied hash in constant time.
func Verify(values url.Values, suppliedHash string, secret []byte) error {
	if suppliedHash == "" {
		return ErrSignatureInvalid
	}
	supplied, err := hex.DecodeString(suppliedHash)
	if err != nil {
		return ErrSignatureInvalid
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(canonicalize(values)))
	expected := mac.Sum(nil)
	if !hmac.Equal(supplied, expected) {
		return ErrSignatureInvalid
	}
	return nil
}
