package kraken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// Sign computes the API-Sign header for a private endpoint:
// base64(HMAC-SHA512(base64decode(secret), path || SHA256(nonce || postdata))).
// The postdata must already contain the nonce field and must be sent
// byte-for-byte as signed.
func Sign(secret, path, nonce, postdata string) (string, error) {
	if secret == "" {
		return "", ErrMissingCredentials
	}

	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	digest := sha256.Sum256([]byte(nonce + postdata))

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(digest[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
