package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HMACSigner signs a request's query string with HMAC-SHA256, the same
// scheme the venue's binance adapter uses for trading endpoints.
type HMACSigner struct {
	Secret string
}

// Sign implements Signer.
func (s HMACSigner) Sign(query string) string {
	mac := hmac.New(sha256.New, []byte(s.Secret))
	_, _ = mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}
