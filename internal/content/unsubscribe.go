package content

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned for malformed, altered, or forged tokens.
var ErrInvalidToken = errors.New("invalid unsubscribe token")

var b64 = base64.RawURLEncoding

// Unsubscriber issues and verifies HMAC-SHA256 signed unsubscribe tokens.
// A token is base64url("<org>:<contact>") + "." + base64url(mac).
type Unsubscriber struct {
	key     []byte
	baseURL string
}

// NewUnsubscriber signs with key and builds URLs under baseURL.
func NewUnsubscriber(key, baseURL string) *Unsubscriber {
	return &Unsubscriber{key: []byte(key), baseURL: strings.TrimRight(baseURL, "/")}
}

// Token returns the signed token for a contact.
func (u *Unsubscriber) Token(orgID, contactID string) string {
	payload := orgID + ":" + contactID
	return b64.EncodeToString([]byte(payload)) + "." + b64.EncodeToString(u.mac(payload))
}

// URL returns the public unsubscribe link for a contact.
func (u *Unsubscriber) URL(orgID, contactID string) string {
	return fmt.Sprintf("%s/unsubscribe/%s", u.baseURL, u.Token(orgID, contactID))
}

// Verify checks token and returns the organization and contact it names.
func (u *Unsubscriber) Verify(token string) (orgID, contactID string, err error) {
	enc, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", "", ErrInvalidToken
	}
	payload, err := b64.DecodeString(enc)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	got, err := b64.DecodeString(sig)
	if err != nil {
		return "", "", ErrInvalidToken
	}
	if !hmac.Equal(got, u.mac(string(payload))) {
		return "", "", ErrInvalidToken
	}
	orgID, contactID, ok = strings.Cut(string(payload), ":")
	if !ok || orgID == "" || contactID == "" {
		return "", "", ErrInvalidToken
	}
	return orgID, contactID, nil
}

func (u *Unsubscriber) mac(payload string) []byte {
	h := hmac.New(sha256.New, u.key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}

// ListUnsubscribeHeaders returns RFC 2369 / RFC 8058 one-click headers.
func ListUnsubscribeHeaders(unsubscribeURL string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      "<" + unsubscribeURL + ">",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}
