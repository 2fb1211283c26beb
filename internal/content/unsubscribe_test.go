package content

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnsubscribeRoundTrip(t *testing.T) {
	u := NewUnsubscriber("test-signing-key-0123456789", "https://t.test/")

	link := u.URL("org-1", "contact-9")
	require.True(t, strings.HasPrefix(link, "https://t.test/unsubscribe/"))

	org, contact, err := u.Verify(strings.TrimPrefix(link, "https://t.test/unsubscribe/"))
	require.NoError(t, err)
	assert.Equal(t, "org-1", org)
	assert.Equal(t, "contact-9", contact)
}

func TestUnsubscribeRejectsForgery(t *testing.T) {
	u := NewUnsubscriber("key-a-0123456789abcdef", "https://t.test")
	other := NewUnsubscriber("key-b-0123456789abcdef", "https://t.test")

	forged := other.Token("org-1", "contact-9")
	_, _, err := u.Verify(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	// swap the payload but keep a valid signature for another contact
	good := u.Token("org-1", "contact-9")
	_, sig, _ := strings.Cut(good, ".")
	tampered := b64.EncodeToString([]byte("org-1:contact-10")) + "." + sig
	_, _, err = u.Verify(tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)

	for _, bad := range []string{"", "nodot", "!!!.!!!", b64.EncodeToString([]byte("x")) + ".AAAA"} {
		_, _, err := u.Verify(bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
	}
}

func TestListUnsubscribeHeaders(t *testing.T) {
	h := ListUnsubscribeHeaders("https://t.test/unsubscribe/x")
	assert.Equal(t, "<https://t.test/unsubscribe/x>", h["List-Unsubscribe"])
	assert.Equal(t, "List-Unsubscribe=One-Click", h["List-Unsubscribe-Post"])
}
