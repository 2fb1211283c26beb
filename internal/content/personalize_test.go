package content

import (
	"testing"

	"github.com/bittucreator/unosend-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNameFallsBackToEmail(t *testing.T) {
	vars := ContactVariables(domain.Contact{Email: "solo@example.com"}, "")
	assert.Equal(t, "Hi solo@example.com", Personalize("Hi {{name}}", vars))
}

func TestPersonalizeTokens(t *testing.T) {
	c := domain.Contact{Email: "ann@example.com", FirstName: "Ann", LastName: "Lee"}
	vars := ContactVariables(c, "https://t.test/unsubscribe/tok")

	tests := []struct {
		in   string
		want string
	}{
		{"{{first_name}}", "Ann"},
		{"{{ FIRST_NAME }}", "Ann"},
		{"{{Last_Name}}", "Lee"},
		{"{{name}} <{{email}}>", "Ann Lee <ann@example.com>"},
		{"{{unsubscribe_url}}", "https://t.test/unsubscribe/tok"},
		{"{{company}} stays", "{{company}} stays"},
		{"no tokens", "no tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Personalize(tt.in, vars))
		})
	}
}

func TestNameWithOnlyFirstName(t *testing.T) {
	vars := ContactVariables(domain.Contact{Email: "a@b.c", FirstName: "Ann"}, "")
	assert.Equal(t, "Ann", Personalize("{{name}}", vars))
}

func TestPersonalizeHTMLEscapesValues(t *testing.T) {
	c := domain.Contact{Email: "x@example.com", FirstName: `<script>`}
	vars := ContactVariables(c, "https://t.test/unsubscribe/a?b=1&c=2")

	out := PersonalizeHTML(`<p>{{first_name}}</p>{{unsubscribe_link}}`, vars)
	assert.Equal(t, `<p>&lt;script&gt;</p><a href="https://t.test/unsubscribe/a?b=1&amp;c=2">Unsubscribe</a>`, out)
}

func TestUnsubscribeTokensStayWithoutURL(t *testing.T) {
	vars := ContactVariables(domain.Contact{Email: "a@b.c"}, "")
	assert.Equal(t, "{{unsubscribe_link}}", PersonalizeHTML("{{unsubscribe_link}}", vars))
}

func TestCallerVariablesMerge(t *testing.T) {
	base := ContactVariables(domain.Contact{Email: "a@b.c", FirstName: "Ann"}, "")
	vars := base.Merge(NewVariables(map[string]string{"Order_ID": "42", "first_name": "Override"}))

	assert.Equal(t, "Order 42 for Override", Personalize("Order {{order_id}} for {{first_name}}", vars))
	assert.Equal(t, "Ann", base["first_name"], "merge must not mutate the receiver")
}
