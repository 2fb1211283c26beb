package content

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/bittucreator/unosend-sub001/internal/domain"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// rawHTMLTokens are inserted into HTML bodies without escaping because
// their value is markup built here.
var rawHTMLTokens = map[string]bool{"unsubscribe_link": true}

// Variables maps lower-cased token names to their values.
type Variables map[string]string

// NewVariables copies caller-supplied values, lower-casing the keys.
func NewVariables(in map[string]string) Variables {
	v := make(Variables, len(in))
	for k, val := range in {
		v[strings.ToLower(k)] = val
	}
	return v
}

// ContactVariables returns the standard tokens for c. unsubscribeURL may be
// empty, in which case the unsubscribe tokens stay unresolved.
func ContactVariables(c domain.Contact, unsubscribeURL string) Variables {
	v := Variables{
		"email":      c.Email,
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"name":       c.DisplayName(),
	}
	if unsubscribeURL != "" {
		v["unsubscribe_url"] = unsubscribeURL
		v["unsubscribe_link"] = fmt.Sprintf(`<a href="%s">Unsubscribe</a>`, html.EscapeString(unsubscribeURL))
	}
	return v
}

// Merge returns a copy of v overlaid with other's entries.
func (v Variables) Merge(other Variables) Variables {
	out := make(Variables, len(v)+len(other))
	for k, val := range v {
		out[k] = val
	}
	for k, val := range other {
		out[k] = val
	}
	return out
}

// Personalize substitutes {{token}} placeholders in plain text (subjects
// and text bodies). Names match case-insensitively; unknown tokens are left
// as written.
func Personalize(s string, vars Variables) string {
	return substitute(s, vars, false)
}

// PersonalizeHTML is Personalize for HTML bodies: values are escaped except
// for tokens whose value is already markup.
func PersonalizeHTML(s string, vars Variables) string {
	return substitute(s, vars, true)
}

func substitute(s string, vars Variables, escape bool) string {
	if len(vars) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.ToLower(tokenPattern.FindStringSubmatch(match)[1])
		val, ok := vars[name]
		if !ok {
			return match
		}
		if escape && !rawHTMLTokens[name] {
			return html.EscapeString(val)
		}
		return val
	})
}
