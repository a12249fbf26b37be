package enqueue

import (
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// RenderTemplate substitutes {{placeholder}} tokens in text with values from
// the recipient's profile. A placeholder with no value renders as an empty
// string: degraded content is preferable to a dropped delivery, so rendering
// never fails.
func RenderTemplate(text string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		return values[name]
	})
}

// profileValues builds the substitution map for one bulk recipient.
func profileValues(p Profile) map[string]string {
	customerName := strings.TrimSpace(p.FirstName + " " + p.LastName)
	return map[string]string{
		"customer_name": customerName,
		"first_name":    p.FirstName,
		"last_name":     p.LastName,
		"plan_name":     p.PlanName,
	}
}
