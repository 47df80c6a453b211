package variables

import (
	"regexp"
	"strings"
)

// templatePattern matches {{#node.variable.path#}} placeholders.
var templatePattern = regexp.MustCompile(`\{\{#([a-zA-Z0-9_\-]{1,64}(?:\.[a-zA-Z0-9_\-]{1,64}){1,10})#\}\}`)

// TemplateSelectors returns the selectors referenced by tpl, in order of
// first appearance.
func TemplateSelectors(tpl string) []Selector {
	var out []Selector
	seen := make(map[string]struct{})
	for _, m := range templatePattern.FindAllStringSubmatch(tpl, -1) {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, Selector(strings.Split(m[1], ".")))
	}
	return out
}

// Render substitutes every placeholder in tpl with the segment text it
// addresses. Unresolved placeholders render empty.
func Render(tpl string, pool *Pool) string {
	return templatePattern.ReplaceAllStringFunc(tpl, func(match string) string {
		inner := match[3 : len(match)-3]
		seg, ok := pool.Get(Selector(strings.Split(inner, ".")))
		if !ok {
			return ""
		}
		return seg.Text()
	})
}

// TemplatePart is one literal or variable fragment of a parsed template.
type TemplatePart struct {
	Text     string
	Selector Selector
}

// ParseTemplate splits tpl into literal and variable parts.
func ParseTemplate(tpl string) []TemplatePart {
	var parts []TemplatePart
	last := 0
	for _, loc := range templatePattern.FindAllStringSubmatchIndex(tpl, -1) {
		if loc[0] > last {
			parts = append(parts, TemplatePart{Text: tpl[last:loc[0]]})
		}
		parts = append(parts, TemplatePart{Selector: Selector(strings.Split(tpl[loc[2]:loc[3]], "."))})
		last = loc[1]
	}
	if last < len(tpl) {
		parts = append(parts, TemplatePart{Text: tpl[last:]})
	}
	return parts
}
