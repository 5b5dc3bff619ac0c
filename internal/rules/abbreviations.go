package rules

import (
	"regexp"
	"strings"
)

// swedishAbbreviations are expanded because Swedish speech synthesis reads
// them letter by letter. Order matters only for overlapping entries.
var swedishAbbreviations = []struct{ short, long string }{
	{"t.ex", "till exempel"},
	{"osv", "och så vidare"},
	{"kr", "kronor"},
	{"st", "stycken"},
	{"ca", "cirka"},
}

// tokenRule replaces a whole token. A token edge is the start or end of the
// text or any rune that is neither a letter nor a digit, so "kr" in
// "kräver" is left alone.
type tokenRule struct {
	re   *regexp.Regexp
	long string
}

func newTokenRule(short, long string) tokenRule {
	pattern := `(^|[^\p{L}\p{N}])` + regexp.QuoteMeta(short) + `([^\p{L}\p{N}]|$)`
	return tokenRule{re: regexp.MustCompile(pattern), long: long}
}

func (r tokenRule) Apply(input string) (string, bool) {
	replacement := "${1}" + strings.ReplaceAll(r.long, "$", "$$") + "${2}"
	output := r.re.ReplaceAllString(input, replacement)
	return output, output != input
}

func builtinRules() []compiledRule {
	rules := make([]compiledRule, 0, len(swedishAbbreviations))
	for _, abbr := range swedishAbbreviations {
		rules = append(rules, newTokenRule(abbr.short, abbr.long))
	}
	return rules
}
