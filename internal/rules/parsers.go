package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

func parseRules(contents string, parsers []RuleParser) ([]compiledRule, error) {
	var rules []compiledRule
	for number, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := parseLine(line, parsers)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", number+1, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// parseLine hands line to the first parser that accepts it.
func parseLine(line string, parsers []RuleParser) (compiledRule, error) {
	for _, parser := range parsers {
		if parser.CanParse(line) {
			return parser.Parse(line)
		}
	}
	return nil, errors.New("unsupported rule format")
}

func defaultRuleParsers() []RuleParser {
	return []RuleParser{substitutionParser{}, phraseParser{}}
}

// phraseParser reads "from => to", matched case-insensitively anywhere.
type phraseParser struct{}

func (phraseParser) CanParse(line string) bool {
	return strings.Contains(line, "=>")
}

func (phraseParser) Parse(line string) (compiledRule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	if from == "" {
		return nil, errors.New("phrase rule needs text before =>")
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(from))
	return substitution{re: re, replacement: strings.TrimSpace(to), global: true}, nil
}

// substitutionParser reads sed-style "s/pattern/replacement/flags" with any
// punctuation delimiter. Matching is case-insensitive unless flags say
// otherwise; only g, i, m and s are accepted.
type substitutionParser struct{}

func (substitutionParser) CanParse(line string) bool {
	return len(line) > 1 && line[0] == 's' && isDelimiter(line[1])
}

func (substitutionParser) Parse(line string) (compiledRule, error) {
	return parseRegexRule(line)
}

type substitution struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func (r substitution) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}
	match := r.re.FindStringSubmatchIndex(input)
	if match == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, match)
	output := input[:match[0]] + string(expanded) + input[match[1]:]
	return output, output != input
}

func parseRegexRule(line string) (compiledRule, error) {
	if len(line) < 2 || !isDelimiter(line[1]) {
		return nil, errors.New("substitution needs a punctuation delimiter after s")
	}
	fields, rest, err := splitDelimited(line[2:], line[1], 2)
	if err != nil {
		return nil, err
	}

	inline := "i"
	global := false
	for _, flag := range strings.ReplaceAll(strings.TrimSpace(rest), " ", "") {
		switch flag {
		case 'g':
			global = true
		case 'i':
		case 'm', 's':
			inline += string(flag)
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	re, err := regexp.Compile("(?" + inline + ")" + fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}
	return substitution{re: re, replacement: fields[1], global: global}, nil
}

// splitDelimited reads count fields terminated by delim. A backslash keeps
// the next byte, so escaped delimiters stay in the field with their escape.
func splitDelimited(s string, delim byte, count int) ([]string, string, error) {
	fields := make([]string, 0, count)
	start := 0
	for i := 0; i < len(s) && len(fields) < count; i++ {
		switch s[i] {
		case '\\':
			i++
		case delim:
			fields = append(fields, s[start:i])
			start = i + 1
		}
	}
	if len(fields) < count {
		return nil, "", errors.New("unterminated substitution")
	}
	return fields, s[start:], nil
}

func isDelimiter(b byte) bool {
	r := rune(b)
	return r < unicode.MaxASCII && !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
}
