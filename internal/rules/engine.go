package rules

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

type compiledRule interface {
	Apply(input string) (output string, changed bool)
}

// RuleParser parses one line into a compiled rule.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (compiledRule, error)
}

// Engine normalizes caption text: built-in Swedish abbreviation rules, then
// optional rules loaded from a file, then terminal punctuation.
type Engine struct {
	rules     []compiledRule
	loopLimit int
}

// NewEngine compiles the built-in rules and any rules in path using the
// built-in parsers. A missing file is not an error.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	return NewEngineWithParsers(path, loopLimit, defaultRuleParsers())
}

// NewEngineWithParsers allows parser extension without engine changes.
func NewEngineWithParsers(path string, loopLimit int, parsers []RuleParser) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = 30
	}
	if len(parsers) == 0 {
		parsers = defaultRuleParsers()
	}

	rules := builtinRules()
	if strings.TrimSpace(path) == "" {
		return &Engine{rules: rules, loopLimit: loopLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{rules: rules, loopLimit: loopLimit}, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	extra, err := parseRules(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}

	return &Engine{rules: append(rules, extra...), loopLimit: loopLimit}, nil
}

// Apply transforms text deterministically. Blank input is returned as is.
func (e *Engine) Apply(text string) (string, error) {
	result := strings.TrimSpace(text)
	if result == "" {
		return text, nil
	}

	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, rule := range e.rules {
			next, ruleChanged := rule.Apply(result)
			if ruleChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return ensureTerminalPunctuation(result), nil
}

func ensureTerminalPunctuation(text string) string {
	if strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!") || strings.HasSuffix(text, "?") {
		return text
	}
	return text + "."
}
