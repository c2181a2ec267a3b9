// Package droprule implements the keep/drop rules that select which branches
// of a parent file are carried into a derived file.
//
// A rule is a verb followed by a glob pattern:
//
//	keep  Keep_*     copy matching branches
//	drop  *          do not copy matching branches (they stay readable)
//	ignore Sim*      neither read nor copy matching branches
//
// Rules are applied in the order they were added; each one toggles the
// branches it matches, so later rules override earlier ones.
package droprule

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/eventflow/eventflow/pkg/errors"
)

// Action is what a rule does to the branches it matches.
type Action int

const (
	Keep Action = iota
	Drop
	Ignore
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Drop:
		return "drop"
	case Ignore:
		return "ignore"
	default:
		return "unknown"
	}
}

var verbs = map[string]Action{
	"keep":   Keep,
	"drop":   Drop,
	"ignore": Ignore,
}

// Rule is one parsed keep/drop rule.
type Rule struct {
	Action  Action
	Pattern string

	re *regexp.Regexp
}

// Parse parses the text of one rule. Text that does not start with a known
// verb, or names no pattern, yields ok == false and no error.
func Parse(text string) (rule Rule, ok bool, err error) {
	text = strings.TrimSpace(text)
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		end = len(text)
	}
	action, known := verbs[strings.ToLower(text[:end])]
	if !known {
		return Rule{}, false, nil
	}

	pattern := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text[end:])
	if pattern == "" {
		return Rule{}, false, nil
	}
	if !strings.HasSuffix(pattern, "*") {
		pattern += "*"
	}

	re, err := Compile(pattern)
	if err != nil {
		return Rule{}, false, err
	}
	return Rule{Action: action, Pattern: pattern, re: re}, true, nil
}

// Compile turns a glob-style branch pattern into an anchored,
// case-insensitive regular expression. A bare '*' matches any run of
// characters and '?' one character; other regular expression syntax is
// passed through.
func Compile(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?i)^(?:")
	for i, r := range pattern {
		switch {
		case r == '*' && (i == 0 || pattern[i-1] != '.'):
			sb.WriteString(".*")
		case r == '?':
			sb.WriteByte('.')
		default:
			sb.WriteRune(r)
		}
	}
	sb.WriteString(")$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, errors.InvalidRegex(pattern, err)
	}
	return re, nil
}

// Match reports whether the rule applies to a branch name.
func (r Rule) Match(name string) bool {
	return r.re != nil && r.re.MatchString(name)
}

// String formats the rule as it would be written in configuration.
func (r Rule) String() string {
	return r.Action.String() + " " + r.Pattern
}
