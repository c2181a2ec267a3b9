package droprule

import "github.com/eventflow/eventflow/pkg/errors"

// Set is an ordered list of rules shared by an event and the file that
// feeds it. It is frozen once applied to a parent file's branches.
type Set struct {
	rules  []Rule
	frozen bool
}

// Selection is the outcome of applying a set to a list of branches.
type Selection struct {
	// Copy holds the branches written into the derived file.
	Copy map[string]bool
	// Read holds the branches still readable from the parent.
	Read map[string]bool
}

// Add parses and appends one rule. Unknown verbs are skipped silently.
func (s *Set) Add(text string) error {
	rule, ok, err := Parse(text)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if s.frozen {
		return errors.Newf(errors.CodeFileError, "cannot add rule '%s' after branches were selected", rule)
	}
	s.rules = append(s.rules, rule)
	return nil
}

// Len returns the number of rules.
func (s *Set) Len() int { return len(s.rules) }

// Rules returns the rules in registration order.
func (s *Set) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Freeze prevents further rules from being added.
func (s *Set) Freeze() { s.frozen = true }

// Frozen reports whether the set has been applied.
func (s *Set) Frozen() bool { return s.frozen }

// Apply starts with every branch copied and readable, then lets each rule
// toggle the branches it matches in order.
func (s *Set) Apply(names []string) Selection {
	sel := Selection{
		Copy: make(map[string]bool, len(names)),
		Read: make(map[string]bool, len(names)),
	}
	for _, name := range names {
		sel.Copy[name] = true
		sel.Read[name] = true
	}

	for _, rule := range s.rules {
		for _, name := range names {
			if !rule.Match(name) {
				continue
			}
			switch rule.Action {
			case Keep:
				sel.Copy[name] = true
				sel.Read[name] = true
			case Drop:
				sel.Copy[name] = false
			case Ignore:
				sel.Copy[name] = false
				sel.Read[name] = false
			}
		}
	}
	return sel
}

// Keeps reports whether a single branch survives the rules.
func (s *Set) Keeps(name string) bool {
	return s.Apply([]string{name}).Copy[name]
}
