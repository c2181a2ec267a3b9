package event

import (
	"regexp"

	"github.com/eventflow/eventflow/internal/model"
	"github.com/eventflow/eventflow/pkg/errors"
)

// branch is one known product.
type branch struct {
	key   string
	tag   model.ProductTag
	input bool
}

// catalog lists the known branches in the order they became known.
// The header is always the first entry.
type catalog struct {
	order []*branch
	byKey map[string]*branch
}

func newCatalog() *catalog {
	c := &catalog{}
	c.reset()
	return c
}

func (c *catalog) reset() {
	c.order = nil
	c.byKey = make(map[string]*branch)
	c.add(model.EventHeaderKey, model.EventHeaderType, false)
}

func (c *catalog) add(key, typ string, input bool) *branch {
	if b, ok := c.byKey[key]; ok {
		b.input = b.input || input
		return b
	}
	name, pass := model.SplitBranchKey(key)
	b := &branch{key: key, tag: model.ProductTag{Name: name, Pass: pass, Type: typ}, input: input}
	c.order = append(c.order, b)
	c.byKey[key] = b
	return b
}

func (c *catalog) get(key string) *branch {
	return c.byKey[key]
}

func (c *catalog) tags() []model.ProductTag {
	tags := make([]model.ProductTag, len(c.order))
	for i, b := range c.order {
		tags[i] = b.tag
	}
	return tags
}

// search returns the tags whose name, pass and type all match.
func (c *catalog) search(name, pass, typ *regexp.Regexp) []model.ProductTag {
	var out []model.ProductTag
	for _, b := range c.order {
		if name.MatchString(b.tag.Name) && pass.MatchString(b.tag.Pass) && typ.MatchString(b.tag.Type) {
			out = append(out, b.tag)
		}
	}
	return out
}

// compileSearch builds a case-insensitive catalog pattern. An empty pattern
// matches everything.
func compileSearch(pattern string) (*regexp.Regexp, error) {
	expr := pattern
	if expr == "" {
		expr = ".*"
	}
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		return nil, errors.InvalidRegex(pattern, err)
	}
	return re, nil
}
