package schema

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrUnknownType marks a schema node whose type is missing or outside the
// supported vocabulary.
var ErrUnknownType = errors.New("unknown schema type")

// Node is one field's declared type: a literal kind with an optional format
// hint, a union of alternatives, an object with ordered properties, or an
// array with an item type. Exactly one of those shapes applies; unions carry
// their alternatives in AnyOf and leave Type empty.
type Node struct {
	Type       string
	Nullable   bool
	Format     string
	AnyOf      []*Node
	Properties []Property
	Required   []string
	Items      *Node
}

// Property is one declared object field. Properties keep the order of the
// schema document so that translated columns come out in declared order.
type Property struct {
	Name   string
	Schema *Node
}

// Parse decodes a JSON schema document into a Node tree.
func Parse(raw []byte) (*Node, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("schema is not valid JSON: %s", raw)
	}
	return parseNode(gjson.ParseBytes(raw))
}

func parseNode(v gjson.Result) (*Node, error) {
	n := &Node{}

	if alts := v.Get("anyOf"); alts.Exists() {
		for _, alt := range alts.Array() {
			child, err := parseNode(alt)
			if err != nil {
				return nil, err
			}
			n.AnyOf = append(n.AnyOf, child)
		}
		return n, nil
	}

	if t := v.Get("type"); t.Exists() {
		if t.IsArray() {
			for _, alt := range t.Array() {
				if alt.String() == "null" {
					n.Nullable = true
					continue
				}
				if n.Type == "" {
					n.Type = alt.String()
				}
			}
		} else {
			n.Type = t.String()
		}
	}
	n.Format = v.Get("format").String()

	if props := v.Get("properties"); props.Exists() {
		var propErr error
		props.ForEach(func(key, value gjson.Result) bool {
			child, err := parseNode(value)
			if err != nil {
				propErr = fmt.Errorf("property %s: %w", key.String(), err)
				return false
			}
			n.Properties = append(n.Properties, Property{Name: key.String(), Schema: child})
			return true
		})
		if propErr != nil {
			return nil, propErr
		}
	}
	for _, r := range v.Get("required").Array() {
		n.Required = append(n.Required, r.String())
	}

	if items := v.Get("items"); items.Exists() {
		child, err := parseNode(items)
		if err != nil {
			return nil, err
		}
		n.Items = child
	}
	return n, nil
}

// empty reports whether the node declares nothing at all, e.g. a property
// written as {}. Such properties produce no column.
func (n *Node) empty() bool {
	return n.Type == "" && len(n.AnyOf) == 0 && len(n.Properties) == 0 && n.Items == nil
}

// resolve follows unions down to the first alternative that is not the null
// marker. Alternatives beyond the first non-null one are dropped, so a union
// of two real types keeps only the first; polymorphic data in the others is
// lost.
func (n *Node) resolve() (*Node, error) {
	if len(n.AnyOf) > 0 {
		for _, alt := range n.AnyOf {
			r, err := alt.resolve()
			if err != nil || r.Type == "null" {
				continue
			}
			return r, nil
		}
		return nil, fmt.Errorf("%w: union with no usable alternative", ErrUnknownType)
	}
	if n.Type == "" {
		return nil, fmt.Errorf("%w: node declares neither type nor anyOf", ErrUnknownType)
	}
	return n, nil
}
