package schema

import "fmt"

// Project conforms a record value to its schema node. Declared fields pass
// through, fields the schema does not declare are dropped. Literal values are
// returned verbatim; validation happens upstream.
func Project(node *Node, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	n, err := node.resolve()
	if err != nil {
		return nil, err
	}

	switch n.Type {
	case "boolean", "integer", "number", "string":
		return value, nil
	case "object":
		record, ok := value.(map[string]any)
		if !ok {
			return value, nil
		}
		out := make(map[string]any, len(record))
		for _, prop := range n.Properties {
			v, ok := record[prop.Name]
			if !ok {
				continue
			}
			projected, err := Project(prop.Schema, v)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", prop.Name, err)
			}
			out[prop.Name] = projected
		}
		return out, nil
	case "array":
		if n.Items == nil {
			return value, nil
		}
		item, err := n.Items.resolve()
		if err != nil {
			return nil, err
		}
		// Arrays of literals pass through untouched.
		if item.Type != "object" {
			return value, nil
		}
		elements, ok := value.([]any)
		if !ok {
			return value, nil
		}
		out := make([]any, 0, len(elements))
		for _, element := range elements {
			projected, err := Project(n.Items, element)
			if err != nil {
				return nil, err
			}
			out = append(out, projected)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownType, n.Type)
}
