package schema

import (
	"fmt"
	"regexp"
	"strings"

	"cloud.google.com/go/bigquery"
)

var leadingDigit = regexp.MustCompile(`^\d`)

// ColumnName maps a stream property name onto BigQuery's legal identifier
// set: hyphens and dots become underscores, a leading digit gets an
// underscore prefix.
func ColumnName(name string) string {
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return leadingDigit.ReplaceAllString(name, "_${0}")
}

// Build translates a stream schema into a table schema. The required set for
// top-level fields is the schema's own required list plus the stream's key
// properties.
func Build(node *Node, keyProperties []string) (bigquery.Schema, error) {
	required := make(map[string]bool, len(node.Required)+len(keyProperties))
	for _, name := range node.Required {
		required[name] = true
	}
	for _, name := range keyProperties {
		required[name] = true
	}

	var out bigquery.Schema
	for _, prop := range node.Properties {
		if prop.Schema.empty() {
			continue
		}
		field, err := Field(prop.Schema, ColumnName(prop.Name), required[prop.Name])
		if err != nil {
			return nil, err
		}
		out = append(out, field)
	}
	return out, nil
}

// Field translates one schema node into a column definition. Arrays are
// always REPEATED and never nullable; required applies to scalar and record
// fields only.
func Field(node *Node, name string, required bool) (*bigquery.FieldSchema, error) {
	n, err := node.resolve()
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}

	field := &bigquery.FieldSchema{Name: name, Required: required}

	switch n.Type {
	case "object":
		field.Type = bigquery.RecordFieldType
		field.Schema, err = Build(n, nil)
		if err != nil {
			return nil, err
		}
		return field, nil
	case "array":
		field.Required = false
		field.Repeated = true
		if n.Items == nil {
			return nil, fmt.Errorf("field %s: %w: array without items", name, ErrUnknownType)
		}
		item, err := n.Items.resolve()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		if item.Type == "object" {
			field.Type = bigquery.RecordFieldType
			field.Schema, err = Build(item, nil)
			if err != nil {
				return nil, err
			}
			return field, nil
		}
		field.Type, err = literalType(item)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		return field, nil
	}

	field.Type, err = literalType(n)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	return field, nil
}

// literalType maps a literal kind plus its format hint onto a BigQuery
// storage type. Strings with temporal formats become DATE/TIME/TIMESTAMP;
// numbers default to NUMERIC unless the format asks for FLOAT or BIGNUMERIC.
func literalType(n *Node) (bigquery.FieldType, error) {
	switch n.Type {
	case "boolean":
		return bigquery.BooleanFieldType, nil
	case "integer":
		return bigquery.IntegerFieldType, nil
	case "string":
		switch n.Format {
		case "date-time":
			return bigquery.TimestampFieldType, nil
		case "date":
			return bigquery.DateFieldType, nil
		case "time":
			return bigquery.TimeFieldType, nil
		}
		return bigquery.StringFieldType, nil
	case "number":
		switch n.Format {
		case "float":
			return bigquery.FloatFieldType, nil
		case "bignumeric":
			return bigquery.BigNumericFieldType, nil
		}
		return bigquery.NumericFieldType, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownType, n.Type)
}
