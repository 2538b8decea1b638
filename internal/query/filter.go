package query

import (
	"fmt"
	"reflect"
	"strings"
)

// Operator names a filter comparison.
type Operator string

const (
	OpEq      Operator = "eq"
	OpGt      Operator = "gt"
	OpLt      Operator = "lt"
	OpIn      Operator = "in"
	OpIsNull  Operator = "isNull"
	OpNotNull Operator = "notNull"
)

// ParseOperator accepts the canonical operator names, case-insensitively.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "=":
		return OpEq, nil
	case "gt", ">":
		return OpGt, nil
	case "lt", "<":
		return OpLt, nil
	case "in":
		return OpIn, nil
	case "isnull", "is_null":
		return OpIsNull, nil
	case "notnull", "not_null":
		return OpNotNull, nil
	default:
		return "", fmt.Errorf("unknown filter operator %q", s)
	}
}

// Field addresses a column on the request's table, or on a related table
// when Relation is set. Column "*" selects every column.
type Field struct {
	Relation string
	Column   string
}

// Col is shorthand for a column on the request's own table.
func Col(name string) Field { return Field{Column: name} }

// RelCol is shorthand for a column reached through a relation.
func RelCol(relation, column string) Field { return Field{Relation: relation, Column: column} }

// Path renders the field in filter/order form: "column" or "relation.column".
func (f Field) Path() string {
	if f.Relation == "" {
		return f.Column
	}
	return f.Relation + "." + f.Column
}

// String renders the field in select form: "column" or "relation(column)".
func (f Field) String() string {
	if f.Relation == "" {
		return f.Column
	}
	return f.Relation + "(" + f.Column + ")"
}

// ParseFieldPath parses "column" or "relation.column".
func ParseFieldPath(s string) Field {
	s = strings.TrimSpace(s)
	if rel, col, ok := strings.Cut(s, "."); ok {
		return Field{Relation: strings.TrimSpace(rel), Column: strings.TrimSpace(col)}
	}
	return Field{Column: s}
}

// ParseSelect expands one select entry: "column", "*", "relation(col1,col2)"
// or "relation.column".
func ParseSelect(s string) ([]Field, error) {
	s = strings.TrimSpace(s)
	if open := strings.IndexByte(s, '('); open >= 0 {
		if !strings.HasSuffix(s, ")") {
			return nil, fmt.Errorf("malformed relation select %q", s)
		}
		rel := strings.TrimSpace(s[:open])
		inner := s[open+1 : len(s)-1]
		var out []Field
		for _, col := range strings.Split(inner, ",") {
			col = strings.TrimSpace(col)
			if col == "" {
				continue
			}
			out = append(out, Field{Relation: rel, Column: col})
		}
		if rel == "" || len(out) == 0 {
			return nil, fmt.Errorf("malformed relation select %q", s)
		}
		return out, nil
	}
	return []Field{ParseFieldPath(s)}, nil
}

// Filter is a closed set of typed predicates. The concrete types are Eq, Gt,
// Lt, In, IsNull and NotNull.
type Filter interface {
	Target() Field
	Operator() Operator
	isFilter()
}

// Eq matches rows where the field equals Value.
type Eq struct {
	Field Field
	Value any
}

// Gt matches rows where the field is greater than Value.
type Gt struct {
	Field Field
	Value any
}

// Lt matches rows where the field is less than Value.
type Lt struct {
	Field Field
	Value any
}

// In matches rows where the field is one of Values.
type In struct {
	Field  Field
	Values []any
}

// IsNull matches rows where the field is NULL.
type IsNull struct{ Field Field }

// NotNull matches rows where the field is not NULL.
type NotNull struct{ Field Field }

func (f Eq) Target() Field      { return f.Field }
func (f Gt) Target() Field      { return f.Field }
func (f Lt) Target() Field      { return f.Field }
func (f In) Target() Field      { return f.Field }
func (f IsNull) Target() Field  { return f.Field }
func (f NotNull) Target() Field { return f.Field }

func (Eq) Operator() Operator      { return OpEq }
func (Gt) Operator() Operator      { return OpGt }
func (Lt) Operator() Operator      { return OpLt }
func (In) Operator() Operator      { return OpIn }
func (IsNull) Operator() Operator  { return OpIsNull }
func (NotNull) Operator() Operator { return OpNotNull }

func (Eq) isFilter()      {}
func (Gt) isFilter()      {}
func (Lt) isFilter()      {}
func (In) isFilter()      {}
func (IsNull) isFilter()  {}
func (NotNull) isFilter() {}

// NewFilter builds the variant for op. value is ignored for the null checks
// and must be a slice for OpIn.
func NewFilter(field Field, op Operator, value any) (Filter, error) {
	switch op {
	case OpEq:
		return Eq{Field: field, Value: value}, nil
	case OpGt:
		return Gt{Field: field, Value: value}, nil
	case OpLt:
		return Lt{Field: field, Value: value}, nil
	case OpIn:
		values, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("filter %s: in requires a list value", field.Path())
		}
		return In{Field: field, Values: values}, nil
	case OpIsNull:
		return IsNull{Field: field}, nil
	case OpNotNull:
		return NotNull{Field: field}, nil
	default:
		return nil, fmt.Errorf("filter %s: unknown operator %q", field.Path(), op)
	}
}

// filterValue returns the operand carried by f, nil for null checks.
func filterValue(f Filter) any {
	switch v := f.(type) {
	case Eq:
		return v.Value
	case Gt:
		return v.Value
	case Lt:
		return v.Value
	case In:
		return v.Values
	default:
		return nil
	}
}

func sameFilter(a, b Filter) bool {
	return reflect.DeepEqual(a, b)
}

func containsFilter(fs []Filter, f Filter) bool {
	for _, existing := range fs {
		if sameFilter(existing, f) {
			return true
		}
	}
	return false
}

// cloneFilter copies the slice operand of In so callers cannot alias it.
func cloneFilter(f Filter) Filter {
	if in, ok := f.(In); ok {
		in.Values = append([]any(nil), in.Values...)
		return in
	}
	return f
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int64, float64, int:
		return true
	default:
		return false
	}
}
