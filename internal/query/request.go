package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Wire limits for a proposed request.
const (
	MaxSelectEntries = 50
	MaxFilters       = 20
	MaxCaptionLength = 200
	MaxInValues      = 100
)

// ErrInvalidRequest marks a request that is malformed on the wire.
var ErrInvalidRequest = errors.New("invalid data request")

// Order sorts results by one field.
type Order struct {
	Field      Field
	Descending bool
}

// DataRequest is a declarative query proposed by the model. It is untrusted:
// only an AuthorizedDataRequest produced by Authorizer can be executed.
type DataRequest struct {
	Table   string
	Select  []Field
	Filters []Filter
	Limit   *int
	Order   *Order
	Caption string
}

// clone returns a deep copy sharing no slices or pointers with r.
func (r DataRequest) clone() DataRequest {
	out := DataRequest{Table: r.Table, Caption: r.Caption}
	if r.Select != nil {
		out.Select = append([]Field(nil), r.Select...)
	}
	if r.Filters != nil {
		out.Filters = make([]Filter, len(r.Filters))
		for i, f := range r.Filters {
			out.Filters[i] = cloneFilter(f)
		}
	}
	if r.Limit != nil {
		l := *r.Limit
		out.Limit = &l
	}
	if r.Order != nil {
		o := *r.Order
		out.Order = &o
	}
	return out
}

var (
	identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)
	validate     *validator.Validate
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRe.MatchString(fl.Field().String())
	})
}

// validIdentifier reports whether s is a safe SQL identifier.
func validIdentifier(s string) bool {
	return identifierRe.MatchString(s)
}

type wireOrder struct {
	Column    string `json:"column" validate:"required,max=128"`
	Ascending *bool  `json:"ascending,omitempty"`
}

type wireRequest struct {
	Table   string            `json:"table" validate:"required,identifier"`
	Select  []string          `json:"select,omitempty" validate:"max=50,dive,required,max=256"`
	Filters []json.RawMessage `json:"filters,omitempty" validate:"max=20"`
	Limit   *int              `json:"limit,omitempty" validate:"omitempty,min=1"`
	Order   *wireOrder        `json:"order,omitempty"`
	Caption string            `json:"caption,omitempty" validate:"max=200"`
}

type wireFilter struct {
	Column string          `json:"column"`
	Op     string          `json:"op"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON decodes the wire form. Filters may be objects
// {"column","op","value"} or the tuple forms ["col", value] and
// ["col", "op", value].
func (r *DataRequest) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	w.Table = strings.ToLower(strings.TrimSpace(w.Table))
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	out := DataRequest{Table: w.Table, Limit: w.Limit, Caption: strings.TrimSpace(w.Caption)}
	for _, s := range w.Select {
		fields, err := ParseSelect(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		out.Select = append(out.Select, fields...)
	}
	for i, raw := range w.Filters {
		f, err := decodeFilter(raw)
		if err != nil {
			return fmt.Errorf("%w: filter %d: %v", ErrInvalidRequest, i, err)
		}
		out.Filters = append(out.Filters, f)
	}
	if w.Order != nil {
		if err := validate.Struct(w.Order); err != nil {
			return fmt.Errorf("%w: order: %v", ErrInvalidRequest, err)
		}
		o := Order{Field: ParseFieldPath(w.Order.Column)}
		if w.Order.Ascending != nil && !*w.Order.Ascending {
			o.Descending = true
		}
		out.Order = &o
	}
	*r = out
	return nil
}

// MarshalJSON encodes the canonical wire form with object filters.
func (r DataRequest) MarshalJSON() ([]byte, error) {
	w := wireRequest{Table: r.Table, Limit: r.Limit, Caption: r.Caption}
	for _, f := range r.Select {
		w.Select = append(w.Select, f.String())
	}
	for _, f := range r.Filters {
		raw, err := encodeFilter(f)
		if err != nil {
			return nil, err
		}
		w.Filters = append(w.Filters, raw)
	}
	if r.Order != nil {
		asc := !r.Order.Descending
		w.Order = &wireOrder{Column: r.Order.Field.Path(), Ascending: &asc}
	}
	return json.Marshal(w)
}

// ParseRequest decodes one request from its wire form.
func ParseRequest(data []byte) (DataRequest, error) {
	var r DataRequest
	if err := r.UnmarshalJSON(data); err != nil {
		return DataRequest{}, err
	}
	return r, nil
}

func decodeFilter(raw json.RawMessage) (Filter, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty filter")
	}
	switch raw[0] {
	case '{':
		var w wireFilter
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, err
		}
		return buildFilter(w.Column, w.Op, w.Value)
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, err
		}
		var column string
		if len(parts) < 2 || json.Unmarshal(parts[0], &column) != nil {
			return nil, errors.New("tuple filter needs a column name and a value")
		}
		switch len(parts) {
		case 2:
			return buildFilter(column, string(OpEq), parts[1])
		case 3:
			var op string
			if err := json.Unmarshal(parts[1], &op); err != nil {
				return nil, errors.New("tuple filter operator must be a string")
			}
			return buildFilter(column, op, parts[2])
		default:
			return nil, fmt.Errorf("tuple filter has %d elements", len(parts))
		}
	default:
		return nil, errors.New("filter must be an object or a tuple")
	}
}

func buildFilter(column, opName string, rawValue json.RawMessage) (Filter, error) {
	field := ParseFieldPath(column)
	if field.Column == "" {
		return nil, errors.New("filter column is required")
	}
	op, err := ParseOperator(opName)
	if err != nil {
		return nil, err
	}
	if op == OpIsNull || op == OpNotNull {
		return NewFilter(field, op, nil)
	}

	value, err := decodeValue(rawValue)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", field.Path(), err)
	}
	if op == OpIn {
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("filter %s: in requires a list", field.Path())
		}
		if len(list) == 0 || len(list) > MaxInValues {
			return nil, fmt.Errorf("filter %s: in list must have 1-%d values", field.Path(), MaxInValues)
		}
		for _, v := range list {
			if !isScalar(v) {
				return nil, fmt.Errorf("filter %s: in values must be scalars", field.Path())
			}
		}
		return NewFilter(field, op, list)
	}
	if !isScalar(value) {
		return nil, fmt.Errorf("filter %s: value must be a string, number or boolean", field.Path())
	}
	return NewFilter(field, op, value)
}

// decodeValue decodes a JSON operand, turning integral numbers into int64 and
// the rest into float64 so equal values compare equal after a round trip.
func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("value is required")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeValue(v), nil
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case int:
		return int64(t)
	default:
		return v
	}
}

func encodeFilter(f Filter) (json.RawMessage, error) {
	w := wireFilter{Column: f.Target().Path(), Op: string(f.Operator())}
	if f.Operator() != OpIsNull && f.Operator() != OpNotNull {
		raw, err := json.Marshal(filterValue(f))
		if err != nil {
			return nil, fmt.Errorf("encoding filter %s: %w", w.Column, err)
		}
		w.Value = raw
	}
	return json.Marshal(w)
}
