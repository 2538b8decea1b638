package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jkaninda/datagate/internal/domain"
	"github.com/jkaninda/datagate/internal/security"
)

// DeniedError reports why a request could not be authorized.
type DeniedError struct {
	Table  string
	Reason string
}

func (e *DeniedError) Error() string {
	if e.Table == "" {
		return "authorization denied: " + e.Reason
	}
	return fmt.Sprintf("authorization denied for table %q: %s", e.Table, e.Reason)
}

func (e *DeniedError) Unwrap() error { return security.ErrAuthorizationDenied }

func deny(table, format string, args ...any) (AuthorizedDataRequest, error) {
	return AuthorizedDataRequest{}, &DeniedError{Table: table, Reason: fmt.Sprintf(format, args...)}
}

// Authorizer rewrites proposed requests so they stay inside the caller's
// data scope. It holds no mutable state and is safe for concurrent use.
type Authorizer struct {
	policy *Policy
}

// NewAuthorizer returns an authorizer over p, or over DefaultPolicy when p is nil.
func NewAuthorizer(p *Policy) *Authorizer {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Authorizer{policy: p}
}

// Policy returns the policy in force.
func (a *Authorizer) Policy() *Policy { return a.policy }

// Authorize validates req against caps and returns a new request carrying the
// mandatory row filters, column restrictions and row cap. Injected filters are
// appended after the caller's and never duplicated, so authorizing the result
// again yields the same request. Any table, column or relation without an
// explicit rule is denied.
func (a *Authorizer) Authorize(req DataRequest, principal domain.Principal, caps security.CapabilitySet) (AuthorizedDataRequest, error) {
	if !caps.CanExecuteDataRequests {
		return deny(req.Table, "role cannot execute data requests")
	}
	if !principal.Resolved() {
		return AuthorizedDataRequest{}, security.ErrUnauthenticated
	}

	out := req.clone()
	out.Table = strings.ToLower(strings.TrimSpace(out.Table))
	if !validIdentifier(out.Table) {
		return deny(out.Table, "invalid table name")
	}
	rule, ok := a.policy.Table(out.Table)
	if !ok {
		return deny(out.Table, "no policy for table")
	}
	scope := caps.DataScope
	restricted := scope != security.ScopeGlobal

	// Select: unknown fields deny, non-public identity columns are dropped.
	selected := make([]Field, 0, len(out.Select))
	for _, f := range out.Select {
		target, err := a.resolve(rule, f, true)
		if err != nil {
			return deny(out.Table, "%v", err)
		}
		if restricted && target.Identity {
			if f.Column == "*" {
				for _, c := range target.PublicColumns {
					selected = appendField(selected, Field{Relation: f.Relation, Column: c})
				}
				continue
			}
			if !target.publicColumn(f.Column) {
				continue
			}
		}
		selected = appendField(selected, f)
	}
	if restricted && rule.Identity && len(selected) == 0 {
		for _, c := range rule.PublicColumns {
			selected = append(selected, Col(c))
		}
	}
	out.Select = selected

	for _, f := range out.Filters {
		if f == nil {
			return deny(out.Table, "empty filter")
		}
		if err := a.checkReference(rule, f.Target(), restricted); err != nil {
			return deny(out.Table, "filter: %v", err)
		}
		if err := checkOperand(f); err != nil {
			return deny(out.Table, "filter %s: %v", f.Target().Path(), err)
		}
	}
	if out.Order != nil {
		if err := a.checkReference(rule, out.Order.Field, restricted); err != nil {
			return deny(out.Table, "order: %v", err)
		}
	}

	switch scope {
	case security.ScopeGlobal:
		// Unrestricted.
	case security.ScopeOwned:
		switch {
		case rule.Owner != nil:
			out = inject(out, Eq{Field: *rule.Owner, Value: principal.ID})
		case rule.Identity:
			// Column allowlist applied above.
		default:
			if out, ok = applyPublic(out, rule, principal); !ok {
				return deny(out.Table, "no ownership or visibility rule for scope %s", scope)
			}
		}
	default:
		if !rule.Identity {
			if out, ok = applyPublic(out, rule, principal); !ok {
				return deny(out.Table, "no visibility rule for scope %s", scope)
			}
		}
	}

	maxRows := a.policy.maxRows()
	if out.Limit == nil || *out.Limit <= 0 || *out.Limit > maxRows {
		out.Limit = &maxRows
	}

	joins, err := a.joins(rule, out)
	if err != nil {
		return deny(out.Table, "%v", err)
	}
	return AuthorizedDataRequest{req: out, joins: joins, scope: scope}, nil
}

// applyPublic injects the public-visibility and self predicates. It reports
// false when the table defines neither.
func applyPublic(r DataRequest, rule TableRule, principal domain.Principal) (DataRequest, bool) {
	applied := false
	if rule.Visibility != nil {
		values := make([]any, len(rule.Visibility.Values))
		for i, v := range rule.Visibility.Values {
			values[i] = v
		}
		r = inject(r, In{Field: rule.Visibility.Field, Values: values})
		applied = true
	}
	if rule.Self != nil {
		r = inject(r, Eq{Field: *rule.Self, Value: principal.ID})
		applied = true
	}
	return r, applied
}

// inject appends f unless an identical filter is present. A relation filter
// also needs the relation in the select list so the join is enforced.
func inject(r DataRequest, f Filter) DataRequest {
	if field := f.Target(); field.Relation != "" {
		if len(r.Select) == 0 {
			r.Select = []Field{Col("*")}
		}
		r.Select = appendField(r.Select, field)
	}
	if !containsFilter(r.Filters, f) {
		r.Filters = append(r.Filters, f)
	}
	return r
}

func appendField(fs []Field, f Field) []Field {
	if slices.Contains(fs, f) {
		return fs
	}
	return append(fs, f)
}

// resolve returns the rule of the table f lives on, checking that the column
// and relation exist.
func (a *Authorizer) resolve(rule TableRule, f Field, allowStar bool) (TableRule, error) {
	if f.Column == "*" {
		if !allowStar || f.Relation != "" {
			return TableRule{}, fmt.Errorf("wildcard not allowed for %q", f.Path())
		}
		return rule, nil
	}
	if !validIdentifier(f.Column) {
		return TableRule{}, fmt.Errorf("invalid column %q", f.Path())
	}
	if f.Relation == "" {
		if !rule.hasColumn(f.Column) {
			return TableRule{}, fmt.Errorf("unknown column %q", f.Column)
		}
		return rule, nil
	}
	rel, ok := rule.Relations[f.Relation]
	if !ok || !validIdentifier(f.Relation) {
		return TableRule{}, fmt.Errorf("unknown relation %q", f.Relation)
	}
	target, ok := a.policy.Table(rel.Table)
	if !ok {
		return TableRule{}, fmt.Errorf("relation %q targets a table without policy", f.Relation)
	}
	if !target.hasColumn(f.Column) {
		return TableRule{}, fmt.Errorf("unknown column %q", f.Path())
	}
	return target, nil
}

// checkReference validates a filter or order field. Below global scope these
// may only touch public columns of identity tables.
func (a *Authorizer) checkReference(rule TableRule, f Field, restricted bool) error {
	target, err := a.resolve(rule, f, false)
	if err != nil {
		return err
	}
	if restricted && target.Identity && !target.publicColumn(f.Column) {
		return fmt.Errorf("column %q is not public", f.Path())
	}
	return nil
}

var errNonScalar = errors.New("non-scalar value")

func checkOperand(f Filter) error {
	switch v := f.(type) {
	case IsNull, NotNull:
		return nil
	case In:
		if len(v.Values) == 0 {
			return errors.New("empty in list")
		}
		for _, e := range v.Values {
			if !isScalar(e) {
				return errNonScalar
			}
		}
		return nil
	default:
		if !isScalar(filterValue(f)) {
			return errNonScalar
		}
		return nil
	}
}

// joins collects the relations referenced by r in first-use order.
func (a *Authorizer) joins(rule TableRule, r DataRequest) ([]Join, error) {
	var out []Join
	seen := map[string]bool{}
	add := func(f Field) error {
		if f.Relation == "" || seen[f.Relation] {
			return nil
		}
		rel, ok := rule.Relations[f.Relation]
		if !ok {
			return fmt.Errorf("unknown relation %q", f.Relation)
		}
		seen[f.Relation] = true
		out = append(out, Join{Relation: f.Relation, Table: rel.Table, LocalColumn: rel.LocalColumn, RemoteColumn: rel.RemoteColumn})
		return nil
	}
	for _, f := range r.Select {
		if err := add(f); err != nil {
			return nil, err
		}
	}
	for _, f := range r.Filters {
		if err := add(f.Target()); err != nil {
			return nil, err
		}
	}
	if r.Order != nil {
		if err := add(r.Order.Field); err != nil {
			return nil, err
		}
	}
	return out, nil
}
