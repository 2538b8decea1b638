package query

import (
	"encoding/json"

	"github.com/jkaninda/datagate/internal/security"
)

// Join is an inner join needed to evaluate a relation field:
// Table AS Relation ON Relation.RemoteColumn = base.LocalColumn.
type Join struct {
	Relation     string
	Table        string
	LocalColumn  string
	RemoteColumn string
}

// AuthorizedDataRequest is a DataRequest that has passed the Authorizer. Its
// fields are unexported so only this package can build one; the zero value
// is not valid and executors must reject it.
type AuthorizedDataRequest struct {
	req   DataRequest
	joins []Join
	scope security.DataScope
}

// Valid reports whether the value was produced by the Authorizer.
func (a AuthorizedDataRequest) Valid() bool { return a.req.Table != "" && a.req.Limit != nil }

func (a AuthorizedDataRequest) Table() string   { return a.req.Table }
func (a AuthorizedDataRequest) Caption() string { return a.req.Caption }

// Select returns a copy of the selected fields. An empty result or a "*"
// field means every column of the base table.
func (a AuthorizedDataRequest) Select() []Field {
	return append([]Field(nil), a.req.Select...)
}

// Filters returns a copy of the filter set, caller-supplied filters first.
func (a AuthorizedDataRequest) Filters() []Filter {
	return a.req.clone().Filters
}

// Limit is always set and never above the policy's row cap.
func (a AuthorizedDataRequest) Limit() int {
	if a.req.Limit == nil {
		return 0
	}
	return *a.req.Limit
}

func (a AuthorizedDataRequest) Order() *Order {
	if a.req.Order == nil {
		return nil
	}
	o := *a.req.Order
	return &o
}

// Joins lists the relations the request needs, in first-use order.
func (a AuthorizedDataRequest) Joins() []Join {
	return append([]Join(nil), a.joins...)
}

func (a AuthorizedDataRequest) Scope() security.DataScope { return a.scope }

// Request returns a deep copy of the authorized request as a plain
// DataRequest, e.g. to hand back to the caller or re-authorize.
func (a AuthorizedDataRequest) Request() DataRequest {
	return a.req.clone()
}

func (a AuthorizedDataRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.req)
}
