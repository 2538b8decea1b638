package query

import "slices"

// DefaultMaxRows caps every authorized request's limit.
const DefaultMaxRows = 100

// SchemaVersion is bumped whenever the default policy's tables or columns change.
const SchemaVersion = "2024-06-01"

// Relation joins the request's table to another policy table:
// related.RemoteColumn = base.LocalColumn.
type Relation struct {
	Table        string
	LocalColumn  string
	RemoteColumn string
}

// Visibility restricts public rows to those whose field value is in Values.
type Visibility struct {
	Field  Field
	Values []string
}

// TableRule is the policy for one queryable table. A table without a rule
// cannot be queried by anyone.
type TableRule struct {
	Name        string
	Description string
	Columns     []string
	Relations   map[string]Relation

	// Owner is the field compared with the caller's id under owned scope.
	Owner *Field
	// Visibility is the public-row predicate.
	Visibility *Visibility
	// Self restricts public rows to those whose field equals the caller's id.
	Self *Field

	// Identity tables hold personal data. Below global scope only
	// PublicColumns may be selected, filtered or ordered on.
	Identity      bool
	PublicColumns []string

	Examples []string
}

func (t TableRule) hasColumn(c string) bool {
	return slices.Contains(t.Columns, c)
}

func (t TableRule) publicColumn(c string) bool {
	return slices.Contains(t.PublicColumns, c)
}

// Policy is the full table policy consulted by the Authorizer.
type Policy struct {
	Version string
	MaxRows int
	Tables  map[string]TableRule
}

// Table returns the rule for name.
func (p *Policy) Table(name string) (TableRule, bool) {
	t, ok := p.Tables[name]
	return t, ok
}

// maxRows returns the configured cap or the default.
func (p *Policy) maxRows() int {
	if p.MaxRows > 0 {
		return p.MaxRows
	}
	return DefaultMaxRows
}

// WithOverrides returns a copy of p with a different public status set for
// every visibility rule and a different row cap. Zero values keep p's settings.
func (p *Policy) WithOverrides(publicStatuses []string, maxRows int) *Policy {
	out := &Policy{Version: p.Version, MaxRows: p.MaxRows, Tables: make(map[string]TableRule, len(p.Tables))}
	if maxRows > 0 {
		out.MaxRows = maxRows
	}
	for name, t := range p.Tables {
		if t.Visibility != nil && len(publicStatuses) > 0 {
			v := *t.Visibility
			v.Values = slices.Clone(publicStatuses)
			t.Visibility = &v
		}
		out.Tables[name] = t
	}
	return out
}

// PublicStatuses are the hackathon statuses visible to everyone.
var PublicStatuses = []string{"published", "ongoing", "completed"}

var hackathonRelation = Relation{Table: "hackathons", LocalColumn: "hackathon_id", RemoteColumn: "id"}

// DefaultPolicy returns the hackathon platform's table policy.
func DefaultPolicy() *Policy {
	hackathonStatus := RelCol("hackathons", "status")
	hackathonOwner := RelCol("hackathons", "organizer_id")
	ownOrganizer := Col("organizer_id")
	ownStatus := Col("status")
	self := Col("user_id")

	return &Policy{
		Version: SchemaVersion,
		MaxRows: DefaultMaxRows,
		Tables: map[string]TableRule{
			"hackathons": {
				Name:        "hackathons",
				Description: "Hackathon events run by organizers.",
				Columns: []string{"id", "title", "description", "status", "organizer_id", "start_date",
					"end_date", "location", "prize_pool", "max_team_size", "created_at"},
				Owner:      &ownOrganizer,
				Visibility: &Visibility{Field: ownStatus, Values: slices.Clone(PublicStatuses)},
				Examples: []string{
					`{"table":"hackathons","select":["id","title","status","start_date"],"filters":[{"column":"status","op":"eq","value":"ongoing"}],"limit":10,"caption":"Ongoing hackathons"}`,
				},
			},
			"teams": {
				Name:        "teams",
				Description: "Teams formed for a hackathon.",
				Columns:     []string{"id", "name", "hackathon_id", "leader_id", "description", "created_at"},
				Relations: map[string]Relation{
					"hackathons": hackathonRelation,
					"leader":     {Table: "users", LocalColumn: "leader_id", RemoteColumn: "id"},
				},
				Owner:      &hackathonOwner,
				Visibility: &Visibility{Field: hackathonStatus, Values: slices.Clone(PublicStatuses)},
				Examples: []string{
					`{"table":"teams","select":["id","name","hackathons(title)"],"filters":[{"column":"hackathon_id","op":"eq","value":7}],"caption":"Teams in hackathon 7"}`,
				},
			},
			"submissions": {
				Name:        "submissions",
				Description: "Project submissions made by teams.",
				Columns: []string{"id", "team_id", "hackathon_id", "title", "description", "repo_url",
					"demo_url", "score", "submitted_at"},
				Relations: map[string]Relation{
					"hackathons": hackathonRelation,
					"teams":      {Table: "teams", LocalColumn: "team_id", RemoteColumn: "id"},
				},
				Owner:      &hackathonOwner,
				Visibility: &Visibility{Field: hackathonStatus, Values: slices.Clone(PublicStatuses)},
				Examples: []string{
					`{"table":"submissions","select":["title","score","teams(name)"],"order":{"column":"score","ascending":false},"limit":5,"caption":"Top submissions"}`,
				},
			},
			"registrations": {
				Name:        "registrations",
				Description: "Participant registrations for hackathons.",
				Columns:     []string{"id", "hackathon_id", "user_id", "team_id", "status", "created_at"},
				Relations: map[string]Relation{
					"hackathons": hackathonRelation,
					"users":      {Table: "users", LocalColumn: "user_id", RemoteColumn: "id"},
				},
				Owner: &hackathonOwner,
				Self:  &self,
				Examples: []string{
					`{"table":"registrations","select":["status","hackathons(title)"],"caption":"My registrations"}`,
				},
			},
			"users": {
				Name:          "users",
				Description:   "Platform members. Only public profile fields are available.",
				Columns:       []string{"id", "display_name", "avatar_url", "bio", "email", "role", "created_at"},
				Identity:      true,
				PublicColumns: []string{"id", "display_name", "avatar_url", "bio"},
				Examples: []string{
					`{"table":"users","select":["display_name","bio"],"filters":[{"column":"id","op":"eq","value":"u-123"}],"caption":"Profile"}`,
				},
			},
		},
	}
}
