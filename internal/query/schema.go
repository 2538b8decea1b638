package query

import (
	"fmt"
	"slices"
	"strings"
)

// Describe renders the schema description given to the model. It lists only
// what the lowest-privilege executing scope (public) can be authorized to
// see: tables with a public row rule, and public columns of identity tables.
func Describe(p *Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema version: %s\n", p.Version)
	fmt.Fprintf(&b, "Results are capped at %d rows per request.\n\n", p.maxRows())

	names := make([]string, 0, len(p.Tables))
	for name := range p.Tables {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		t := p.Tables[name]
		if !t.Identity && t.Visibility == nil && t.Self == nil {
			continue
		}
		fmt.Fprintf(&b, "Table %s: %s\n", name, t.Description)
		fmt.Fprintf(&b, "  columns: %s\n", strings.Join(describeColumns(t), ", "))

		rels := make([]string, 0, len(t.Relations))
		for rel := range t.Relations {
			rels = append(rels, rel)
		}
		slices.Sort(rels)
		for _, rel := range rels {
			r := t.Relations[rel]
			target, ok := p.Tables[r.Table]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "  relation %s(...) via %s: %s\n", rel, r.LocalColumn, strings.Join(describeColumns(target), ", "))
		}
		for _, ex := range t.Examples {
			fmt.Fprintf(&b, "  example: %s\n", ex)
		}
		b.WriteString("\n")
	}

	b.WriteString("Filter operators: eq, gt, lt, in, isNull, notNull.\n")
	b.WriteString(`Filter form: {"column": "name" or "relation.name", "op": "eq", "value": ...}` + "\n")
	return b.String()
}

func describeColumns(t TableRule) []string {
	if t.Identity {
		return t.PublicColumns
	}
	return t.Columns
}
