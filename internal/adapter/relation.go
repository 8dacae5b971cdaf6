// Package adapter exposes warehouse-side host objects to templates:
// relations, columns and the adapter itself. Everything here speaks
// the object protocol; templates never see database/sql directly.
package adapter

import (
	"fmt"
	"strings"

	"loom/internal/value"
)

// Relation names a warehouse object as database.schema.identifier.
// Parts may be empty; render skips them.
type Relation struct {
	Database   string
	Schema     string
	Identifier string
	quoteChar  string
}

func NewRelation(database, schema, identifier string) *Relation {
	return &Relation{
		Database:   database,
		Schema:     schema,
		Identifier: identifier,
		quoteChar:  `"`,
	}
}

// WithQuoteChar returns a copy quoting with a different character,
// e.g. backticks for mysql.
func (r *Relation) WithQuoteChar(q string) *Relation {
	c := *r
	c.quoteChar = q
	return &c
}

func (r *Relation) quote(part string) string {
	return r.quoteChar + part + r.quoteChar
}

// RenderSQL produces the quoted dotted name, e.g. `"db"."schema"."id"`.
func (r *Relation) RenderSQL() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{r.Database, r.Schema, r.Identifier} {
		if p != "" {
			parts = append(parts, r.quote(p))
		}
	}
	return strings.Join(parts, ".")
}

func (r *Relation) ObjectKind() string { return "relation" }

func (r *Relation) Repr() value.ObjectRepr { return value.ReprPlain }

func (r *Relation) Render() string { return r.RenderSQL() }

func (r *Relation) GetValue(key *value.Value) (value.Value, bool) {
	name, ok := key.AsStr()
	if !ok {
		return value.Undefined(), false
	}
	switch name {
	case "database":
		return value.FromString(r.Database), true
	case "schema":
		return value.FromString(r.Schema), true
	case "identifier", "name":
		return value.FromString(r.Identifier), true
	}
	return value.Undefined(), false
}

func (r *Relation) Enumerate() value.Enumerator {
	return value.StrsEnumerator([]string{"database", "schema", "identifier", "name"})
}

func (r *Relation) CallMethod(state value.State, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "render":
		return value.FromString(r.RenderSQL()), nil
	case "include":
		return r.trimmed(args, true)
	case "exclude":
		return r.trimmed(args, false)
	case "without_identifier":
		c := *r
		c.Identifier = ""
		return value.FromObject(&c), nil
	}
	return value.Undefined(), value.UnknownMethodError("relation", name)
}

// trimmed applies include/exclude part selection. Parts arrive as
// kwargs (database=false) or positional part names.
func (r *Relation) trimmed(args []value.Value, include bool) (value.Value, error) {
	positional, kwargs := value.SplitKwargs(args)
	selected := map[string]bool{}
	for i := range positional {
		name, ok := positional[i].AsStr()
		if !ok {
			return value.Undefined(), value.Errorf(value.InvalidArgument,
				"relation part must be a string, got %s", positional[i].Kind())
		}
		selected[name] = true
	}
	if kwargs != nil {
		kwargs.M.Each(func(k, v value.Value) {
			if v.IsTrue() {
				selected[k.String()] = true
			}
		})
	}
	keep := func(part string) bool {
		if include {
			return selected[part]
		}
		return !selected[part]
	}
	c := *r
	if !keep("database") {
		c.Database = ""
	}
	if !keep("schema") {
		c.Schema = ""
	}
	if !keep("identifier") {
		c.Identifier = ""
	}
	return value.FromObject(&c), nil
}

func (r *Relation) String() string {
	return fmt.Sprintf("relation(%s)", r.RenderSQL())
}
