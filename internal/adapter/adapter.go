package adapter

import (
	"database/sql"
	"fmt"
	"log/slog"

	"loom/internal/util"
	"loom/internal/value"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Adapter is the `adapter` object templates call into. It owns one
// database handle; execute is a plain database/sql passthrough.
type Adapter struct {
	db      *sql.DB
	dialect string
	schema  string
	catalog string
}

// Open connects using a profile. The driver name selects mysql,
// sqlite3 or postgres.
func Open(profile util.Profile) (*Adapter, error) {
	db, err := sql.Open(profile.Driver, profile.DSN)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		db:      db,
		dialect: profile.Dialect,
		schema:  profile.Schema,
		catalog: profile.Database,
	}, nil
}

// NewAdapter wraps an existing handle, mainly for tests.
func NewAdapter(db *sql.DB, dialect string) *Adapter {
	return &Adapter{db: db, dialect: dialect}
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

func (a *Adapter) Dialect() string { return a.dialect }

func (a *Adapter) quoteChar() string {
	if a.dialect == "mysql" {
		return "`"
	}
	return `"`
}

func (a *Adapter) ObjectKind() string { return "adapter" }

func (a *Adapter) Repr() value.ObjectRepr { return value.ReprPlain }

func (a *Adapter) GetValue(key *value.Value) (value.Value, bool) {
	name, ok := key.AsStr()
	if !ok {
		return value.Undefined(), false
	}
	if name == "dialect" {
		return value.FromString(a.dialect), true
	}
	return value.Undefined(), false
}

func (a *Adapter) Enumerate() value.Enumerator {
	return value.StrsEnumerator([]string{"dialect"})
}

func (a *Adapter) CallMethod(state value.State, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "type":
		return value.FromString(a.dialect), nil
	case "quote":
		if len(args) != 1 {
			return value.Undefined(), value.NewError(value.MissingArgument,
				"quote expects the identifier to quote")
		}
		q := a.quoteChar()
		return value.FromString(q + args[0].String() + q), nil
	case "dispatch":
		return a.dispatch(args)
	case "get_relation":
		return a.getRelation(args)
	case "execute":
		return a.execute(state, args)
	}
	return value.Undefined(), value.UnknownMethodError("adapter", name)
}

func (a *Adapter) dispatch(args []value.Value) (value.Value, error) {
	positional, kwargs := value.SplitKwargs(args)
	if len(positional) == 0 {
		return value.Undefined(), value.NewError(value.MissingArgument,
			"dispatch expects the macro name")
	}
	name, ok := positional[0].AsStr()
	if !ok {
		return value.Undefined(), value.Errorf(value.InvalidArgument,
			"macro name must be a string, got %s", positional[0].Kind())
	}
	namespace := ""
	if len(positional) > 1 {
		namespace, _ = positional[1].AsStr()
	}
	if kwargs != nil {
		if v, found := kwargs.M.GetString("macro_namespace"); found {
			namespace, _ = v.AsStr()
		}
	}
	return value.FromObject(&Dispatch{
		name:      name,
		namespace: namespace,
		dialect:   a.dialect,
	}), nil
}

func (a *Adapter) getRelation(args []value.Value) (value.Value, error) {
	positional, kwargs := value.SplitKwargs(args)
	part := func(i int, key, fallback string) string {
		if i < len(positional) {
			s, _ := positional[i].AsStr()
			return s
		}
		if kwargs != nil {
			if v, found := kwargs.M.GetString(key); found {
				s, _ := v.AsStr()
				return s
			}
		}
		return fallback
	}
	database := part(0, "database", a.catalog)
	schema := part(1, "schema", a.schema)
	identifier := part(2, "identifier", "")
	rel := NewRelation(database, schema, identifier)
	if a.dialect == "mysql" {
		rel = rel.WithQuoteChar("`")
	}
	return value.FromObject(rel), nil
}

// execute runs a statement. With fetch=true the rows come back as a
// seq of maps keyed by column name; otherwise only the affected-row
// count is reported.
func (a *Adapter) execute(_ value.State, args []value.Value) (value.Value, error) {
	positional, kwargs := value.SplitKwargs(args)
	if len(positional) == 0 {
		return value.Undefined(), value.NewError(value.MissingArgument,
			"execute expects the statement to run")
	}
	stmt, _ := positional[0].AsStr()
	fetch := false
	if kwargs != nil {
		if v, found := kwargs.M.GetString("fetch"); found {
			fetch = v.IsTrue()
		}
	}
	slog.Debug("adapter execute", slog.String("dialect", a.dialect), slog.String("sql", stmt))

	if a.db == nil {
		return value.Undefined(), value.NewError(value.InvalidOperation,
			"adapter has no database connection")
	}
	if !fetch {
		res, err := a.db.Exec(stmt)
		if err != nil {
			return value.Undefined(), value.Wrap(value.InvalidOperation, err)
		}
		affected, _ := res.RowsAffected()
		out := value.NewMap()
		out.SetString("rows_affected", value.FromI64(affected))
		return value.FromMap(out), nil
	}

	rows, err := a.db.Query(stmt)
	if err != nil {
		return value.Undefined(), value.Wrap(value.InvalidOperation, err)
	}
	defer rows.Close()
	return rowsToValue(rows)
}

func rowsToValue(rows *sql.Rows) (value.Value, error) {
	columns, err := rows.Columns()
	if err != nil {
		return value.Undefined(), value.Wrap(value.InvalidOperation, err)
	}
	var out []value.Value
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return value.Undefined(), value.Wrap(value.InvalidOperation, err)
		}
		row := value.NewMap()
		for i, col := range columns {
			row.SetString(col, cellToValue(values[i]))
		}
		out = append(out, value.FromMap(row))
	}
	if err := rows.Err(); err != nil {
		return value.Undefined(), value.Wrap(value.InvalidOperation, err)
	}
	return value.FromSlice(out), nil
}

func cellToValue(cell any) value.Value {
	switch t := cell.(type) {
	case nil:
		return value.None()
	case bool:
		return value.FromBool(t)
	case int64:
		return value.FromI64(t)
	case float64:
		return value.FromF64(t)
	case []byte:
		return value.FromString(string(t))
	case string:
		return value.FromString(t)
	}
	v, err := value.FromGoValue(cell)
	if err != nil {
		return value.FromString(fmt.Sprint(cell))
	}
	return v
}
