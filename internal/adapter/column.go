package adapter

import (
	"strings"

	"loom/internal/value"
)

// Column describes one column of a relation.
type Column struct {
	Name     string
	DataType string
}

func NewColumn(name, dataType string) *Column {
	return &Column{Name: name, DataType: dataType}
}

func (c *Column) ObjectKind() string { return "column" }

func (c *Column) Repr() value.ObjectRepr { return value.ReprPlain }

func (c *Column) Render() string { return c.Name }

func (c *Column) GetValue(key *value.Value) (value.Value, bool) {
	name, ok := key.AsStr()
	if !ok {
		return value.Undefined(), false
	}
	switch name {
	case "name", "column":
		return value.FromString(c.Name), true
	case "dtype", "data_type":
		return value.FromString(c.DataType), true
	}
	return value.Undefined(), false
}

func (c *Column) Enumerate() value.Enumerator {
	return value.StrsEnumerator([]string{"name", "dtype", "data_type"})
}

func (c *Column) CallMethod(state value.State, name string, args []value.Value) (value.Value, error) {
	switch name {
	case "is_string":
		return value.FromBool(c.isString()), nil
	case "is_number":
		return value.FromBool(c.isNumber()), nil
	case "quoted":
		return value.FromString(`"` + c.Name + `"`), nil
	}
	return value.Undefined(), value.UnknownMethodError("column", name)
}

func (c *Column) isString() bool {
	t := strings.ToLower(c.DataType)
	return strings.Contains(t, "char") || strings.Contains(t, "text") || strings.Contains(t, "string")
}

func (c *Column) isNumber() bool {
	t := strings.ToLower(c.DataType)
	for _, k := range []string{"int", "numeric", "decimal", "float", "double", "real"} {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}
