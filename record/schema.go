package record

// Field names one of the Record's fields. FieldUnrecognized stands for any
// name the schema does not know.
type Field int

const (
	FieldUnrecognized Field = iota
	FieldID
	FieldName
	FieldAge
	FieldDepartment
	FieldSalary
	FieldSpend
	FieldExperience
)

// FieldSpec describes one schema entry.
type FieldSpec struct {
	Field Field
	Name  string
	Kind  Kind
	get   func(Record) Value
	set   func(*Record, Value)
}

// Fields is the schema table, in wire order.
var Fields = []FieldSpec{
	{
		Field: FieldID, Name: "id", Kind: KindNumber,
		get: func(r Record) Value { return Integer(r.ID) },
		set: func(r *Record, v Value) { r.ID = truncate(v) },
	},
	{
		Field: FieldName, Name: "name", Kind: KindString,
		get: func(r Record) Value { return String(r.Name) },
		set: func(r *Record, v Value) { r.Name = v.Str },
	},
	{
		Field: FieldAge, Name: "age", Kind: KindNumber,
		get: func(r Record) Value { return Integer(r.Age) },
		set: func(r *Record, v Value) { r.Age = truncate(v) },
	},
	{
		Field: FieldDepartment, Name: "department", Kind: KindString,
		get: func(r Record) Value { return String(r.Department) },
		set: func(r *Record, v Value) { r.Department = v.Str },
	},
	{
		Field: FieldSalary, Name: "salary", Kind: KindNumber,
		get: func(r Record) Value { return Number(r.Salary) },
		set: func(r *Record, v Value) { r.Salary = v.Num },
	},
	{
		Field: FieldSpend, Name: "spend", Kind: KindNumber,
		get: func(r Record) Value { return Number(r.Spend) },
		set: func(r *Record, v Value) { r.Spend = v.Num },
	},
	{
		Field: FieldExperience, Name: "experience", Kind: KindNumber,
		get: func(r Record) Value { return Number(r.Experience) },
		set: func(r *Record, v Value) { r.Experience = v.Num },
	},
}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field, len(Fields))
	for _, spec := range Fields {
		m[spec.Name] = spec.Field
	}
	return m
}()

func lookup(f Field) (FieldSpec, bool) {
	idx := int(f) - 1
	if idx < 0 || idx >= len(Fields) {
		return FieldSpec{}, false
	}
	return Fields[idx], true
}

// ParseField maps a wire field name to its symbol. Names are case-sensitive.
func ParseField(name string) Field {
	if f, ok := fieldsByName[name]; ok {
		return f
	}
	return FieldUnrecognized
}

func (f Field) String() string {
	if spec, ok := lookup(f); ok {
		return spec.Name
	}
	return "unrecognized"
}

// Kind returns the declared type of the field.
func (f Field) Kind() Kind {
	if spec, ok := lookup(f); ok {
		return spec.Kind
	}
	return KindInvalid
}

// Resolve returns the value of field f on rec. The boolean is false when f is
// not part of the schema.
func Resolve(rec Record, f Field) (Value, bool) {
	spec, ok := lookup(f)
	if !ok {
		return Value{}, false
	}
	return spec.get(rec), true
}

// Assign stores v into field f of rec. It reports false, leaving rec
// untouched, when f is not part of the schema or v has the wrong kind.
// Integer fields truncate fractional numbers.
func Assign(rec *Record, f Field, v Value) bool {
	spec, ok := lookup(f)
	if !ok || v.Kind != spec.Kind {
		return false
	}
	spec.set(rec, v)
	return true
}

func truncate(v Value) int64 {
	if n, ok := v.AsInt(); ok {
		return n
	}
	return int64(v.Num)
}
