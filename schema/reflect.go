// Reflection-based kind spec generation from annotated Go structs.

package schema

import (
	"fmt"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/strataforge/strata/arraystore"
	"github.com/strataforge/strata/oid"
)

var (
	oidType     = reflect.TypeFor[oid.OID]()
	oidSlice    = reflect.TypeFor[[]oid.OID]()
	arrayRef    = reflect.TypeFor[arraystore.Ref]()
	timeType    = reflect.TypeFor[time.Time]()
	stringSlice = reflect.TypeFor[[]string]()
)

// FromStruct derives a KindSpec from a struct type.
//
// It uses github.com/invopop/jsonschema to extract field descriptions from
// `jsonschema:"description=..."` tags and required fields from the schema,
// then classifies each field by its Go type: oid.OID and []oid.OID fields
// become reference fields, arraystore.Ref fields become array fields,
// everything else becomes a scalar field. Reference targets, acyclicity,
// and array dtype/rank constraints are not expressible in tags; annotate
// them on the returned spec via [KindSpec.Ref] and [KindSpec.Array] before
// registration.
func FromStruct(kind string, v any) (*KindSpec, error) {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("kind %s: type must be a struct, got %s", kind, t.Kind())
	}

	// Generate JSON Schema from the type with inline properties (no $ref).
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	sch := r.ReflectFromType(t)

	required := make(map[string]bool)
	for _, name := range sch.Required {
		required[name] = true
	}

	spec := &KindSpec{Kind: kind, Doc: sch.Description}
	for pair := sch.Properties.Oldest(); pair != nil; pair = pair.Next() {
		name := pair.Key
		prop := pair.Value

		field, ok := goFieldForJSON(t, name)
		if !ok {
			continue
		}
		switch {
		case field.Type == oidType:
			spec.Refs = append(spec.Refs, RefSpec{Name: name, Required: required[name]})
		case field.Type == oidSlice:
			spec.Refs = append(spec.Refs, RefSpec{Name: name, Required: required[name], Many: true})
		case field.Type == arrayRef:
			spec.Arrays = append(spec.Arrays, ArraySpec{Name: name, Required: required[name]})
		default:
			f := FieldSpec{
				Name:        name,
				Type:        goTypeToFieldType(field.Type),
				Required:    required[name],
				Description: prop.Description,
			}
			for _, e := range prop.Enum {
				if s, ok := e.(string); ok {
					f.Enum = append(f.Enum, s)
				}
			}
			spec.Fields = append(spec.Fields, f)
		}
	}
	return spec, nil
}

// MustFromStruct is FromStruct for init-time registration; panics on error.
func MustFromStruct(kind string, v any) *KindSpec {
	spec, err := FromStruct(kind, v)
	if err != nil {
		panic("schema: " + err.Error())
	}
	return spec
}

// goFieldForJSON finds the struct field whose JSON name matches name.
func goFieldForJSON(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := range t.NumField() {
		field := t.Field(i)
		if jsonFieldName(&field) == name {
			return field, true
		}
	}
	return reflect.StructField{}, false
}

// jsonFieldName returns the JSON field name for a struct field.
func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	for i, c := range tag {
		if c == ',' {
			if i == 0 {
				return field.Name
			}
			return tag[:i]
		}
	}
	return tag
}

// goTypeToFieldType maps Go types to scalar field types.
func goTypeToFieldType(t reflect.Type) FieldType {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == timeType {
		return FieldDate
	}
	if t == stringSlice {
		return FieldStruct
	}
	switch t.Kind() {
	case reflect.String:
		return FieldText
	case reflect.Bool:
		return FieldBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FieldInteger
	case reflect.Float32, reflect.Float64:
		return FieldNumber
	default:
		return FieldStruct
	}
}
