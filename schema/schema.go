// Package schema models tool input shapes as explicit structured
// descriptions. A shape is registered through one of two constructors:
// Simple for flat object shapes, Complex for shapes carrying array-valued
// fields anywhere in their tree. Transports and the dispatcher branch on the
// variant so array semantics survive into list output.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// FieldKind enumerates the field type descriptions.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindArray   FieldKind = "array"
	KindObject  FieldKind = "object"
	KindLiteral FieldKind = "literal"
	KindAny     FieldKind = "any"
)

// Field describes one parameter field.
type Field struct {
	Kind        FieldKind
	Description string

	// Optional excludes the field from the enclosing object's required set.
	Optional bool
	// Default implies Optional at render time.
	Default any

	// String constraints.
	MinLen *int
	MaxLen *int
	Enum   []string
	Format string

	// Number constraints.
	Min     *float64
	Max     *float64
	Integer bool

	// Array element type.
	Elem *Field

	// Nested object shape.
	Object *ObjectShape

	// Literal value.
	Value any
}

// ObjectShape is the object-kind description: named fields and whether
// additional properties are allowed.
type ObjectShape struct {
	Fields     map[string]*Field
	Additional bool
}

// Required returns the sorted names of all non-optional fields.
func (o *ObjectShape) Required() []string {
	var req []string
	for name, f := range o.Fields {
		if f != nil && !f.Optional && f.Default == nil {
			req = append(req, name)
		}
	}
	sort.Strings(req)
	return req
}

// Shape is the tagged schema variant attached to a registered tool.
type Shape struct {
	obj     *ObjectShape
	complex bool
}

// Simple builds the plain variant for shapes without array fields.
func Simple(obj *ObjectShape) Shape {
	return Shape{obj: obj}
}

// Complex builds the array-bearing variant.
func Complex(obj *ObjectShape) Shape {
	return Shape{obj: obj, complex: true}
}

// IsComplex reports whether the shape was registered through the array path.
func (s Shape) IsComplex() bool { return s.complex }

// ObjectShape returns the underlying object description.
func (s Shape) ObjectShape() *ObjectShape { return s.obj }

// Validate checks the structural rules: the top level must be an object
// shape, and array-bearing shapes must use the Complex variant.
func (s Shape) Validate() error {
	if s.obj == nil {
		return errors.New("top-level schema must be an object shape")
	}
	for name, f := range s.obj.Fields {
		if f == nil {
			return fmt.Errorf("field %q has no description", name)
		}
		if err := validateField(name, f); err != nil {
			return err
		}
	}
	if s.HasArrays() && !s.complex {
		return errors.New("array-valued fields require the complex schema path")
	}
	return nil
}

func validateField(name string, f *Field) error {
	switch f.Kind {
	case KindString, KindNumber, KindBoolean, KindLiteral, KindAny:
		return nil
	case KindArray:
		if f.Elem == nil {
			return fmt.Errorf("array field %q has no element type", name)
		}
		return validateField(name+"[]", f.Elem)
	case KindObject:
		if f.Object == nil {
			return fmt.Errorf("object field %q has no shape", name)
		}
		for sub, sf := range f.Object.Fields {
			if sf == nil {
				return fmt.Errorf("field %q.%q has no description", name, sub)
			}
			if err := validateField(name+"."+sub, sf); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("field %q has unknown kind %q", name, f.Kind)
	}
}

// HasArrays reports whether any transitively reachable field is an array.
func (s Shape) HasArrays() bool {
	if s.obj == nil {
		return false
	}
	return objectHasArrays(s.obj)
}

func objectHasArrays(o *ObjectShape) bool {
	for _, f := range o.Fields {
		if fieldHasArrays(f) {
			return true
		}
	}
	return false
}

func fieldHasArrays(f *Field) bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case KindArray:
		return true
	case KindObject:
		if f.Object == nil {
			return false
		}
		return objectHasArrays(f.Object)
	default:
		return false
	}
}

// Object builds an object shape from named fields.
func Object(fields map[string]*Field) *ObjectShape {
	return &ObjectShape{Fields: fields}
}

// OpenObject builds an object shape that allows additional properties.
func OpenObject(fields map[string]*Field) *ObjectShape {
	return &ObjectShape{Fields: fields, Additional: true}
}

// String builds a string field.
func String(desc string) *Field {
	return &Field{Kind: KindString, Description: desc}
}

// Number builds a number field.
func Number(desc string) *Field {
	return &Field{Kind: KindNumber, Description: desc}
}

// Integer builds an integer-constrained number field.
func Integer(desc string) *Field {
	return &Field{Kind: KindNumber, Description: desc, Integer: true}
}

// Boolean builds a boolean field.
func Boolean(desc string) *Field {
	return &Field{Kind: KindBoolean, Description: desc}
}

// ArrayOf builds an array field with the given element type.
func ArrayOf(desc string, elem *Field) *Field {
	return &Field{Kind: KindArray, Description: desc, Elem: elem}
}

// ObjectField builds a nested object field.
func ObjectField(desc string, obj *ObjectShape) *Field {
	return &Field{Kind: KindObject, Description: desc, Object: obj}
}

// Literal builds a field accepting exactly one value.
func Literal(v any) *Field {
	return &Field{Kind: KindLiteral, Value: v}
}

// Any builds an unconstrained field.
func Any(desc string) *Field {
	return &Field{Kind: KindAny, Description: desc}
}

// Optional marks a field optional and returns it.
func Optional(f *Field) *Field {
	f.Optional = true
	return f
}

// WithDefault sets a default value; the field becomes optional.
func WithDefault(f *Field, v any) *Field {
	f.Default = v
	f.Optional = true
	return f
}

// WithEnum constrains a string field to the given values.
func WithEnum(f *Field, values ...string) *Field {
	f.Enum = values
	return f
}

// WithFormat sets a string format hint.
func WithFormat(f *Field, format string) *Field {
	f.Format = format
	return f
}

// WithRange sets numeric bounds.
func WithRange(f *Field, min, max float64) *Field {
	f.Min = &min
	f.Max = &max
	return f
}

// WithLen sets string length bounds.
func WithLen(f *Field, min, max int) *Field {
	f.MinLen = &min
	f.MaxLen = &max
	return f
}
