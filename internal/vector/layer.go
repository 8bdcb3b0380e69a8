// Package vector reads and writes single-layer GeoPackages of the kind the
// pipeline produces: stream segments as LineStrings and subwatersheds as
// MultiPolygons, each with a flat table of integer, real and text fields.
package vector

import (
	"fmt"

	"github.com/paulmach/orb"
)

// FieldType is the storage class of an attribute column.
type FieldType int

// Attribute storage classes.
const (
	Integer FieldType = iota
	Real
	Text
)

func (t FieldType) sqlType() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Real:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Field describes one attribute column.
type Field struct {
	Name string
	Type FieldType
}

// Feature is one row of a layer. ID is the feature id assigned on write.
type Feature struct {
	ID         int64
	Geometry   orb.Geometry
	Properties map[string]any
}

// Int returns an integer property, or 0 when it is missing.
func (f *Feature) Int(name string) int64 {
	switch v := f.Properties[name].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}

// Float returns a real property, or 0 when it is missing.
func (f *Feature) Float(name string) float64 {
	switch v := f.Properties[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// Layer is a named collection of features sharing a schema, a geometry
// type and a coordinate reference system.
type Layer struct {
	Name         string
	GeometryType string // LINESTRING, MULTIPOLYGON, ...
	EPSG         int
	Fields       []Field
	Features     []Feature
}

// Field returns the field named name.
func (l *Layer) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (l *Layer) validate() error {
	if l.Name == "" {
		return fmt.Errorf("layer has no name")
	}
	if l.GeometryType == "" {
		return fmt.Errorf("layer %s has no geometry type", l.Name)
	}
	seen := make(map[string]bool, len(l.Fields))
	for _, f := range l.Fields {
		if f.Name == "" || f.Name == "fid" || f.Name == "geom" {
			return fmt.Errorf("layer %s: invalid field name %q", l.Name, f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("layer %s: duplicate field %q", l.Name, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}
