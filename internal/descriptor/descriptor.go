// Package descriptor models the persistence descriptor: the list of
// persistence units, their data source names and their properties.
//
// Descriptors are read from YAML, CUE or JSON files. CUE and JSON input is
// checked against the #File schema in schema.cue before decoding.
package descriptor

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

// TransactionType is the transaction-type attribute of a unit.
type TransactionType string

const (
	// TransactionJTA units take part in the ambient transaction.
	TransactionJTA TransactionType = "JTA"
	// TransactionResourceLocal units manage their own transactions.
	TransactionResourceLocal TransactionType = "RESOURCE_LOCAL"
)

// ErrUnitNotFound is returned when a named unit is not in the descriptor.
var ErrUnitNotFound = errors.New("persistence unit not found")

// File is a parsed persistence descriptor.
type File struct {
	Units []Unit `yaml:"persistence-units" json:"persistence-units"`

	// Path is the file the descriptor was loaded from, empty for in-memory input.
	Path string `yaml:"-" json:"-"`
}

// Unit is one persistence unit.
type Unit struct {
	Name string `yaml:"name" json:"name"`

	// Marker overrides the binding marker; defaults to Name.
	Marker string `yaml:"marker,omitempty" json:"marker,omitempty"`

	TransactionType  TransactionType `yaml:"transaction-type,omitempty" json:"transaction-type,omitempty"`
	Provider         string          `yaml:"provider,omitempty" json:"provider,omitempty"`
	JTADataSource    string          `yaml:"jta-data-source,omitempty" json:"jta-data-source,omitempty"`
	NonJTADataSource string          `yaml:"non-jta-data-source,omitempty" json:"non-jta-data-source,omitempty"`

	// StartupOrder sets the activation priority; lower starts first.
	StartupOrder *int `yaml:"startup-order,omitempty" json:"startup-order,omitempty"`

	// SchemaScripts are SQL statements applied in order when the unit starts.
	SchemaScripts []string `yaml:"schema-scripts,omitempty" json:"schema-scripts,omitempty"`

	Classes    []string          `yaml:"classes,omitempty" json:"classes,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// MarkerName returns the explicit marker or the unit name.
func (u Unit) MarkerName() string {
	if u.Marker != "" {
		return u.Marker
	}
	return u.Name
}

// PropertyNames returns the property keys sorted.
func (u Unit) PropertyNames() []string {
	names := make([]string, 0, len(u.Properties))
	for k := range u.Properties {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Unit returns the unit with the given name.
func (f *File) Unit(name string) (Unit, error) {
	for _, u := range f.Units {
		if u.Name == name {
			return u, nil
		}
	}
	return Unit{}, fmt.Errorf("%w: %q", ErrUnitNotFound, name)
}

// Names returns unit names in declaration order.
func (f *File) Names() []string {
	names := make([]string, len(f.Units))
	for i, u := range f.Units {
		names[i] = u.Name
	}
	return names
}

// Validate checks unit names and transaction types.
// All problems are reported, not only the first.
func (f *File) Validate() error {
	var err error
	if len(f.Units) == 0 {
		return errors.New("descriptor declares no persistence units")
	}

	seenNames := make(map[string]int)
	seenMarkers := make(map[string]int)
	for i, u := range f.Units {
		if u.Name == "" {
			err = multierr.Append(err, fmt.Errorf("unit #%d: name is required", i+1))
			continue
		}
		if prev, ok := seenNames[u.Name]; ok {
			err = multierr.Append(err, fmt.Errorf("unit %q: duplicate name (first declared as unit #%d)", u.Name, prev+1))
			continue
		}
		seenNames[u.Name] = i
		if prev, ok := seenMarkers[u.MarkerName()]; ok {
			err = multierr.Append(err, fmt.Errorf("unit %q: marker %q already used by unit #%d", u.Name, u.MarkerName(), prev+1))
		} else {
			seenMarkers[u.MarkerName()] = i
		}
		switch u.TransactionType {
		case "", TransactionJTA, TransactionResourceLocal:
		default:
			err = multierr.Append(err, fmt.Errorf("unit %q: unknown transaction-type %q", u.Name, u.TransactionType))
		}
	}
	return err
}
