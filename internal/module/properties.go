package module

import (
	"github.com/roach88/dbwire/internal/conninfo"
	"github.com/roach88/dbwire/internal/descriptor"
)

// PropertiesReader rewrites a unit's properties before connection info is
// built. Returned entries are merged over the current properties; later
// readers see the merged result.
type PropertiesReader interface {
	ProcessProperties(unit descriptor.Unit, props conninfo.Properties) (map[string]string, error)
}

// PropertiesReaderFunc adapts a function to PropertiesReader.
type PropertiesReaderFunc func(unit descriptor.Unit, props conninfo.Properties) (map[string]string, error)

// ProcessProperties calls f.
func (f PropertiesReaderFunc) ProcessProperties(unit descriptor.Unit, props conninfo.Properties) (map[string]string, error) {
	return f(unit, props)
}

// EnvExpander substitutes ${NAME} and ${NAME:default} placeholders. It is
// always first in the chain.
type EnvExpander struct {
	// Lookup resolves names; nil means the process environment.
	Lookup descriptor.LookupFunc
}

// ProcessProperties implements PropertiesReader.
func (e EnvExpander) ProcessProperties(_ descriptor.Unit, props conninfo.Properties) (map[string]string, error) {
	return descriptor.Expand(props, e.Lookup), nil
}

// FromDescriptor returns one definition per unit, in declaration order.
func FromDescriptor(file *descriptor.File) []Definition {
	if file == nil {
		return nil
	}
	defs := make([]Definition, 0, len(file.Units))
	for _, u := range file.Units {
		def := Definition{
			UnitName: u.Name,
			JNDIName: u.JTADataSource,
		}
		if u.StartupOrder != nil {
			def.Priority = *u.StartupOrder
		}
		defs = append(defs, def)
	}
	return defs
}
