package descriptor

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Format identifies a descriptor encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
	FormatJSON Format = "json"
)

// FormatFor maps a file extension onto a Format.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported descriptor extension %q (want .yaml, .yml, .cue or .json)", filepath.Ext(path))
	}
}

// Load reads and validates the descriptor at path.
func Load(path string) (*File, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	f, err := parse(data, format, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse decodes an in-memory descriptor.
func Parse(data []byte, format Format) (*File, error) {
	return parse(data, format, "descriptor."+string(format))
}

func parse(data []byte, format Format, filename string) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatCUE, FormatJSON:
		// JSON is a subset of CUE, so both go through the same schema check.
		if err := decodeCUE(data, filename, &f); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported descriptor format %q", format)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	return &f, nil
}

// decodeCUE compiles data, unifies it with #File and decodes the result.
func decodeCUE(data []byte, filename string, target *File) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile descriptor schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("compile cue: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#File")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema check: %w", err)
	}

	if err := unified.Decode(target); err != nil {
		return fmt.Errorf("decode cue: %w", err)
	}
	return nil
}
