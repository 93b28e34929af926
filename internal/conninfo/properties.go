package conninfo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Properties is the flat key/value property set of a persistence unit.
type Properties map[string]string

// Get returns the trimmed value of key.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// First returns the value of the first key present.
func (p Properties) First(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := p.Get(k); ok {
			return v, true
		}
	}
	return "", false
}

// Int parses key as an integer.
func (p Properties) Int(key string) (int, bool, error) {
	v, ok := p.Get(key)
	if !ok || v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("property %s: %w", key, err)
	}
	return n, true, nil
}

// Bool parses key as a boolean.
func (p Properties) Bool(key string) (bool, bool, error) {
	v, ok := p.Get(key)
	if !ok || v == "" {
		return false, false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, true, fmt.Errorf("property %s: %w", key, err)
	}
	return b, true, nil
}

// Duration parses key as a Go duration; a bare integer is read as seconds.
func (p Properties) Duration(key string) (time.Duration, bool, error) {
	v, ok := p.Get(key)
	if !ok || v == "" {
		return 0, false, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, true, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, true, fmt.Errorf("property %s: %w", key, err)
	}
	return d, true, nil
}

// Clone returns a copy of p.
func (p Properties) Clone() Properties {
	cp := make(Properties, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}
