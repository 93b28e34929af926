package txn

import (
	"errors"
	"fmt"
	"reflect"
)

// RollbackRule decides whether a failure rolls the transaction back.
type RollbackRule interface {
	Matches(err error) bool
	String() string
}

type rule struct {
	name  string
	match func(error) bool
}

func (r rule) Matches(err error) bool { return err != nil && r.match(err) }
func (r rule) String() string         { return r.name }

// RollbackOn matches failures that errors.As can convert to E, so wrapped
// errors match too. RollbackOn[error]() matches every failure.
func RollbackOn[E error]() RollbackRule {
	name := reflect.TypeFor[E]().String()
	return rule{
		name: name,
		match: func(err error) bool {
			var target E
			return errors.As(err, &target)
		},
	}
}

// RollbackOnError matches failures for which errors.Is(err, target) holds.
func RollbackOnError(target error) RollbackRule {
	return rule{
		name:  fmt.Sprintf("%q", target),
		match: func(err error) bool { return errors.Is(err, target) },
	}
}

// RollbackIf matches failures accepted by fn.
func RollbackIf(name string, fn func(error) bool) RollbackRule {
	return rule{name: name, match: fn}
}

// Attribute declares the transactional behavior of a call.
type Attribute struct {
	// Name identifies the call in logs, spans and metrics.
	Name string

	// RollbackOn is evaluated in order; the first matching rule rolls back.
	RollbackOn []RollbackRule
}

// Match returns the first rule matching err.
func (a Attribute) Match(err error) (RollbackRule, bool) {
	for _, r := range a.RollbackOn {
		if r.Matches(err) {
			return r, true
		}
	}
	return nil, false
}

func (a Attribute) name() string {
	if a.Name == "" {
		return "anonymous"
	}
	return a.Name
}
