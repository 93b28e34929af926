package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/dbwire/internal/module"
	"github.com/roach88/dbwire/internal/persist"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers cannot be parameterized, so only these are interpolated.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Type, ev.Name)
			if ev.Outcome != "" {
				fmt.Fprintf(&buf, " %s", ev.Outcome)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// assertHookOrder checks that the listed startup hooks ran in order.
// Other hooks may run in between.
func assertHookOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range trace {
		if ev.Type != EventHook {
			continue
		}
		if _, seen := positions[ev.Name]; !seen {
			positions[ev.Name] = i + 1
		}
	}

	for _, hook := range a.Hooks {
		if positions[hook] == 0 {
			return &AssertionError{
				Type:     AssertHookOrder,
				Expected: fmt.Sprintf("all hooks present: %v", a.Hooks),
				Actual:   fmt.Sprintf("missing hook: %s", hook),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Hooks); i++ {
		prev, curr := a.Hooks[i-1], a.Hooks[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertHookOrder,
				Expected: fmt.Sprintf("hooks in order: %v", a.Hooks),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTxCount checks how many steps ended with the given outcome.
func assertTxCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == EventStep && ev.Outcome == a.Outcome {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTxCount,
			Expected: fmt.Sprintf("%d %s step(s)", a.Count, a.Outcome),
			Actual:   fmt.Sprintf("%d step(s)", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState queries the unit outside any transaction and checks that
// exactly one row matches Where and carries the Expect values.
func assertFinalState(ctx context.Context, b *module.Bootstrap, a Assertion) error {
	if !validIdentifier.MatchString(a.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(a.Where)
	if err != nil {
		return err
	}

	def, ok := b.Definition(a.Unit)
	if !ok {
		return fmt.Errorf("final_state: unknown unit %q", a.Unit)
	}
	svc, err := b.Service(def.Marker)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	query := fmt.Sprintf("SELECT * FROM %s", a.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	var columns []string
	var rows [][]string
	err = persist.WithUnitOfWork(ctx, svc, func(ctx context.Context) error {
		sess, err := svc.Session(ctx)
		if err != nil {
			return err
		}
		columns, rows, err = sess.QueryText(ctx, query, whereArgs...)
		return err
	})
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", a.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	whereDesc := formatWhereClause(a.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	actual := make(map[string]string, len(columns))
	for i, col := range columns {
		actual[col] = rows[0][i]
	}
	for _, key := range sortedKeys(a.Expect) {
		got, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if want := stateText(a.Expect[key]); want != got {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %s", key, want),
				Actual:   fmt.Sprintf("field %q = %s", key, got),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are sorted
// for determinism and validated since they are interpolated.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, where[key])
	}
	return strings.Join(clauses, " AND "), args, nil
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateText renders an expected YAML value the way QueryText renders columns.
// SQLite stores booleans as 0/1.
func stateText(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if val {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, b *module.Bootstrap) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertHookOrder:
			err = assertHookOrder(result.Trace, a)
		case AssertTxCount:
			err = assertTxCount(result.Trace, a)
		case AssertFinalState:
			if b == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires a bootstrap", i)
			} else {
				err = assertFinalState(ctx, b, a)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
