package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/dbwire/internal/module"
	"github.com/roach88/dbwire/internal/persist"
	"github.com/roach88/dbwire/internal/txn"
)

// errForcedFailure fails the transaction on purpose after the statement ran.
var errForcedFailure = errors.New("forced failure")

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	Unit  string
	SQL   string
	Query bool
	Fail  bool
}

// ExecResult is the output of the exec command.
type ExecResult struct {
	Unit         string     `json:"unit"`
	Transaction  string     `json:"transaction,omitempty"`
	Committed    bool       `json:"committed"`
	RowsAffected int64      `json:"rows_affected,omitempty"`
	Columns      []string   `json:"columns,omitempty"`
	Rows         [][]string `json:"rows,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{}

	cmd := &cobra.Command{
		Use:   "exec [descriptor]",
		Short: "Run one statement in a transaction on a persistence unit",
		Long: `Start every persistence unit, then run a statement on one of them inside a
unit of work and a container-style transaction.

Any error rolls the transaction back. --fail forces a rollback after the
statement succeeded. --query prints the result rows.

Examples:
  dbwire exec shop.yaml --unit orders --sql "INSERT INTO orders(total) VALUES (42)"
  dbwire exec shop.yaml --unit orders --query --sql "SELECT total FROM orders"`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Unit, "unit", "u", "", "unit name or marker (required)")
	cmd.Flags().StringVar(&opts.SQL, "sql", "", "statement to run (required)")
	cmd.Flags().BoolVar(&opts.Query, "query", false, "print the rows the statement returns")
	cmd.Flags().BoolVar(&opts.Fail, "fail", false, "roll back after the statement succeeded")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("sql")

	return cmd
}

func runExec(rootOpts *RootOptions, opts *ExecOptions, args []string, cmd *cobra.Command) (err error) {
	formatter := newFormatter(rootOpts, cmd)

	rt, err := rootOpts.resolve()
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	file, err := LoadDescriptor(rt.descriptorPath(args))
	if err != nil {
		return loadFailure(formatter, err)
	}

	b := rt.bootstrap(file)
	if err := b.Install(module.FromDescriptor(file)...); err != nil {
		return formatter.fail(ExitFailure, ErrCodeInvalidUnit, err.Error(), nil)
	}

	def, ok := b.Definition(opts.Unit)
	if !ok {
		return formatter.fail(ExitCommandError, ErrCodeUnknownUnit,
			fmt.Sprintf("unknown unit %q", opts.Unit), nil)
	}

	ctx := cmd.Context()
	defer func() {
		if serr := b.Shutdown(context.Background()); serr != nil && err == nil {
			err = WrapExitError(ExitFailure, "shutdown failed", serr)
		}
	}()
	if err := b.Start(ctx); err != nil {
		return formatter.fail(ExitFailure, ErrCodeStartFailed, err.Error(), nil)
	}

	svc, err := b.Service(def.Marker)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodeStartFailed, err.Error(), nil)
	}

	result := ExecResult{Unit: def.UnitName}
	attr := txn.Attribute{
		Name:       "exec " + def.UnitName,
		RollbackOn: []txn.RollbackRule{txn.RollbackOn[error]()},
	}

	execErr := persist.WithUnitOfWork(ctx, svc, func(ctx context.Context) error {
		_, err := b.Interceptor().Invoke(ctx, attr, func(ctx context.Context) (any, error) {
			if t := txn.FromContext(ctx); t != nil {
				result.Transaction = t.ID()
			}
			sess, err := svc.Session(ctx)
			if err != nil {
				return nil, err
			}
			if opts.Query {
				err = runQuery(ctx, sess, opts.SQL, &result)
			} else {
				err = runStatement(ctx, sess, opts.SQL, &result)
			}
			if err != nil {
				return nil, err
			}
			if opts.Fail {
				return nil, errForcedFailure
			}
			return nil, nil
		})
		return err
	})

	result.Committed = execErr == nil
	if execErr != nil {
		result.Error = execErr.Error()
		if formatter.JSON() {
			if err := formatter.Failure(ErrCodeExecFailed, "rolled back", result); err != nil {
				return err
			}
			return WrapExitError(ExitFailure, "rolled back", execErr)
		}
		fmt.Fprintf(formatter.Writer, "✗ rolled back: %v\n", execErr)
		return WrapExitError(ExitFailure, "rolled back", execErr)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	if opts.Query {
		if err := printRows(formatter, result); err != nil {
			return err
		}
		fmt.Fprintf(formatter.Writer, "✓ committed: %d row(s) returned\n", len(result.Rows))
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ committed: %d row(s) affected\n", result.RowsAffected)
	return nil
}

func runStatement(ctx context.Context, sess *persist.Session, query string, result *ExecResult) error {
	res, err := sess.ExecContext(ctx, query)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	result.RowsAffected = n
	return nil
}

func runQuery(ctx context.Context, sess *persist.Session, query string, result *ExecResult) error {
	cols, rows, err := sess.QueryText(ctx, query)
	if err != nil {
		return err
	}
	result.Columns = cols
	result.Rows = rows
	return nil
}

func printRows(formatter *OutputFormatter, result ExecResult) error {
	tw := tabwriter.NewWriter(formatter.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
