package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/dbwire/internal/module"
)

// ValidationError describes one unit that failed to install.
type ValidationError struct {
	Unit    string `json:"unit"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Descriptor string            `json:"descriptor"`
	Valid      bool              `json:"valid"`
	Units      []string          `json:"units"`
	Errors     []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [descriptor]",
		Short: "Validate a persistence descriptor without opening anything",
		Long: `Validate a persistence descriptor.

Parses the descriptor, expands ${} placeholders and builds the connection info
of every unit exactly as start would, reporting every invalid unit. No data
source is opened.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := opts.resolve()
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	path := rt.descriptorPath(args)
	file, err := LoadDescriptor(path)
	if err != nil {
		return loadFailure(formatter, err)
	}
	formatter.VerboseLog("Loaded %d unit(s) from %s", len(file.Units), path)

	result := ValidationResult{Descriptor: filepath.Base(path), Units: []string{}}
	b := rt.bootstrap(file)
	for _, def := range module.FromDescriptor(file) {
		if err := b.Install(def); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Unit:    def.UnitName,
				Code:    ErrCodeInvalidUnit,
				Message: err.Error(),
			})
			continue
		}
		formatter.VerboseLog("Unit %s: ok", def.UnitName)
		result.Units = append(result.Units, def.UnitName)
	}
	result.Valid = len(result.Errors) == 0

	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}
	return outputValidateSuccess(formatter, result)
}

func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.JSON() {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s: %d unit(s) valid\n", result.Descriptor, len(result.Units))
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	message := fmt.Sprintf("%d unit(s) invalid", len(result.Errors))

	if formatter.JSON() {
		if err := formatter.Failure(result.Errors[0].Code, message, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "validation failed: "+message)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, e := range result.Errors {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", e.Code, e.Message)
	}
	return NewExitError(ExitFailure, "validation failed: "+message)
}
