package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/dbwire/internal/module"
)

// UnitInfo is one row of the units listing.
type UnitInfo struct {
	Unit     string `json:"unit"`
	Marker   string `json:"marker"`
	JNDI     string `json:"jndi"`
	Driver   string `json:"driver"`
	Priority int    `json:"priority"`
}

// DataSourceInfo lists the units sharing one data source.
type DataSourceInfo struct {
	JNDI  string   `json:"jndi"`
	Units []string `json:"units"`
}

// UnitsResult is the output of the units command.
type UnitsResult struct {
	Units       []UnitInfo       `json:"units"`
	DataSources []DataSourceInfo `json:"data_sources"`
}

// NewUnitsCommand creates the units command.
func NewUnitsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units [descriptor]",
		Short: "List persistence units in startup order",
		Long: `List the persistence units of a descriptor in the order start activates
them, with their markers and data sources, and which units share a pool.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnits(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runUnits(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	rt, err := opts.resolve()
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

	result := UnitsResult{}
	for _, def := range b.Definitions() {
		info, err := b.Info(def.Marker)
		if err != nil {
			return formatter.fail(ExitFailure, ErrCodeGeneric, err.Error(), nil)
		}
		result.Units = append(result.Units, UnitInfo{
			Unit:     def.UnitName,
			Marker:   def.Marker.String(),
			JNDI:     info.JNDIName,
			Driver:   info.Driver,
			Priority: def.Priority,
		})
	}
	sort.SliceStable(result.Units, func(i, j int) bool {
		return result.Units[i].Priority < result.Units[j].Priority
	})
	for _, jndi := range b.Registry().JNDINames() {
		result.DataSources = append(result.DataSources, DataSourceInfo{
			JNDI:  jndi,
			Units: b.Registry().Units(jndi),
		})
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	tw := tabwriter.NewWriter(formatter.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tUNIT\tMARKER\tJNDI\tDRIVER")
	for _, u := range result.Units {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", u.Priority, u.Unit, u.Marker, u.JNDI, u.Driver)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(formatter.Writer)
	for _, ds := range result.DataSources {
		fmt.Fprintf(formatter.Writer, "%s: %s\n", ds.JNDI, strings.Join(ds.Units, ", "))
	}
	return nil
}
