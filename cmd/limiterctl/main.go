package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AMDEPYC/cpufreq-limiter/internal/config"
	"github.com/AMDEPYC/cpufreq-limiter/internal/control"
)

type options struct {
	address string
	timeout time.Duration
}

func (o *options) client() *control.Client {
	return control.NewClient(o.address, nil)
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

// newRootCmd builds the limiterctl command tree writing to out.
func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "limiterctl",
		Short: "Inspect and configure the cpufreq limiter daemon",
		Long: `limiterctl reads and writes the attributes of a running limiter daemon.

Frequencies are in kHz. Bounds take either one value for every cpu
or cpu:value pairs, e.g.

  limiterctl set resume_max_freq 1804800
  limiterctl set suspend_max_freq 0:1000000 4:652800`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVar(&opts.address, "address", config.DefaultListenAddress, "Address of the limiter control endpoint")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Request timeout")

	// listCmd lists the attribute names
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List attribute names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			attrs, err := opts.client().Attributes(ctx)
			if err != nil {
				return err
			}
			for _, attr := range attrs {
				fmt.Fprintln(cmd.OutOrStdout(), attr)
			}
			return nil
		},
	}

	// getCmd prints attribute values
	getCmd := &cobra.Command{
		Use:   "get <attribute>...",
		Short: "Print attribute values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			client := opts.client()
			for _, attr := range args {
				value, err := client.Read(ctx, attr)
				if err != nil {
					return err
				}
				if len(args) > 1 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: ", attr)
				}
				fmt.Fprint(cmd.OutOrStdout(), value)
			}
			return nil
		},
	}

	// setCmd writes an attribute
	setCmd := &cobra.Command{
		Use:   "set <attribute> <value>...",
		Short: "Write an attribute",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			input := strings.Join(args[1:], " ")
			if _, err := opts.client().Write(ctx, args[0], input); err != nil {
				return err
			}
			return nil
		},
	}

	switchCmd := func(use, short, value string) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := opts.context(cmd)
				defer cancel()
				_, err := opts.client().Write(ctx, control.EnabledAttr, value)
				return err
			},
		}
	}

	// statusCmd prints the attributes an operator usually wants at a glance
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show limiter state and per-cpu bounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()
			client := opts.client()
			for _, attr := range []string{
				control.VersionAttr,
				control.EnabledAttr,
				control.ResumeMaxFreqAttr,
				control.SuspendMaxFreqAttr,
				control.SuspendMinFreqAttr,
				control.LiveCurFreqAttr,
				control.ScalingGovernorAttr,
			} {
				value, err := client.Read(ctx, attr)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", attr, err)
				}
				if attr == control.VersionAttr {
					fmt.Fprint(cmd.OutOrStdout(), value)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %s", attr+":", value)
			}
			return nil
		},
	}

	rootCmd.AddCommand(
		listCmd,
		getCmd,
		setCmd,
		switchCmd("enable", "Enable the limiter", "1"),
		switchCmd("disable", "Disable the limiter", "0"),
		statusCmd,
	)
	return rootCmd
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
