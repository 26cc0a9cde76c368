package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/influxdata/translog"
	"github.com/influxdata/translog/logger"
	"github.com/spf13/cobra"
)

type pruneCommand struct {
	*globalOptions

	to uint64
}

func newPruneCommand(o *globalOptions) *cobra.Command {
	c := &pruneCommand{globalOptions: o}
	cmd := &cobra.Command{
		Use:   "prune <domain>",
		Short: "Remove the entries of a domain below a serial",
		Long: `
Erases every entry with a serial below --to. Whole parts are deleted; the
newest part is always kept.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args[0])
		},
	}
	cmd.Flags().Uint64Var(&c.to, "to", 0, "first serial to keep")
	return cmd
}

func (c *pruneCommand) run(ctx context.Context, name string) error {
	if c.to == 0 {
		return errors.New("--to is required")
	}

	s, closeStore, err := c.openStore(logger.FromContext(ctx), nil)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := s.Domain(name)
	if err != nil {
		return err
	}

	before := len(d.GetDomainInfo().Parts)
	pruned, err := d.Erase(translog.SerialNum(c.to))
	if err != nil {
		return err
	}
	if !pruned {
		fmt.Fprintf(c.stdout, "Nothing to prune in %s\n", name)
		return nil
	}
	fmt.Fprintf(c.stdout, "Pruned %s: removed %d part(s), first serial %d\n",
		name, before-len(d.GetDomainInfo().Parts), d.Begin())
	return nil
}
