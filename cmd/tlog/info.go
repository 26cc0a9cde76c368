package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/translog/logger"
	"github.com/influxdata/translog/storage/tlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

type infoCommand struct {
	*globalOptions
	metrics bool
}

func newInfoCommand(o *globalOptions) *cobra.Command {
	c := &infoCommand{globalOptions: o}
	cmd := &cobra.Command{
		Use:   "info [domain...]",
		Short: "Describe the parts of one or more domains",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args)
		},
	}
	cmd.Flags().BoolVar(&c.metrics, "metrics", false, "also print the storage metrics in the Prometheus text format")
	return cmd
}

func (c *infoCommand) run(ctx context.Context, names []string) error {
	var (
		m   *tlog.Metrics
		reg *prometheus.Registry
	)
	if c.metrics {
		m = tlog.NewMetrics(nil)
		reg = prometheus.NewRegistry()
		reg.MustRegister(m.PrometheusCollectors()...)
	}

	s, closeStore, err := c.openStore(logger.FromContext(ctx), m)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := c.printDomains(s, names); err != nil {
		return err
	}
	if reg == nil {
		return nil
	}
	return writeMetrics(c.stdout, reg)
}

func (c *infoCommand) printDomains(s *tlog.Store, names []string) error {
	if len(names) == 0 {
		names = s.Domains()
	}
	if len(names) == 0 {
		fmt.Fprintf(c.stdout, "No domains in %s\n", c.dir)
		return nil
	}

	for i, name := range names {
		d, err := s.Domain(name)
		if err != nil {
			return err
		}
		info := d.GetDomainInfo()

		if i > 0 {
			fmt.Fprintln(c.stdout)
		}
		fmt.Fprintf(c.stdout, "Domain %s: serials %d..%d, %s entries, %s\n",
			name, info.Range.From, info.Range.To,
			humanize.Comma(int64(info.Count)), humanize.IBytes(uint64(info.ByteSize)))

		tw := tabwriter.NewWriter(c.stdout, 8, 8, 1, '\t', 0)
		fmt.Fprintln(tw, "File\tFrom\tTo\tEntries\tSize")
		for _, p := range info.Parts {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n",
				filepath.Base(p.FileName), p.Range.From, p.Range.To,
				humanize.Comma(int64(p.Count)), humanize.IBytes(uint64(p.ByteSize)))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
