package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/translog"
	"github.com/influxdata/translog/pkg/file"
	"github.com/influxdata/translog/storage/chunk"
	"github.com/influxdata/translog/storage/fileheader"
	"github.com/spf13/cobra"
)

type dumpCommand struct {
	*globalOptions

	entries bool
}

func newDumpCommand(o *globalOptions) *cobra.Command {
	c := &dumpCommand{globalOptions: o}
	cmd := &cobra.Command{
		Use:   "dump <file>...",
		Short: "Dump the records of part files",
		Long: `
Prints the header tags and every record of the given part files for debugging
purposes. Reading stops at the first invalid record, which is reported with
its offset. Files are never modified.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				if err := c.process(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&c.entries, "entries", false, "print every entry of every record")
	return cmd
}

func (c *dumpCommand) process(path string) error {
	if ok, err := file.Exists(path); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%s: no such file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	fmt.Fprintf(c.stdout, "File: %s\n", path)
	h, pos, err := fileheader.ReadHeader(r)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(c.stdout, "Header: version %d, %d bytes\n", h.Version, pos)
	keys := make([]string, 0, len(h.Tags))
	for k := range h.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.stdout, "  %s: %v\n", k, h.Tags[k])
	}

	var records, entries int
	for {
		p, n, err := chunk.ReadRecord(r)
		if err == io.EOF {
			break
		} else if err != nil {
			fmt.Fprintf(c.stdout, "Invalid record at offset %d: %v\n", pos, err)
			break
		}

		records++
		entries += p.Count()
		rng := p.Range()
		fmt.Fprintf(c.stdout, "[record] offset=%d sz=%d serials=%d..%d entries=%d\n", pos, n, rng.From, rng.To, p.Count())
		if c.entries {
			if err := p.ForEach(func(e translog.Entry) error {
				_, err := fmt.Fprintf(c.stdout, "  %d\t%d\t%s\n", e.Serial, e.Type, strconv.Quote(string(e.Data)))
				return err
			}); err != nil {
				return err
			}
		}
		pos += n
	}

	fmt.Fprintf(c.stdout, "Records: %s, entries: %s, size: %s\n",
		humanize.Comma(int64(records)), humanize.Comma(int64(entries)), humanize.IBytes(uint64(pos)))
	return nil
}
