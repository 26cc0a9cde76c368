package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/influxdata/translog"
	"github.com/influxdata/translog/logger"
	"github.com/influxdata/translog/storage/tlog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type appendCommand struct {
	*globalOptions

	batch     int
	entryType uint32
	create    bool
}

func newAppendCommand(o *globalOptions) *cobra.Command {
	c := &appendCommand{globalOptions: o}
	cmd := &cobra.Command{
		Use:   "append <domain>",
		Short: "Append entries read from stdin",
		Long: `
Reads one entry per line from stdin and appends them to the domain. Each line
holds a serial number and a payload separated by a tab. Serial numbers must be
strictly increasing and greater than the last serial of the domain.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args[0])
		},
	}
	cmd.Flags().IntVar(&c.batch, "batch", 1000, "number of entries committed together")
	cmd.Flags().Uint32Var(&c.entryType, "type", 0, "type stored with every entry")
	cmd.Flags().BoolVar(&c.create, "create", true, "create the domain if it does not exist")
	return cmd
}

func (c *appendCommand) run(ctx context.Context, name string) error {
	if c.batch <= 0 {
		return errors.New("batch must be positive")
	}
	log := logger.FromContext(ctx)

	s, closeStore, err := c.openStore(log, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := s.Domain(name)
	if translog.ErrorCode(err) == translog.ENotFound && c.create {
		d, err = s.CreateDomain(name)
	}
	if err != nil {
		return err
	}

	start := time.Now()
	var (
		entries int
		bytes   int
		failed  error
	)
	done := func(err error) {
		if err != nil && failed == nil {
			failed = err
		}
	}

	p := translog.NewPacket()
	flush := func() error {
		if p.Empty() {
			return nil
		}
		bytes += p.SizeBytes()
		if err := d.Commit(p, done); err != nil {
			return err
		}
		p = translog.NewPacket()
		return nil
	}

	scanner := bufio.NewScanner(c.stdin)
	scanner.Buffer(make([]byte, 64<<10), tlog.DefaultChunkSizeLimit)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		e, err := parseEntry(text, c.entryType)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := p.Add(e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		entries++
		if p.Count() >= c.batch {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	// The committer runs callbacks in order, so failed is settled once the
	// final commit has completed.
	if err := d.StartCommit(nil).Wait(ctx); err != nil {
		return err
	}
	if failed != nil {
		return failed
	}

	log.Info("Appended entries",
		zap.String("domain", name),
		zap.Int("entries", entries),
		zap.Duration("elapsed", time.Since(start)))
	fmt.Fprintf(c.stdout, "Appended %s entries (%s) to %s, last serial %d\n",
		humanize.Comma(int64(entries)), humanize.IBytes(uint64(bytes)), name, d.End())
	return nil
}

// parseEntry parses a "serial<TAB>payload" line.
func parseEntry(line string, typ uint32) (translog.Entry, error) {
	serial, payload, ok := strings.Cut(line, "\t")
	if !ok {
		return translog.Entry{}, fmt.Errorf("expected serial and payload separated by a tab")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(serial), 10, 64)
	if err != nil {
		return translog.Entry{}, fmt.Errorf("invalid serial %q: %w", serial, err)
	}
	return translog.Entry{Serial: translog.SerialNum(n), Type: typ, Data: []byte(payload)}, nil
}
