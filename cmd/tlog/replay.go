package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/influxdata/translog"
	"github.com/influxdata/translog/logger"
	"github.com/spf13/cobra"
)

type replayCommand struct {
	*globalOptions

	from uint64
	to   uint64
}

func newReplayCommand(o *globalOptions) *cobra.Command {
	c := &replayCommand{globalOptions: o}
	cmd := &cobra.Command{
		Use:   "replay <domain>",
		Short: "Print the entries of a domain",
		Long: `
Replays the entries with from < serial <= to through a visit session and
prints one "serial<TAB>type<TAB>payload" line per entry. Without --to the
replay stops at the last serial stored when the command started.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args[0])
		},
	}
	cmd.Flags().Uint64Var(&c.from, "from", 0, "replay entries after this serial")
	cmd.Flags().Uint64Var(&c.to, "to", 0, "replay entries up to and including this serial")
	return cmd
}

func (c *replayCommand) run(ctx context.Context, name string) error {
	s, closeStore, err := c.openStore(logger.FromContext(ctx), nil)
	if err != nil {
		return err
	}
	defer closeStore()

	d, err := s.Domain(name)
	if err != nil {
		return err
	}

	to := translog.SerialNum(c.to)
	if to == 0 {
		to = d.End()
	}

	w := bufio.NewWriter(c.stdout)
	dest := newPrinter(w)
	id, err := d.Visit(translog.SerialNum(c.from), to, dest)
	if err != nil {
		return err
	}
	defer d.CloseSession(context.Background(), id)

	if status := d.StartSession(id); status != translog.StatusOK {
		return fmt.Errorf("start session %d: %s", id, status)
	}
	select {
	case err = <-dest.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// printer is a Destination writing entries as text.
type printer struct {
	mu   sync.Mutex
	w    io.Writer
	err  error
	done chan error
	once sync.Once
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, done: make(chan error, 1)}
}

func (p *printer) Send(_ int, _ string, pkt *translog.Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false
	}
	p.err = pkt.ForEach(func(e translog.Entry) error {
		_, err := fmt.Fprintf(p.w, "%d\t%d\t%s\n", e.Serial, e.Type, strconv.Quote(string(e.Data)))
		return err
	})
	return p.err == nil
}

func (p *printer) Done(int, string) {
	p.finish(nil)
}

func (p *printer) Error(_ int, _ string, err error) {
	p.mu.Lock()
	if p.err != nil {
		err = p.err
	}
	p.mu.Unlock()
	p.finish(err)
}

func (p *printer) Connected() bool { return true }

func (p *printer) finish(err error) {
	p.once.Do(func() { p.done <- err })
}
