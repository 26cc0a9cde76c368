package tlog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/translog"
	"github.com/influxdata/translog/kit/prom/promtest"
	"github.com/influxdata/translog/pkg/executor"
	"github.com/influxdata/translog/storage/chunk"
	"github.com/influxdata/translog/storage/fileheader"
	"github.com/influxdata/translog/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// collector is a Destination recording everything delivered to it.
type collector struct {
	mu      sync.Mutex
	serials []translog.SerialNum
	packets int
	err     error
	dones   int
	errs    int
	reject  bool

	once sync.Once
	done chan struct{}
}

func newCollector() *collector { return &collector{done: make(chan struct{})} }

func (c *collector) Send(_ int, _ string, p *translog.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reject {
		return false
	}
	c.packets++
	_ = p.ForEach(func(e translog.Entry) error {
		c.serials = append(c.serials, e.Serial)
		return nil
	})
	return true
}

func (c *collector) Done(int, string) {
	c.mu.Lock()
	c.dones++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *collector) Error(_ int, _ string, err error) {
	c.mu.Lock()
	c.err = err
	c.errs++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
}

func (c *collector) Connected() bool { return true }

func (c *collector) Serials() []translog.SerialNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]translog.SerialNum(nil), c.serials...)
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

func serialRange(from, to translog.SerialNum) []translog.SerialNum {
	var s []translog.SerialNum
	for i := from; i <= to; i++ {
		s = append(s, i)
	}
	return s
}

type testDomain struct {
	*Domain
	t     *testing.T
	dir   string
	cfg   Config
	exec  *executor.Pool
	clock *clock.Mock
}

func newTestConfig() Config {
	cfg := NewConfig()
	cfg.ChunkAgeLimit = 0
	return cfg
}

// rotatingConfig stores one entry per record and rotates parts every
// kilobyte.
func rotatingConfig() Config {
	cfg := newTestConfig()
	cfg.Encoding = chunk.NewEncoding(chunk.ChecksumXXH64, chunk.CompressionNone)
	cfg.PartSizeLimit = toml.Size(1 << 10)
	return cfg
}

func newTestDomain(t *testing.T, cfg Config) *testDomain {
	t.Helper()
	exec := executor.NewPool("test", 4, 64)
	td := &testDomain{t: t, dir: t.TempDir(), cfg: cfg, exec: exec, clock: clock.NewMock()}
	td.open()
	t.Cleanup(func() {
		td.Close()
		exec.Close()
	})
	return td
}

func (td *testDomain) open() {
	td.t.Helper()
	d, err := NewDomain("test", td.dir, td.exec, td.cfg, nil,
		WithLogger(zaptest.NewLogger(td.t)),
		WithClock(td.clock),
	)
	require.NoError(td.t, err)
	td.Domain = d
}

func (td *testDomain) reopen() {
	td.t.Helper()
	require.NoError(td.t, td.Domain.Close())
	td.open()
}

func (td *testDomain) appendRange(from, to translog.SerialNum, payload string) {
	td.t.Helper()
	require.NoError(td.t, td.Append(mustPacket(td.t, from, to, payload), nil))
}

// appendEach appends one packet per serial.
func (td *testDomain) appendEach(from, to translog.SerialNum, payload string) {
	td.t.Helper()
	for s := from; s <= to; s++ {
		td.appendRange(s, s, payload)
	}
}

// replay runs a bounded session to completion and returns what it delivered.
func (td *testDomain) replay(from, to translog.SerialNum) []translog.SerialNum {
	td.t.Helper()
	dest := newCollector()
	id, err := td.Visit(from, to, dest)
	require.NoError(td.t, err)
	require.Equal(td.t, translog.StatusOK, td.StartSession(id))
	dest.wait(td.t)
	require.Equal(td.t, translog.StatusOK, td.CloseSession(context.Background(), id))
	require.NoError(td.t, dest.err)
	return dest.Serials()
}

// visitAndClose starts a bounded session and closes it right away. Close
// waits for the session to deliver its whole range.
func (td *testDomain) visitAndClose(from, to translog.SerialNum) []translog.SerialNum {
	td.t.Helper()
	dest := newCollector()
	id, err := td.Visit(from, to, dest)
	require.NoError(td.t, err)
	require.Equal(td.t, translog.StatusOK, td.StartSession(id))
	require.Equal(td.t, translog.StatusOK, td.CloseSession(context.Background(), id))

	dest.mu.Lock()
	defer dest.mu.Unlock()
	require.NoError(td.t, dest.err)
	require.Equal(td.t, 1, dest.dones)
	return append([]translog.SerialNum(nil), dest.serials...)
}

func (td *testDomain) partFiles() []string {
	td.t.Helper()
	entries, err := os.ReadDir(td.Dir())
	require.NoError(td.t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestDomain_New(t *testing.T) {
	d := newTestDomain(t, newTestConfig())

	assert.Equal(t, translog.SerialNum(0), d.Begin())
	assert.Equal(t, translog.SerialNum(0), d.End())
	assert.Equal(t, uint64(0), d.Size())
	assert.Equal(t, []string{"test-0000000000000000"}, d.partFiles())
}

func TestDomain_New_InvalidConfig(t *testing.T) {
	cfg := NewConfig()
	cfg.PartSizeLimit = 0
	exec := executor.NewPool("test", 1, 1)
	defer exec.Close()
	_, err := NewDomain("test", t.TempDir(), exec, cfg, nil)
	assert.Equal(t, translog.EInvalid, translog.ErrorCode(err))
}

func TestDomain_AppendAndVisit(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	for s := translog.SerialNum(1); s <= 1000; s += 10 {
		d.appendRange(s, s+9, "entry")
	}

	assert.Equal(t, translog.SerialNum(1), d.Begin())
	assert.Equal(t, translog.SerialNum(1000), d.End())
	assert.Equal(t, uint64(1000), d.Size())

	assert.Equal(t, serialRange(101, 500), d.replay(100, 500))
	assert.Equal(t, serialRange(1, 1000), d.replay(0, 1000))
	assert.Equal(t, serialRange(995, 1000), d.replay(994, 5000))
	assert.Empty(t, d.replay(1000, 2000))

	assert.Equal(t, serialRange(101, 500), d.visitAndClose(100, 500))
	assert.Equal(t, serialRange(1, 1000), d.visitAndClose(0, 1000))
	assert.Empty(t, d.visitAndClose(1000, 2000))
}

func TestDomain_CloseSession_DeliversRange(t *testing.T) {
	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"single part", newTestConfig()},
		{"rotating", rotatingConfig()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDomain(t, tc.cfg)
			d.appendEach(1, 1000, "entry")
			for i := 0; i < 50; i++ {
				require.Equal(t, serialRange(101, 500), d.visitAndClose(100, 500), "iteration %d", i)
			}
		})
	}
}

func TestDomain_Append_Monotonic(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 100, "x")

	var cbErr error
	err := d.Append(mustPacket(t, 50, 50, "x"), func(err error) { cbErr = err })
	assert.ErrorIs(t, err, translog.ErrSerialOrder)
	assert.ErrorIs(t, cbErr, translog.ErrSerialOrder)
	assert.Equal(t, translog.SerialNum(100), d.End())

	err = d.Append(mustPacket(t, 100, 101, "x"), nil)
	assert.ErrorIs(t, err, translog.ErrSerialOrder)

	d.appendRange(101, 101, "x")
	assert.Equal(t, translog.SerialNum(101), d.End())
}

func TestDomain_Append_Empty(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	called := false
	require.NoError(t, d.Append(translog.NewPacket(), func(err error) {
		called = true
		assert.NoError(t, err)
	}))
	assert.True(t, called)
	assert.Equal(t, translog.SerialNum(0), d.End())
}

func TestDomain_Rotation(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	payload := strings.Repeat("r", 100)
	limit := d.Config().PartSizeLimit.Int64()

	rotations := 0
	for s := translog.SerialNum(1); s <= 100; s++ {
		prev := d.lastPart()
		prevSize := prev.ByteSize()
		d.appendRange(s, s, payload)
		cur := d.lastPart()

		if prevSize > limit {
			rotations++
			require.NotSame(t, prev, cur, "serial %d", s)
			assert.Equal(t, s, cur.Start())
			assert.True(t, prev.IsClosed())
		} else {
			require.Same(t, prev, cur, "serial %d", s)
		}
	}
	require.Greater(t, rotations, 5)

	info := d.GetDomainInfo()
	require.Len(t, info.Parts, rotations+1)
	assert.Len(t, d.partFiles(), rotations+1)
	for i := 1; i < len(info.Parts); i++ {
		assert.Equal(t, info.Parts[i-1].Range.To+1, info.Parts[i].Range.From)
	}
	assert.Equal(t, uint64(100), info.Count)
	assert.Equal(t, translog.SerialNumRange{From: 1, To: 100}, info.Range)
	assert.Equal(t, float64(rotations), testutil.ToFloat64(d.metrics.Rotations.With(d.metrics.Labels("test"))))

	assert.Equal(t, serialRange(1, 100), d.replay(0, 100))
	assert.Equal(t, serialRange(31, 70), d.replay(30, 70))
}

func TestDomain_Reopen(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	payload := strings.Repeat("r", 100)
	d.appendEach(1, 100, payload)
	before := d.GetDomainInfo()

	d.reopen()

	after := d.GetDomainInfo()
	assert.Equal(t, before.Range, after.Range)
	assert.Equal(t, before.Count, after.Count)
	assert.Equal(t, before.ByteSize, after.ByteSize)
	require.Len(t, after.Parts, len(before.Parts))
	for i := range before.Parts {
		assert.Equal(t, before.Parts[i].Range, after.Parts[i].Range)
	}

	assert.Equal(t, serialRange(1, 100), d.replay(0, 100))

	err := d.Append(mustPacket(t, 100, 100, payload), nil)
	assert.ErrorIs(t, err, translog.ErrSerialOrder)
	d.appendRange(101, 101, payload)
	assert.Equal(t, translog.SerialNum(101), d.End())
}

// panicFirstExecutor panics in the first task it runs and delays the rest.
type panicFirstExecutor struct {
	*executor.Pool
	once sync.Once
}

func (e *panicFirstExecutor) Execute(task executor.Task) (*executor.Promise, error) {
	first := false
	e.once.Do(func() { first = true })
	return e.Pool.Execute(func() {
		if first {
			panic("load failed")
		}
		time.Sleep(20 * time.Millisecond)
		task()
	})
}

func openFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("open file descriptors cannot be listed on this platform")
	}
	return len(entries)
}

func TestDomain_Reopen_LoadPanics(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	d.appendEach(1, 100, strings.Repeat("r", 100))
	require.Greater(t, len(d.GetDomainInfo().Parts), 2)
	require.NoError(t, d.Domain.Close())

	pool := executor.NewPool("load", 4, 64)
	defer pool.Close()
	exec := &panicFirstExecutor{Pool: pool}

	before := openFiles(t)
	_, err := NewDomain("test", d.dir, exec, d.cfg, nil, WithLogger(zaptest.NewLogger(t)))
	require.Error(t, err)

	pool.Sync()
	assert.Equal(t, before, openFiles(t), "a part was left open")
}

func TestDomain_Reopen_TruncatedTail(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")
	require.NoError(t, d.Domain.Close())

	// A part holding nothing but a header and a torn record.
	f, err := os.Create(filepath.Join(d.Dir(), partFileName("test", 11)))
	require.NoError(t, err)
	_, err = fileheader.New().WriteTo(f)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d.open()
	assert.Equal(t, translog.SerialNum(10), d.End())
	assert.Equal(t, float64(1), testutil.ToFloat64(d.metrics.Truncations.With(d.metrics.Labels("test"))))

	d.appendRange(11, 12, "x")
	assert.Equal(t, translog.SerialNum(12), d.End())
	assert.Equal(t, serialRange(1, 12), d.replay(0, 12))
}

func TestDomain_Reopen_TornRecord(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")
	d.appendRange(11, 20, "y")
	path := d.lastPart().FileName()
	size := d.lastPart().ByteSize()
	require.NoError(t, d.Domain.Close())

	require.NoError(t, os.Truncate(path, size-3))

	d.open()
	assert.Equal(t, translog.SerialNum(10), d.End())
	assert.Equal(t, serialRange(1, 10), d.replay(0, 100))
	d.appendRange(11, 11, "z")
	assert.Equal(t, serialRange(1, 11), d.replay(0, 100))
}

func TestDomain_Erase(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	d.appendEach(1, 100, strings.Repeat("e", 100))
	require.Greater(t, len(d.GetDomainInfo().Parts), 3)

	dest := newCollector()
	id, err := d.Visit(20, 40, dest)
	require.NoError(t, err)
	assert.Equal(t, translog.SerialNum(21), d.FindOldestActiveVisit())

	// The registered session holds the prune back.
	pruned, err := d.Erase(60)
	require.NoError(t, err)
	assert.True(t, pruned)
	assert.Equal(t, translog.SerialNum(21), d.Begin())

	require.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	assert.Equal(t, translog.MaxSerial, d.FindOldestActiveVisit())

	pruned, err = d.Erase(60)
	require.NoError(t, err)
	assert.True(t, pruned)
	assert.Equal(t, translog.SerialNum(60), d.Begin())
	assert.Len(t, d.partFiles(), len(d.GetDomainInfo().Parts))
	assert.Equal(t, serialRange(60, 100), d.replay(0, 100))

	pruned, err = d.Erase(60)
	require.NoError(t, err)
	assert.False(t, pruned)

	_, err = d.Erase(1000)
	require.NoError(t, err)
	info := d.GetDomainInfo()
	require.Len(t, info.Parts, 1)
	assert.Len(t, d.partFiles(), 1)
	assert.Equal(t, translog.SerialNum(100), d.End())

	d.appendRange(101, 101, "e")
	assert.Equal(t, translog.SerialNum(101), d.End())
}

func TestDomain_Erase_SinglePart(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 50, "x")

	pruned, err := d.Erase(20)
	require.NoError(t, err)
	assert.True(t, pruned)
	assert.Equal(t, translog.SerialNum(20), d.Begin())
	assert.Equal(t, serialRange(20, 50), d.replay(0, 50))

	pruned, err = d.Erase(100)
	require.NoError(t, err)
	assert.False(t, pruned)
	assert.Equal(t, translog.SerialNum(50), d.End())
}

func TestDomain_Session_Lifecycle(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 20, "x")

	dest := newCollector()
	id, err := d.Visit(5, 10, dest)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	s, ok := d.Session(id)
	require.True(t, ok)
	assert.False(t, s.Finished())
	assert.Empty(t, dest.Serials())

	require.Equal(t, translog.StatusOK, d.StartSession(id))
	require.Equal(t, translog.StatusOK, d.StartSession(id))
	dest.wait(t)
	assert.Equal(t, serialRange(6, 10), dest.Serials())
	assert.True(t, s.Finished())
	assert.True(t, s.InSync())
	assert.False(t, s.Errored())

	assert.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	assert.Equal(t, translog.StatusNotFound, d.CloseSession(context.Background(), id))
	assert.Equal(t, translog.StatusNotFound, d.StartSession(99))
	assert.Equal(t, 1, dest.dones)
	assert.Equal(t, 0, dest.errs)

	id2, err := d.Visit(0, 1, newCollector())
	require.NoError(t, err)
	assert.Equal(t, 2, id2)
}

func TestDomain_Session_CloseBeforeStart(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 20, "x")

	dest := newCollector()
	id, err := d.Visit(0, 20, dest)
	require.NoError(t, err)
	assert.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	dest.wait(t)
	assert.Empty(t, dest.Serials())
	assert.Equal(t, translog.StatusNotFound, d.StartSession(id))
}

func TestDomain_Session_Reaped(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 20, "x")

	dest := newCollector()
	id, err := d.Visit(0, 5, dest)
	require.NoError(t, err)
	require.Equal(t, translog.StatusOK, d.StartSession(id))
	dest.wait(t)

	require.Eventually(t, func() bool {
		d.appendEach(d.End()+1, d.End()+1, "x")
		_, ok := d.Session(id)
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, translog.StatusNotFound, d.CloseSession(context.Background(), id))
}

func TestDomain_Session_Tail(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	payload := strings.Repeat("t", 100)
	d.appendEach(1, 10, payload)

	dest := newCollector()
	id, err := d.Visit(0, translog.MaxSerial, dest)
	require.NoError(t, err)
	require.Equal(t, translog.StatusOK, d.StartSession(id))

	s, ok := d.Session(id)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(dest.Serials()) == 10 && s.InSync() }, 5*time.Second, time.Millisecond)
	assert.False(t, s.Finished())

	d.appendEach(11, 100, payload)
	require.Eventually(t, func() bool { return len(dest.Serials()) == 100 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, serialRange(1, 100), dest.Serials())
	require.Eventually(t, func() bool { return d.FindOldestActiveVisit() == 101 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	dest.wait(t)
	assert.Equal(t, 1, dest.dones)
	assert.Equal(t, translog.MaxSerial, d.FindOldestActiveVisit())
}

func TestDomain_Session_Rejected(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")

	dest := newCollector()
	dest.reject = true
	id, err := d.Visit(0, 10, dest)
	require.NoError(t, err)
	require.Equal(t, translog.StatusOK, d.StartSession(id))
	dest.wait(t)

	assert.ErrorIs(t, dest.err, ErrSessionRejected)
	s, ok := d.Session(id)
	require.True(t, ok)
	assert.True(t, s.Errored())
	assert.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	assert.Equal(t, 1, dest.errs)
	assert.Equal(t, 0, dest.dones)
}

// blockingDest blocks in Send until released.
type blockingDest struct {
	*collector
	entered chan struct{}
	release chan struct{}
}

func (b *blockingDest) Send(id int, domain string, p *translog.Packet) bool {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.collector.Send(id, domain, p)
}

func TestDomain_CloseSession_Busy(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")

	dest := &blockingDest{collector: newCollector(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	id, err := d.Visit(0, 10, dest)
	require.NoError(t, err)
	require.Equal(t, translog.StatusOK, d.StartSession(id))
	<-dest.entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, translog.StatusBusy, d.CloseSession(ctx, id))

	s, ok := d.Session(id)
	require.True(t, ok)
	assert.True(t, s.IsVisitRunning())

	close(dest.release)
	assert.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	assert.False(t, s.IsVisitRunning())
	// The close did not cut the bounded range short.
	assert.Equal(t, serialRange(1, 10), dest.Serials())
	assert.Equal(t, 1, dest.dones)
}

func TestDomain_MaxSessionRunTime(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")

	dest := newCollector()
	id, err := d.Visit(0, 10, dest)
	require.NoError(t, err)
	require.Equal(t, translog.StatusOK, d.StartSession(id))
	dest.wait(t)

	d.clock.Add(3 * time.Second)
	require.Equal(t, translog.StatusOK, d.CloseSession(context.Background(), id))
	assert.Equal(t, 3*time.Second, d.GetDomainInfo().MaxSessionRunTime)
}

func TestDomain_Commit(t *testing.T) {
	d := newTestDomain(t, newTestConfig())

	var (
		mu     sync.Mutex
		called int
	)
	cb := func(err error) {
		assert.NoError(t, err)
		mu.Lock()
		called++
		mu.Unlock()
	}
	require.NoError(t, d.Commit(mustPacket(t, 1, 5, "c"), cb))
	require.NoError(t, d.Commit(mustPacket(t, 6, 10, "c"), cb))
	assert.Equal(t, translog.SerialNum(0), d.End())

	require.NoError(t, d.StartCommit(nil).Wait(context.Background()))
	assert.Equal(t, translog.SerialNum(10), d.End())
	mu.Lock()
	assert.Equal(t, 2, called)
	mu.Unlock()

	// An empty commit completes immediately.
	require.NoError(t, d.StartCommit(nil).Wait(context.Background()))
}

func TestDomain_Commit_SizeLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.ChunkSizeLimit = toml.Size(1 << 10)
	d := newTestDomain(t, cfg)

	done := make(chan error, 20)
	for s := translog.SerialNum(1); s <= 20; s++ {
		require.NoError(t, d.Commit(mustPacket(t, s, s, strings.Repeat("s", 100)), func(err error) { done <- err }))
	}

	// The chunk is written once full without waiting for StartCommit.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("full chunk was not written")
	}
	assert.GreaterOrEqual(t, d.End(), translog.SerialNum(9))
}

func TestDomain_Commit_AgeLimit(t *testing.T) {
	cfg := newTestConfig()
	cfg.ChunkAgeLimit = toml.Duration(10 * time.Millisecond)
	d := newTestDomain(t, cfg)

	done := make(chan error, 1)
	require.NoError(t, d.Commit(mustPacket(t, 1, 3, "a"), func(err error) { done <- err }))
	assert.Equal(t, translog.SerialNum(0), d.End())

	d.clock.Add(20 * time.Millisecond)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("aged chunk was not written")
	}
	assert.Equal(t, translog.SerialNum(3), d.End())
}

func TestDomain_Commit_Closed(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	require.NoError(t, d.Commit(mustPacket(t, 1, 3, "a"), nil))
	require.NoError(t, d.Domain.Close())

	assert.ErrorIs(t, d.Commit(mustPacket(t, 4, 4, "a"), nil), ErrDomainClosed)
	assert.ErrorIs(t, d.Append(mustPacket(t, 4, 4, "a"), nil), ErrDomainClosed)
	_, err := d.Visit(0, 3, newCollector())
	assert.ErrorIs(t, err, ErrDomainClosed)

	// Close wrote the pending chunk.
	d.open()
	assert.Equal(t, translog.SerialNum(3), d.End())
}

func TestDomain_Commit_ConcurrentClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		d := newTestDomain(t, newTestConfig())

		var (
			accepted int
			fired    sync.WaitGroup
			stopped  = make(chan struct{})
		)
		go func() {
			defer close(stopped)
			for s := translog.SerialNum(1); ; s++ {
				fired.Add(1)
				err := d.Commit(mustPacket(t, s, s, "c"), func(error) { fired.Done() })
				if err != nil {
					fired.Done()
					assert.ErrorIs(t, err, ErrDomainClosed)
					return
				}
				accepted++
			}
		}()

		time.Sleep(time.Millisecond)
		require.NoError(t, d.Domain.Close())
		<-stopped

		done := make(chan struct{})
		go func() { fired.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatalf("iteration %d: callbacks of %d accepted commits did not all fire", i, accepted)
		}
	}
}

func TestDomain_Sync(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")
	assert.Equal(t, translog.SerialNum(0), d.GetSynced())

	d.TriggerSyncNow()
	d.waitPendingSync()
	assert.Equal(t, translog.SerialNum(10), d.GetSynced())
}

func TestDomain_Sync_AfterRotation(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	payload := strings.Repeat("r", 100)
	d.appendEach(1, 20, payload)

	// The newest part has synced nothing yet, its predecessor answers.
	last := d.lastPart()
	require.NotEqual(t, translog.SerialNum(0), last.Start())
	synced := d.GetSynced()
	assert.GreaterOrEqual(t, synced, last.Start()-1)
	assert.NotEqual(t, translog.SerialNum(0), synced)
}

func TestDomain_FsyncOnCommit(t *testing.T) {
	cfg := newTestConfig()
	cfg.FsyncOnCommit = true
	d := newTestDomain(t, cfg)

	d.appendRange(1, 10, "x")
	assert.Equal(t, translog.SerialNum(10), d.GetSynced())
}

func TestDomain_GetDomainInfo(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	d.appendEach(1, 30, strings.Repeat("i", 100))

	info := d.GetDomainInfo()
	assert.Equal(t, translog.SerialNumRange{From: 1, To: 30}, info.Range)
	assert.Equal(t, d.Size(), info.Count)
	assert.Equal(t, d.ByteSize(), info.ByteSize)
	for _, pi := range info.Parts {
		assert.Equal(t, d.Dir(), filepath.Dir(pi.FileName))
		assert.Greater(t, pi.Count, uint64(0))
	}
}

func TestDomain_FindPart(t *testing.T) {
	d := newTestDomain(t, rotatingConfig())
	d.appendEach(1, 30, strings.Repeat("f", 100))
	info := d.GetDomainInfo()
	require.Greater(t, len(info.Parts), 2)

	second := info.Parts[1]
	dp := d.FindPart(second.Range.From - 1)
	require.NotNil(t, dp)
	assert.Equal(t, second.Range, dp.Range())

	dp = d.FindPart(second.Range.From)
	require.NotNil(t, dp)
	assert.Equal(t, second.Range, dp.Range())

	assert.Nil(t, d.FindPart(30))
	assert.Nil(t, d.FindPart(translog.MaxSerial))
}

func TestDomain_SetConfig(t *testing.T) {
	d := newTestDomain(t, newTestConfig())

	cfg := d.Config()
	cfg.PartSizeLimit = 0
	assert.Equal(t, translog.EInvalid, translog.ErrorCode(d.SetConfig(cfg)))

	cfg.PartSizeLimit = toml.Size(1)
	require.NoError(t, d.SetConfig(cfg))
	d.appendRange(1, 1, "x")
	d.appendRange(2, 2, "x")
	assert.Len(t, d.GetDomainInfo().Parts, 2)
}

func TestDomain_ScanDir(t *testing.T) {
	dir := t.TempDir()
	d := &Domain{name: "test", baseDir: dir}
	require.NoError(t, os.MkdirAll(d.dir(), 0777))

	for _, name := range []string{
		"test-0000000000000005",
		"test-0000000000000000",
		"test-0000000000000002",
		"test-5",
		"test-00000000000000xx",
		"test-0000000000000003.tmp",
		"other-0000000000000001",
		"test-00000000000000001",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(d.dir(), name), nil, 0666))
	}
	require.NoError(t, os.Mkdir(filepath.Join(d.dir(), "test-0000000000000004"), 0777))

	ids, err := d.scanDir()
	require.NoError(t, err)
	assert.Equal(t, []translog.SerialNum{0, 2, 5}, ids)
}

func TestDomain_Metrics(t *testing.T) {
	exec := executor.NewPool("test", 2, 16)
	defer exec.Close()

	m := NewMetrics(prometheus.Labels{"node": "a"})
	reg := prometheus.NewRegistry()
	reg.MustRegister(m.PrometheusCollectors()...)

	d, err := NewDomain("test", t.TempDir(), exec, newTestConfig(), nil, WithMetrics(m))
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Append(mustPacket(t, 1, 10, "m"), nil))
	require.NoError(t, d.Append(mustPacket(t, 11, 20, "m"), nil))
	require.Error(t, d.Append(mustPacket(t, 5, 5, "m"), nil))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Appends.With(m.statusLabels("test", "ok"))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Appends.With(m.statusLabels("test", "error"))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Parts.With(m.Labels("test"))))
	assert.Equal(t, float64(d.ByteSize()), testutil.ToFloat64(m.DiskSize.With(m.Labels("test"))))

	_, err = d.Visit(0, 20, newCollector())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SessionsActive.With(m.Labels("test"))))

	mfs := promtest.MustGather(t, reg)
	labels := map[string]string{"node": "a", "domain": "test"}
	m1 := promtest.MustFindMetric(t, mfs, "translog_appends_bytes_total", labels)
	assert.Equal(t, float64(2*mustPacket(t, 1, 10, "m").SizeBytes()), m1.GetCounter().GetValue())
	promtest.MustFindMetric(t, mfs, "translog_parts_disk_bytes", labels)
	promtest.MustFindMetric(t, mfs, "translog_sessions_active", labels)

	d.MarkDeleted()
	require.NoError(t, d.Close())
	assert.Nil(t, promtest.FindMetric(promtest.MustGather(t, reg), "translog_parts_total", labels))
}

func TestDomain_Close_FinishesSessions(t *testing.T) {
	d := newTestDomain(t, newTestConfig())
	d.appendRange(1, 10, "x")

	dest := newCollector()
	id, err := d.Visit(0, translog.MaxSerial, dest)
	require.NoError(t, err)
	require.Equal(t, translog.StatusOK, d.StartSession(id))

	require.NoError(t, d.Domain.Close())
	dest.wait(t)
	assert.Equal(t, 1, dest.dones+dest.errs)
	assert.Equal(t, translog.StatusNotFound, d.CloseSession(context.Background(), id))
	assert.NoError(t, d.Domain.Close())
}
