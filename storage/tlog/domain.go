package tlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"
	"github.com/influxdata/translog"
	"github.com/influxdata/translog/pkg/executor"
	"github.com/influxdata/translog/pkg/file"
	"github.com/influxdata/translog/storage/fileheader"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrDomainClosed is returned by operations on a closed domain.
	ErrDomainClosed = &translog.Error{Code: translog.EUnavailable, Msg: "domain is closed"}
)

// Option configures a Domain.
type Option func(*Domain)

// WithLogger sets the logger of the domain.
func WithLogger(log *zap.Logger) Option {
	return func(d *Domain) { d.logger = log }
}

// WithClock sets the clock used for session run times and chunk ages.
func WithClock(c clock.Clock) Option {
	return func(d *Domain) { d.clock = c }
}

// WithMetrics sets the metrics the domain reports to.
func WithMetrics(m *Metrics) Option {
	return func(d *Domain) { d.metrics = m }
}

// Domain is a named transaction log made of parts ordered by their start
// serial. Only the newest part receives appends.
type Domain struct {
	name    string
	baseDir string
	hc      fileheader.Context

	exec      executor.Executor
	committer *executor.Pool

	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics

	cfgMu sync.RWMutex
	cfg   Config

	// mu guards the part index.
	mu                sync.Mutex
	parts             *btree.BTreeG[*DomainPart]
	maxSessionRunTime time.Duration

	// appendMu serializes appends.
	appendMu   sync.Mutex
	lastSerial translog.SerialNum
	closed     bool

	syncMu      sync.Mutex
	syncCond    *sync.Cond
	pendingSync bool

	chunkMu     sync.Mutex
	chunk       *CommitChunk
	chunkClosed bool

	sessionMu sync.Mutex
	sessions  map[int]*Session
	sessionID int

	markedDeleted bool
	closing       chan struct{}
	wg            sync.WaitGroup
}

func partLess(a, b *DomainPart) bool { return a.start < b.start }

// NewDomain opens the domain name below baseDir, recovering the parts found
// on disk. Parts are loaded in parallel on exec; only the newest may have a
// torn tail truncated.
func NewDomain(name, baseDir string, exec executor.Executor, cfg Config, hc fileheader.Context, opts ...Option) (*Domain, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &translog.Error{Code: translog.EInvalid, Op: "tlog/NewDomain", Err: err}
	}
	if hc == nil {
		hc = fileheader.DefaultContext{}
	}

	d := &Domain{
		name:      name,
		baseDir:   baseDir,
		hc:        hc,
		exec:      exec,
		committer: executor.NewPool(name+"-committer", 1, 128),
		logger:    zap.NewNop(),
		clock:     clock.New(),
		cfg:       cfg,
		parts:     btree.NewG(8, partLess),
		sessions:  make(map[int]*Session),
		sessionID: 1,
		closing:   make(chan struct{}),
	}
	d.syncCond = sync.NewCond(&d.syncMu)
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	d.logger = d.logger.With(zap.String("domain", name))
	d.committer.WithLogger(d.logger)
	d.chunk = newCommitChunk(int(cfg.ChunkSizeLimit), d.clock.Now())

	if err := d.open(); err != nil {
		d.committer.Close()
		d.closeParts()
		return nil, err
	}

	if age := time.Duration(cfg.ChunkAgeLimit); age > 0 {
		d.wg.Add(1)
		go d.flushOldChunks(d.clock.Ticker(age))
	}
	return d, nil
}

func (d *Domain) open() error {
	if err := file.CreateDir(d.baseDir); err != nil {
		return &translog.Error{Code: translog.EInternal, Msg: "failed creating base directory", Op: "tlog/NewDomain", Err: err}
	}
	if err := file.CreateDir(d.dir()); err != nil {
		return &translog.Error{Code: translog.EInternal, Msg: "failed creating domain directory", Op: "tlog/NewDomain", Err: err}
	}

	ids, err := d.scanDir()
	if err != nil {
		return err
	}
	var lastPart translog.SerialNum
	if len(ids) > 0 {
		lastPart = ids[len(ids)-1]
	}

	var (
		promises []*executor.Promise
		errs     = make([]error, len(ids))
	)
	for i, id := range ids {
		if id == translog.MaxSerial {
			continue
		}
		i, id := i, id
		promise, err := d.exec.Execute(func() {
			errs[i] = d.addPart(id, id == lastPart)
		})
		if err != nil {
			errs[i] = err
			continue
		}
		promises = append(promises, promise)
	}
	var panics []error
	for _, promise := range promises {
		panics = append(panics, promise.Wait())
	}
	if err := multierr.Combine(append(errs, panics...)...); err != nil {
		return err
	}

	if last, ok := d.parts.Max(); !ok || last.IsClosed() {
		cfg := d.Config()
		dp, err := OpenDomainPart(d.name, d.dir(), lastPart, cfg.Encoding, cfg.CompressionLevel, d.hc, false, d.logger)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.parts.ReplaceOrInsert(dp)
		d.mu.Unlock()
		if err := file.SyncDir(d.dir()); err != nil {
			return err
		}
	}

	d.lastSerial = d.End()
	d.updatePartMetrics()
	d.logger.Info("Opened domain",
		zap.Int("parts", d.parts.Len()),
		zap.Uint64("begin", uint64(d.Begin())),
		zap.Uint64("end", uint64(d.lastSerial)))
	return nil
}

// addPart loads the part starting at id. A part left empty after recovery is
// removed; the domain replaces a removed newest part with a fresh one.
func (d *Domain) addPart(id translog.SerialNum, isLastPart bool) error {
	cfg := d.Config()
	dp, err := OpenDomainPart(d.name, d.dir(), id, cfg.Encoding, cfg.CompressionLevel, d.hc, isLastPart, d.logger)
	if err != nil {
		return err
	}
	if dp.Truncated() {
		d.metrics.Truncations.With(d.metrics.Labels(d.name)).Inc()
	}

	if dp.Count() == 0 {
		if !isLastPart {
			d.logger.Warn("Removing empty part", zap.String("path", dp.FileName()))
		}
		return dp.Erase(dp.Range().To + 1)
	}

	d.mu.Lock()
	d.parts.ReplaceOrInsert(dp)
	d.mu.Unlock()
	if !isLastPart {
		return dp.Close()
	}
	return nil
}

// dir returns the directory holding the parts of the domain.
func (d *Domain) dir() string { return filepath.Join(d.baseDir, d.name) }

// Name returns the name of the domain.
func (d *Domain) Name() string { return d.name }

// Dir returns the directory holding the parts of the domain.
func (d *Domain) Dir() string { return d.dir() }

// Config returns the current configuration.
func (d *Domain) Config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// SetConfig replaces the configuration. New limits apply to the next append
// and the next part created.
func (d *Domain) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return &translog.Error{Code: translog.EInvalid, Op: "tlog/Domain.SetConfig", Err: err}
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
	return nil
}

// scanDir returns the sorted start serials of the part files in the domain
// directory. Names must match the part naming exactly.
func (d *Domain) scanDir() ([]translog.SerialNum, error) {
	entries, err := os.ReadDir(d.dir())
	if err != nil {
		return nil, err
	}

	prefix := d.name + "-"
	var ids []translog.SerialNum
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.ParseUint(name[len(prefix):], 10, 64)
		if err != nil {
			continue
		}
		if partFileName(d.name, translog.SerialNum(n)) != name {
			continue
		}
		ids = append(ids, translog.SerialNum(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (d *Domain) lastPart() *DomainPart {
	d.mu.Lock()
	defer d.mu.Unlock()
	dp, _ := d.parts.Max()
	return dp
}

// Begin returns the first serial retained by the domain.
func (d *Domain) Begin() translog.SerialNum {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begin()
}

func (d *Domain) begin() translog.SerialNum {
	if dp, ok := d.parts.Min(); ok {
		return dp.Range().From
	}
	return 0
}

// End returns the last serial appended to the domain.
func (d *Domain) End() translog.SerialNum {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.end()
}

func (d *Domain) end() translog.SerialNum {
	if dp, ok := d.parts.Max(); ok {
		return dp.Range().To
	}
	return 0
}

// Size returns the number of entries in the domain.
func (d *Domain) Size() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint64
	d.parts.Ascend(func(dp *DomainPart) bool {
		n += dp.Count()
		return true
	})
	return n
}

// ByteSize returns the total size of the part files.
func (d *Domain) ByteSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byteSize()
}

func (d *Domain) byteSize() int64 {
	var n int64
	d.parts.Ascend(func(dp *DomainPart) bool {
		n += dp.ByteSize()
		return true
	})
	return n
}

// GetDomainInfo returns a snapshot of the domain and its parts.
func (d *Domain) GetDomainInfo() translog.DomainInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := translog.DomainInfo{
		Range:             translog.SerialNumRange{From: d.begin(), To: d.end()},
		MaxSessionRunTime: d.maxSessionRunTime,
	}
	d.parts.Ascend(func(dp *DomainPart) bool {
		pi := dp.info()
		info.Count += pi.Count
		info.ByteSize += pi.ByteSize
		info.Parts = append(info.Parts, pi)
		return true
	})
	return info
}

// GetSynced returns the highest serial known to be on stable storage. A
// freshly rotated part has synced nothing, so its predecessor answers.
func (d *Domain) GetSynced() translog.SerialNum {
	d.mu.Lock()
	defer d.mu.Unlock()

	var s translog.SerialNum
	n := 0
	d.parts.Descend(func(dp *DomainPart) bool {
		s = dp.Synced()
		n++
		return s == 0 && n < 2
	})
	return s
}

// FindPart returns the part holding the first serial after s, or the part
// after it when s is past the end of its part. It returns nil when no such
// part exists.
func (d *Domain) FindPart(s translog.SerialNum) *DomainPart {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findPart(s)
}

func (d *Domain) findPart(s translog.SerialNum) *DomainPart {
	var prev, next *DomainPart
	d.parts.DescendLessOrEqual(&DomainPart{start: s}, func(dp *DomainPart) bool {
		prev = dp
		return false
	})
	if prev != nil && prev.Range().To > s {
		return prev
	}
	if s < translog.MaxSerial {
		d.parts.AscendGreaterOrEqual(&DomainPart{start: s + 1}, func(dp *DomainPart) bool {
			next = dp
			return false
		})
	}
	return next
}

// acquirePart is FindPart holding a reader reference on the result.
func (d *Domain) acquirePart(s translog.SerialNum) *DomainPart {
	d.mu.Lock()
	defer d.mu.Unlock()
	dp := d.findPart(s)
	if dp == nil || !dp.acquire() {
		return nil
	}
	return dp
}

// TriggerSyncNow schedules an fsync of the newest part unless one is already
// pending.
func (d *Domain) TriggerSyncNow() {
	d.syncMu.Lock()
	if d.pendingSync {
		d.syncMu.Unlock()
		return
	}
	d.pendingSync = true
	d.syncMu.Unlock()

	dp := d.lastPart()
	if _, err := d.exec.Execute(func() {
		if err := dp.Sync(); err != nil {
			d.logger.Error("Failed to sync part", zap.String("path", dp.FileName()), zap.Error(err))
		}
		d.syncDone()
	}); err != nil {
		d.logger.Warn("Failed to schedule sync", zap.Error(err))
		d.syncDone()
	}
}

func (d *Domain) syncDone() {
	d.syncMu.Lock()
	d.pendingSync = false
	d.syncCond.Broadcast()
	d.syncMu.Unlock()
}

func (d *Domain) waitPendingSync() {
	d.syncMu.Lock()
	for d.pendingSync {
		d.syncCond.Wait()
	}
	d.syncMu.Unlock()
}

// optionallyRotate returns the part the entry s must be committed to,
// starting a new part when the newest one has grown past the size limit.
// An empty part is never rotated.
func (d *Domain) optionallyRotate(s translog.SerialNum) (*DomainPart, error) {
	dp := d.lastPart()
	cfg := d.Config()
	if dp.ByteSize() <= cfg.PartSizeLimit.Int64() || dp.Count() == 0 {
		return dp, nil
	}

	d.waitPendingSync()
	d.TriggerSyncNow()
	d.waitPendingSync()
	if err := dp.Close(); err != nil {
		return nil, err
	}

	next, err := OpenDomainPart(d.name, d.dir(), s, cfg.Encoding, cfg.CompressionLevel, d.hc, false, d.logger)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.parts.ReplaceOrInsert(next)
	d.mu.Unlock()
	if err := file.SyncDir(d.dir()); err != nil {
		return nil, err
	}

	d.metrics.Rotations.With(d.metrics.Labels(d.name)).Inc()
	d.logger.Info("Rotated part",
		zap.String("closed", filepath.Base(dp.FileName())),
		zap.String("opened", filepath.Base(next.FileName())))
	return next, nil
}

// Append writes p to the newest part, rotating first if needed, and calls
// done with the outcome. Serial numbers must be greater than End().
func (d *Domain) Append(p *translog.Packet, done translog.DoneCallback) error {
	err := d.append(p)
	if done != nil {
		done(err)
	}
	return err
}

func (d *Domain) append(p *translog.Packet) error {
	if p.Empty() {
		return nil
	}

	d.appendMu.Lock()
	err := d.appendLocked(p)
	d.appendMu.Unlock()

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.Appends.With(d.metrics.statusLabels(d.name, status)).Inc()
	if err != nil {
		return err
	}
	d.metrics.AppendedBytes.With(d.metrics.Labels(d.name)).Add(float64(p.SizeBytes()))
	d.updatePartMetrics()

	d.notifySessions()
	d.cleanSessions()
	return nil
}

func (d *Domain) appendLocked(p *translog.Packet) error {
	if d.closed {
		return ErrDomainClosed
	}

	entry, _, err := translog.DecodeEntry(p.Bytes())
	if err != nil {
		return err
	}
	if entry.Serial <= d.lastSerial {
		return &translog.Error{
			Code: translog.ErrSerialOrder.Code,
			Msg:  translog.ErrSerialOrder.Msg,
			Op:   "tlog/Domain.Append",
			Err:  fmt.Errorf("serial %d does not follow %d", entry.Serial, d.lastSerial),
		}
	}

	dp, err := d.optionallyRotate(entry.Serial)
	if err != nil {
		return translog.WithOp("tlog/Domain.Append", err)
	}
	if err := dp.Commit(entry.Serial, p); err != nil {
		return translog.WithOp("tlog/Domain.Append", err)
	}
	if d.Config().FsyncOnCommit {
		if err := dp.Sync(); err != nil {
			return translog.WithOp("tlog/Domain.Append", err)
		}
	}
	d.lastSerial = p.Range().To
	return nil
}

// Commit adds p to the current commit chunk. done is called once the chunk
// holding p has been written. A chunk is written when it reaches the chunk
// size limit, when it gets older than the chunk age limit, or on StartCommit.
func (d *Domain) Commit(p *translog.Packet, done translog.DoneCallback) error {
	d.chunkMu.Lock()
	if d.chunkClosed {
		d.chunkMu.Unlock()
		return ErrDomainClosed
	}
	if err := d.chunk.Add(p, done); err != nil {
		d.chunkMu.Unlock()
		return err
	}
	var full *CommitChunk
	if d.chunk.Full() {
		full = d.swapChunk()
	}
	d.chunkMu.Unlock()

	if full != nil {
		d.dispatch(full)
	}
	return nil
}

// StartCommit writes the current commit chunk and returns a result that
// completes once it, and every chunk before it, has been written.
func (d *Domain) StartCommit(done translog.DoneCallback) *CommitResult {
	return d.startCommit(done, false)
}

// startCommit swaps out the current chunk and dispatches it. With last set,
// later Commits are refused; the swap and the refusal happen under one lock
// so no packet is left in an undispatched chunk.
func (d *Domain) startCommit(done translog.DoneCallback, last bool) *CommitResult {
	result := newCommitResult()

	d.chunkMu.Lock()
	d.chunk.AddCallback(done)
	d.chunk.AddCallback(result.callback())
	c := d.swapChunk()
	if last {
		d.chunkClosed = true
	}
	d.chunkMu.Unlock()

	d.dispatch(c)
	return result
}

// swapChunk replaces the current chunk. The caller holds chunkMu.
func (d *Domain) swapChunk() *CommitChunk {
	c := d.chunk
	d.chunk = newCommitChunk(int(d.Config().ChunkSizeLimit), d.clock.Now())
	return c
}

// dispatch hands c to the single committer so chunks are written in order.
func (d *Domain) dispatch(c *CommitChunk) {
	if _, err := d.committer.Execute(func() {
		c.complete(d.append(c.Packet()))
	}); err != nil {
		c.complete(ErrDomainClosed)
	}
}

// flushOldChunks writes the current chunk once it is older than the chunk
// age limit. The tick interval is fixed at construction.
func (d *Domain) flushOldChunks(ticker *clock.Ticker) {
	defer d.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-d.closing:
			return
		case <-ticker.C:
			limit := time.Duration(d.Config().ChunkAgeLimit)
			d.chunkMu.Lock()
			var c *CommitChunk
			if !d.chunk.Empty() && d.chunk.Age(d.clock.Now()) >= limit {
				c = d.swapChunk()
			}
			d.chunkMu.Unlock()
			if c != nil {
				d.dispatch(c)
			}
		}
	}
}

// Erase prunes entries below to. Whole parts are removed while more than one
// part remains; the first remaining part is erased in place. The prune never
// goes past what a registered session still has to deliver. It reports
// whether anything was pruned.
func (d *Domain) Erase(to translog.SerialNum) (bool, error) {
	// Sessions cannot be registered while pruning.
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	if oldest := d.findOldestActiveVisit(); oldest < to {
		to = oldest
	}

	var (
		pruned bool
		errs   []error
	)
	for {
		d.mu.Lock()
		first, _ := d.parts.Min()
		if d.parts.Len() <= 1 || first.Range().To >= to {
			d.mu.Unlock()
			break
		}
		d.parts.Delete(first)
		d.mu.Unlock()

		if err := first.Erase(to); err != nil {
			errs = append(errs, err)
		}
		if err := file.SyncDir(d.dir()); err != nil {
			errs = append(errs, err)
		}
		pruned = true
		d.logger.Info("Pruned part", zap.String("path", filepath.Base(first.FileName())))
	}

	d.mu.Lock()
	first, _ := d.parts.Min()
	d.mu.Unlock()
	if r := first.Range(); r.To >= to && r.From < to {
		if err := first.Erase(to); err != nil {
			errs = append(errs, err)
		}
		pruned = true
	}

	d.updatePartMetrics()
	return pruned, multierr.Combine(errs...)
}

// FindOldestActiveVisit returns the lowest serial an unfinished session still
// has to deliver, or MaxSerial when there is none.
func (d *Domain) FindOldestActiveVisit() translog.SerialNum {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	return d.findOldestActiveVisit()
}

func (d *Domain) findOldestActiveVisit() translog.SerialNum {
	oldest := translog.MaxSerial
	for _, s := range d.sessions {
		c := s.Cursor()
		if s.Finished() || c == translog.MaxSerial {
			continue
		}
		if next := c + 1; next < oldest {
			oldest = next
		}
	}
	return oldest
}

// Visit registers a session replaying the entries in (from, to] to dest and
// returns its id. The session does not read until started.
func (d *Domain) Visit(from, to translog.SerialNum, dest translog.Destination) (int, error) {
	if d.isClosed() {
		return 0, ErrDomainClosed
	}
	d.cleanSessions()

	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	id := d.sessionID
	d.sessionID++
	d.sessions[id] = newSession(id, translog.SerialNumRange{From: from, To: to}, dest, d)
	d.metrics.SessionsActive.With(d.metrics.Labels(d.name)).Inc()
	return id, nil
}

// StartSession schedules the session on the executor.
func (d *Domain) StartSession(id int) translog.Status {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		return translog.StatusNotFound
	}
	if err := s.start(d.exec, d.clock.Now()); err != nil {
		d.logger.Warn("Failed to start session", zap.Int("session", id), zap.Error(err))
		d.removeSession(id)
		return translog.StatusNotFound
	}
	return translog.StatusOK
}

// CloseSession waits for the session's current run to return and removes
// it. A bounded session finishes delivering its range first; a session
// following the tail stops at its next packet boundary. StatusBusy is
// returned when ctx is done first and the session stays registered.
func (d *Domain) CloseSession(ctx context.Context, id int) translog.Status {
	d.sessionMu.Lock()
	s, ok := d.sessions[id]
	d.sessionMu.Unlock()
	if !ok {
		return translog.StatusNotFound
	}

	select {
	case <-s.requestClose():
	case <-ctx.Done():
		return translog.StatusBusy
	}
	s.finish(nil)

	d.sessionMu.Lock()
	if _, ok := d.sessions[id]; ok {
		d.removeSession(id)
	}
	d.sessionMu.Unlock()

	if start := s.StartTime(); !start.IsZero() {
		runTime := d.clock.Now().Sub(start)
		d.metrics.SessionDuration.With(d.metrics.Labels(d.name)).Observe(runTime.Seconds())
		d.mu.Lock()
		if runTime > d.maxSessionRunTime {
			d.maxSessionRunTime = runTime
		}
		d.mu.Unlock()
	}
	return translog.StatusOK
}

// Session returns the registered session with id.
func (d *Domain) Session(id int) (*Session, bool) {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	s, ok := d.sessions[id]
	return s, ok
}

// removeSession drops a session. The caller holds sessionMu.
func (d *Domain) removeSession(id int) {
	delete(d.sessions, id)
	d.metrics.SessionsActive.With(d.metrics.Labels(d.name)).Dec()
}

// cleanSessions reaps finished sessions whose task has returned.
func (d *Domain) cleanSessions() {
	d.sessionMu.Lock()
	defer d.sessionMu.Unlock()
	for id, s := range d.sessions {
		if s.Finished() && !s.IsVisitRunning() {
			d.removeSession(id)
		}
	}
}

// notifySessions wakes the sessions following the tail.
func (d *Domain) notifySessions() {
	d.sessionMu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		if s.rng.OpenEnded() {
			sessions = append(sessions, s)
		}
	}
	d.sessionMu.Unlock()

	for _, s := range sessions {
		s.wake(d.exec)
	}
}

func (d *Domain) updatePartMetrics() {
	d.mu.Lock()
	n, size := d.parts.Len(), d.byteSize()
	d.mu.Unlock()

	labels := d.metrics.Labels(d.name)
	d.metrics.Parts.With(labels).Set(float64(n))
	d.metrics.DiskSize.With(labels).Set(float64(size))
}

// MarkDeleted flags the domain as deleted. Its files are removed by the owner
// after Close.
func (d *Domain) MarkDeleted() {
	d.appendMu.Lock()
	d.markedDeleted = true
	d.appendMu.Unlock()
}

// MarkedDeleted reports whether the domain has been flagged as deleted.
func (d *Domain) MarkedDeleted() bool {
	d.appendMu.Lock()
	defer d.appendMu.Unlock()
	return d.markedDeleted
}

func (d *Domain) isClosed() bool {
	d.appendMu.Lock()
	defer d.appendMu.Unlock()
	return d.closed
}

// Close writes any pending commit chunk, stops all sessions and closes the
// parts.
func (d *Domain) Close() error {
	var errs []error
	if err := d.startCommit(nil, true).Wait(context.Background()); err != nil && !errors.Is(err, ErrDomainClosed) {
		errs = append(errs, err)
	}

	d.appendMu.Lock()
	if d.closed {
		d.appendMu.Unlock()
		return nil
	}
	d.closed = true
	d.appendMu.Unlock()

	close(d.closing)
	d.wg.Wait()
	errs = append(errs, d.committer.Close())

	d.sessionMu.Lock()
	sessions := make([]*Session, 0, len(d.sessions))
	for id, s := range d.sessions {
		sessions = append(sessions, s)
		d.removeSession(id)
	}
	d.sessionMu.Unlock()
	for _, s := range sessions {
		<-s.requestClose()
		s.finish(nil)
	}

	d.waitPendingSync()
	errs = append(errs, d.closeParts())
	if d.MarkedDeleted() {
		d.metrics.forget(d.name)
	}
	d.logger.Info("Closed domain")
	return multierr.Combine(errs...)
}

func (d *Domain) closeParts() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	d.parts.Ascend(func(dp *DomainPart) bool {
		errs = append(errs, dp.Close())
		return true
	})
	return multierr.Combine(errs...)
}
