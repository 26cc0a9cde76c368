package tlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/influxdata/translog"
	"github.com/influxdata/translog/pkg/file"
	"github.com/influxdata/translog/storage/chunk"
	"github.com/influxdata/translog/storage/fileheader"
	"go.uber.org/zap"
)

const (
	// skipStride is the minimum distance in bytes between two skip list
	// entries.
	skipStride = 32 << 10

	// visitPacketSize is the size a packet is filled to before it is handed
	// to a destination.
	visitPacketSize = 64 << 10

	readBufferSize = 64 << 10
)

var (
	// ErrPartClosed is returned when committing to a part that no longer
	// accepts writes.
	ErrPartClosed = &translog.Error{Code: translog.EConflict, Msg: "part is closed"}

	// ErrCorruptPart is returned when a part that may not be truncated fails
	// validation.
	ErrCorruptPart = &translog.Error{Code: translog.ECorrupt, Msg: "part is corrupt"}
)

// partFileName returns the file name of the part of domain starting at s.
func partFileName(domain string, s translog.SerialNum) string {
	return fmt.Sprintf("%s-%016d", domain, uint64(s))
}

type skipInfo struct {
	id  translog.SerialNum
	pos int64
}

// DomainPart is one file of a domain. It holds a contiguous range of
// entries; only the newest part of a domain accepts commits.
type DomainPart struct {
	start translog.SerialNum
	path  string
	enc   chunk.Encoding
	level int

	logger *zap.Logger

	// mu guards the write path.
	mu        sync.Mutex
	file      *os.File
	rng       translog.SerialNumRange
	count     uint64
	skip      []skipInfo
	headerLen int64
	written   translog.SerialNum
	closed    bool
	scratch   []byte

	byteSize atomic.Int64

	// syncMu serializes fsyncs and is taken before mu.
	syncMu sync.Mutex
	synced atomic.Uint64

	refMu   sync.Mutex
	refs    int
	removed bool

	truncated bool
}

// OpenDomainPart opens or creates the part of domain name starting at s in
// dir. An existing file is scanned to rebuild the part state. With
// allowTruncate a torn tail is cut off; otherwise any invalid record fails
// with ErrCorruptPart.
func OpenDomainPart(name, dir string, s translog.SerialNum, enc chunk.Encoding, level int, hc fileheader.Context, allowTruncate bool, log *zap.Logger) (*DomainPart, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if hc == nil {
		hc = fileheader.DefaultContext{}
	}

	fileName := partFileName(name, s)
	dp := &DomainPart{
		start:  s,
		path:   filepath.Join(dir, fileName),
		enc:    enc,
		level:  level,
		logger: log.With(zap.String("path", filepath.Join(dir, fileName))),
		rng:    translog.NewSerialNumRange(s),
	}

	f, err := os.OpenFile(dp.path, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	dp.file = f

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		err = dp.writeHeader(hc, fileName)
	} else {
		err = dp.buildPacketMapping(hc, fileName, stat.Size(), allowTruncate)
	}
	if err != nil {
		f.Close()
		return nil, err
	}

	if _, err := f.Seek(dp.byteSize.Load(), io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	dp.written = dp.rng.To
	dp.synced.Store(uint64(dp.rng.To))
	return dp, nil
}

func (dp *DomainPart) writeHeader(hc fileheader.Context, fileName string) error {
	h := fileheader.New()
	hc.AddTags(h, fileName)
	n, err := h.WriteTo(dp.file)
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := dp.file.Sync(); err != nil {
		return err
	}
	dp.headerLen = n
	dp.byteSize.Store(n)
	return nil
}

// buildPacketMapping scans an existing file record by record, rebuilding the
// range, entry count and skip list.
func (dp *DomainPart) buildPacketMapping(hc fileheader.Context, fileName string, size int64, allowTruncate bool) error {
	if _, err := dp.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(dp.file, readBufferSize)

	_, n, err := fileheader.ReadHeader(r)
	if err != nil {
		torn := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if !torn || !allowTruncate {
			return &translog.Error{Code: ErrCorruptPart.Code, Msg: ErrCorruptPart.Msg, Op: "tlog/OpenDomainPart", Err: err}
		}
		dp.logger.Warn("Rewriting torn part header", zap.Int64("size", size))
		if err := dp.file.Truncate(0); err != nil {
			return err
		}
		if _, err := dp.file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		dp.truncated = true
		return dp.writeHeader(hc, fileName)
	}
	dp.headerLen = n

	pos := n
	for {
		p, n, err := chunk.ReadRecord(r)
		if err == io.EOF {
			break
		} else if err == nil && p.Range().From <= dp.rng.To && !p.Empty() {
			err = translog.ErrSerialOrder
		}

		if err != nil {
			if !isRecordError(err) {
				return err
			}
			if !allowTruncate {
				return &translog.Error{
					Code: ErrCorruptPart.Code,
					Msg:  ErrCorruptPart.Msg,
					Op:   "tlog/OpenDomainPart",
					Err:  fmt.Errorf("record at offset %d: %w", pos, err),
				}
			}
			if err := dp.truncate(pos, size, err); err != nil {
				return err
			}
			break
		}

		dp.track(p, pos)
		pos += n
	}

	dp.byteSize.Store(pos)
	return nil
}

// isRecordError reports whether err describes an invalid record rather than
// a failure to read the file.
func isRecordError(err error) bool {
	var e *translog.Error
	return errors.As(err, &e)
}

// truncate cuts the file at pos, discarding a torn or invalid tail.
func (dp *DomainPart) truncate(pos, size int64, cause error) error {
	dp.logger.Warn("Truncating part after invalid record",
		zap.Int64("offset", pos),
		zap.Int64("discarded_bytes", size-pos),
		zap.Error(cause))
	if err := dp.file.Truncate(pos); err != nil {
		return fmt.Errorf("truncate part: %w", err)
	}
	if err := dp.file.Sync(); err != nil {
		return err
	}
	dp.truncated = true
	return nil
}

// track records a packet stored at pos. The caller holds mu or has exclusive
// access.
func (dp *DomainPart) track(p *translog.Packet, pos int64) {
	r := p.Range()
	if len(dp.skip) == 0 || pos-dp.skip[len(dp.skip)-1].pos >= skipStride {
		dp.skip = append(dp.skip, skipInfo{id: r.From, pos: pos})
	}
	if dp.rng.From == 0 {
		dp.rng.From = r.From
	}
	dp.rng.To = r.To
	dp.count += uint64(p.Count())
}

// Commit appends the entries of p. firstSerial is the serial of the first
// entry and must be greater than every serial already in the part.
func (dp *DomainPart) Commit(firstSerial translog.SerialNum, p *translog.Packet) error {
	if p.Empty() {
		return nil
	}

	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.closed {
		return ErrPartClosed
	}
	if firstSerial != p.Range().From || firstSerial <= dp.rng.To {
		return &translog.Error{
			Code: translog.ErrSerialOrder.Code,
			Msg:  translog.ErrSerialOrder.Msg,
			Op:   "tlog/DomainPart.Commit",
			Err:  fmt.Errorf("serial %d does not follow %d in %s", firstSerial, dp.rng.To, filepath.Base(dp.path)),
		}
	}

	start := dp.byteSize.Load()
	buf := dp.scratch[:0]
	type record struct {
		p   *translog.Packet
		pos int64
	}
	var records []record

	if dp.enc.Compression() == chunk.CompressionNone {
		err := p.ForEach(func(e translog.Entry) error {
			single := translog.NewPacket()
			if err := single.Add(e); err != nil {
				return err
			}
			records = append(records, record{p: single, pos: start + int64(len(buf))})
			var err error
			buf, err = chunk.AppendRecord(buf, dp.enc, dp.level, single.Bytes())
			return err
		})
		if err != nil {
			return err
		}
	} else {
		records = append(records, record{p: p, pos: start})
		var err error
		if buf, err = chunk.AppendRecord(buf, dp.enc, dp.level, p.Bytes()); err != nil {
			return err
		}
	}
	dp.scratch = buf

	if _, err := dp.file.Write(buf); err != nil {
		// Drop whatever part of the records reached the file.
		if terr := dp.file.Truncate(start); terr == nil {
			_, _ = dp.file.Seek(start, io.SeekStart)
		}
		return fmt.Errorf("write part: %w", err)
	}

	for _, rec := range records {
		dp.track(rec.p, rec.pos)
	}
	dp.byteSize.Store(start + int64(len(buf)))
	dp.written = dp.rng.To
	return nil
}

// Erase drops every serial below to. If to is past the end of the part the
// file is closed and deleted once the last reader has released it.
func (dp *DomainPart) Erase(to translog.SerialNum) error {
	dp.mu.Lock()
	if to <= dp.rng.To {
		if to > dp.rng.From {
			dp.rng.From = to
		}
		dp.mu.Unlock()
		return nil
	}
	dp.mu.Unlock()

	if err := dp.Close(); err != nil {
		return err
	}

	dp.refMu.Lock()
	dp.removed = true
	remove := dp.refs == 0
	dp.refMu.Unlock()

	if remove {
		return dp.remove()
	}
	return nil
}

func (dp *DomainPart) remove() error {
	dp.logger.Debug("Removing part")
	return file.RemoveFile(dp.path)
}

// acquire takes a reader reference. It fails once the part has been erased.
func (dp *DomainPart) acquire() bool {
	dp.refMu.Lock()
	defer dp.refMu.Unlock()
	if dp.removed {
		return false
	}
	dp.refs++
	return true
}

// release drops a reader reference, deleting an erased part with the last one.
func (dp *DomainPart) release() {
	dp.refMu.Lock()
	dp.refs--
	remove := dp.refs == 0 && dp.removed
	dp.refMu.Unlock()

	if remove {
		if err := dp.remove(); err != nil {
			dp.logger.Warn("Failed to remove erased part", zap.Error(err))
		}
	}
}

// Sync fsyncs committed entries and advances the synced serial.
func (dp *DomainPart) Sync() error {
	dp.syncMu.Lock()
	defer dp.syncMu.Unlock()

	dp.mu.Lock()
	f, written, closed := dp.file, dp.written, dp.closed
	dp.mu.Unlock()
	if closed {
		return nil
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync part: %w", err)
	}
	dp.synced.Store(uint64(written))
	return nil
}

// Close syncs and closes the write handle. A closed part accepts no further
// commits but can still be visited.
func (dp *DomainPart) Close() error {
	dp.syncMu.Lock()
	defer dp.syncMu.Unlock()
	dp.mu.Lock()
	defer dp.mu.Unlock()

	if dp.closed {
		return nil
	}
	dp.closed = true

	if err := dp.file.Sync(); err != nil {
		dp.file.Close()
		return fmt.Errorf("sync part: %w", err)
	}
	dp.synced.Store(uint64(dp.written))
	return dp.file.Close()
}

// IsClosed reports whether the part has been closed for writing.
func (dp *DomainPart) IsClosed() bool {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.closed
}

// Synced returns the highest serial known to be on stable storage.
func (dp *DomainPart) Synced() translog.SerialNum {
	return translog.SerialNum(dp.synced.Load())
}

// Range returns the serials held by the part.
func (dp *DomainPart) Range() translog.SerialNumRange {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.rng
}

// Count returns the number of entries committed to the part.
func (dp *DomainPart) Count() uint64 {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return dp.count
}

// ByteSize returns the size of the file.
func (dp *DomainPart) ByteSize() int64 { return dp.byteSize.Load() }

// FileName returns the path of the file.
func (dp *DomainPart) FileName() string { return dp.path }

// Start returns the serial the part was created at.
func (dp *DomainPart) Start() translog.SerialNum { return dp.start }

// Truncated reports whether opening the part cut off an invalid tail.
func (dp *DomainPart) Truncated() bool { return dp.truncated }

func (dp *DomainPart) info() translog.PartInfo {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	return translog.PartInfo{
		Range:    dp.rng,
		Count:    dp.count,
		ByteSize: dp.byteSize.Load(),
		FileName: dp.path,
	}
}

// Visit fills p with the entries selected by r, advancing r.From past the
// last entry added. It reports whether the part holds more entries in range.
func (dp *DomainPart) Visit(r *translog.SerialNumRange, p *translog.Packet) (bool, error) {
	if !dp.acquire() {
		return false, nil
	}
	defer dp.release()

	pr, err := dp.openReader(r.From)
	if err != nil {
		return false, err
	}
	defer pr.Close()
	return pr.Fill(r, p, visitPacketSize)
}

// PartReader reads a part through a private file handle. It never reads past
// the size the part had when the reader was opened.
type PartReader struct {
	f     *os.File
	r     *bufio.Reader
	pos   int64
	end   int64
	floor translog.SerialNum
}

// openReader opens a reader positioned at the record that may hold the
// first serial after from.
func (dp *DomainPart) openReader(from translog.SerialNum) (*PartReader, error) {
	dp.mu.Lock()
	end := dp.byteSize.Load()
	floor := dp.rng.From
	pos := dp.headerLen
	if from < translog.MaxSerial {
		next := from + 1
		i := sort.Search(len(dp.skip), func(i int) bool { return dp.skip[i].id > next })
		if i > 0 {
			pos = dp.skip[i-1].pos
		}
	}
	dp.mu.Unlock()

	f, err := os.Open(dp.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &PartReader{
		f:     f,
		r:     bufio.NewReaderSize(io.LimitReader(f, end-pos), readBufferSize),
		pos:   pos,
		end:   end,
		floor: floor,
	}, nil
}

// Fill adds whole records to p until it holds at least target bytes. Entries
// outside r, or erased from the part, are skipped. r.From is advanced to the
// last serial added, or to r.To once an entry past r.To is seen. It reports
// whether more of the part remains to be read.
func (pr *PartReader) Fill(r *translog.SerialNumRange, p *translog.Packet, target int) (bool, error) {
	for pr.pos < pr.end && p.SizeBytes() < target {
		rec, n, err := chunk.ReadRecord(pr.r)
		if err == io.EOF {
			return false, nil
		} else if err != nil {
			return false, err
		}
		pr.pos += n

		reached := false
		err = rec.ForEach(func(e translog.Entry) error {
			if e.Serial > r.To {
				reached = true
				return io.EOF
			}
			if e.Serial < pr.floor || !r.Contains(e.Serial) {
				return nil
			}
			if err := p.Add(e); err != nil {
				return err
			}
			r.From = e.Serial
			return nil
		})
		if reached {
			r.From = r.To
			return false, nil
		} else if err != nil {
			return false, err
		}
	}
	return pr.pos < pr.end && r.From < r.To, nil
}

// Close closes the private file handle.
func (pr *PartReader) Close() error { return pr.f.Close() }
