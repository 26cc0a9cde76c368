package tlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/translog"
	"github.com/influxdata/translog/pkg/executor"
	"github.com/influxdata/translog/pkg/file"
	"github.com/influxdata/translog/storage/fileheader"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store manages the domains kept below one directory. Each subdirectory is
// a domain. All domains share one executor.
type Store struct {
	dir  string
	cfg  Config
	exec executor.Executor
	hc   fileheader.Context

	logger  *zap.Logger
	clock   clock.Clock
	metrics *Metrics

	mu      sync.RWMutex
	domains map[string]*Domain
	opened  bool
}

// NewStore returns a store rooted at dir. Domains are opened with cfg.
func NewStore(dir string, exec executor.Executor, cfg Config, hc fileheader.Context) *Store {
	return &Store{
		dir:     dir,
		cfg:     cfg,
		exec:    exec,
		hc:      hc,
		logger:  zap.NewNop(),
		clock:   clock.New(),
		metrics: NewMetrics(nil),
		domains: make(map[string]*Domain),
	}
}

// WithLogger sets the logger used by the store and its domains.
func (s *Store) WithLogger(log *zap.Logger) {
	s.logger = log.With(zap.String("service", "translog"))
}

// WithMetrics sets the metrics shared by the domains.
func (s *Store) WithMetrics(m *Metrics) { s.metrics = m }

// WithClock sets the clock shared by the domains.
func (s *Store) WithClock(c clock.Clock) { s.clock = c }

// Path returns the root directory of the store.
func (s *Store) Path() string { return s.dir }

func (s *Store) options() []Option {
	return []Option{WithLogger(s.logger), WithMetrics(s.metrics), WithClock(s.clock)}
}

// Open opens every domain found below the store directory.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}

	if err := file.CreateDir(s.dir); err != nil {
		return err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		g.Go(func() error {
			d, err := NewDomain(name, s.dir, s.exec, s.cfg, s.hc, s.options()...)
			if err != nil {
				return fmt.Errorf("open domain %q: %w", name, err)
			}
			mu.Lock()
			s.domains[name] = d
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, d := range s.domains {
			d.Close()
		}
		s.domains = make(map[string]*Domain)
		return err
	}

	s.opened = true
	s.logger.Info("Opened store", zap.String("path", s.dir), zap.Int("domains", len(s.domains)))
	return nil
}

func validDomainName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return &translog.Error{Code: translog.EInvalid, Msg: fmt.Sprintf("invalid domain name %q", name)}
	}
	return nil
}

// CreateDomain creates and opens a new empty domain.
func (s *Store) CreateDomain(name string) (*Domain, error) {
	if err := validDomainName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.domains[name]; ok {
		return nil, &translog.Error{Code: translog.EConflict, Msg: fmt.Sprintf("domain %q already exists", name)}
	}

	d, err := NewDomain(name, s.dir, s.exec, s.cfg, s.hc, s.options()...)
	if err != nil {
		return nil, err
	}
	s.domains[name] = d
	return d, nil
}

// DeleteDomain closes the domain and removes its files.
func (s *Store) DeleteDomain(name string) error {
	s.mu.Lock()
	d, ok := s.domains[name]
	delete(s.domains, name)
	s.mu.Unlock()
	if !ok {
		return &translog.Error{Code: translog.ENotFound, Msg: fmt.Sprintf("domain %q not found", name)}
	}

	d.MarkDeleted()
	if err := d.Close(); err != nil {
		s.logger.Warn("Failed to close deleted domain", zap.String("domain", name), zap.Error(err))
	}
	if err := os.RemoveAll(d.Dir()); err != nil {
		return err
	}
	return file.SyncDir(s.dir)
}

// Domain returns the open domain name.
func (s *Store) Domain(name string) (*Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.domains[name]
	if !ok {
		return nil, &translog.Error{Code: translog.ENotFound, Msg: fmt.Sprintf("domain %q not found", name)}
	}
	return d, nil
}

// Domains returns the names of the open domains in sorted order.
func (s *Store) Domains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.domains))
	for name := range s.domains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every domain.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for name, d := range s.domains {
		err = multierr.Append(err, d.Close())
		delete(s.domains, name)
	}
	s.opened = false
	return err
}

// DomainDir returns the directory a domain of the store lives in.
func (s *Store) DomainDir(name string) string { return filepath.Join(s.dir, name) }
