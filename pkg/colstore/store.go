// Package colstore implements a chunked, compressed column store and the
// external sort built on top of it.
//
// A Store is a directory holding one frame file per dataset and a
// manifest.json describing every dataset (item kind, column count, row
// count, frame offsets) together with free-form attributes attached to
// dataset or group paths. Datasets are append-only: a Writer buffers rows
// and flushes them as compressed frames, a Reader streams them back through
// a bounded buffer, and Sorter reorders paired datasets by a key column
// without holding them in memory.
//
//	store, _ := colstore.Create("task.abx")
//	w, _ := store.Create("triplets/data", colstore.Uint32, 3)
//	_ = w.Write(rows)
//	_ = w.Close()
//
//	r, _ := store.Open("triplets/data")
//	defer r.Close()
//	for {
//	    batch, err := r.Read(4096)
//	    if err == io.EOF {
//	        break
//	    }
//	    ...
//	}
package colstore

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/abxtask/pkg/abxerrors"
	"github.com/ajitpratap0/abxtask/pkg/compression"
	"github.com/ajitpratap0/abxtask/pkg/logger"
	"github.com/ajitpratap0/abxtask/pkg/metrics"
)

const (
	manifestName    = "manifest.json"
	framesDir       = "frames"
	manifestVersion = 1

	// DefaultBufferRows is the number of rows buffered by writers and readers.
	DefaultBufferRows = 1 << 16
)

// Frame locates one compressed frame inside a dataset file.
type Frame struct {
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Rows   uint64 `json:"rows"`
}

// DatasetInfo describes a committed dataset.
type DatasetInfo struct {
	Name    string  `json:"name"`
	File    string  `json:"file"`
	Kind    Kind    `json:"kind"`
	Columns int     `json:"columns"`
	Rows    uint64  `json:"rows"`
	Frames  []Frame `json:"frames"`
}

// RowBytes returns the uncompressed size of one row.
func (d DatasetInfo) RowBytes() int64 {
	return int64(d.Kind.Width() * d.Columns)
}

type manifest struct {
	Version     int                                   `json:"version"`
	Compression compression.Config                    `json:"compression"`
	NextFile    uint64                                `json:"next_file"`
	Datasets    map[string]*DatasetInfo               `json:"datasets"`
	Attrs       map[string]map[string]json.RawMessage `json:"attrs"`
}

// Store is a directory of datasets. It is safe for concurrent use; each
// dataset has at most one Writer at a time.
type Store struct {
	dir        string
	logger     *zap.Logger
	metrics    *metrics.Collector
	comp       compression.Compressor
	bufferRows int

	mu      sync.Mutex
	m       manifest
	pending map[string]bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	compression *compression.Config
	logger      *zap.Logger
	metrics     *metrics.Collector
	bufferRows  int
}

// WithCompression selects the frame codec of a new store. Existing stores
// keep the codec recorded in their manifest.
func WithCompression(cfg compression.Config) Option {
	return func(o *options) { o.compression = &cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics reports frame writes to c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithBufferRows sets the default buffer size of writers and readers.
func WithBufferRows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferRows = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{bufferRows: DefaultBufferRows}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get()
	}
	return o
}

// Create initialises an empty store in dir, creating the directory. It fails
// if dir already holds a store.
func Create(dir string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	if _, err := os.Stat(filepath.Join(dir, manifestName)); err == nil {
		return nil, abxerrors.IO("store %s already exists", dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, framesDir), 0o755); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to create store directory")
	}

	cfg := compression.DefaultConfig()
	if o.compression != nil {
		cfg = o.compression
	}
	comp, err := compression.NewCompressor(cfg)
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeConfiguration, "invalid store compression")
	}

	s := &Store{
		dir:        dir,
		logger:     o.logger.With(zap.String("store", dir)),
		metrics:    o.metrics,
		comp:       comp,
		bufferRows: o.bufferRows,
		pending:    make(map[string]bool),
		m: manifest{
			Version:     manifestVersion,
			Compression: *cfg,
			Datasets:    make(map[string]*DatasetInfo),
			Attrs:       make(map[string]map[string]json.RawMessage),
		},
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open loads an existing store.
func Open(dir string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	data, err := os.ReadFile(filepath.Join(dir, manifestName)) //nolint:gosec // store path chosen by caller
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to read store manifest").
			WithDetail("store", dir)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "malformed store manifest").
			WithDetail("store", dir)
	}
	if m.Version != manifestVersion {
		return nil, abxerrors.IO("unsupported store version %d", m.Version)
	}
	if m.Datasets == nil {
		m.Datasets = make(map[string]*DatasetInfo)
	}
	if m.Attrs == nil {
		m.Attrs = make(map[string]map[string]json.RawMessage)
	}
	comp, err := compression.NewCompressor(&m.Compression)
	if err != nil {
		return nil, abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "unsupported store compression")
	}
	return &Store{
		dir:        dir,
		logger:     o.logger.With(zap.String("store", dir)),
		metrics:    o.metrics,
		comp:       comp,
		bufferRows: o.bufferRows,
		pending:    make(map[string]bool),
		m:          m,
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Compression returns the frame codec configuration.
func (s *Store) Compression() compression.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Compression
}

// Datasets returns the committed dataset names in lexical order.
func (s *Store) Datasets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.m.Datasets))
	for name := range s.m.Datasets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Info returns a copy of a dataset's description.
func (s *Store) Info(name string) (DatasetInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m.Datasets[name]
	if !ok {
		return DatasetInfo{}, false
	}
	cp := *d
	cp.Frames = slices.Clone(d.Frames)
	return cp, true
}

// Has reports whether a dataset is committed.
func (s *Store) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m.Datasets[name]
	return ok
}

// Remove deletes a dataset and its attributes.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.m.Datasets[name]
	if !ok {
		return abxerrors.IO("dataset %q does not exist", name)
	}
	delete(s.m.Datasets, name)
	delete(s.m.Attrs, name)
	if err := s.saveLocked(); err != nil {
		return err
	}
	if err := os.Remove(s.framePath(d.File)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove dataset file", zap.String("dataset", name), zap.Error(err))
	}
	return nil
}

// Replace renames every source dataset onto its target in one manifest
// update, discarding the datasets previously stored under the targets.
func (s *Store) Replace(renames map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for src := range renames {
		if _, ok := s.m.Datasets[src]; !ok {
			return abxerrors.IO("dataset %q does not exist", src)
		}
	}

	var obsolete []string
	for src, dst := range renames {
		if old, ok := s.m.Datasets[dst]; ok {
			obsolete = append(obsolete, old.File)
		}
		d := s.m.Datasets[src]
		delete(s.m.Datasets, src)
		d.Name = dst
		s.m.Datasets[dst] = d
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	for _, f := range obsolete {
		if err := os.Remove(s.framePath(f)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove replaced dataset file", zap.String("file", f), zap.Error(err))
		}
	}
	return nil
}

// SetAttr stores a JSON-encodable attribute on a dataset or group path.
func (s *Store) SetAttr(path, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeData, "failed to encode attribute").
			WithDetail("path", path).WithDetail("key", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	attrs, ok := s.m.Attrs[path]
	if !ok {
		attrs = make(map[string]json.RawMessage)
		s.m.Attrs[path] = attrs
	}
	attrs[key] = raw
	return s.saveLocked()
}

// Attr decodes the attribute stored under path and key into out.
func (s *Store) Attr(path, key string, out interface{}) error {
	s.mu.Lock()
	raw, ok := s.m.Attrs[path][key]
	s.mu.Unlock()
	if !ok {
		return abxerrors.IO("attribute %s:%s does not exist", path, key)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "malformed attribute").
			WithDetail("path", path).WithDetail("key", key)
	}
	return nil
}

// AttrKeys lists the attribute keys of a path in lexical order.
func (s *Store) AttrKeys(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.m.Attrs[path]))
	for k := range s.m.Attrs[path] {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Close flushes the manifest. Open writers and readers are not affected.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) framePath(file string) string {
	return filepath.Join(s.dir, framesDir, file)
}

// reserve claims a dataset name for a new writer and allocates its file.
func (s *Store) reserve(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, "\x00") {
		return "", abxerrors.Newf(abxerrors.ErrorTypeConfiguration, "invalid dataset name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m.Datasets[name]; ok || s.pending[name] {
		return "", abxerrors.IO("dataset %q already exists", name)
	}
	s.pending[name] = true
	file := fmt.Sprintf("%08d.frames", s.m.NextFile)
	s.m.NextFile++
	return file, nil
}

func (s *Store) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, name)
}

func (s *Store) commit(d *DatasetInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, d.Name)
	s.m.Datasets[d.Name] = d
	return s.saveLocked()
}

// saveLocked writes the manifest atomically. s.mu must be held.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.m, "", "  ")
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeInternal, "failed to encode manifest")
	}
	tmp, err := os.CreateTemp(s.dir, manifestName+".*")
	if err != nil {
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to write manifest")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to write manifest")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to sync manifest")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to close manifest")
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, manifestName)); err != nil {
		os.Remove(tmpName)
		return abxerrors.Wrap(err, abxerrors.ErrorTypeIO, "failed to replace manifest")
	}
	return nil
}
