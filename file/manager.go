package file

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// KeyPolicy selects how a peer address becomes the client part of a resume
// key.
type KeyPolicy uint8

const (
	// KeyByIP keys records by peer IP only so a reconnect from a new source
	// port finds its records. Clients behind one NAT share records.
	KeyByIP KeyPolicy = iota
	// KeyByAddr keys records by IP and port.
	KeyByAddr
)

func (p KeyPolicy) String() string {
	if p == KeyByAddr {
		return "addr"
	}
	return "ip"
}

// ParseKeyPolicy parses "ip" or "addr".
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ip":
		return KeyByIP, nil
	case "addr", "address":
		return KeyByAddr, nil
	default:
		return KeyByIP, fmt.Errorf("unknown resume key policy %q", s)
	}
}

// Record is a resume checkpoint for one interrupted transfer. For uploads
// Path names the partial file, which is removed when the record is reaped.
type Record struct {
	Client    string
	FileName  string
	Direction Direction
	Offset    int64
	Path      string
	UpdatedAt time.Time
}

type recordKey struct {
	client string
	name   string
	dir    Direction
}

// Manager resolves names inside the storage root and keeps the resume
// records that let transfers continue across reconnects.
type Manager struct {
	root         string
	policy       KeyPolicy
	timeProvider TimeProvider
	log          logrus.FieldLogger

	mu      sync.Mutex
	records map[recordKey]Record
	active  map[recordKey]struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyPolicy sets the resume key policy.
func WithKeyPolicy(p KeyPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithTimeProvider sets a custom time provider for deterministic testing.
func WithTimeProvider(tp TimeProvider) Option {
	return func(m *Manager) { m.timeProvider = tp }
}

// WithLogger sets the logger used for store events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager rooted at an existing directory.
func NewManager(root string, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage root %s: %w", abs, ErrNotAFile)
	}

	m := &Manager{
		root:         abs,
		policy:       KeyByIP,
		timeProvider: defaultTimeProvider,
		log:          logrus.StandardLogger(),
		records:      make(map[recordKey]Record),
		active:       make(map[recordKey]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.log.WithFields(logrus.Fields{
		"function":   "NewManager",
		"root":       m.root,
		"key_policy": m.policy,
	}).Info("File manager created")

	return m, nil
}

// Root returns the absolute storage root.
func (m *Manager) Root() string {
	return m.root
}

// ClientKey derives the resume-store identity of a peer address.
func (m *Manager) ClientKey(addr string) string {
	if m.policy == KeyByAddr {
		return addr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (m *Manager) key(client, name string, dir Direction) recordKey {
	return recordKey{client: m.ClientKey(client), name: name, dir: dir}
}

// ResolvePath maps a client supplied name to an absolute path inside the
// storage root. Only the final path element of name is used.
func (m *Manager) ResolvePath(name string) (string, error) {
	base, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.root, base), nil
}

// StatSize returns the size of a stored file.
func (m *Manager) StatSize(name string) (int64, error) {
	path, err := m.ResolvePath(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(path))
		}
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%w: %s", ErrNotAFile, filepath.Base(path))
	}
	return info.Size(), nil
}

// RecordProgress stores or replaces the checkpoint for a transfer.
func (m *Manager) RecordProgress(client, name string, dir Direction, offset int64, path string) {
	k := m.key(client, name, dir)

	m.mu.Lock()
	m.records[k] = Record{
		Client:    k.client,
		FileName:  name,
		Direction: dir,
		Offset:    offset,
		Path:      path,
		UpdatedAt: m.timeProvider.Now(),
	}
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"function":  "RecordProgress",
		"client":    k.client,
		"file_name": name,
		"direction": dir,
		"offset":    offset,
	}).Debug("Resume checkpoint recorded")
}

// LookupResume returns the checkpointed offset for a transfer, if any.
func (m *Manager) LookupResume(client, name string, dir Direction) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[m.key(client, name, dir)]
	if !ok {
		return 0, false
	}
	return rec.Offset, true
}

// Clear removes the records of a client for one file in both directions, or
// every record of the client when name is empty.
func (m *Manager) Clear(client, name string) {
	ck := m.ClientKey(client)

	m.mu.Lock()
	removed := 0
	for k := range m.records {
		if k.client != ck {
			continue
		}
		if name != "" && k.name != name {
			continue
		}
		delete(m.records, k)
		removed++
	}
	m.mu.Unlock()

	if removed > 0 {
		m.log.WithFields(logrus.Fields{
			"function":  "Clear",
			"client":    ck,
			"file_name": name,
			"removed":   removed,
		}).Debug("Resume records cleared")
	}
}

// ClearPath drops every upload record that names path, whichever client
// wrote it. It is called once an upload completed at path.
func (m *Manager) ClearPath(path string) {
	if path == "" {
		return
	}

	m.mu.Lock()
	removed := 0
	for k, rec := range m.records {
		if rec.Direction == DirectionUpload && rec.Path == path {
			delete(m.records, k)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.log.WithFields(logrus.Fields{
			"function": "ClearPath",
			"path":     path,
			"removed":  removed,
		}).Debug("Upload records for completed file cleared")
	}
}

// UploadOffer returns the offset an upload of name by client resumes at:
// the client's checkpoint when one exists, else the size of the stored file,
// else zero. A checkpoint past the bytes on disk is capped at the file size.
func (m *Manager) UploadOffer(client, name string) (int64, error) {
	size, err := m.StatSize(name)
	switch {
	case errors.Is(err, ErrNotFound):
		return 0, nil
	case err != nil:
		return 0, err
	}
	if rec, ok := m.LookupResume(client, name, DirectionUpload); ok && rec < size {
		return rec, nil
	}
	return size, nil
}

// Acquire marks a transfer as active. It fails with ErrTransferActive when
// the same client already runs a transfer of the file in that direction.
func (m *Manager) Acquire(client, name string, dir Direction) error {
	k := m.key(client, name, dir)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[k]; busy {
		return fmt.Errorf("%w: %s of %s", ErrTransferActive, dir, name)
	}
	m.active[k] = struct{}{}
	return nil
}

// Release clears the active mark set by Acquire.
func (m *Manager) Release(client, name string, dir Direction) {
	k := m.key(client, name, dir)

	m.mu.Lock()
	delete(m.active, k)
	m.mu.Unlock()
}

// Records returns a snapshot of all resume records ordered by client, file
// name and direction.
func (m *Manager) Records() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Client != out[j].Client {
			return out[i].Client < out[j].Client
		}
		if out[i].FileName != out[j].FileName {
			return out[i].FileName < out[j].FileName
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// ReapStale drops records not updated within maxAge. Records of active
// transfers are kept. For upload records the partial file is deleted too.
// It returns the number of records dropped; file removal failures are
// aggregated into the error and do not stop the sweep.
func (m *Manager) ReapStale(maxAge time.Duration) (int, error) {
	now := m.timeProvider.Now()
	var result *multierror.Error
	reaped := 0

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, rec := range m.records {
		if now.Sub(rec.UpdatedAt) <= maxAge {
			continue
		}
		if _, busy := m.active[k]; busy {
			continue
		}
		delete(m.records, k)
		reaped++

		if rec.Direction == DirectionUpload && rec.Path != "" {
			if m.partialInUseLocked(rec, now, maxAge) {
				m.log.WithFields(logrus.Fields{
					"function":  "ReapStale",
					"client":    rec.Client,
					"file_name": rec.FileName,
				}).Debug("Partial upload kept, another transfer uses it")
			} else if err := os.Remove(rec.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, fmt.Errorf("remove partial upload %s: %w", rec.Path, err))
			}
		}

		m.log.WithFields(logrus.Fields{
			"function":  "ReapStale",
			"client":    rec.Client,
			"file_name": rec.FileName,
			"direction": rec.Direction,
			"age":       now.Sub(rec.UpdatedAt).String(),
		}).Info("Stale resume record reaped")
	}

	return reaped, result.ErrorOrNil()
}

// partialInUseLocked reports whether the file behind a reaped upload record
// still belongs to a transfer: an active upload of the same name by any
// client, or a fresh record of another client naming the same path.
func (m *Manager) partialInUseLocked(rec Record, now time.Time, maxAge time.Duration) bool {
	for k := range m.active {
		if k.dir == DirectionUpload && k.name == rec.FileName {
			return true
		}
	}
	for _, other := range m.records {
		if other.Direction == DirectionUpload && other.Path == rec.Path && now.Sub(other.UpdatedAt) <= maxAge {
			return true
		}
	}
	return false
}
