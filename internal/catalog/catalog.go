package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/rzbill/jot/internal/journal"
	"github.com/rzbill/jot/pkg/log"
)

// Entry describes one journal file known to the catalog.
type Entry struct {
	Name     string `json:"name"` // base file name, the catalog key
	Path     string `json:"path"`
	SeqnumID string `json:"seqnum_id"`

	HeadSeqnum   uint64 `json:"head_seqnum"`
	TailSeqnum   uint64 `json:"tail_seqnum"`
	HeadRealtime uint64 `json:"head_realtime_us"`
	TailRealtime uint64 `json:"tail_realtime_us"`

	Entries  uint64 `json:"entries"`
	Size     int64  `json:"size"`
	Archived bool   `json:"archived"`
}

// ErrNotFound is returned for lookups of unknown files.
var ErrNotFound = errors.New("catalog: not found")

// Catalog is a small persistent index over the journal files of one
// directory: which files exist, what sequence number and time range each
// covers, and whether it is archived. Cross-file queries consult it
// instead of opening every file to read its header.
type Catalog struct {
	db  *pebble.DB
	log log.Logger
}

// Open opens or creates the catalog database at dbPath.
func Open(dbPath string, logger log.Logger) (*Catalog, error) {
	if logger == nil {
		logger = log.Discard()
	}
	db, err := pebble.Open(dbPath, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "catalog: open")
	}
	return &Catalog{db: db, log: log.WithComponent(logger, "catalog")}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Put inserts or updates one entry.
func (c *Catalog) Put(e Entry) error {
	if e.Name == "" {
		return errors.New("catalog: entry without name")
	}
	v, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "catalog: marshal")
	}
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(e.Name), v, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Get returns the entry for a file name.
func (c *Catalog) Get(name string) (Entry, error) {
	v, closer, err := c.db.Get([]byte(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Entry{}, errors.Wrap(ErrNotFound, name)
		}
		return Entry{}, err
	}
	defer closer.Close()

	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, errors.Wrap(err, "catalog: unmarshal")
	}
	return e, nil
}

// Delete drops a file from the catalog.
func (c *Catalog) Delete(name string) error {
	b := c.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(name), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// List returns all entries, sorted by name.
func (c *Catalog) List() ([]Entry, error) {
	it, err := c.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Entry
	for it.First(); it.Valid(); it.Next() {
		var e Entry
		if err := json.Unmarshal(it.Value(), &e); err != nil {
			return nil, errors.Wrapf(err, "catalog: unmarshal %q", it.Key())
		}
		out = append(out, e)
	}
	return out, it.Error()
}

// Covering returns the files whose entry time range includes the given
// wall clock microsecond timestamp. The active file has an open-ended
// range.
func (c *Catalog) Covering(usec uint64) ([]Entry, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Entries == 0 {
			continue
		}
		if usec < e.HeadRealtime {
			continue
		}
		if e.Archived && usec > e.TailRealtime {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Rescan rebuilds the catalog from the journal files actually present in
// dir. Files that vanished are dropped, new or changed ones re-read. Files
// that fail to open are logged and skipped; a broken archive must not take
// down the index of the healthy ones.
func (c *Catalog) Rescan(dir string) error {
	names, err := filepath.Glob(filepath.Join(dir, "*.journal"))
	if err != nil {
		return errors.Wrap(err, "catalog: glob")
	}

	seen := make(map[string]bool, len(names))
	for _, path := range names {
		name := filepath.Base(path)
		seen[name] = true

		e, err := describe(path)
		if err != nil {
			c.log.WithError(err).WithField("path", path).Warn("skipping unreadable journal file")
			continue
		}
		if err := c.Put(e); err != nil {
			return err
		}
	}

	existing, err := c.List()
	if err != nil {
		return err
	}
	for _, e := range existing {
		if !seen[e.Name] {
			if err := c.Delete(e.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func describe(path string) (Entry, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Entry{}, err
	}

	f, err := journal.Open(path, journal.Options{})
	if err != nil {
		return Entry{}, err
	}
	defer f.Close()

	info := f.Stat()
	e := Entry{
		Name:       filepath.Base(path),
		Path:       path,
		SeqnumID:   info.SeqnumID.String(),
		HeadSeqnum: info.HeadSeqnum,
		TailSeqnum: info.TailSeqnum,
		Entries:    info.NEntries,
		Size:       st.Size(),
		Archived:   info.State == journal.StateArchived || strings.Contains(filepath.Base(path), "@"),
	}
	if !info.HeadRealtime.IsZero() {
		e.HeadRealtime = uint64(info.HeadRealtime.UnixMicro())
	}
	if !info.TailRealtime.IsZero() {
		e.TailRealtime = uint64(info.TailRealtime.UnixMicro())
	}
	return e, nil
}
