package hypercore

import "sync"

// Store abstracts persistence for a single log's entries, mirroring
// _examples/karasz-securelog/logger.go's Store interface. Append is the
// only mutation; implementations must make it atomic (either the entry
// becomes visible at length-1, or length is unchanged).
type Store interface {
	Append(e Entry) error
	Get(seq uint64) (Entry, bool, error)
	Length() (uint64, error)
	Close() error
}

// OpenStoreFunc constructs a Store for a named log, e.g. OpenFileStore or
// OpenSQLiteStore bound to a per-log path/table.
type OpenStoreFunc func(name string) (Store, error)

// Corestore maintains a named map of logs, lazily constructing each log's
// backing Store on first Get call (§4.1 "A Corestore collaborator
// maintains a named map of logs, lazily constructing a log on first
// get(name)").
type Corestore struct {
	mu              sync.Mutex
	open            OpenStoreFunc
	maxPayloadBytes uint32
	logs            map[string]*Log
}

// NewCorestore creates a Corestore that opens backing stores with open.
func NewCorestore(open OpenStoreFunc, maxPayloadBytes uint32) *Corestore {
	return &Corestore{open: open, maxPayloadBytes: maxPayloadBytes, logs: make(map[string]*Log)}
}

// Get returns the named log, creating and opening its Store on first use.
func (c *Corestore) Get(name string, publicKey []byte, writable bool) (*Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.logs[name]; ok {
		return l, nil
	}
	st, err := c.open(name)
	if err != nil {
		return nil, err
	}
	l, err := OpenLog(name, st, publicKey, writable, c.maxPayloadBytes)
	if err != nil {
		return nil, err
	}
	c.logs[name] = l
	return l, nil
}

// Names lists every log opened so far.
func (c *Corestore) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.logs))
	for n := range c.logs {
		out = append(out, n)
	}
	return out
}

// Close closes every opened log's backing store.
func (c *Corestore) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, l := range c.logs {
		if err := l.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
