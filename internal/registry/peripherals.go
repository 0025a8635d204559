package registry

import (
	"fmt"
	"sync"

	"github.com/kpal-project/kpal/internal/abi"
)

// PeripheralRecord is the cached metadata the registry serves for list
// and metadata queries. It is a snapshot, taken once at creation time —
// current attribute values are never read from it; every value read is
// delegated to the owning executor (spec.md §4.5).
type PeripheralRecord struct {
	ID         uint32
	Name       string
	LibraryID  uint32
	Attributes []AttributeMeta // ordered, as reported by the plugin
}

// AttributeMeta is the metadata slice of an Attribute kept in the
// snapshot: id, name, variant, pre_init. Current value is intentionally
// absent.
type AttributeMeta struct {
	ID      uint32
	Name    string
	Variant abi.Tag
	PreInit bool
}

// Peripherals is the peripheral registry: insert-only, reader-writer
// locked, monotonic uint32 ids never reused (spec.md §4.5).
type Peripherals struct {
	mu     sync.RWMutex
	byID   map[uint32]*PeripheralRecord
	order  []uint32
	nextID uint32
}

func NewPeripherals() *Peripherals {
	return &Peripherals{byID: map[uint32]*PeripheralRecord{}}
}

// Reserve allocates the next peripheral id without yet making it visible
// to readers. Used by the creation pipeline so a library/plugin failure
// after id allocation does not have to roll an id back — the id is
// simply never inserted and is not reused (spec.md invariant: "IDs are
// never reused within a process").
func (p *Peripherals) Reserve() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	return id
}

// Insert makes a fully constructed peripheral record visible to readers.
// Per spec.md §5, a peripheral must be fully constructed and its executor
// running before it becomes listable — callers must not call Insert until
// that point.
func (p *Peripherals) Insert(rec *PeripheralRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID[rec.ID] = rec
	p.order = append(p.order, rec.ID)
}

var ErrPeripheralNotFound = fmt.Errorf("registry: peripheral not found")

func (p *Peripherals) Get(id uint32) (*PeripheralRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.byID[id]
	if !ok {
		return nil, ErrPeripheralNotFound
	}
	return rec, nil
}

// List returns peripheral records in creation order.
func (p *Peripherals) List() []*PeripheralRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*PeripheralRecord, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}
