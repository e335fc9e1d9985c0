package state

import "fmt"

// TableStore is a plain keyed store holding the current value per key. It
// backs default-mode stream-table joins and global tables.
type TableStore struct {
	engine Store
	mirror Mirror
	name   string
}

type TableStoreOptions struct {
	Engine Store
	Mirror Mirror // nil discards mutations
	Name   string
}

func NewTableStore(opts TableStoreOptions) *TableStore {
	if opts.Engine == nil {
		panic("BUG table store requires an engine")
	}
	if opts.Mirror == nil {
		opts.Mirror = NopMirror{}
	}
	return &TableStore{engine: opts.Engine, mirror: opts.Mirror, name: opts.Name}
}

func (s *TableStore) Name() string {
	return s.name
}

// Get returns the current value for key or ErrNotFound.
func (s *TableStore) Get(key []byte) ([]byte, error) {
	return s.engine.Get(key)
}

func (s *TableStore) Put(key, value []byte) error {
	if err := s.mirror.Put(key, value); err != nil {
		return fmt.Errorf("mirroring put to %s: %w", s.name, err)
	}
	return s.engine.Put(key, value)
}

// Delete removes key, the table reading of a tombstone record.
func (s *TableStore) Delete(key []byte) error {
	if err := s.mirror.Delete(key); err != nil {
		return fmt.Errorf("mirroring delete to %s: %w", s.name, err)
	}
	return s.engine.Delete(key)
}

func (s *TableStore) RestorePut(key, value []byte) error {
	return s.engine.Put(key, value)
}

func (s *TableStore) RestoreDelete(key []byte) error {
	return s.engine.Delete(key)
}

var _ Restorer = (*TableStore)(nil)
