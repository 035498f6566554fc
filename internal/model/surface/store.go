package surface

// Store exposes the surface variants a widget can be mounted with.
type Store interface {
	List() []Variant
	FindByID(id string) (Variant, bool)
	// Resolve maps a client-supplied id to a variant; empty picks the default.
	Resolve(id string) (Variant, bool)
}

// MemoryStore keeps variants in declaration order with an id index.
// Later duplicates of an id are ignored.
type MemoryStore struct {
	items []Variant
	index map[string]int
}

func NewMemoryStore(items []Variant) *MemoryStore {
	s := &MemoryStore{index: make(map[string]int, len(items))}
	for _, item := range items {
		if _, dup := s.index[item.ID]; dup {
			continue
		}
		s.index[item.ID] = len(s.items)
		s.items = append(s.items, item)
	}
	return s
}

func (s *MemoryStore) List() []Variant {
	return append([]Variant(nil), s.items...)
}

func (s *MemoryStore) FindByID(id string) (Variant, bool) {
	i, ok := s.index[id]
	if !ok {
		return Variant{}, false
	}
	return s.items[i], true
}

func (s *MemoryStore) Resolve(id string) (Variant, bool) {
	if id == "" {
		return s.Default()
	}
	return s.FindByID(id)
}

// Default returns the DefaultVariantID variant, falling back to the first one.
func (s *MemoryStore) Default() (Variant, bool) {
	if v, ok := s.FindByID(DefaultVariantID); ok {
		return v, true
	}
	if len(s.items) == 0 {
		return Variant{}, false
	}
	return s.items[0], true
}
