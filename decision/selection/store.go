package selection

// Selection maps field keys to chosen values.
type Selection map[string]Value

// Clone returns an independent copy.
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store holds the current selection. It performs no validation: values the
// pricing service rejects come back as a validation error on the next preview.
// Store is not safe for concurrent use; the configurator serializes access.
type Store struct {
	values Selection
}

func NewStore() *Store {
	return &Store{values: make(Selection)}
}

// Set replaces the value for key and reports whether anything changed.
func (s *Store) Set(key string, v Value) bool {
	if cur, ok := s.values[key]; ok && cur.Equal(v) {
		return false
	}
	s.values[key] = v
	return true
}

func (s *Store) Get(key string) (Value, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) Len() int {
	return len(s.values)
}

// Reset drops every value.
func (s *Store) Reset() {
	s.values = make(Selection)
}

func (s *Store) Snapshot() Selection {
	return s.values.Clone()
}
