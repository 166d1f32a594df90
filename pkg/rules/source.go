package rules

// Source supplies rule definitions.  Read returns the entries in document order.
type Source interface {
	Read() ([]Entry, error)
	String() string
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() ([]Entry, error)

// Read calls f.
func (f SourceFunc) Read() ([]Entry, error) {
	return f()
}

func (f SourceFunc) String() string {
	return "func"
}

// Static is a Source returning a fixed list of entries.
type Static []Entry

// Read returns the entries.
func (s Static) Read() ([]Entry, error) {
	return s, nil
}

func (s Static) String() string {
	return "static"
}
