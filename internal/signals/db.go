package signals

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.einride.tech/can/pkg/dbc"
)

// DB is a name index of signals, usually loaded from a DBC file where every
// message definition becomes one signal.
type DB struct {
	namespace string
	byName    map[string]Signal
}

// NewDB returns an empty database for namespace.
func NewDB(namespace string) *DB {
	return &DB{namespace: namespace, byName: make(map[string]Signal)}
}

// LoadDBC parses the DBC file at path. The namespace defaults to the file name
// without extension.
func LoadDBC(path, namespace string) (*DB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dbc %s: %w", path, err)
	}
	if namespace == "" {
		namespace = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return ParseDBC(path, data, namespace)
}

// ParseDBC parses DBC source text.
func ParseDBC(name string, data []byte, namespace string) (*DB, error) {
	parser := dbc.NewParser(name, data)
	if err := parser.Parse(); err != nil {
		return nil, fmt.Errorf("parse dbc %s: %w", name, err)
	}
	db := NewDB(namespace)
	for _, def := range parser.Defs() {
		msg, ok := def.(*dbc.MessageDef)
		if !ok {
			continue
		}
		err := db.Add(Signal{
			Name:     string(msg.Name),
			ID:       msg.MessageID.ToCAN(),
			Extended: msg.MessageID.IsExtended(),
		})
		if err != nil {
			return nil, err
		}
	}
	if db.Len() == 0 {
		return nil, fmt.Errorf("dbc %s contains no message definitions", name)
	}
	return db, nil
}

// Add registers s under its name (case-insensitive). The database namespace
// is applied when s has none.
func (db *DB) Add(s Signal) error {
	if s.Namespace == "" {
		s.Namespace = db.namespace
	}
	if err := s.Validate(); err != nil {
		return err
	}
	key := strings.ToLower(s.Name)
	if _, dup := db.byName[key]; dup {
		return fmt.Errorf("%w: duplicate signal %s", ErrInvalidSignal, s.Name)
	}
	db.byName[key] = s
	return nil
}

// Lookup finds a signal by name.
func (db *DB) Lookup(name string) (Signal, error) {
	s, ok := db.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnknownSignal, name)
	}
	return s, nil
}

// Channel resolves a send/receive pair by name.
func (db *DB) Channel(send, receive string) (Channel, error) {
	s, err := db.Lookup(send)
	if err != nil {
		return Channel{}, err
	}
	r, err := db.Lookup(receive)
	if err != nil {
		return Channel{}, err
	}
	return NewChannel(s, r)
}

// Namespace returns the namespace applied to added signals.
func (db *DB) Namespace() string { return db.namespace }

func (db *DB) Len() int { return len(db.byName) }

// Signals returns all signals ordered by identifier.
func (db *DB) Signals() []Signal {
	out := make([]Signal, 0, len(db.byName))
	for _, s := range db.byName {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}
