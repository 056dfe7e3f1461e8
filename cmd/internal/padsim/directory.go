package padsim

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"sigpad/cmd/internal/identity"

	"gopkg.in/yaml.v3"
)

// Directory is the simulator's in-memory person store, keyed by uid and card code.
type Directory struct {
	mu     sync.RWMutex
	byUID  map[string]identity.Identity
	byCard map[string]string
}

// Person is one directory entry as written in the directory file.
type Person struct {
	Card              string `yaml:"card"`
	identity.Identity `yaml:",inline"`
}

type directoryFile struct {
	People []Person `yaml:"people"`
}

// NewDirectory builds a Directory from people. Entries without a uid are skipped.
func NewDirectory(people ...Person) *Directory {
	d := &Directory{byUID: make(map[string]identity.Identity), byCard: make(map[string]string)}
	for _, p := range people {
		d.Add(p)
	}
	return d
}

// LoadDirectory reads a YAML directory file:
//
//	people:
//	  - uid: "0000000123"
//	    card: "A-0123"
//	    firstname: Ada
//	    lastname: Lovelace
func LoadDirectory(path string) (*Directory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f directoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	return NewDirectory(f.People...), nil
}

// Add inserts or replaces p.
func (d *Directory) Add(p Person) {
	uid := strings.TrimSpace(p.UID)
	if uid == "" {
		return
	}
	p.UID = uid

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byUID[uid] = p.Identity
	if card := strings.TrimSpace(p.Card); card != "" {
		d.byCard[card] = uid
	}
}

// Lookup resolves a query key ("userid" or "card") to an identity.
func (d *Directory) Lookup(kind, value string) (identity.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value = strings.TrimSpace(value)
	if kind == identity.RefCardCode.String() {
		uid, ok := d.byCard[value]
		if !ok {
			return identity.Identity{}, false
		}
		value = uid
	}
	id, ok := d.byUID[value]
	return id, ok
}

// Len is the number of people.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUID)
}
