package venue

import (
	"errors"
	"sync"
)

// Opener opens the venue with the given ID.
type Opener func(id string) Venue

// Directory hands out one Venue per ID, opening each on first use.
type Directory struct {
	open      Opener
	defaultID string

	mu     sync.Mutex
	venues map[string]Venue
}

// NewDirectory creates a directory; an empty ID resolves to defaultID.
func NewDirectory(defaultID string, open Opener) *Directory {
	return &Directory{open: open, defaultID: defaultID, venues: make(map[string]Venue)}
}

// Get returns the venue with id.
func (d *Directory) Get(id string) (Venue, error) {
	if id == "" {
		id = d.defaultID
	}
	if id == "" {
		return nil, errors.New("venue id is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.venues[id]
	if !ok {
		v = d.open(id)
		d.venues[id] = v
	}
	return v, nil
}

// DefaultID returns the ID used when none is given.
func (d *Directory) DefaultID() string { return d.defaultID }
