package storage

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/dropzone/internal/logging"
)

// ErrUnknownLocation is returned when a named location is not registered.
var ErrUnknownLocation = errors.New("unknown storage location")

// Location is a named upload target.
type Location struct {
	Name      string
	Backend   Backend
	ReadOnly  bool
	IsDefault bool
}

// Router resolves which backend a drop targets.
type Router struct {
	mu         sync.RWMutex
	locations  map[string]*Location
	defaultLoc *Location
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{locations: make(map[string]*Location)}
}

// Add registers loc, replacing and closing any previous location of the same name.
// Read-only locations get their backend wrapped so writes fail at the source.
func (r *Router) Add(loc Location) error {
	if loc.Name == "" {
		return fmt.Errorf("location name is required")
	}
	if loc.Backend == nil {
		return fmt.Errorf("location %s has no backend", loc.Name)
	}
	if loc.ReadOnly {
		loc.Backend = ReadOnly(loc.Backend)
	}

	r.mu.Lock()
	old := r.locations[loc.Name]
	l := &loc
	r.locations[loc.Name] = l
	if loc.IsDefault || r.defaultLoc == nil || r.defaultLoc == old {
		r.defaultLoc = l
	}
	r.mu.Unlock()

	if old != nil && old.Backend != nil {
		old.Backend.Close()
	}
	logging.Info("storage location registered",
		zap.String("name", loc.Name),
		zap.String("type", loc.Backend.Type()),
		zap.Bool("read_only", loc.ReadOnly))
	return nil
}

// Resolve returns the named location, or the default when name is empty.
func (r *Router) Resolve(name string) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if r.defaultLoc == nil {
			return nil, ErrUnknownLocation
		}
		return r.defaultLoc, nil
	}
	loc, ok := r.locations[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, name)
	}
	return loc, nil
}

// CheckWritable returns ErrReadOnlyStorage when the named location refuses writes.
func (r *Router) CheckWritable(name string) error {
	loc, err := r.Resolve(name)
	if err != nil {
		return err
	}
	if loc.ReadOnly {
		return ErrReadOnlyStorage
	}
	return nil
}

// Close closes every registered backend.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, loc := range r.locations {
		if err := loc.Backend.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.locations = make(map[string]*Location)
	r.defaultLoc = nil
	return errors.Join(errs...)
}
