// Package provider defines the capability surface of an NWP data source
// and the registry the pipeline selects sources from.
//
// A provider is anything that publishes raw forecast files over HTTP: an
// archive with day listings, an order-based API, a bare directory tree.
// Each implementation lives in its own subpackage and is registered under
// a short name ("ceda", "metoffice", "icon") that configuration, records
// and log lines all use.
package provider

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nwpio/nwpd/internal/errors"
	"github.com/nwpio/nwpd/internal/nwp"
)

// Client is the capability set a data source implements. All methods must
// be safe for concurrent use; the fetcher downloads several references
// from one client at a time.
type Client interface {
	// Name returns the registry name, e.g. "ceda".
	Name() string

	// Retention reports how far back the provider keeps raw files. Zero
	// means the source is an archive with no horizon.
	Retention() time.Duration

	// ListFiles returns a reference for every raw file whose init time
	// falls inside the window, ordered by init time ascending with ties
	// broken by name. A window reaching beyond the retention horizon
	// fails with ErrOutOfRange before any network call.
	ListFiles(ctx context.Context, window nwp.TimeWindow) ([]nwp.FileReference, error)

	// Download streams one raw file into w and returns the bytes written.
	// Compressed sources decompress on the way through, so the count can
	// differ from the remote object size.
	Download(ctx context.Context, ref nwp.FileReference, w io.Writer) (int64, error)
}

// CheckWindow validates a listing window against a client's retention
// horizon. Every ListFiles implementation calls it first so the bound is
// enforced uniformly and without network traffic.
func CheckWindow(now time.Time, c Client, window nwp.TimeWindow) error {
	if err := window.Validate(); err != nil {
		return errors.NewValidation("window", err.Error())
	}
	if horizon := c.Retention(); horizon > 0 && now.Sub(window.From) > horizon {
		return errors.NewOutOfRange(c.Name(), window.From, horizon)
	}
	return nil
}

// SortRefs orders references by init time ascending, ties by name. Listing
// implementations call it before returning so callers can rely on the
// order when grouping references into units.
func SortRefs(refs []nwp.FileReference) {
	sort.Slice(refs, func(i, j int) bool {
		if !refs[i].InitTime.Equal(refs[j].InitTime) {
			return refs[i].InitTime.Before(refs[j].InitTime)
		}
		return refs[i].Name < refs[j].Name
	})
}

// GroupByInitTime splits sorted references into per-init-time groups,
// preserving order. The orchestrator turns each group into one work unit.
func GroupByInitTime(refs []nwp.FileReference) [][]nwp.FileReference {
	var groups [][]nwp.FileReference
	for _, ref := range refs {
		n := len(groups)
		if n > 0 && groups[n-1][0].InitTime.Equal(ref.InitTime) {
			groups[n-1] = append(groups[n-1], ref)
			continue
		}
		groups = append(groups, []nwp.FileReference{ref})
	}
	return groups
}

// Registry holds the configured clients keyed by provider name.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client under its own name. Registering a name twice is
// a wiring bug and fails.
func (r *Registry) Register(c Client) error {
	name := c.Name()
	if name == "" {
		return errors.NewValidation("provider name", "must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.clients[name]; dup {
		return errors.Wrapf(errors.ErrInvalidConfig, "provider %q registered twice", name)
	}
	r.clients[name] = c
	return nil
}

// Get returns the client registered under name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound,
			"provider %q (registered: %s)", name, strings.Join(r.namesLocked(), ", "))
	}
	return c, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
