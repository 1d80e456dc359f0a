package schema

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned by Publish when the proposed definition is
// structurally incompatible with queries still running under a live version.
var ErrConflict = errors.New("schema conflict")

// Version is an immutable schema snapshot. Sessions acquire a reference at
// connection time and keep it until they close, so a publication never
// changes a session's view mid-flight.
type Version struct {
	number uint64
	def    Definition

	reg      *Registry
	refs     int
	inflight map[string]int // attribute -> open query count
}

// Number returns the monotonically increasing version number.
func (v *Version) Number() uint64 { return v.number }

func (v *Version) Entity(name string) (*EntityMapping, bool) {
	return v.def.Entity(name)
}

func (v *Version) EntityByParentRDN(rdn string) (*EntityMapping, bool) {
	return v.def.EntityByParentRDN(rdn)
}

func (v *Version) Entities() []EntityMapping {
	return v.def.Entities
}

func (v *Version) ObjectClasses() []ObjectClass {
	return v.def.ObjectClasses
}

// BeginQuery records the attributes an open search references, so Publish
// can refuse definitions that would pull them out from under it. The
// returned func must be called when the search completes.
func (v *Version) BeginQuery(attrs []string) func() {
	v.reg.mu.Lock()
	for _, a := range attrs {
		v.inflight[a]++
	}
	v.reg.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.reg.mu.Lock()
			for _, a := range attrs {
				if v.inflight[a] > 0 {
					v.inflight[a]--
				}
			}
			v.reg.mu.Unlock()
		})
	}
}

// Registry owns the active schema version and the retirement of old ones.
type Registry struct {
	mu     sync.Mutex
	active *Version
	live   map[uint64]*Version
	next   uint64
}

// NewRegistry creates a registry with def as version 1.
func NewRegistry(def Definition) (*Registry, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{live: make(map[uint64]*Version), next: 1}
	v := r.newVersion(def)
	r.active = v
	r.live[v.number] = v
	return r, nil
}

func (r *Registry) newVersion(def Definition) *Version {
	v := &Version{
		number:   r.next,
		def:      def,
		reg:      r,
		inflight: make(map[string]int),
	}
	r.next++
	return v
}

// Active returns the current version without taking a reference. Callers
// that hold the result across backend calls must use Acquire instead.
func (r *Registry) Active() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Acquire returns the active version with its reference count raised. The
// version stays valid, publications notwithstanding, until Release.
func (r *Registry) Acquire() *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active.refs++
	return r.active
}

// Release drops a reference taken with Acquire. A non-active version with
// no remaining references is retired.
func (r *Registry) Release(v *Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.refs > 0 {
		v.refs--
	}
	if v.refs == 0 && v != r.active {
		delete(r.live, v.number)
	}
}

// Publish atomically installs def as the new active version. Sessions that
// already acquired an older version keep it; sessions arriving after
// Publish observe the new one. Publication fails with ErrConflict when def
// removes an attribute referenced by a search still running under any live
// version.
func (r *Registry) Publish(def Definition) (*Version, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.live {
		if v.refs == 0 {
			continue
		}
		for attr, n := range v.inflight {
			if n > 0 && !def.HasAttribute(attr) {
				return nil, fmt.Errorf("%w: attribute %q is referenced by an open search under version %d",
					ErrConflict, attr, v.number)
			}
		}
	}

	old := r.active
	v := r.newVersion(def)
	r.active = v
	r.live[v.number] = v
	if old.refs == 0 {
		delete(r.live, old.number)
	}
	return v, nil
}
