package switcher

import (
	"errors"
	"fmt"
)

// ErrEmptyRegistry is returned when a registry is constructed with no cameras.
var ErrEmptyRegistry = errors.New("camera registry is empty")

// Registry is the ordered, immutable set of configured cameras. Iteration
// order is configuration order; it is the rotation tie-break.
type Registry struct {
	cameras []Camera
	byID    map[string]int
}

// NewRegistry builds a registry from the configured cameras. An empty list or
// a duplicate id is a configuration error.
func NewRegistry(cameras []Camera) (*Registry, error) {
	if len(cameras) == 0 {
		return nil, ErrEmptyRegistry
	}
	byID := make(map[string]int, len(cameras))
	for i, cam := range cameras {
		if cam.ID == "" {
			return nil, fmt.Errorf("camera %d has no id", i)
		}
		if _, dup := byID[cam.ID]; dup {
			return nil, fmt.Errorf("duplicate camera id %q", cam.ID)
		}
		byID[cam.ID] = i
	}
	out := make([]Camera, len(cameras))
	copy(out, cameras)
	return &Registry{cameras: out, byID: byID}, nil
}

// Len returns the number of configured cameras.
func (r *Registry) Len() int { return len(r.cameras) }

// At returns the camera at position i in registry order.
func (r *Registry) At(i int) Camera { return r.cameras[i] }

// Lookup returns the camera with the given id.
func (r *Registry) Lookup(id string) (Camera, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Camera{}, false
	}
	return r.cameras[i], true
}

// Cameras returns a copy of the camera list.
func (r *Registry) Cameras() []Camera {
	out := make([]Camera, len(r.cameras))
	copy(out, r.cameras)
	return out
}
