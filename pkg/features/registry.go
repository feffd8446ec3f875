// Package features implements feature advertisement and discovery: an
// in-memory registry of locally supported capabilities, a glob-based query
// matcher, a timed discovery window, and the auto-responder that answers
// other peers' queries.
package features

import (
	"fmt"
	"sync"
)

// Feature types form a closed enum.
const (
	TypeProtocol    = "protocol"
	TypeGoalCode    = "goal-code"
	TypeMessageType = "message-type"
)

// Feature is an advertised capability, keyed by ID in the registry.
type Feature struct {
	FeatureType string   `json:"feature-type"`
	ID          string   `json:"id"`
	Roles       []string `json:"roles,omitempty"`
}

// Query asks whether a peer supports features of a type matching a glob.
type Query struct {
	FeatureType string `json:"feature-type"`
	Match       string `json:"match"`
}

// Registry is the process-wide table of locally supported features.
// Entries live for the process lifetime; last write per ID wins.
type Registry struct {
	mu    sync.Mutex
	byID  map[string]Feature
	order []string
}

// NewRegistry creates an empty feature registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Feature)}
}

// Advertise validates the feature type against the closed enum and upserts
// the entry.
func (r *Registry) Advertise(featureType, id string, roles []string) error {
	switch featureType {
	case TypeProtocol, TypeGoalCode, TypeMessageType:
	default:
		return fmt.Errorf("unsupported feature-type: %s", featureType)
	}
	if id == "" {
		return fmt.Errorf("feature id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; !exists {
		r.order = append(r.order, id)
	}
	r.byID[id] = Feature{FeatureType: featureType, ID: id, Roles: roles}
	return nil
}

// Snapshot returns the registered features in advertisement order.
func (r *Registry) Snapshot() []Feature {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Feature, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Match returns the registered features matched by any of the queries. A
// query matches a feature iff the feature-type is equal and the feature ID
// matches the query glob.
func (r *Registry) Match(queries []Query) []Feature {
	var out []Feature
	for _, f := range r.Snapshot() {
		for _, q := range queries {
			if q.Match == "" {
				continue
			}
			if q.FeatureType != f.FeatureType {
				continue
			}
			if GlobMatch(q.Match, f.ID) {
				out = append(out, f)
				break
			}
		}
	}
	return out
}
