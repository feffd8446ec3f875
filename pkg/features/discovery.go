package features

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/peer-agent/pkg/commsutil"
	"github.com/morezero/peer-agent/pkg/demux"
	"github.com/morezero/peer-agent/pkg/substrate"
)

const discoveryLogPrefix = "features:discovery"

// Discover-features 2.0 wire message types.
const (
	QueriesType  = "https://didcomm.org/discover-features/2.0/queries"
	DiscloseType = "https://didcomm.org/discover-features/2.0/disclose"
)

// DefaultWindow is the collection window used when the caller passes none.
const DefaultWindow = 400 * time.Millisecond

type queriesBody struct {
	Queries []Query `json:"queries"`
}

type discloseBody struct {
	Disclosures []Feature `json:"disclosures"`
	// Features is a legacy alias some peers still emit.
	Features []Feature `json:"features,omitempty"`
}

func (b *discloseBody) features() []Feature {
	if len(b.Disclosures) > 0 {
		return b.Disclosures
	}
	return b.Features
}

// QuerySpec is a Query that also accepts the string shorthand on decode:
// "pattern" normalizes to {feature-type:"message-type", match:"pattern"}.
type QuerySpec struct {
	Query
}

// UnmarshalJSON accepts either a bare glob string or a full query object.
func (q *QuerySpec) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		q.FeatureType = TypeMessageType
		q.Match = s
		return nil
	}
	var obj struct {
		FeatureType string `json:"feature-type"`
		Match       string `json:"match"`
		ID          string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	q.FeatureType = obj.FeatureType
	if q.FeatureType == "" {
		q.FeatureType = TypeMessageType
	}
	q.Match = obj.Match
	if q.Match == "" {
		q.Match = obj.ID
	}
	if q.Match == "" {
		q.Match = "*"
	}
	return nil
}

// NormalizeQueries converts QuerySpecs to plain queries.
func NormalizeQueries(specs []QuerySpec) []Query {
	out := make([]Query, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Query)
	}
	return out
}

// Discoverer broadcasts capability queries and collects disclosures.
type Discoverer struct {
	sub substrate.Substrate
	dmx *demux.Demux
}

// NewDiscoverer creates a Discoverer over a substrate and inbound demux.
func NewDiscoverer(sub substrate.Substrate, dmx *demux.Demux) *Discoverer {
	return &Discoverer{sub: sub, dmx: dmx}
}

// Discover broadcasts the query batch to the wildcard destination and
// collects disclose events for the given window, keyed by peer identity.
// Later disclosures from the same peer overwrite earlier ones; disclosures
// after the window closes are dropped. A pack failure returns the empty
// map with an error; a send failure still opens the window so the caller
// observes the same empty result a silent network would produce.
func (d *Discoverer) Discover(ctx context.Context, queries []Query, window time.Duration) (map[string][]Feature, error) {
	result := make(map[string][]Feature)
	if window <= 0 {
		window = DefaultWindow
	}

	body, err := json.Marshal(queriesBody{Queries: queries})
	if err != nil {
		return result, fmt.Errorf("%s - query body encode: %w", discoveryLogPrefix, err)
	}

	var mu sync.Mutex
	unsubscribe := d.dmx.Subscribe(func(msg *substrate.Message) {
		if msg.Type != DiscloseType || msg.From == "" {
			return
		}
		var disclose discloseBody
		if err := json.Unmarshal(msg.Body, &disclose); err != nil {
			slog.Warn(fmt.Sprintf("%s - malformed disclose from %s: %v", discoveryLogPrefix, msg.From, err))
			return
		}
		feats := disclose.features()
		if feats == nil {
			return
		}
		mu.Lock()
		result[msg.From] = feats
		mu.Unlock()
	})
	defer unsubscribe()

	packed := d.sub.Pack(ctx, commsutil.DestAll, QueriesType, body, nil, "")
	if !packed.Success {
		return result, fmt.Errorf("%s - pack failed: %s", discoveryLogPrefix, packed.Error)
	}
	if out := d.sub.Send(ctx, commsutil.DestAll, packed.Message); out != substrate.OutcomeSuccess {
		slog.Warn(fmt.Sprintf("%s - broadcast failed: %s", discoveryLogPrefix, out))
	}

	select {
	case <-time.After(window):
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return result, nil
}

// AutoResponder answers inbound queries against the local registry.
type AutoResponder struct {
	sub substrate.Substrate
	reg *Registry
}

// NewAutoResponder creates an AutoResponder for the given registry.
func NewAutoResponder(sub substrate.Substrate, reg *Registry) *AutoResponder {
	return &AutoResponder{sub: sub, reg: reg}
}

// Install subscribes the responder to the inbound demux and returns its
// unsubscribe function.
func (a *AutoResponder) Install(dmx *demux.Demux) func() {
	return dmx.Subscribe(a.handle)
}

func (a *AutoResponder) handle(msg *substrate.Message) {
	if msg.Type != QueriesType || msg.From == "" {
		return
	}
	// Ignore our own broadcast.
	if self := a.sub.Identity(); self != "" && msg.From == self {
		return
	}

	var body queriesBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		slog.Warn(fmt.Sprintf("%s - malformed queries from %s: %v", discoveryLogPrefix, msg.From, err))
		return
	}

	matched := a.reg.Match(body.Queries)
	if len(matched) == 0 {
		// No match means silence, not a negative acknowledgment.
		return
	}

	data, err := json.Marshal(discloseBody{Disclosures: matched})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - disclose body encode: %v", discoveryLogPrefix, err))
		return
	}

	ctx := context.Background()
	packed := a.sub.Pack(ctx, msg.From, DiscloseType, data, nil, "")
	if !packed.Success {
		slog.Warn(fmt.Sprintf("%s - disclose pack failed: %s", discoveryLogPrefix, packed.Error))
		return
	}
	if out := a.sub.Send(ctx, msg.From, packed.Message); out != substrate.OutcomeSuccess {
		slog.Warn(fmt.Sprintf("%s - disclose send to %s failed: %s", discoveryLogPrefix, msg.From, out))
	}
}
