package intents

import (
	"strings"

	"github.com/morezero/peer-agent/pkg/features"
)

// RoleProvider is the default role an intent provider advertises under.
var RoleProvider = []string{"provider"}

// AdvertiseIntent registers an action's request message type as a
// message-type feature.
func AdvertiseIntent(reg *features.Registry, action Action, roles []string) error {
	requestType, err := RequestType(action)
	if err != nil {
		return err
	}
	if len(roles) == 0 {
		roles = RoleProvider
	}
	return reg.Advertise(features.TypeMessageType, requestType, roles)
}

// AdvertiseIntents registers several actions, skipping unknown codes.
// It returns the actions actually advertised.
func AdvertiseIntents(reg *features.Registry, actions []Action, roles []string) []Action {
	var out []Action
	for _, a := range actions {
		if err := AdvertiseIntent(reg, a, roles); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// AdvertiseAllIntents registers every catalog action.
func AdvertiseAllIntents(reg *features.Registry, roles []string) []Action {
	return AdvertiseIntents(reg, Actions(), roles)
}

// AdvertiseIntentsByTier registers every action of one interaction tier.
func AdvertiseIntentsByTier(reg *features.Registry, tier Tier, roles []string) []Action {
	var chosen []Action
	for _, a := range Actions() {
		if t, ok := ActionTier(a); ok && t == tier {
			chosen = append(chosen, a)
		}
	}
	return AdvertiseIntents(reg, chosen, roles)
}

// ProviderQueries translates intent matchers into discovery queries:
// "*" covers the whole request family, an action code maps to its request
// type, and anything that already looks like a PIURI passes through.
func ProviderQueries(matchers []string) []features.Query {
	if len(matchers) == 0 {
		matchers = []string{"*"}
	}
	out := make([]features.Query, 0, len(matchers))
	for _, m := range matchers {
		out = append(out, features.Query{FeatureType: features.TypeMessageType, Match: providerPattern(m)})
	}
	return out
}

func providerPattern(matcher string) string {
	if matcher == "" || matcher == "*" {
		return Base + "/*-request"
	}
	if strings.Contains(matcher, "://") {
		return matcher
	}
	if action, err := ParseAction(matcher); err == nil {
		if t, err := RequestType(action); err == nil {
			return t
		}
	}
	return matcher
}

// FilterProviderDisclosures keeps only app-intent request capabilities in
// a discovery result, dropping peers left with none.
func FilterProviderDisclosures(disclosed map[string][]features.Feature) map[string][]features.Feature {
	out := make(map[string][]features.Feature)
	for peer, feats := range disclosed {
		var kept []features.Feature
		for _, f := range feats {
			if f.FeatureType != features.TypeMessageType {
				continue
			}
			if strings.HasPrefix(f.ID, Base+"/") && strings.HasSuffix(f.ID, "-request") {
				kept = append(kept, f)
			}
		}
		if len(kept) > 0 {
			out[peer] = kept
		}
	}
	return out
}
