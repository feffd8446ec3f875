// Package permissions tracks which intent actions the user has allowed
// remote peers to invoke on this agent.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/peer-agent/pkg/intents"
	"github.com/morezero/peer-agent/pkg/prompt"
	"github.com/morezero/peer-agent/pkg/store"
)

const logPrefix = "permissions:permissions"

// PromptAction is the prompt surface's action code for a grant request.
const PromptAction = "grant-permission"

// NewManagerParams holds Manager construction parameters.
type NewManagerParams struct {
	// Bridge asks the user about ungranted actions. Nil means every such
	// request is denied outright.
	Bridge *prompt.Bridge
	Store  store.Store
}

// Manager is the grant table. Low-tier actions are granted on first
// request without a prompt; everything else goes through the user.
type Manager struct {
	bridge *prompt.Bridge
	st     store.Store

	mu     sync.Mutex
	grants map[string]bool
}

// NewManager creates a Manager with an empty grant table.
func NewManager(params NewManagerParams) *Manager {
	return &Manager{
		bridge: params.Bridge,
		st:     params.Store,
		grants: make(map[string]bool),
	}
}

// Restore loads persisted grants. An absent key means no grants yet.
func (m *Manager) Restore(ctx context.Context) error {
	value, err := m.st.Get(ctx, store.KeyPermissionGrants)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s - restore: %w", logPrefix, err)
	}

	grants := make(map[string]bool)
	if err := json.Unmarshal([]byte(value), &grants); err != nil {
		return fmt.Errorf("%s - restore decode: %w", logPrefix, err)
	}

	m.mu.Lock()
	m.grants = grants
	m.mu.Unlock()
	slog.Info(fmt.Sprintf("%s - restored %d grants", logPrefix, len(grants)))
	return nil
}

// Check reports whether the action is currently granted.
func (m *Manager) Check(action string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.grants[action]
}

// CheckBatch checks several actions in one call.
func (m *Manager) CheckBatch(actions []string) map[string]bool {
	out := make(map[string]bool, len(actions))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, action := range actions {
		out[action] = m.grants[action]
	}
	return out
}

// ListGranted returns the granted actions in stable order.
func (m *Manager) ListGranted() []string {
	m.mu.Lock()
	var out []string
	for action, granted := range m.grants {
		if granted {
			out = append(out, action)
		}
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// Request resolves a grant decision per action: unknown codes are denied,
// existing grants are kept, low-tier actions are granted silently, and
// the rest are put to the user. New grants are persisted before the call
// returns.
func (m *Manager) Request(ctx context.Context, actions []string) (map[string]bool, error) {
	out := make(map[string]bool, len(actions))
	changed := false

	for _, code := range actions {
		action, err := intents.ParseAction(code)
		if err != nil {
			out[code] = false
			continue
		}
		if m.Check(code) {
			out[code] = true
			continue
		}

		tier, _ := intents.ActionTier(action)
		granted := false
		switch {
		case tier == intents.TierLow:
			granted = true
		case m.bridge == nil:
			slog.Debug(fmt.Sprintf("%s - no prompt surface, denying %s", logPrefix, code))
		default:
			granted = m.askUser(ctx, code, tier)
		}

		out[code] = granted
		if granted {
			m.mu.Lock()
			m.grants[code] = true
			m.mu.Unlock()
			changed = true
		}
	}

	if changed {
		if err := m.persist(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (m *Manager) askUser(ctx context.Context, code string, tier intents.Tier) bool {
	params, _ := json.Marshal(map[string]string{"action": code})
	reply, err := m.bridge.PromptAndAwait(ctx, &prompt.Prompt{
		Action: PromptAction,
		Tier:   string(tier),
		Params: params,
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - grant prompt for %s: %v", logPrefix, code, err))
		return false
	}
	return reply.Accepted
}

func (m *Manager) persist(ctx context.Context) error {
	m.mu.Lock()
	data, err := json.Marshal(m.grants)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s - persist encode: %w", logPrefix, err)
	}
	if err := m.st.Put(ctx, store.KeyPermissionGrants, string(data)); err != nil {
		return fmt.Errorf("%s - persist: %w", logPrefix, err)
	}
	return nil
}
