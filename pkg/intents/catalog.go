// Package intents implements the app-intent 1.0 protocol layer: the closed
// action catalog, the outbound request engine, the inbound router dispatch,
// and the control-message senders.
package intents

import (
	"fmt"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

// Base is the app-intent protocol PIURI. Request and response types are
// action-specific: {Base}/{action}-request and {Base}/{action}-response.
const Base = "https://didcomm.org/app-intent/1.0"

const familyPrefix = "https://didcomm.org/app-intent/"

// Control message types shared by all actions.
const (
	DeclineType  = Base + "/decline"
	ProgressType = Base + "/progress"
	CancelType   = Base + "/cancel"
)

// Action is one code from the closed intent vocabulary.
type Action string

const (
	ActionShare             Action = "share"
	ActionComposeEmail      Action = "compose-email"
	ActionDialCall          Action = "dial-call"
	ActionOpenURL           Action = "open-url"
	ActionPickFile          Action = "pick-file"
	ActionPickContact       Action = "pick-contact"
	ActionPickDatetime      Action = "pick-datetime"
	ActionPickLocation      Action = "pick-location"
	ActionCapturePhoto      Action = "capture-photo"
	ActionCaptureVideo      Action = "capture-video"
	ActionCaptureAudio      Action = "capture-audio"
	ActionScanQR            Action = "scan-qr"
	ActionScanDocument      Action = "scan-document"
	ActionOpenMapNavigation Action = "open-map-navigation"
	ActionAddCalendarEvent  Action = "add-calendar-event"
	ActionAddContact        Action = "add-contact"
	ActionSaveTo            Action = "save-to"
	ActionPrint             Action = "print"
	ActionTranslate         Action = "translate"
	ActionPay               Action = "pay"
	ActionSign              Action = "sign"
	ActionVerifySignature   Action = "verify-signature"
	ActionEncrypt           Action = "encrypt"
	ActionDecrypt           Action = "decrypt"
)

// Tier is the user-interaction weight of an action.
type Tier string

const (
	TierLow    Tier = "L"
	TierMedium Tier = "M"
	TierHigh   Tier = "H"
)

var tiers = map[Action]Tier{
	ActionShare:             TierMedium,
	ActionComposeEmail:      TierHigh,
	ActionDialCall:          TierHigh,
	ActionOpenURL:           TierMedium,
	ActionPickFile:          TierMedium,
	ActionPickContact:       TierMedium,
	ActionPickDatetime:      TierLow,
	ActionPickLocation:      TierMedium,
	ActionCapturePhoto:      TierHigh,
	ActionCaptureVideo:      TierHigh,
	ActionCaptureAudio:      TierHigh,
	ActionScanQR:            TierMedium,
	ActionScanDocument:      TierMedium,
	ActionOpenMapNavigation: TierMedium,
	ActionAddCalendarEvent:  TierHigh,
	ActionAddContact:        TierHigh,
	ActionSaveTo:            TierMedium,
	ActionPrint:             TierMedium,
	ActionTranslate:         TierLow,
	ActionPay:               TierHigh,
	ActionSign:              TierHigh,
	ActionVerifySignature:   TierLow,
	ActionEncrypt:           TierHigh,
	ActionDecrypt:           TierHigh,
}

// catalog is the static bidirectional action ↔ message-type table.
type catalog struct {
	actions          []Action
	requestByAction  map[Action]string
	responseByAction map[Action]string
	actionByRequest  map[string]Action
	actionByResponse map[string]Action
}

var table = mustBuildCatalog()

// revisionConstraint gates which protocol family revisions the fallback
// response match will accept.
var revisionConstraint = mustConstraint("^1")

func mustConstraint(expr string) *masterminds.Constraints {
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		panic(fmt.Sprintf("intents: bad revision constraint %q: %v", expr, err))
	}
	return c
}

// mustBuildCatalog builds and verifies the table once. The action set is
// compiled in, so a verification failure is a build defect.
func mustBuildCatalog() *catalog {
	rev, err := familyRevision(Base)
	if err != nil {
		panic(fmt.Sprintf("intents: base PIURI revision: %v", err))
	}
	if !revisionConstraint.Check(rev) {
		panic(fmt.Sprintf("intents: base PIURI revision %s outside supported range", rev))
	}

	c := &catalog{
		requestByAction:  make(map[Action]string),
		responseByAction: make(map[Action]string),
		actionByRequest:  make(map[string]Action),
		actionByResponse: make(map[string]Action),
	}
	for action := range tiers {
		c.actions = append(c.actions, action)
	}
	sort.Slice(c.actions, func(i, j int) bool { return c.actions[i] < c.actions[j] })

	for _, action := range c.actions {
		req := fmt.Sprintf("%s/%s-request", Base, action)
		resp := fmt.Sprintf("%s/%s-response", Base, action)
		if _, dup := c.actionByRequest[req]; dup {
			panic(fmt.Sprintf("intents: duplicate request type %s", req))
		}
		if _, dup := c.actionByResponse[resp]; dup {
			panic(fmt.Sprintf("intents: duplicate response type %s", resp))
		}
		c.requestByAction[action] = req
		c.responseByAction[action] = resp
		c.actionByRequest[req] = action
		c.actionByResponse[resp] = action
	}

	// Totality check: both derived maps must cover every action.
	for _, action := range c.actions {
		if c.actionByRequest[c.requestByAction[action]] != action {
			panic(fmt.Sprintf("intents: request mapping not bijective for %s", action))
		}
		if c.actionByResponse[c.responseByAction[action]] != action {
			panic(fmt.Sprintf("intents: response mapping not bijective for %s", action))
		}
	}
	return c
}

// familyRevision parses the revision segment of an app-intent PIURI.
func familyRevision(piuri string) (*masterminds.Version, error) {
	idx := strings.LastIndex(piuri, "/")
	if idx < 0 || idx == len(piuri)-1 {
		return nil, fmt.Errorf("no revision segment in %q", piuri)
	}
	rev, err := masterminds.NewVersion(piuri[idx+1:])
	if err != nil {
		return nil, fmt.Errorf("revision %q in %q: %w", piuri[idx+1:], piuri, err)
	}
	return rev, nil
}

// Actions returns the closed action vocabulary in stable order.
func Actions() []Action {
	out := make([]Action, len(table.actions))
	copy(out, table.actions)
	return out
}

// ActionTier returns the interaction tier of an action.
func ActionTier(a Action) (Tier, bool) {
	t, ok := tiers[a]
	return t, ok
}

// ParseAction resolves a code against the closed vocabulary. Identifiers
// outside the catalog are rejected, never coerced.
func ParseAction(code string) (Action, error) {
	a := Action(code)
	if _, ok := table.requestByAction[a]; !ok {
		return "", fmt.Errorf("unknown intent action: %q", code)
	}
	return a, nil
}

// RequestType returns the action's request message type.
func RequestType(a Action) (string, error) {
	t, ok := table.requestByAction[a]
	if !ok {
		return "", fmt.Errorf("unknown intent action: %q", a)
	}
	return t, nil
}

// ResponseType returns the action's response message type.
func ResponseType(a Action) (string, error) {
	t, ok := table.responseByAction[a]
	if !ok {
		return "", fmt.Errorf("unknown intent action: %q", a)
	}
	return t, nil
}

// ActionFromRequestType reverses RequestType for exact catalog entries.
func ActionFromRequestType(messageType string) (Action, bool) {
	a, ok := table.actionByRequest[messageType]
	return a, ok
}

// ActionFromResponseType reverses ResponseType for exact catalog entries.
func ActionFromResponseType(messageType string) (Action, bool) {
	a, ok := table.actionByResponse[messageType]
	return a, ok
}

// FamilyResponseAction reports whether messageType is an app-intent
// response from any compatible protocol revision, returning its action.
// This backs the engine's family-fallback match.
func FamilyResponseAction(messageType string) (Action, bool) {
	rest, ok := strings.CutPrefix(messageType, familyPrefix)
	if !ok {
		return "", false
	}
	revSeg, suffix, ok := strings.Cut(rest, "/")
	if !ok {
		return "", false
	}
	code, ok := strings.CutSuffix(suffix, "-response")
	if !ok {
		return "", false
	}
	a := Action(code)
	if _, known := table.responseByAction[a]; !known {
		return "", false
	}
	rev, err := masterminds.NewVersion(revSeg)
	if err != nil || !revisionConstraint.Check(rev) {
		return "", false
	}
	return a, true
}
