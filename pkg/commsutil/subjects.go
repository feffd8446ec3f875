package commsutil

import (
	"fmt"
	"strings"
)

// DestAll is the wildcard destination used for discovery broadcasts.
const DestAll = "did:all:all"

// Default COMMS subjects.
const (
	SubjectBroadcast = "mesh.deliver.all"
	deliverPrefix    = "mesh.deliver"
	rpcPrefix        = "agent.rpc"
	uiPromptPrefix   = "agent.ui.prompt"
	uiReplyPrefix    = "agent.ui.reply"
)

// sanitizeToken makes an identity safe as a single COMMS subject token.
func sanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(s)
}

// BuildDeliverySubject builds the delivery subject for a peer identity.
// The wildcard destination maps to the shared broadcast subject.
func BuildDeliverySubject(identity string) string {
	if identity == DestAll || identity == "" {
		return SubjectBroadcast
	}
	return fmt.Sprintf("%s.%s", deliverPrefix, sanitizeToken(identity))
}

// BuildRPCSubject builds the foreground-facing RPC subject for a service.
func BuildRPCSubject(service string) string {
	return fmt.Sprintf("%s.%s", rpcPrefix, sanitizeToken(service))
}

// BuildUIPromptSubject builds the subject the background agent posts
// intent-ui-request messages to.
func BuildUIPromptSubject(service string) string {
	return fmt.Sprintf("%s.%s", uiPromptPrefix, sanitizeToken(service))
}

// BuildUIReplySubject builds the subject foreground clients answer prompts on.
func BuildUIReplySubject(service string) string {
	return fmt.Sprintf("%s.%s", uiReplyPrefix, sanitizeToken(service))
}
