package intents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/peer-agent/pkg/substrate"
)

const sendLogPrefix = "intents:send"

// Sender emits intent control and response messages over the substrate.
type Sender struct {
	sub substrate.Substrate
}

// NewSender creates a Sender.
func NewSender(sub substrate.Substrate) *Sender {
	return &Sender{sub: sub}
}

func (s *Sender) packAndSend(ctx context.Context, dest, messageType string, body interface{}) substrate.Outcome {
	data, err := json.Marshal(body)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %s body encode: %v", sendLogPrefix, messageType, err))
		return substrate.OutcomeUnknownError
	}
	packed := s.sub.Pack(ctx, dest, messageType, data, nil, "")
	if !packed.Success {
		slog.Warn(fmt.Sprintf("%s - pack %s failed: %s", sendLogPrefix, messageType, packed.Error))
		return substrate.OutcomeUnknownError
	}
	return s.sub.Send(ctx, dest, packed.Message)
}

// SendActionResponse emits the action's paired response message with body
// {status:"ok", result?, receipt?}.
func (s *Sender) SendActionResponse(ctx context.Context, dest string, action Action, result, receipt json.RawMessage) substrate.Outcome {
	responseType, err := ResponseType(action)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %v", sendLogPrefix, err))
		return substrate.OutcomeUnknownError
	}
	return s.packAndSend(ctx, dest, responseType, ResponseBody{Status: "ok", Result: result, Receipt: receipt})
}

// SendDecline emits a decline control message.
func (s *Sender) SendDecline(ctx context.Context, dest string, d Decline) substrate.Outcome {
	if d.Reason == "" {
		d.Reason = "not_supported"
	}
	return s.packAndSend(ctx, dest, DeclineType, d)
}

// SendProgress emits a progress control message.
func (s *Sender) SendProgress(ctx context.Context, dest string, p Progress) substrate.Outcome {
	return s.packAndSend(ctx, dest, ProgressType, p)
}

// SendCancel emits a cancel control message.
func (s *Sender) SendCancel(ctx context.Context, dest string) substrate.Outcome {
	return s.packAndSend(ctx, dest, CancelType, struct{}{})
}
