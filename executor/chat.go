package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/skyfleet-io/skyfleet/errors"
	"github.com/skyfleet-io/skyfleet/social"
)

// ChatResult is the per-recipient outcome of a chat dispatch.
type ChatResult struct {
	Recipient string `json:"recipient"`
	ConvoID   string `json:"convoId,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ChatReport is the job result of a chat-dispatch run.
type ChatReport struct {
	Results      []ChatResult `json:"results"`
	SuccessCount int          `json:"successCount"`
	ErrorCount   int          `json:"errorCount"`
}

// RunChat delivers messages to recipients: recipient i gets message
// i mod len(messages). Progress advances one step per recipient.
func RunChat(ctx context.Context, client social.Client, p *ChatPayload, log *zap.SugaredLogger, progress func(int)) (*ChatReport, error) {
	report := &ChatReport{}

	for i, recipient := range p.Recipients {
		if ctx.Err() != nil {
			return report, errors.Wrap(errors.ErrCancelled, "chat dispatch cancelled")
		}

		message := p.Messages[i%len(p.Messages)]
		result := ChatResult{Recipient: recipient}

		if err := sendToRecipient(ctx, client, recipient, message, &result); err != nil {
			log.Warnw("chat delivery failed", "recipient", recipient, "error", err)
			result.Error = err.Error()
			report.ErrorCount++
		} else {
			log.Infow("chat message delivered", "recipient", recipient, "convo_id", result.ConvoID)
			result.Success = true
			report.SuccessCount++
		}

		report.Results = append(report.Results, result)
		if progress != nil {
			progress((i + 1) * 100 / len(p.Recipients))
		}
	}
	return report, nil
}

func sendToRecipient(ctx context.Context, client social.Client, recipient, message string, result *ChatResult) error {
	did, err := client.ResolveHandle(ctx, recipient)
	if err != nil {
		return err
	}
	convoID, err := client.StartConversation(ctx, did)
	if err != nil {
		return err
	}
	result.ConvoID = convoID
	return client.SendMessage(ctx, convoID, message)
}
