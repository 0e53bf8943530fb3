package webhook

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pitabwire/util"

	"github.com/voicetyped/chatflow/pkg/dialog"
	"github.com/voicetyped/chatflow/pkg/events"
)

// Processor runs one update through the dialog engine. *dialog.Manager
// implements it.
type Processor interface {
	ProcessIncomingMessage(ctx context.Context, botID, platformName, chatID string, update []byte) (*dialog.ProcessResult, error)
}

// Subscriber implements queue.SubscribeWorker for update.received events.
type Subscriber struct {
	Engine Processor
}

// Handle is called by frame's pub/sub for each queued update. Returning an
// error asks the queue to redeliver, so only retryable failures do.
func (s *Subscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		util.Log(ctx).WithError(err).Error("update subscriber: unmarshal envelope")
		return nil
	}
	if env.Type != events.UpdateReceived {
		return nil
	}

	var update events.UpdateReceivedData
	if err := json.Unmarshal(env.Data, &update); err != nil {
		util.Log(ctx).WithError(err).Error("update subscriber: unmarshal update")
		return nil
	}
	return s.Process(ctx, update)
}

// Process runs one update. Broken scenarios and unknown bots are logged and
// dropped; state conflicts and repository failures are returned.
func (s *Subscriber) Process(ctx context.Context, update events.UpdateReceivedData) error {
	log := util.Log(ctx).
		WithField("bot_id", update.BotID).
		WithField("platform", update.Platform).
		WithField("update_id", update.UpdateID)

	res, err := s.Engine.ProcessIncomingMessage(ctx, update.BotID, update.Platform, "", update.Raw)
	switch {
	case err == nil:
		if res.Outcome != "" && res.Outcome != dialog.OutcomeValid {
			log.WithField("outcome", string(res.Outcome)).Debug("update rejected by validator")
		}
		return nil
	case dialog.IsFatalScenarioError(err):
		log.WithError(err).Error("scenario cannot continue")
		return nil
	case errors.Is(err, dialog.ErrScenarioNotFound), errors.Is(err, dialog.ErrAdapterNotFound):
		log.WithError(err).Error("bot is not configured")
		return nil
	default:
		log.WithError(err).Warn("update processing failed, will retry")
		return err
	}
}
