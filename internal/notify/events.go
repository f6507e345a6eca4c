package notify

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/claude-phase-orchestrator/internal/events"
)

// EventHandler bridges the orchestration event stream to a Notifier.
// Routine phase starts are skipped; everything a human might act on is
// forwarded.
func EventHandler(n Notifier) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		var typ NotificationType
		var title string

		switch ev.Kind {
		case events.KindPhaseCompleted:
			typ = NotifySuccess
			title = fmt.Sprintf("Phase %s completed", ev.PhaseID)
		case events.KindPhaseFailed:
			typ = NotifyError
			title = fmt.Sprintf("Phase %s failed", ev.PhaseID)
		case events.KindStuckDecision:
			typ = NotifyWarning
			title = fmt.Sprintf("Phase %s stuck: %s", ev.PhaseID, ev.Message)
		case events.KindProposal:
			typ = NotifyWarning
			title = "Scope reduction awaiting approval"
		case events.KindRunFinished:
			typ = NotifyInfo
			title = fmt.Sprintf("Run %s finished", ev.RunID)
		default:
			return nil
		}

		return n.Send(Notification{
			Title:   title,
			Message: ev.Message,
			Type:    typ,
			RunID:   ev.RunID,
			PhaseID: ev.PhaseID,
		})
	}
}
