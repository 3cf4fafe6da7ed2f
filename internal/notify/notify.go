// Package notify delivers stage and outcome notifications to the surrounding
// product. Delivery is fire-and-forget: a failed notification is logged and
// never blocks or reverts a transition.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/rogers-f/signoff/internal/domain"
)

// Kind classifies a notification.
type Kind string

const (
	KindStageEntered Kind = "stage_entered"
	KindStageExited  Kind = "stage_exited"
	KindEscalated    Kind = "escalated"
	KindTerminal     Kind = "terminal"
)

// Notification describes one instance event worth telling someone about.
// Actors lists who must act next; it is empty for exits and terminal events.
type Notification struct {
	Kind       Kind                  `json:"kind"`
	InstanceID string                `json:"instance_id"`
	RequestID  string                `json:"request_id"`
	WorkflowID string                `json:"workflow_id"`
	StageOrder int                   `json:"stage_order"`
	Status     domain.InstanceStatus `json:"status"`
	Actors     []string              `json:"actors,omitempty"`
	ActorID    string                `json:"actor_id,omitempty"`
	At         time.Time             `json:"at"`
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
}

// LogDispatcher writes every notification to a zerolog logger.
type LogDispatcher struct {
	Log zerolog.Logger
}

// NewLogDispatcher creates a LogDispatcher.
func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{Log: log.With().Str("component", "notify").Logger()}
}

// Dispatch logs n at info level.
func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.Log.Info().
		Str("kind", string(n.Kind)).
		Str("instance_id", n.InstanceID).
		Str("workflow_id", n.WorkflowID).
		Int("stage", n.StageOrder).
		Str("status", string(n.Status)).
		Strs("actors", n.Actors).
		Msg("notification")
	return nil
}

// Fanout dispatches to every member and joins their errors. One failing
// member does not stop delivery to the rest.
type Fanout []Dispatcher

// Dispatch implements Dispatcher.
func (f Fanout) Dispatch(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
