// ABOUTME: Notifier that posts to a Matrix room via mautrix
// ABOUTME: Crash notices thread under earlier ones; restart results edit the crash message

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MatrixConfig holds the credentials for MatrixNotifier.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	RoomID      string
}

type postFunc func(ctx context.Context, content *event.MessageEventContent) (id.EventID, error)

// MatrixNotifier delivers notices as m.room.message events.
type MatrixNotifier struct {
	post   postFunc
	logger *slog.Logger
}

// NewMatrixNotifier creates a notifier bound to one room.
func NewMatrixNotifier(cfg MatrixConfig, logger *slog.Logger) (*MatrixNotifier, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("matrix room_id is required")
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	room := id.RoomID(cfg.RoomID)
	return newMatrixNotifier(func(ctx context.Context, content *event.MessageEventContent) (id.EventID, error) {
		resp, err := client.SendMessageEvent(ctx, room, event.EventMessage, content)
		if err != nil {
			return "", err
		}
		return resp.EventID, nil
	}, logger), nil
}

func newMatrixNotifier(post postFunc, logger *slog.Logger) *MatrixNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatrixNotifier{post: post, logger: logger.With("component", "matrix_notify")}
}

// NotifyCrash posts a crash notice and returns the id of the thread root:
// the new event for a first crash, ThreadRef for later ones. Matrix threads
// only hang off root events.
func (m *MatrixNotifier) NotifyCrash(ctx context.Context, c CrashNotice) (string, error) {
	content := formatted(crashMarkdown(c))
	if c.ThreadRef != "" {
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelThread,
			EventID: id.EventID(c.ThreadRef),
		}
	}

	evtID, err := m.post(ctx, content)
	if err != nil {
		return "", fmt.Errorf("posting crash notice for %s: %w", c.Instance, err)
	}
	m.logger.Debug("posted crash notice", "instance", c.Instance, "event_id", evtID)
	if c.ThreadRef != "" {
		return c.ThreadRef, nil
	}
	return string(evtID), nil
}

// NotifyRestartResult edits the crash notice when one exists, else posts fresh.
func (m *MatrixNotifier) NotifyRestartResult(ctx context.Context, r RestartNotice) error {
	content := formatted(restartMarkdown(r))
	if r.Ref != "" {
		replacement := *content
		content.Body = "* " + replacement.Body
		content.FormattedBody = "* " + replacement.FormattedBody
		content.NewContent = &replacement
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(r.Ref),
		}
	}

	if _, err := m.post(ctx, content); err != nil {
		return fmt.Errorf("posting restart result for %s: %w", r.Instance, err)
	}
	return nil
}

func formatted(md string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          md,
		Format:        event.FormatHTML,
		FormattedBody: renderHTML(md),
	}
}
