// ABOUTME: Operator notifications for instance crashes and restart outcomes
// ABOUTME: Notifiers return a reference so follow-ups can thread under or edit the original

package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
)

// CrashNotice reports that an agent detected an instance failure.
type CrashNotice struct {
	Instance   string
	AgentToken string
	OwnerID    string
	Detail     string
	// ThreadRef is the reference of an earlier notice for this instance, if any.
	ThreadRef string
}

// RestartNotice reports the outcome of an automatic restart.
type RestartNotice struct {
	Instance   string
	AgentToken string
	OwnerID    string
	Success    bool
	Detail     string
	// Ref is the crash notice to edit. Empty means post a new message.
	Ref string
}

// Notifier delivers operator-facing messages. The ref returned by
// NotifyCrash is passed back as ThreadRef and Ref for follow-ups.
type Notifier interface {
	NotifyCrash(ctx context.Context, n CrashNotice) (ref string, err error)
	NotifyRestartResult(ctx context.Context, n RestartNotice) error
}

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

// NotifyCrash logs the crash and returns a synthetic reference, or the
// existing thread reference for a repeat crash.
func (n *LogNotifier) NotifyCrash(_ context.Context, c CrashNotice) (string, error) {
	ref := c.ThreadRef
	if ref == "" {
		ref = "log-" + uuid.New().String()
	}
	n.logger.Warn("instance crash detected",
		"instance", c.Instance,
		"agent_token", c.AgentToken,
		"owner_id", c.OwnerID,
		"detail", c.Detail,
		"thread_ref", c.ThreadRef,
		"ref", ref,
	)
	return ref, nil
}

// NotifyRestartResult logs the restart outcome.
func (n *LogNotifier) NotifyRestartResult(_ context.Context, r RestartNotice) error {
	level := slog.LevelInfo
	if !r.Success {
		level = slog.LevelWarn
	}
	n.logger.Log(context.Background(), level, "instance restart result",
		"instance", r.Instance,
		"agent_token", r.AgentToken,
		"owner_id", r.OwnerID,
		"success", r.Success,
		"detail", r.Detail,
		"ref", r.Ref,
	)
	return nil
}

func crashMarkdown(c CrashNotice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Crash detected** for `%s` on agent `%s`", c.Instance, c.AgentToken)
	if c.Detail != "" {
		fmt.Fprintf(&b, "\n\n> %s", c.Detail)
	}
	return b.String()
}

func restartMarkdown(r RestartNotice) string {
	var b strings.Builder
	if r.Success {
		fmt.Fprintf(&b, "**Restarted** `%s` on agent `%s`", r.Instance, r.AgentToken)
	} else {
		fmt.Fprintf(&b, "**Restart failed** for `%s` on agent `%s`, instance is stopped", r.Instance, r.AgentToken)
	}
	if r.Detail != "" {
		fmt.Fprintf(&b, "\n\n> %s", r.Detail)
	}
	return b.String()
}

// renderHTML converts markdown to HTML, falling back to the escaped source.
func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return strings.TrimSpace(buf.String())
}
