// ABOUTME: Minimal fake game-server agent for manual and E2E testing of fleet-gateway
// ABOUTME: Usage: fake-agent -url ws://localhost:8080/agent -token TOKEN [-running a,b] [-crash-every 30s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/fleet-gateway/internal/protocol"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/agent", "gateway agent endpoint")
	token := flag.String("token", "", "agent credential (JWT or registered agent token)")
	running := flag.String("running", "", "comma-separated instances reported as running at sync")
	refuse := flag.String("refuse", "", "comma-separated instances whose stop is refused")
	crashEvery := flag.Duration("crash-every", 0, "emit a failure and restart for a running instance at this interval")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &fakeAgent{
		running: splitList(*running),
		refuse:  splitList(*refuse),
		logger:  logger,
	}
	if err := a.run(ctx, *url, *token, *crashEvery); err != nil {
		logger.Error("agent stopped", "error", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type fakeAgent struct {
	writeMu sync.Mutex
	conn    *websocket.Conn

	mu      sync.Mutex
	running []string
	refuse  []string

	logger *slog.Logger
}

func (a *fakeAgent) run(ctx context.Context, url, token string, crashEvery time.Duration) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()
	a.conn = conn

	go func() {
		<-ctx.Done()
		a.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down"),
			time.Now().Add(time.Second))
		a.writeMu.Unlock()
		_ = conn.Close()
	}()

	ack, err := a.read()
	if err != nil {
		return fmt.Errorf("waiting for connected: %w", err)
	}
	if ack.Type != protocol.TypeConnected {
		return fmt.Errorf("expected connected, got %q", ack.Type)
	}
	a.logger.Info("connected", "payload", string(ack.Payload))

	a.mu.Lock()
	names := slices.Clone(a.running)
	a.mu.Unlock()
	if names == nil {
		names = []string{}
	}
	if err := a.send(protocol.TypeSync, "", names, ""); err != nil {
		return err
	}

	if crashEvery > 0 {
		go a.crashLoop(ctx, crashEvery)
	}

	for {
		frame, err := a.read()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		a.handle(frame)
	}
}

func (a *fakeAgent) read() (*protocol.Frame, error) {
	_, data, err := a.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (a *fakeAgent) send(frameType, correlationID string, payload any, errMsg string) error {
	frame, err := protocol.New(frameType, payload)
	if err != nil {
		return err
	}
	frame.CorrelationID = correlationID
	frame.Error = errMsg
	data, err := frame.Encode()
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *fakeAgent) handle(frame *protocol.Frame) {
	if frame.Type != protocol.TypeStart && frame.Type != protocol.TypeStop {
		a.logger.Warn("ignoring frame", "type", frame.Type)
		return
	}

	var errMsg string
	cmd, err := frame.InstanceCommand()
	switch {
	case err != nil:
		errMsg = err.Error()
	case frame.Type == protocol.TypeStart:
		errMsg = a.start(cmd.Instance)
	default:
		errMsg = a.stop(cmd.Instance)
	}

	a.logger.Info("command", "type", frame.Type, "error", errMsg)
	replyType := protocol.TypeResponse
	if errMsg != "" {
		replyType = protocol.TypeError
	}
	if err := a.send(replyType, frame.CorrelationID, nil, errMsg); err != nil {
		a.logger.Error("sending reply", "error", err)
	}
}

func (a *fakeAgent) start(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !slices.Contains(a.running, name) {
		a.running = append(a.running, name)
	}
	return ""
}

func (a *fakeAgent) stop(name string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slices.Contains(a.refuse, name) {
		return "busy"
	}
	i := slices.Index(a.running, name)
	if i < 0 {
		return "not running"
	}
	a.running = slices.Delete(a.running, i, i+1)
	return ""
}

// crashLoop simulates an instance crashing and being restarted by the agent.
func (a *fakeAgent) crashLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		if len(a.running) == 0 {
			a.mu.Unlock()
			continue
		}
		name := a.running[rand.IntN(len(a.running))]
		a.mu.Unlock()

		failure := protocol.ServerEvent{
			Event:    protocol.EventFailureDetected,
			Instance: name,
			EventID:  uuid.NewString(),
			Detail:   "process exited with status 137",
		}
		if err := a.send(protocol.TypeServerEvent, "", failure, ""); err != nil {
			a.logger.Error("sending failure", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}

		ok := true
		restart := protocol.ServerEvent{
			Event:    protocol.EventRestartResult,
			Instance: name,
			EventID:  uuid.NewString(),
			Success:  &ok,
		}
		if err := a.send(protocol.TypeServerEvent, "", restart, ""); err != nil {
			a.logger.Error("sending restart result", "error", err)
			return
		}
	}
}
