package kernel

import (
	"context"
	"log/slog"
	"time"

	"github.com/threadkiln/threadkiln/internal/channels"
	"github.com/threadkiln/threadkiln/pkg/models"
)

// ChannelManager (C1) wraps channels.Registry with the three operations the
// spec's channel contract adds on top of send/receive: routing a reply back
// to the originating channel+thread, broadcasting to every channel a user is
// reachable on, and delivering transient StatusUpdate progress signals while
// a turn is in flight. It composes channels.Registry rather than
// reimplementing adapter bookkeeping.
type ChannelManager struct {
	registry *channels.Registry
	logger   *slog.Logger
}

// NewChannelManager wraps an existing channel registry.
func NewChannelManager(registry *channels.Registry, logger *slog.Logger) *ChannelManager {
	if logger == nil {
		logger = slog.Default().With("component", "channel-manager")
	}
	return &ChannelManager{registry: registry, logger: logger}
}

// Respond sends a final turn result back to the channel+external thread a
// message originated from.
func (m *ChannelManager) Respond(ctx context.Context, channel models.ChannelType, externalThreadID, content string) error {
	out, ok := m.registry.GetOutbound(channel)
	if !ok {
		m.logger.Warn("respond: no outbound adapter registered", "channel", channel)
		return nil
	}
	msg := &models.Message{
		Channel:   channel,
		ChannelID: externalThreadID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	}
	return out.Send(ctx, msg)
}

// Broadcast sends the same content to every channel a user has previously
// been seen on, continuing past individual adapter failures so one dead
// channel never blocks delivery to the rest.
func (m *ChannelManager) Broadcast(ctx context.Context, chans []models.ChannelType, externalThreadIDs map[models.ChannelType]string, content string) []error {
	var errs []error
	for _, ch := range chans {
		if err := m.Respond(ctx, ch, externalThreadIDs[ch], content); err != nil {
			m.logger.Error("broadcast send failed", "channel", ch, "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

// SendStatus delivers a transient StatusUpdate while a turn is in flight.
// Status updates are never persisted as part of thread history - a failed
// delivery here is logged, not propagated, since losing a progress ping
// must never fail the underlying tool call or turn it describes.
func (m *ChannelManager) SendStatus(ctx context.Context, channel models.ChannelType, externalThreadID string, status models.StatusUpdate) {
	out, ok := m.registry.GetOutbound(channel)
	if !ok {
		return
	}
	msg := &models.Message{
		Channel:   channel,
		ChannelID: externalThreadID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleSystem,
		Content:   statusPreview(status),
		Metadata:  map[string]any{"status_kind": string(status.Kind), "tool_name": status.ToolName},
		CreatedAt: time.Now(),
	}
	if err := out.Send(ctx, msg); err != nil {
		m.logger.Warn("status delivery failed", "channel", channel, "kind", status.Kind, "error", err)
	}
}

// ShutdownAll stops every registered adapter, collecting (rather than
// stopping at) the first failure so every adapter gets a chance to shut down
// cleanly.
func (m *ChannelManager) ShutdownAll(ctx context.Context) error {
	return m.registry.StopAll(ctx)
}

// Inbound returns the aggregated inbound stream across every registered
// channel, normalized into IncomingMessage.
func (m *ChannelManager) Inbound(ctx context.Context) <-chan models.IncomingMessage {
	raw := m.registry.AggregateMessages(ctx)
	out := make(chan models.IncomingMessage)
	go func() {
		defer close(out)
		for msg := range raw {
			if msg == nil {
				continue
			}
			normalized := models.IncomingMessage{
				ID:             msg.ID,
				Channel:        msg.Channel,
				ExternalThread: msg.ChannelID,
				Content:        msg.Content,
				ReceivedAt:     msg.CreatedAt,
				Metadata:       msg.Metadata,
			}
			select {
			case out <- normalized:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func statusPreview(status models.StatusUpdate) string {
	switch status.Kind {
	case models.StatusThinking:
		return "…thinking"
	case models.StatusToolStarted:
		return "running " + status.ToolName
	case models.StatusToolCompleted:
		return status.ToolName + " finished"
	case models.StatusToolResult:
		return status.Preview
	case models.StatusApprovalNeeded:
		return "approval needed: " + status.Description
	case models.StatusAuthRequired:
		return "authorization required: " + status.ExtName
	default:
		return status.Description
	}
}
