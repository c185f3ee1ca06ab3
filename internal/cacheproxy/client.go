package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sethvargo/go-retry"
)

// CommandClient connects an application to the proxy control channel.
// It forwards SYNC_REQUESTED notifications to OnSyncRequested and can send
// commands.
type CommandClient struct {
	url             string
	logger          *slog.Logger
	onSyncRequested func(tag string)
	reconnectMin    time.Duration
	reconnectMax    time.Duration
}

// NewCommandClient создает клиента канала управления.
// url вида ws://host:port/__posync/ws.
func NewCommandClient(url string, logger *slog.Logger, onSyncRequested func(tag string)) *CommandClient {
	return &CommandClient{
		url:             url,
		logger:          logger,
		onSyncRequested: onSyncRequested,
		reconnectMin:    time.Second,
		reconnectMax:    time.Minute,
	}
}

// Run слушает уведомления и переподключается с backoff до отмены ctx
func (c *CommandClient) Run(ctx context.Context) error {
	backoff := retry.NewExponential(c.reconnectMin)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(c.reconnectMax, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("Control channel disconnected", "url", c.url, "error", err)
		return retry.RetryableError(err)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *CommandClient) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial control channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c.logger.Info("Control channel connected", "url", c.url)

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case MessageSyncRequested:
			c.logger.Info("Background sync requested", "tag", msg.Tag)
			if c.onSyncRequested != nil {
				c.onSyncRequested(msg.Tag)
			}
		case MessageActivated:
			c.logger.Info("Proxy cache version activated", "version", msg.Version)
		}
	}
}

// Send отправляет одну команду и ждет ответ
func (c *CommandClient) Send(ctx context.Context, cmd Message) (Message, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return Message{}, fmt.Errorf("failed to dial control channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, cmd); err != nil {
		return Message{}, fmt.Errorf("failed to send command: %w", err)
	}

	// уведомления могут прийти раньше ответа
	for {
		var reply Message
		if err := wsjson.Read(ctx, conn, &reply); err != nil {
			return Message{}, fmt.Errorf("failed to read reply: %w", err)
		}
		if reply.Type == MessageAck || reply.Type == MessageError {
			if reply.Type == MessageError {
				return reply, fmt.Errorf("command %s failed: %s", cmd.Type, reply.Error)
			}
			return reply, nil
		}
	}
}
