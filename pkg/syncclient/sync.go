package syncclient

import (
	"context"
	"fmt"
	"time"

	"soundmachine/pkg/protocol"

	"go.uber.org/zap"
)

const (
	// PollInterval is the status polling period while push is down
	PollInterval = 5 * time.Second
	// PushRetryInterval is how long to poll before trying push again
	PushRetryInterval = 30 * time.Second
)

// Run keeps the mirror in sync until ctx is done. It streams snapshots
// over the websocket and, whenever that fails, polls /api/status until the
// next push attempt. Push and polling never run at the same time.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("Push unavailable, falling back to polling",
			zap.Duration("retry_in", c.retryInterval),
			zap.Error(err))

		if err := c.poll(ctx); err != nil {
			return err
		}
		c.logger.Info("Retrying push connection")
	}
}

// stream applies pushed snapshots until the connection fails
func (c *Client) stream(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.wsEndpoint(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("Push connected", zap.String("url", c.wsEndpoint()))
	for {
		var snap protocol.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			return fmt.Errorf("push connection lost: %w", err)
		}
		c.apply(snap)
	}
}

// poll fetches status every pollInterval for one retryInterval
func (c *Client) poll(ctx context.Context) error {
	deadline := c.clock.Now().Add(c.retryInterval)
	for {
		if _, err := c.Status(ctx); err != nil && ctx.Err() == nil {
			c.logger.Debug("Status poll failed", zap.Error(err))
		}
		if !c.clock.Now().Before(deadline) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.pollInterval):
		}
	}
}
