package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
)

// errNotYet 條件尚未成立，繼續輪詢
var errNotYet = errors.New("condition not met yet")

type waitConfig struct {
	initial time.Duration
	max     time.Duration
	maxWait time.Duration
}

func defaultWaitConfig() waitConfig {
	return waitConfig{
		initial: 50 * time.Millisecond,
		max:     2 * time.Second,
		maxWait: 10 * time.Minute,
	}
}

// WithPolling 設定輪詢的初始間隔、最大間隔與最長等待時間
func WithPolling(initial, maxInterval, maxWait time.Duration) Option {
	return func(c *Client) {
		c.wait = waitConfig{initial: initial, max: maxInterval, maxWait: maxWait}
	}
}

// poll 以指數退避輪詢 check 直到返回 true
//
// 可重試的應用錯誤（RATE_LIMITED、OUT_OF_TURN）與網路錯誤會重試；
// 其他應用錯誤（如 NOT_BOUND）立即返回。
func (c *Client) poll(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.wait.initial
	b.MaxInterval = c.wait.max

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := check(ctx)
		switch {
		case err == nil && ok:
			return struct{}{}, nil
		case err == nil:
			return struct{}{}, errNotYet
		case apperr.IsRetryable(err):
			return struct{}{}, err
		}

		var appErr *apperr.AppError
		if errors.As(err, &appErr) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(c.wait.maxWait),
	)
	return err
}

// WaitForOpponent 等待配對
func (c *Client) WaitForOpponent(ctx context.Context, id string) error {
	return c.poll(ctx, func(ctx context.Context) (bool, error) {
		return c.OpponentFound(ctx, id)
	})
}

// WaitForResponse 等待投票結算，返回是否雙方都接受
func (c *Client) WaitForResponse(ctx context.Context, id string) (bool, error) {
	var accepted bool
	err := c.poll(ctx, func(ctx context.Context) (bool, error) {
		ready, acc, err := c.OpponentResponded(ctx, id)
		if err != nil || !ready {
			return false, err
		}
		accepted = acc != nil && *acc
		return true, nil
	})
	return accepted, err
}

// WaitForGame 等待對局開始
func (c *Client) WaitForGame(ctx context.Context, id string) error {
	return c.poll(ctx, func(ctx context.Context) (bool, error) {
		return c.GameReady(ctx, id)
	})
}

// WaitForIncoming 等待雙方都射擊後揭曉來襲結果
func (c *Client) WaitForIncoming(ctx context.Context, id string) (Disclosure, error) {
	if err := c.poll(ctx, func(ctx context.Context) (bool, error) {
		return c.IncomingReady(ctx, id)
	}); err != nil {
		return Disclosure{}, err
	}
	return c.Incoming(ctx, id)
}

// WaitForOutgoing 等待雙方都查詢來襲後揭曉出擊結果
func (c *Client) WaitForOutgoing(ctx context.Context, id string) (Disclosure, error) {
	if err := c.poll(ctx, func(ctx context.Context) (bool, error) {
		return c.OutgoingReady(ctx, id)
	}); err != nil {
		return Disclosure{}, err
	}
	return c.Outgoing(ctx, id)
}
