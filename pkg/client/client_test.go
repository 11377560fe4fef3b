package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-battleship/internal/handler"
	"github.com/koopa0/system-design/14-battleship/internal/testutils"
	"github.com/koopa0/system-design/14-battleship/pkg/client"
	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
)

func newClient(t *testing.T, opts ...handler.Option) *client.Client {
	t.Helper()
	srv := testutils.NewServer(t, opts...)
	return client.New(srv.URL, client.WithPolling(time.Millisecond, 10*time.Millisecond, 5*time.Second))
}

// player 一位玩家從註冊到打完一回合
func player(ctx context.Context, c *client.Client, id string, ship client.Ship, target client.Coordinate) (in, out client.Disclosure, err error) {
	if _, err = c.Register(ctx, id, id); err != nil {
		return
	}
	if err = c.WaitForOpponent(ctx, id); err != nil {
		return
	}
	if err = c.AcceptOpponent(ctx, id); err != nil {
		return
	}
	var accepted bool
	if accepted, err = c.WaitForResponse(ctx, id); err != nil || !accepted {
		return
	}
	if err = c.WaitForGame(ctx, id); err != nil {
		return
	}
	if err = c.AddShip(ctx, id, ship); err != nil {
		return
	}
	if err = c.Fire(ctx, id, target); err != nil {
		return
	}
	if in, err = c.WaitForIncoming(ctx, id); err != nil {
		return
	}
	out, err = c.WaitForOutgoing(ctx, id)
	return
}

// TestClient_TwoPlayers 兩個客戶端並行，不協調地打完一回合
func TestClient_TwoPlayers(t *testing.T) {
	c := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var jIn, jOut, kIn, kOut client.Disclosure
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		jIn, jOut, err = player(gctx, c, "j",
			client.Ship{ID: "A", Coordinates: []client.Coordinate{{Row: 0, Col: 0}}},
			client.Coordinate{Row: 1, Col: 0})
		return err
	})
	g.Go(func() (err error) {
		kIn, kOut, err = player(gctx, c, "k",
			client.Ship{ID: "Z", Coordinates: []client.Coordinate{{Row: 1, Col: 0}, {Row: 1, Col: 1}}},
			client.Coordinate{Row: 4, Col: 4})
		return err
	})
	require.NoError(t, g.Wait())

	// j 打中 Z（未沉），k 落空
	require.True(t, jOut.Hit())
	assert.Equal(t, "Z", *jOut.ShipID)
	assert.False(t, jOut.Sunk)
	assert.Equal(t, jOut, kIn)

	assert.False(t, kOut.Hit())
	assert.Equal(t, client.Coordinate{Row: 4, Col: 4}, kOut.Coordinate)
	assert.Equal(t, kOut, jIn)

	state, err := c.MatchState(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "awaiting_fire", state.PhaseName)
	assert.Equal(t, 2, state.Round)
	assert.Equal(t, "k", state.OpponentName)
}

func TestClient_ErrorCodes(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.GameReady(ctx, "nobody")
	require.Error(t, err)
	assert.True(t, apperr.IsNotBound(err))

	_, err = c.Register(ctx, "", "")
	assert.Equal(t, apperr.ErrCodeInvalidInput, apperr.Code(err))
}

func TestClient_Rejected(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	_, err := c.Register(ctx, "p1", "P1")
	require.NoError(t, err)
	_, err = c.Register(ctx, "p2", "P2")
	require.NoError(t, err)

	require.NoError(t, c.AcceptOpponent(ctx, "p1"))
	require.NoError(t, c.RejectOpponent(ctx, "p2"))

	accepted, err := c.WaitForResponse(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, accepted)

	require.NoError(t, c.Deregister(ctx, "p1"))
}

func TestClient_WaitHonorsContext(t *testing.T) {
	c := newClient(t)

	_, err := c.Register(context.Background(), "lonely", "L")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.WaitForOpponent(ctx, "lonely")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_WaitStopsOnPermanentError(t *testing.T) {
	c := newClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := c.WaitForGame(ctx, "unbound")
	assert.True(t, apperr.IsNotBound(err))
	assert.Less(t, time.Since(start), time.Second)
}

// TestClient_WaitRetriesRateLimited 限流錯誤會重試
func TestClient_WaitRetriesRateLimited(t *testing.T) {
	calls := make(chan struct{}, 16)
	c := newClient(t, handler.WithLimiter(func(context.Context, string) (bool, error) {
		select {
		case calls <- struct{}{}:
		default:
		}
		// 前兩次拒絕
		return len(calls) > 2, nil
	}))
	ctx := context.Background()

	err := c.WaitForGame(ctx, "unbound")
	assert.True(t, apperr.IsNotBound(err), "限流解除後得到真正的錯誤")
	assert.GreaterOrEqual(t, len(calls), 3)
}

// TestClient_PropagatesRequestID ctx 中的請求 ID 會送到伺服器
func TestClient_PropagatesRequestID(t *testing.T) {
	seen := make(chan string, 1)
	c := newClient(t, handler.WithLimiter(func(ctx context.Context, _ string) (bool, error) {
		select {
		case seen <- logger.RequestID(ctx):
		default:
		}
		return true, nil
	}))

	ctx := logger.WithRequestID(context.Background(), "req-42")
	_, err := c.OpponentFound(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, "req-42", <-seen)
}

func TestClient_NonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := client.New(srv.URL)
	_, err := c.OpponentFound(context.Background(), "p1")
	assert.Equal(t, apperr.ErrCodeInternal, apperr.Code(err))
}
