package matchmaker_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-battleship/internal/events"
	"github.com/koopa0/system-design/14-battleship/internal/game"
	"github.com/koopa0/system-design/14-battleship/internal/matchmaker"
	"github.com/koopa0/system-design/14-battleship/internal/testutils"
	apperr "github.com/koopa0/system-design/14-battleship/pkg/errors"
	"github.com/koopa0/system-design/14-battleship/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMatchmaker(t *testing.T, cfg matchmaker.Config) (*matchmaker.Matchmaker, *events.Bus) {
	t.Helper()
	bus := events.NewBus(nil, logger.Discard())
	mm := matchmaker.New(cfg, bus, logger.Discard())
	t.Cleanup(mm.Stop)
	return mm, bus
}

func smallGrid() matchmaker.Config {
	cfg := matchmaker.DefaultConfig()
	cfg.Grid = testutils.TestGrid
	return cfg
}

// pair 註冊兩位參與者並讓雙方接受
func pair(t *testing.T, mm *matchmaker.Matchmaker, a, b string) {
	t.Helper()
	ctx := context.Background()

	_, err := mm.Register(ctx, a, "player-"+a)
	require.NoError(t, err)
	_, err = mm.Register(ctx, b, "player-"+b)
	require.NoError(t, err)

	mm.AcceptOpponent(ctx, a)
	mm.AcceptOpponent(ctx, b)
	require.Equal(t, matchmaker.RegistryActive, mm.RegistryOf(a))
	require.Equal(t, matchmaker.RegistryActive, mm.RegistryOf(b))
}

func TestRegister_Pairing(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	_, err := mm.Register(ctx, "p1", "Alice")
	require.NoError(t, err)
	assert.False(t, mm.OpponentFound("p1"))
	assert.Equal(t, matchmaker.RegistryIdle, mm.RegistryOf("p1"))

	_, err = mm.Register(ctx, "p2", "Bob")
	require.NoError(t, err)
	assert.True(t, mm.OpponentFound("p1"))
	assert.True(t, mm.OpponentFound("p2"))
	assert.Equal(t, matchmaker.RegistryProposed, mm.RegistryOf("p1"))
	assert.Equal(t, matchmaker.RegistryProposed, mm.RegistryOf("p2"))

	_, err = mm.Register(ctx, "p3", "Carol")
	require.NoError(t, err)
	assert.False(t, mm.OpponentFound("p3"))
	assert.Equal(t, matchmaker.RegistryIdle, mm.RegistryOf("p3"))
}

func TestRegister_GeneratesID(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())

	p, err := mm.Register(context.Background(), "", "Alice")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, matchmaker.RegistryIdle, mm.RegistryOf(p.ID))
}

func TestRegister_RequiresName(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())

	_, err := mm.Register(context.Background(), "p1", "")
	require.Error(t, err)
	assert.Equal(t, apperr.ErrCodeInvalidInput, apperr.Code(err))
	assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p1"))
}

func TestRegister_FIFO(t *testing.T) {
	mm, bus := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	ch, cancel := bus.Subscribe("p4", 8)
	defer cancel()

	// p1 與 p2 配對，p3 等待；p4 應與等待最久的 p3 配對
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		_, err := mm.Register(ctx, id, "player-"+id)
		require.NoError(t, err)
	}

	assert.True(t, mm.OpponentFound("p3"))
	assert.True(t, mm.OpponentFound("p4"))

	found := drain(ch, events.TypeOpponentFound)
	require.Len(t, found, 1)
	assert.Equal(t, "player-p3", found[0].Data["opponent_name"])
}

func TestRegister_Repeat(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	_, err := mm.Register(ctx, "p1", "Alice")
	require.NoError(t, err)
	_, err = mm.Register(ctx, "p1", "Alice")
	require.NoError(t, err)

	// 重複註冊不會和自己配對
	assert.False(t, mm.OpponentFound("p1"))
	assert.Equal(t, 1, mm.Stats()["idle"])
}

func TestVote(t *testing.T) {
	tests := []struct {
		name     string
		first    bool
		second   bool
		registry matchmaker.Registry
		accepted bool
	}{
		{name: "雙方接受", first: true, second: true, registry: matchmaker.RegistryActive, accepted: true},
		{name: "先拒絕", first: false, second: true, registry: matchmaker.RegistryRejected, accepted: false},
		{name: "後拒絕", first: true, second: false, registry: matchmaker.RegistryRejected, accepted: false},
		{name: "雙方拒絕", first: false, second: false, registry: matchmaker.RegistryRejected, accepted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mm, _ := newMatchmaker(t, smallGrid())
			ctx := context.Background()

			_, err := mm.Register(ctx, "p1", "Alice")
			require.NoError(t, err)
			_, err = mm.Register(ctx, "p2", "Bob")
			require.NoError(t, err)

			castVote(ctx, mm, "p1", tt.first)

			ready, accepted := mm.OpponentResponded("p1")
			assert.False(t, ready)
			assert.Nil(t, accepted)
			assert.True(t, mm.OpponentFound("p1"), "單方投票後仍在 proposed")

			castVote(ctx, mm, "p2", tt.second)

			for _, id := range []string{"p1", "p2"} {
				ready, accepted := mm.OpponentResponded(id)
				assert.True(t, ready)
				require.NotNil(t, accepted)
				assert.Equal(t, tt.accepted, *accepted)
				assert.Equal(t, tt.registry, mm.RegistryOf(id))
				assert.False(t, mm.OpponentFound(id))
			}
		})
	}
}

func TestVote_WithoutProposalIsNoop(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	mm.AcceptOpponent(ctx, "ghost")
	mm.RejectOpponent(ctx, "ghost")

	ready, accepted := mm.OpponentResponded("ghost")
	assert.False(t, ready)
	assert.Nil(t, accepted)
}

func TestVote_Events(t *testing.T) {
	mm, bus := newMatchmaker(t, smallGrid())

	ch, cancel := bus.Subscribe("p1", 8)
	defer cancel()

	pair(t, mm, "p1", "p2")

	resolved := drain(ch, events.TypeVoteResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, true, resolved[0].Data["accepted"])
	assert.NotEmpty(t, resolved[0].MatchID)
	assert.ElementsMatch(t, []string{"p1", "p2"}, resolved[0].Participants)
}

func TestRejected_ReRegister(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	_, err := mm.Register(ctx, "p1", "Alice")
	require.NoError(t, err)
	_, err = mm.Register(ctx, "p2", "Bob")
	require.NoError(t, err)
	mm.RejectOpponent(ctx, "p1")
	mm.AcceptOpponent(ctx, "p2")
	require.Equal(t, matchmaker.RegistryRejected, mm.RegistryOf("p1"))

	_, err = mm.Register(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, matchmaker.RegistryIdle, mm.RegistryOf("p1"))

	_, err = mm.Register(ctx, "p2", "")
	require.NoError(t, err)
	assert.True(t, mm.OpponentFound("p1"))
	assert.True(t, mm.OpponentFound("p2"))
}

func TestNotBound(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	_, err := mm.Register(ctx, "p1", "Alice")
	require.NoError(t, err)

	ship := game.NewShip("A", game.Coordinate{Row: 0, Col: 0})

	checks := map[string]error{
		"add_ship": mm.AddShip(ctx, "p1", ship),
		"fire":     mm.Fire(ctx, "p1", game.Coordinate{Row: 0, Col: 0}),
	}
	_, checks["game_ready"] = mm.GameReady("p1")
	_, checks["incoming_ready"] = mm.IncomingReady("p1")
	_, checks["incoming"] = mm.Incoming(ctx, "p1")
	_, checks["outgoing_ready"] = mm.OutgoingReady("p1")
	_, checks["outgoing"] = mm.Outgoing(ctx, "p1")
	_, checks["match_state"] = mm.MatchState("unknown")

	for name, err := range checks {
		t.Run(name, func(t *testing.T) {
			require.Error(t, err)
			assert.True(t, apperr.IsNotBound(err))
		})
	}
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()

	t.Run("idle", func(t *testing.T) {
		mm, _ := newMatchmaker(t, smallGrid())
		_, err := mm.Register(ctx, "p1", "Alice")
		require.NoError(t, err)

		mm.Deregister(ctx, "p1")
		assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p1"))

		// 離開後不會被配對
		_, err = mm.Register(ctx, "p2", "Bob")
		require.NoError(t, err)
		assert.False(t, mm.OpponentFound("p2"))
	})

	t.Run("proposed", func(t *testing.T) {
		mm, bus := newMatchmaker(t, smallGrid())
		ch, cancel := bus.Subscribe("p2", 8)
		defer cancel()

		_, err := mm.Register(ctx, "p1", "Alice")
		require.NoError(t, err)
		_, err = mm.Register(ctx, "p2", "Bob")
		require.NoError(t, err)

		mm.Deregister(ctx, "p1")
		assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p1"))
		assert.Equal(t, matchmaker.RegistryRejected, mm.RegistryOf("p2"))

		ready, accepted := mm.OpponentResponded("p2")
		assert.True(t, ready)
		require.NotNil(t, accepted)
		assert.False(t, *accepted)

		resolved := drain(ch, events.TypeVoteResolved)
		require.Len(t, resolved, 1)
		assert.Equal(t, "opponent_left", resolved[0].Data["reason"])
	})

	t.Run("active", func(t *testing.T) {
		mm, bus := newMatchmaker(t, smallGrid())
		ch, cancel := bus.Subscribe("p2", 8)
		defer cancel()

		pair(t, mm, "p1", "p2")

		mm.Deregister(ctx, "p1")
		assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p2"))

		err := mm.Fire(ctx, "p2", game.Coordinate{Row: 0, Col: 0})
		assert.True(t, apperr.IsNotBound(err))
		assert.Equal(t, 0, mm.Stats()["active_matches"])

		closed := drain(ch, events.TypeMatchClosed)
		require.Len(t, closed, 1)
		assert.Equal(t, "participant_left", closed[0].Data["reason"])
	})

	t.Run("rejected", func(t *testing.T) {
		mm, _ := newMatchmaker(t, smallGrid())
		_, err := mm.Register(ctx, "p1", "Alice")
		require.NoError(t, err)
		_, err = mm.Register(ctx, "p2", "Bob")
		require.NoError(t, err)
		mm.RejectOpponent(ctx, "p1")
		mm.RejectOpponent(ctx, "p2")

		mm.Deregister(ctx, "p1")
		assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p1"))
		assert.Equal(t, matchmaker.RegistryRejected, mm.RegistryOf("p2"))
	})

	t.Run("unknown", func(t *testing.T) {
		mm, _ := newMatchmaker(t, smallGrid())
		mm.Deregister(ctx, "ghost")
		assert.Equal(t, 0, mm.Stats()["participants"])
	})
}

func TestFullGame(t *testing.T) {
	mm, bus := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	ch, cancel := bus.Subscribe("j", 32)
	defer cancel()

	pair(t, mm, "j", "k")

	ready, err := mm.GameReady("j")
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, mm.AddShip(ctx, "j", game.NewShip("A", game.Coordinate{Row: 0, Col: 0})))
	require.NoError(t, mm.AddShip(ctx, "k", game.NewShip("Z", game.Coordinate{Row: 1, Col: 0}, game.Coordinate{Row: 1, Col: 1})))

	err = mm.AddShip(ctx, "j", game.NewShip("B", game.Coordinate{Row: 9, Col: 9}))
	assert.Equal(t, apperr.ErrCodeOutsideGrid, apperr.Code(err), "棋盤尺寸來自配對器設定")

	// 第一回合：k 打中 j 的 A（單格，沉沒），j 打中 k 的 Z
	require.NoError(t, mm.Fire(ctx, "j", game.Coordinate{Row: 1, Col: 0}))
	incomingReady, err := mm.IncomingReady("j")
	require.NoError(t, err)
	assert.False(t, incomingReady)

	require.NoError(t, mm.Fire(ctx, "k", game.Coordinate{Row: 0, Col: 0}))
	incomingReady, err = mm.IncomingReady("j")
	require.NoError(t, err)
	assert.True(t, incomingReady)

	in, err := mm.Incoming(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "A", in.ShipID())
	assert.True(t, in.Sunk)

	in, err = mm.Incoming(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "Z", in.ShipID())
	assert.False(t, in.Sunk)

	outgoingReady, err := mm.OutgoingReady("k")
	require.NoError(t, err)
	assert.True(t, outgoingReady)

	out, err := mm.Outgoing(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, "Z", out.ShipID())
	out, err = mm.Outgoing(ctx, "k")
	require.NoError(t, err)
	assert.True(t, out.Sunk)

	state, err := mm.MatchState("j")
	require.NoError(t, err)
	assert.Equal(t, game.PhaseAwaitingFire, state.Phase)
	assert.Equal(t, 2, state.Round)
	assert.Equal(t, "player-k", state.OpponentName)

	changes := drain(ch, events.TypePhaseChanged)
	assert.Len(t, changes, 3)
}

// TestReRegister_StartsFreshFleet 上一場的艦隊與射擊紀錄不帶進下一場
func TestReRegister_StartsFreshFleet(t *testing.T) {
	ctx := context.Background()
	origin := game.Coordinate{Row: 0, Col: 0}
	target := game.Coordinate{Row: 2, Col: 2}

	tests := []struct {
		name string
		end  func(mm *matchmaker.Matchmaker)
	}{
		{"opponent left", func(mm *matchmaker.Matchmaker) { mm.Deregister(ctx, "p2") }},
		{"idle timeout", func(mm *matchmaker.Matchmaker) {
			time.Sleep(30 * time.Millisecond)
			mm.Cleanup()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallGrid()
			cfg.MatchIdleTimeout = 10 * time.Millisecond
			cfg.CleanupInterval = time.Hour
			mm, _ := newMatchmaker(t, cfg)

			pair(t, mm, "p1", "p2")
			require.NoError(t, mm.AddShip(ctx, "p1", game.NewShip("A", origin)))
			require.NoError(t, mm.Fire(ctx, "p1", target))

			tt.end(mm)
			require.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p1"))

			p, err := mm.Register(ctx, "p1", "")
			require.NoError(t, err)
			assert.Equal(t, "player-p1", p.Name)

			_, err = mm.Register(ctx, "p3", "Carol")
			require.NoError(t, err)
			mm.AcceptOpponent(ctx, "p1")
			mm.AcceptOpponent(ctx, "p3")
			require.Equal(t, matchmaker.RegistryActive, mm.RegistryOf("p1"))

			assert.NoError(t, mm.AddShip(ctx, "p1", game.NewShip("A", origin)))
			assert.NoError(t, mm.Fire(ctx, "p1", target))

			snap, err := mm.MatchState("p1")
			require.NoError(t, err)
			assert.Equal(t, 1, snap.OwnShips)
			assert.Equal(t, 1, snap.ShotsFired)
			assert.Equal(t, "Carol", snap.OpponentName)
		})
	}
}

func TestCleanup_IdleMatch(t *testing.T) {
	cfg := smallGrid()
	cfg.MatchIdleTimeout = 10 * time.Millisecond
	cfg.CleanupInterval = time.Hour
	mm, _ := newMatchmaker(t, cfg)

	pair(t, mm, "p1", "p2")
	time.Sleep(30 * time.Millisecond)

	mm.Cleanup()

	assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p1"))
	assert.Equal(t, matchmaker.RegistryNone, mm.RegistryOf("p2"))
	_, err := mm.GameReady("p1")
	assert.True(t, apperr.IsNotBound(err))
}

func TestCleanup_Disabled(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())

	pair(t, mm, "p1", "p2")
	mm.Cleanup()

	assert.Equal(t, matchmaker.RegistryActive, mm.RegistryOf("p1"))
}

func TestStats(t *testing.T) {
	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	pair(t, mm, "p1", "p2")
	_, err := mm.Register(ctx, "p3", "Carol")
	require.NoError(t, err)

	stats := mm.Stats()
	assert.Equal(t, 3, stats["participants"])
	assert.Equal(t, 1, stats["idle"])
	assert.Equal(t, 2, stats["active"])
	assert.Equal(t, 1, stats["active_matches"])
	assert.Equal(t, map[string]int{"awaiting_fire": 1}, stats["matches_by_phase"])
}

// TestConcurrentVotes 雙方同時投票，只能建立一個對局
func TestConcurrentVotes(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	for i := 0; i < 100; i++ {
		mm, _ := newMatchmaker(t, smallGrid())
		ctx := context.Background()

		_, err := mm.Register(ctx, "a", "A")
		require.NoError(t, err)
		_, err = mm.Register(ctx, "b", "B")
		require.NoError(t, err)

		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				mm.AcceptOpponent(ctx, id)
			}(id)
		}
		wg.Wait()

		assert.Equal(t, 1, mm.Stats()["active_matches"], fmt.Sprintf("iteration %d", i))
	}
}

// TestConcurrentRegistrations 所有參與者都應恰好在一個註冊表
func TestConcurrentRegistrations(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過壓力測試")
	}

	mm, _ := newMatchmaker(t, smallGrid())
	ctx := context.Background()

	const n = 101
	testutils.RunConcurrently(t, n, 1, func(workerID, _ int) {
		_, err := mm.Register(ctx, fmt.Sprintf("p%d", workerID), "player")
		assert.NoError(t, err)
	})

	stats := mm.Stats()
	assert.Equal(t, n, stats["participants"])
	assert.Equal(t, 1, stats["idle"])
	assert.Equal(t, n-1, stats["proposed"])
}

func castVote(ctx context.Context, mm *matchmaker.Matchmaker, id string, accept bool) {
	if accept {
		mm.AcceptOpponent(ctx, id)
		return
	}
	mm.RejectOpponent(ctx, id)
}

// drain 取出目前緩衝中指定類型的事件
func drain(ch <-chan events.Event, typ events.Type) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}
