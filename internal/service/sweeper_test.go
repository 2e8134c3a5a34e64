package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_SweepOnce(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	expired := &model.Ticket{
		ID:        "TGT-sweep-expired",
		Kind:      model.KindTGT,
		Username:  "alice",
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}
	alive := &model.Ticket{
		ID:        "TGT-sweep-alive",
		Kind:      model.KindTGT,
		Username:  "bob",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, ticketStore.Save(ctx, expired))
	require.NoError(t, ticketStore.Save(ctx, alive))

	sweeper := NewSweeper(ticketStore, nil, time.Minute, nil)
	sweeper.SweepOnce(ctx)

	_, err := ticketStore.Get(ctx, expired.ID, model.KindTGT)
	assert.ErrorIs(t, err, store.ErrTicketNotFound)

	_, err = ticketStore.Get(ctx, alive.ID, model.KindTGT)
	assert.NoError(t, err)
}

// 会话自然过期与显式登出同样触发单点登出：
// 清理前向会话内访问过的服务发送登出通知，然后再级联删除
func TestSweeper_ExpiredSessionTriggersLogout(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	var received atomic.Int32
	var gotToken string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotToken = r.PostFormValue("logoutRequest")
		received.Add(1)
	}))
	defer server.Close()

	now := time.Now()
	tgt := &model.Ticket{
		ID:        "TGT-sweep-slo",
		Kind:      model.KindTGT,
		Username:  "alice",
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-time.Minute),
	}
	require.NoError(t, ticketStore.Save(ctx, tgt))
	recordVisit(t, ticketStore, tgt.ID, server.URL, "ST-sweep-slo")

	dispatcher := NewLogoutDispatcher(ticketStore, &LogoutDispatcherConfig{
		SigningKey: newTestSigningKey(t),
	}, nil)
	sweeper := NewSweeper(ticketStore, dispatcher, time.Minute, nil)
	sweeper.SweepOnce(ctx)

	// 通知已送达，且会话连同访问记录已清理
	assert.Equal(t, int32(1), received.Load())
	assert.NotEmpty(t, gotToken)
	_, err := ticketStore.Get(ctx, tgt.ID, model.KindTGT)
	assert.ErrorIs(t, err, store.ErrTicketNotFound)
}

// 未过期会话不会被误发登出通知
func TestSweeper_AliveSessionNotNotified(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}))
	defer server.Close()

	now := time.Now()
	tgt := &model.Ticket{
		ID:        "TGT-sweep-alive-slo",
		Kind:      model.KindTGT,
		Username:  "bob",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, ticketStore.Save(ctx, tgt))
	recordVisit(t, ticketStore, tgt.ID, server.URL, "ST-alive")

	dispatcher := NewLogoutDispatcher(ticketStore, &LogoutDispatcherConfig{
		SigningKey: newTestSigningKey(t),
	}, nil)
	sweeper := NewSweeper(ticketStore, dispatcher, time.Minute, nil)
	sweeper.SweepOnce(ctx)

	assert.Zero(t, received.Load())
	_, err := ticketStore.Get(ctx, tgt.ID, model.KindTGT)
	assert.NoError(t, err)
}

// Run 随 ctx 取消退出
func TestSweeper_RunStopsOnCancel(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	sweeper := NewSweeper(ticketStore, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("清理循环未随 ctx 取消退出")
	}
}
