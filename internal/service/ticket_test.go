package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pu-ac-cn/cas-server/internal/config"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 创建测试用的票据存储
func setupTestStore(t *testing.T) (store.TicketStore, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return store.NewRedisStore(client, 0), func() {
		client.Close()
		mr.Close()
	}
}

// 创建测试用的白名单
func newTestRegistry(t *testing.T, cfgs ...config.ServiceConfig) *ServiceRegistry {
	registry, err := NewServiceRegistry(cfgs, nil)
	require.NoError(t, err)
	return registry
}

func TestTicketService_IssueTGT(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", map[string]string{"email": "alice@example.com"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(tgt.ID, "TGT-"))
	assert.Equal(t, "alice", tgt.Username)
	assert.True(t, tgt.Primary)
	assert.False(t, tgt.ExpiresAt.IsZero())

	// 可从存储中读回
	got, err := ticketStore.Get(ctx, tgt.ID, model.KindTGT)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Attributes["email"])
}

// 票据 ID：前缀 + 配置长度的字母数字随机串
func TestTicketService_TicketIDFormat(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), &TicketServiceConfig{IDLength: 40})
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)

	parts := strings.SplitN(tgt.ID, "-", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "TGT", parts[0])
	assert.Len(t, parts[1], 40)
	for _, c := range parts[1] {
		assert.Contains(t, ticketAlphabet, string(c))
	}
}

func TestTicketService_IssueLoginTicket(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)

	lt, err := svc.IssueLoginTicket(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(lt.ID, "LT-"))
	assert.Empty(t, lt.Username)
}

func TestTicketService_IssueST(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", map[string]string{"dept": "it"})
	require.NoError(t, err)

	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(st.ID, "ST-"))
	assert.Equal(t, "alice", st.Username)
	assert.Equal(t, "https://a.example/cb", st.Service)
	assert.Equal(t, tgt.ID, st.ParentID)
	assert.Equal(t, "it", st.Attributes["dept"])
	assert.True(t, st.Primary)
}

func TestTicketService_IssueST_NoSession(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)

	_, err := svc.IssueST(context.Background(), "TGT-nonexistent", "https://a.example/cb", true)
	assert.ErrorIs(t, err, ErrNotSingleSignOn)
}

func TestTicketService_IssueST_EmptyService(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = svc.IssueST(ctx, tgt.ID, "", true)
	assert.ErrorIs(t, err, ErrInvalidService)
}

// 白名单：未匹配的服务拒绝签发，匹配的放行
func TestTicketService_IssueST_AllowList(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	registry := newTestRegistry(t, config.ServiceConfig{Pattern: `^https://a\.example/`, ProxyAllow: true})
	svc := NewTicketService(ticketStore, registry, nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)

	_, err = svc.IssueST(ctx, tgt.ID, "https://b.example/", true)
	assert.ErrorIs(t, err, ErrInvalidService)

	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/x", true)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/x", st.Service)
}

func TestTicketService_IssuePGT(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	// 回调探测服务端
	var gotPGTID, gotIOU string
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPGTID = r.URL.Query().Get("pgtId")
		gotIOU = r.URL.Query().Get("pgtIou")
		w.WriteHeader(http.StatusOK)
	}))
	defer callback.Close()

	svc := NewTicketService(ticketStore, newTestRegistry(t), &TicketServiceConfig{
		VerifyCallback: true,
	})
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)

	pgt, err := svc.IssuePGT(ctx, st.ID, callback.URL)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(pgt.ID, "PGT-"))
	assert.True(t, strings.HasPrefix(pgt.IOU, "PGTIOU-"))
	assert.Equal(t, st.ID, pgt.ParentID)
	assert.Equal(t, callback.URL, pgt.CallbackURL)

	// 回调收到 pgtId/pgtIou
	assert.Equal(t, pgt.ID, gotPGTID)
	assert.Equal(t, pgt.IOU, gotIOU)

	// PGT 随会话存活
	assert.Equal(t, tgt.ExpiresAt.UnixMilli(), pgt.ExpiresAt.UnixMilli())
}

// 回调不可达：签发失败且 PGT 被撤销
func TestTicketService_IssuePGT_CallbackUnreachable(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer callback.Close()

	svc := NewTicketService(ticketStore, newTestRegistry(t), &TicketServiceConfig{
		VerifyCallback: true,
	})
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)

	_, err = svc.IssuePGT(ctx, st.ID, callback.URL)
	assert.ErrorIs(t, err, ErrCallbackUnreachable)

	// 没有残留的 PGT
	children, err := ticketStore.ListChildren(ctx, st.ID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestTicketService_IssuePGT_RequireHTTPS(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), &TicketServiceConfig{
		RequireHTTPS: true,
	})
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)

	_, err = svc.IssuePGT(ctx, st.ID, "http://insecure.example/pgt")
	assert.ErrorIs(t, err, ErrCallbackUnreachable)
}

// 父票据过期：宽限期内仍可读到记录，但不能再换取 PGT
func TestTicketService_IssuePGT_ExpiredParent(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)

	now := time.Now()
	st := &model.Ticket{
		ID:        "ST-stale-parent",
		Kind:      model.KindST,
		Username:  "alice",
		Service:   "https://a.example/cb",
		ParentID:  tgt.ID,
		CreatedAt: now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-time.Second),
	}
	require.NoError(t, ticketStore.Save(ctx, st))

	_, err = svc.IssuePGT(ctx, st.ID, "https://a.example/pgt")
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

// 服务级代理策略：proxy_allow=false 的服务不能换取 PGT
func TestTicketService_IssuePGT_ProxyNotAllowed(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	registry := newTestRegistry(t, config.ServiceConfig{Pattern: `^https://a\.example/`, ProxyAllow: false})
	svc := NewTicketService(ticketStore, registry, nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)

	_, err = svc.IssuePGT(ctx, st.ID, "https://a.example/pgt")
	assert.ErrorIs(t, err, ErrProxyNotAllowed)
}

func TestTicketService_IssuePT(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)
	pgt, err := svc.IssuePGT(ctx, st.ID, "https://a.example/pgt")
	require.NoError(t, err)

	pt, err := svc.IssuePT(ctx, pgt.ID, "https://backend.example/api")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(pt.ID, "PT-"))
	assert.Equal(t, "alice", pt.Username)
	assert.Equal(t, pgt.ID, pt.ParentID)
	assert.False(t, pt.Primary)
}

func TestTicketService_IssuePT_InvalidPGT(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), nil)

	_, err := svc.IssuePT(context.Background(), "PGT-nonexistent", "https://backend.example/api")
	assert.ErrorIs(t, err, ErrInvalidTicket)
}

// 过期时间在创建时一次性计算
func TestTicketService_ExpiryComputedOnce(t *testing.T) {
	ticketStore, cleanup := setupTestStore(t)
	defer cleanup()

	svc := NewTicketService(ticketStore, newTestRegistry(t), &TicketServiceConfig{
		Expiry: 2 * time.Second,
	})
	ctx := context.Background()

	tgt, err := svc.IssueTGT(ctx, "alice", nil)
	require.NoError(t, err)
	st, err := svc.IssueST(ctx, tgt.ID, "https://a.example/cb", true)
	require.NoError(t, err)

	want := st.CreatedAt.Add(2 * time.Second)
	assert.WithinDuration(t, want, st.ExpiresAt, 50*time.Millisecond)
}
