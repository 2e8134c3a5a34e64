package service

import (
	"context"
	"crypto/rsa"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"go.uber.org/zap"
)

// DispatchState 登出通知批次的终态
type DispatchState string

const (
	DispatchCompleted       DispatchState = "completed"        // 全部通知成功
	DispatchPartiallyFailed DispatchState = "partially_failed" // 至少一条通知失败
)

// DispatchResult 登出通知批次结果
// 仅用于观测：无论结果如何，服务端会话销毁都已完成
type DispatchResult struct {
	State    DispatchState
	Notified int      // 成功通知的服务数
	Failed   []string // 通知失败的服务 URL
}

// LogoutClaims 登出通知的签名载荷
type LogoutClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`     // 被终止会话内该服务消费过的票据 ID
	Service   string `json:"service"` // 通知目标服务
}

// LogoutDispatcher 单点登出分发器接口
type LogoutDispatcher interface {
	// Dispatch 向会话内访问过的每个服务发送登出通知，尽力而为、每服务至多一次
	Dispatch(ctx context.Context, tgt *model.Ticket) (*DispatchResult, error)
}

// LogoutDispatcherConfig 分发器配置
type LogoutDispatcherConfig struct {
	Concurrency int             // 并发上限，0 表示不限
	Timeout     time.Duration   // 单条通知超时，默认 5 秒
	Issuer      string          // 签名载荷的签发者
	SigningKey  *rsa.PrivateKey // 通知签名私钥
	HTTPClient  *http.Client
}

type logoutDispatcher struct {
	store  store.TicketStore
	config *LogoutDispatcherConfig
	logger *zap.Logger
}

// NewLogoutDispatcher 创建单点登出分发器
func NewLogoutDispatcher(ticketStore store.TicketStore, cfg *LogoutDispatcherConfig, logger *zap.Logger) LogoutDispatcher {
	if cfg == nil {
		cfg = &LogoutDispatcherConfig{}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logoutDispatcher{
		store:  ticketStore,
		config: cfg,
		logger: logger,
	}
}

// Dispatch 分发登出通知
// 通知之间互不阻塞（共享并发上限除外），单条失败只记录日志
func (d *logoutDispatcher) Dispatch(ctx context.Context, tgt *model.Ticket) (*DispatchResult, error) {
	visits, err := d.store.ListVisits(ctx, tgt.ID)
	if err != nil {
		return nil, err
	}
	if len(visits) == 0 {
		return &DispatchResult{State: DispatchCompleted}, nil
	}

	// 通知一经派发不再取消，整个批次没有总超时
	base := context.WithoutCancel(ctx)

	var sem chan struct{}
	if d.config.Concurrency > 0 {
		sem = make(chan struct{}, d.config.Concurrency)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []string
	)

	for _, visit := range visits {
		wg.Add(1)
		go func(v *model.Visit) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			if err := d.notify(base, tgt, v); err != nil {
				d.logger.Warn("登出通知失败",
					zap.String("tgt", tgt.ID),
					zap.String("service", v.Service),
					zap.Error(err),
				)
				mu.Lock()
				failed = append(failed, v.Service)
				mu.Unlock()
				return
			}
			d.logger.Info("登出通知成功",
				zap.String("tgt", tgt.ID),
				zap.String("service", v.Service),
			)
		}(visit)
	}
	wg.Wait()

	result := &DispatchResult{
		State:    DispatchCompleted,
		Notified: len(visits) - len(failed),
		Failed:   failed,
	}
	if len(failed) > 0 {
		result.State = DispatchPartiallyFailed
	}
	return result, nil
}

// notify 向单个服务发送签名的登出请求
func (d *logoutDispatcher) notify(ctx context.Context, tgt *model.Ticket, visit *model.Visit) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	token, err := d.signLogoutRequest(tgt, visit)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("logoutRequest", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, visit.Service, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 通知是尽力而为的，任何应答状态码都视为送达
	return nil
}

// signLogoutRequest 构造并签名登出载荷
func (d *logoutDispatcher) signLogoutRequest(tgt *model.Ticket, visit *model.Visit) (string, error) {
	now := time.Now()
	claims := &LogoutClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   d.config.Issuer,
			Subject:  tgt.Username,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.New().String(),
		},
		SessionID: visit.TicketID,
		Service:   visit.Service,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(d.config.SigningKey)
}
