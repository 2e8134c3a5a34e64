package service

import (
	"context"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"go.uber.org/zap"
)

// Sweeper 过期票据清理器
// 周期性扫描票据存储并级联删除过期票据；与验证流量并发运行时，
// 消费的原子性由存储层的消费脚本保证
type Sweeper struct {
	store      store.TicketStore
	dispatcher LogoutDispatcher // 为 nil 时会话过期不发送登出通知
	interval   time.Duration
	logger     *zap.Logger
}

// NewSweeper 创建清理器
// 会话自然过期与显式登出同样触发单点登出，dispatcher 非 nil 时
// 清理前先对每个过期 TGT 分发登出通知
func NewSweeper(ticketStore store.TicketStore, dispatcher LogoutDispatcher, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		store:      ticketStore,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
	}
}

// Run 运行清理循环，ctx 取消时退出
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一次清理
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := time.Now()

	// 访问记录随级联删除消失，登出通知必须先于清理
	if s.dispatcher != nil {
		s.notifyExpiredSessions(ctx, now)
	}

	count, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		s.logger.Error("过期票据清理失败", zap.Error(err))
		return
	}
	if count > 0 {
		s.logger.Info("过期票据清理完成", zap.Int("deleted", count))
	}
}

// notifyExpiredSessions 对已过期的会话分发登出通知
func (s *Sweeper) notifyExpiredSessions(ctx context.Context, now time.Time) {
	tgts, err := s.store.ListExpired(ctx, now, model.KindTGT)
	if err != nil {
		s.logger.Error("枚举过期会话失败", zap.Error(err))
		return
	}

	for _, tgt := range tgts {
		result, err := s.dispatcher.Dispatch(ctx, tgt)
		if err != nil {
			s.logger.Error("过期会话登出通知分发失败",
				zap.String("tgt", tgt.ID),
				zap.Error(err),
			)
			continue
		}
		if result.State == DispatchPartiallyFailed {
			s.logger.Warn("过期会话登出通知部分失败",
				zap.String("tgt", tgt.ID),
				zap.Strings("failed", result.Failed),
			)
		}
	}
}
