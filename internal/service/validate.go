package service

import (
	"context"
	"errors"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"go.uber.org/zap"
)

// 票据验证相关错误
// "已被使用"与"不存在"对调用方不可区分，避免形成重放探测信道
var (
	ErrInvalidTicket = errors.New("票据无效")
	ErrExpiredTicket = errors.New("票据已过期")
)

// AttributeCallback 属性回调
// 接收主体与服务 URL，返回附加属性；后注册的回调在键冲突时覆盖先注册的
type AttributeCallback func(ctx context.Context, username, service string) map[string]string

// ValidationResult 验证成功的结果
type ValidationResult struct {
	Username   string
	Attributes map[string]string
	ProxyChain []string // 代理链上各 PGT 的回调地址，按签发顺序
	Primary    bool     // 票据是否来自一次直接的凭据认证
	TicketID   string
}

// ValidateRequest 验证请求
type ValidateRequest struct {
	TicketID string
	Service  string
	Renew    bool               // 要求票据来自直接凭据认证（拒绝 SSO 续用签发的票据）
	Kinds    []model.TicketKind // 接受的票据类型
}

// ValidationService 验证引擎接口
type ValidationService interface {
	// Validate 验证并消费票据
	Validate(ctx context.Context, req *ValidateRequest) (*ValidationResult, error)
	// ValidateLoginTicket 消费登录票据，失败即拒绝本次表单提交
	ValidateLoginTicket(ctx context.Context, ticketID string) error
}

type validationService struct {
	store     store.TicketStore
	callbacks []AttributeCallback
	logger    *zap.Logger
}

// NewValidationService 创建验证引擎
func NewValidationService(ticketStore store.TicketStore, callbacks []AttributeCallback, logger *zap.Logger) ValidationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &validationService{
		store:     ticketStore,
		callbacks: callbacks,
		logger:    logger,
	}
}

// Validate 验证并消费票据
func (s *validationService) Validate(ctx context.Context, req *ValidateRequest) (*ValidationResult, error) {
	if req.TicketID == "" || req.Service == "" {
		return nil, ErrInvalidService
	}

	// 先检查存在与类型，类型不符不消费
	ticket, err := s.store.Get(ctx, req.TicketID, "")
	if err != nil {
		if errors.Is(err, store.ErrTicketNotFound) {
			return nil, ErrInvalidTicket
		}
		return nil, err
	}
	if !kindAccepted(ticket.Kind, req.Kinds) {
		return nil, ErrInvalidTicket
	}

	// 原子消费；存储层错误映射为协议错误
	ticket, err = s.store.ConsumeIfValid(ctx, req.TicketID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrTicketExpired):
			return nil, ErrExpiredTicket
		case errors.Is(err, store.ErrTicketConsumed), errors.Is(err, store.ErrTicketNotFound):
			// 已消费与不存在同样返回票据无效
			return nil, ErrInvalidTicket
		default:
			return nil, err
		}
	}

	// renew 要求票据来自直接凭据认证
	if req.Renew && !ticket.Primary {
		return nil, ErrInvalidTicket
	}

	// 服务 URL 精确匹配
	if ticket.Service != req.Service {
		s.logger.Info("票据服务不匹配",
			zap.String("ticket", ticket.ID),
			zap.String("expected", ticket.Service),
			zap.String("presented", req.Service),
		)
		return nil, ErrInvalidService
	}

	// 记录本次消费，供单点登出枚举
	if tgt, err := rootTGTOf(ctx, s.store, ticket); err == nil {
		visit := &model.Visit{
			Service:    ticket.Service,
			TicketID:   ticket.ID,
			ConsumedAt: time.Now(),
		}
		if err := s.store.RecordVisit(ctx, tgt.ID, visit); err != nil {
			s.logger.Warn("记录服务访问失败", zap.String("ticket", ticket.ID), zap.Error(err))
		}
	}

	chain, err := proxyChainOf(ctx, s.store, ticket)
	if err != nil {
		return nil, ErrInvalidTicket
	}

	return &ValidationResult{
		Username:   ticket.Username,
		Attributes: s.mergeAttributes(ctx, ticket),
		ProxyChain: chain,
		Primary:    ticket.Primary,
		TicketID:   ticket.ID,
	}, nil
}

// ValidateLoginTicket 消费登录票据
func (s *validationService) ValidateLoginTicket(ctx context.Context, ticketID string) error {
	// 与 Validate 一致：先检查类型，非 LT 不消费
	ticket, err := s.store.Get(ctx, ticketID, "")
	if err != nil {
		return ErrInvalidTicket
	}
	if ticket.Kind != model.KindLT {
		return ErrInvalidTicket
	}

	if _, err := s.store.ConsumeIfValid(ctx, ticketID); err != nil {
		if errors.Is(err, store.ErrTicketExpired) {
			return ErrExpiredTicket
		}
		return ErrInvalidTicket
	}
	return nil
}

// kindAccepted 票据类型是否在接受集合内
func kindAccepted(kind model.TicketKind, kinds []model.TicketKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// mergeAttributes 合并主体属性与各回调的输出
func (s *validationService) mergeAttributes(ctx context.Context, ticket *model.Ticket) map[string]string {
	merged := make(map[string]string, len(ticket.Attributes))
	for k, v := range ticket.Attributes {
		merged[k] = v
	}
	for _, cb := range s.callbacks {
		for k, v := range cb(ctx, ticket.Username, ticket.Service) {
			merged[k] = v
		}
	}
	return merged
}

// rootTGTOf 沿父指针上溯到会话根 TGT
func rootTGTOf(ctx context.Context, ticketStore store.TicketStore, ticket *model.Ticket) (*model.Ticket, error) {
	cur := ticket
	for cur.Kind != model.KindTGT {
		if cur.ParentID == "" {
			return nil, store.ErrTicketNotFound
		}
		parent, err := ticketStore.Get(ctx, cur.ParentID, "")
		if err != nil {
			return nil, err
		}
		cur = parent
	}
	return cur, nil
}
