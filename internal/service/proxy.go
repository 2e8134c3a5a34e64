package service

import (
	"context"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
)

// ProxyService 代理链管理接口
// 只读地回答链查询；链的撤销由票据存储的级联删除完成
type ProxyService interface {
	// AuthorizeProxyRequest 校验 PGT 并为目标服务签发代理票据
	AuthorizeProxyRequest(ctx context.Context, pgtID, targetService string) (*model.Ticket, error)
	// ChainOf 返回票据代理链上各 PGT 的回调地址，按签发顺序
	ChainOf(ctx context.Context, ticket *model.Ticket) ([]string, error)
}

type proxyService struct {
	store   store.TicketStore
	tickets TicketService
}

// NewProxyService 创建代理链管理器
func NewProxyService(ticketStore store.TicketStore, tickets TicketService) ProxyService {
	return &proxyService{
		store:   ticketStore,
		tickets: tickets,
	}
}

// AuthorizeProxyRequest 校验 PGT 并签发代理票据
func (s *proxyService) AuthorizeProxyRequest(ctx context.Context, pgtID, targetService string) (*model.Ticket, error) {
	if pgtID == "" {
		return nil, ErrInvalidTicket
	}
	if targetService == "" {
		return nil, ErrInvalidService
	}
	// 类型与有效期检查由工厂完成，这里统一错误口径
	pt, err := s.tickets.IssuePT(ctx, pgtID, targetService)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// ChainOf 返回代理链
func (s *proxyService) ChainOf(ctx context.Context, ticket *model.Ticket) ([]string, error) {
	return proxyChainOf(ctx, s.store, ticket)
}

// proxyChainOf 沿父指针收集祖先 PGT 的回调地址
// 上溯得到的是由内向外的顺序，反转为签发顺序（最外层代理在前）
func proxyChainOf(ctx context.Context, ticketStore store.TicketStore, ticket *model.Ticket) ([]string, error) {
	var chain []string
	cur := ticket
	for cur.ParentID != "" {
		parent, err := ticketStore.Get(ctx, cur.ParentID, "")
		if err != nil {
			return nil, err
		}
		if parent.Kind == model.KindPGT {
			chain = append(chain, parent.CallbackURL)
		}
		cur = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
