package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/store"
)

// 票据签发相关错误
var (
	ErrInvalidService      = errors.New("服务 URL 无效或不在白名单内")
	ErrNotSingleSignOn     = errors.New("没有有效的 SSO 会话")
	ErrProxyNotAllowed     = errors.New("该服务不允许代理认证")
	ErrCallbackUnreachable = errors.New("代理回调验证失败")
)

// ticketAlphabet 票据 ID 随机部分的字母表
const ticketAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// maxIDRetries ID 碰撞时的重新生成次数上限
const maxIDRetries = 5

// TicketService 票据工厂接口
type TicketService interface {
	// IssueLoginTicket 签发登录票据，绑定一次登录表单提交
	IssueLoginTicket(ctx context.Context) (*model.Ticket, error)
	// IssueTGT 签发 TGT，建立 SSO 会话
	IssueTGT(ctx context.Context, username string, attributes map[string]string) (*model.Ticket, error)
	// IssueST 签发服务票据；primary 表示本次签发直接来自凭据认证
	IssueST(ctx context.Context, tgtID, service string, primary bool) (*model.Ticket, error)
	// IssuePGT 为成功验证过票据的服务签发代理授予票据
	IssuePGT(ctx context.Context, parentID, callbackURL string) (*model.Ticket, error)
	// IssuePT 基于 PGT 签发代理票据
	IssuePT(ctx context.Context, pgtID, service string) (*model.Ticket, error)
}

// TicketServiceConfig 票据工厂配置
type TicketServiceConfig struct {
	Expiry            time.Duration // ST/PT 有效期，默认 90 秒
	TGTExpiry         time.Duration // TGT 有效期，默认 8 小时
	LoginTicketExpiry time.Duration // LT 有效期，默认 5 分钟
	IDLength          int           // ID 随机部分长度，默认 32
	VerifyCallback    bool          // 签发 PGT 前是否探测回调地址
	RequireHTTPS      bool          // 回调地址是否必须为 HTTPS
	HTTPClient        *http.Client  // 回调探测使用的客户端
}

type ticketService struct {
	store    store.TicketStore
	registry *ServiceRegistry
	config   *TicketServiceConfig
}

// NewTicketService 创建票据工厂
func NewTicketService(ticketStore store.TicketStore, registry *ServiceRegistry, cfg *TicketServiceConfig) TicketService {
	if cfg == nil {
		cfg = &TicketServiceConfig{}
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = 90 * time.Second
	}
	if cfg.TGTExpiry == 0 {
		cfg.TGTExpiry = 8 * time.Hour
	}
	if cfg.LoginTicketExpiry == 0 {
		cfg.LoginTicketExpiry = 5 * time.Minute
	}
	if cfg.IDLength == 0 {
		cfg.IDLength = 32
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &ticketService{
		store:    ticketStore,
		registry: registry,
		config:   cfg,
	}
}

// newTicketID 生成票据 ID：类型前缀加密码学安全的随机字母数字串
func newTicketID(prefix string, length int) (string, error) {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte('-')

	max := big.NewInt(int64(len(ticketAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("生成票据随机数失败: %w", err)
		}
		sb.WriteByte(ticketAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// save 保存票据，ID 碰撞时重新生成
func (s *ticketService) save(ctx context.Context, ticket *model.Ticket) error {
	for i := 0; i < maxIDRetries; i++ {
		id, err := newTicketID(ticket.Kind.Prefix(), s.config.IDLength)
		if err != nil {
			return err
		}
		ticket.ID = id

		err = s.store.Save(ctx, ticket)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrDuplicateTicketID) {
			return err
		}
	}
	return fmt.Errorf("票据 ID 连续碰撞 %d 次", maxIDRetries)
}

// IssueLoginTicket 签发登录票据
func (s *ticketService) IssueLoginTicket(ctx context.Context) (*model.Ticket, error) {
	now := time.Now()
	lt := &model.Ticket{
		Kind:      model.KindLT,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.LoginTicketExpiry),
	}
	if err := s.save(ctx, lt); err != nil {
		return nil, err
	}
	return lt, nil
}

// IssueTGT 签发 TGT
func (s *ticketService) IssueTGT(ctx context.Context, username string, attributes map[string]string) (*model.Ticket, error) {
	now := time.Now()
	tgt := &model.Ticket{
		Kind:       model.KindTGT,
		Username:   username,
		Attributes: attributes,
		Primary:    true,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.config.TGTExpiry),
	}
	if err := s.save(ctx, tgt); err != nil {
		return nil, err
	}
	return tgt, nil
}

// IssueST 签发服务票据
func (s *ticketService) IssueST(ctx context.Context, tgtID, service string, primary bool) (*model.Ticket, error) {
	if service == "" || !s.registry.IsValid(service) {
		return nil, ErrInvalidService
	}

	tgt, err := s.store.Get(ctx, tgtID, model.KindTGT)
	if err != nil || tgt.IsExpired() {
		return nil, ErrNotSingleSignOn
	}

	now := time.Now()
	st := &model.Ticket{
		Kind:       model.KindST,
		Username:   tgt.Username,
		Attributes: tgt.Attributes,
		Service:    service,
		ParentID:   tgt.ID,
		Primary:    primary,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.config.Expiry),
	}
	if err := s.save(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// IssuePGT 签发代理授予票据
// 父票据必须是已验证的 ST 或 PT；回调地址须通过白名单与可达性检查
func (s *ticketService) IssuePGT(ctx context.Context, parentID, callbackURL string) (*model.Ticket, error) {
	parent, err := s.store.Get(ctx, parentID, "")
	if err != nil {
		return nil, ErrInvalidTicket
	}
	if parent.Kind != model.KindST && parent.Kind != model.KindPT {
		return nil, ErrInvalidTicket
	}
	// 父票据自身也须未过期（宽限期内仍可读到已过期记录）
	if parent.IsExpired() {
		return nil, ErrInvalidTicket
	}

	// 服务级代理策略
	if !s.registry.CanProxy(parent.Service) {
		return nil, ErrProxyNotAllowed
	}

	if s.config.RequireHTTPS && !strings.HasPrefix(callbackURL, "https://") {
		return nil, ErrCallbackUnreachable
	}
	if !s.registry.IsValidProxyCallback(parent.Service, callbackURL) {
		return nil, ErrCallbackUnreachable
	}

	// PGT 随 SSO 会话存活
	tgt, err := rootTGTOf(ctx, s.store, parent)
	if err != nil || tgt.IsExpired() {
		return nil, ErrNotSingleSignOn
	}

	iou, err := newTicketID(model.IOUPrefix, s.config.IDLength)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pgt := &model.Ticket{
		Kind:        model.KindPGT,
		Username:    parent.Username,
		Attributes:  parent.Attributes,
		Service:     parent.Service,
		ParentID:    parent.ID,
		CallbackURL: callbackURL,
		IOU:         iou,
		CreatedAt:   now,
		ExpiresAt:   tgt.ExpiresAt,
	}
	if err := s.save(ctx, pgt); err != nil {
		return nil, err
	}

	// 回调探测：把 pgtId 与 pgtIou 发给服务，非 2xx 视为不可达并撤销 PGT
	if s.config.VerifyCallback {
		if err := s.probeCallback(ctx, pgt); err != nil {
			_ = s.store.Delete(ctx, pgt.ID)
			return nil, ErrCallbackUnreachable
		}
	}

	return pgt, nil
}

// probeCallback 验证代理回调可达
func (s *ticketService) probeCallback(ctx context.Context, pgt *model.Ticket) error {
	u, err := url.Parse(pgt.CallbackURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("pgtId", pgt.ID)
	q.Set("pgtIou", pgt.IOU)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("回调返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// IssuePT 签发代理票据
func (s *ticketService) IssuePT(ctx context.Context, pgtID, service string) (*model.Ticket, error) {
	if service == "" || !s.registry.IsValid(service) {
		return nil, ErrInvalidService
	}

	pgt, err := s.store.Get(ctx, pgtID, model.KindPGT)
	if err != nil || pgt.IsExpired() {
		return nil, ErrInvalidTicket
	}

	now := time.Now()
	pt := &model.Ticket{
		Kind:       model.KindPT,
		Username:   pgt.Username,
		Attributes: pgt.Attributes,
		Service:    service,
		ParentID:   pgt.ID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.config.Expiry),
	}
	if err := s.save(ctx, pt); err != nil {
		return nil, err
	}
	return pt, nil
}

