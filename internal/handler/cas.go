// Package handler HTTP 处理器
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pu-ac-cn/cas-server/internal/model"
	"github.com/pu-ac-cn/cas-server/internal/service"
	"github.com/pu-ac-cn/cas-server/internal/store"
	"github.com/pu-ac-cn/cas-server/pkg/response"
	"go.uber.org/zap"
)

// tgcCookieName SSO 会话 Cookie 名
const tgcCookieName = "TGC"

// tgcCookiePath 会话 Cookie 只对协议端点可见
const tgcCookiePath = "/cas"

// CASHandler CAS 协议处理器
type CASHandler struct {
	auth      service.AuthService
	tickets   service.TicketService
	validator service.ValidationService
	proxy     service.ProxyService
	logout    service.LogoutDispatcher
	registry  *service.ServiceRegistry
	store     store.TicketStore
	config    *CASHandlerConfig
	logger    *zap.Logger
}

// CASHandlerConfig 协议处理器配置
type CASHandlerConfig struct {
	SLOEnabled      bool // 登出时是否向访问过的服务发送通知
	FollowLogoutURL bool // 登出后是否跳转到请求携带的 URL
	CookieSecure    bool // 会话 Cookie 是否仅限 HTTPS
}

// NewCASHandler 创建 CAS 协议处理器
func NewCASHandler(
	authSvc service.AuthService,
	ticketSvc service.TicketService,
	validationSvc service.ValidationService,
	proxySvc service.ProxyService,
	logoutDispatcher service.LogoutDispatcher,
	registry *service.ServiceRegistry,
	ticketStore store.TicketStore,
	cfg *CASHandlerConfig,
	logger *zap.Logger,
) *CASHandler {
	if cfg == nil {
		cfg = &CASHandlerConfig{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CASHandler{
		auth:      authSvc,
		tickets:   ticketSvc,
		validator: validationSvc,
		proxy:     proxySvc,
		logout:    logoutDispatcher,
		registry:  registry,
		store:     ticketStore,
		config:    cfg,
		logger:    logger,
	}
}

// RegisterRoutes 注册协议端点
func (h *CASHandler) RegisterRoutes(r gin.IRouter) {
	cas := r.Group("/cas")
	{
		cas.GET("/login", h.Login)
		cas.POST("/login", h.LoginSubmit)
		cas.GET("/logout", h.Logout)
		cas.GET("/validate", h.ValidateV1)
		cas.GET("/serviceValidate", h.ServiceValidate)
		cas.GET("/proxyValidate", h.ProxyValidate)
		cas.GET("/proxy", h.Proxy)

		p3 := cas.Group("/p3")
		{
			p3.GET("/serviceValidate", h.ServiceValidateV3)
			p3.GET("/proxyValidate", h.ProxyValidateV3)
		}
	}
}

// Login 登录入口
// GET /cas/login
// 持有有效会话且携带 service 时直接签发 ST 跳转（SSO 路径）；
// renew 强制重新认证，gateway 在无会话时不带票据跳回
func (h *CASHandler) Login(c *gin.Context) {
	serviceURL := c.Query("service")
	renew := c.Query("renew") != ""
	gateway := c.Query("gateway") != ""

	if serviceURL != "" && !h.registry.IsValid(serviceURL) {
		response.Error(c, response.CodeInvalidService)
		return
	}

	// SSO 路径：有会话、有目标服务、未要求重新认证
	if serviceURL != "" && !renew {
		if tgc, err := c.Cookie(tgcCookieName); err == nil && tgc != "" {
			st, err := h.tickets.IssueST(c.Request.Context(), tgc, serviceURL, false)
			if err == nil {
				c.Redirect(http.StatusSeeOther, appendTicket(serviceURL, st.ID))
				return
			}
			h.logger.Info("SSO 续用失败，回到登录流程", zap.Error(err))
		}
	}

	// gateway：无会话时不打扰用户，直接跳回服务
	if gateway && serviceURL != "" {
		c.Redirect(http.StatusSeeOther, serviceURL)
		return
	}

	lt, err := h.tickets.IssueLoginTicket(c.Request.Context())
	if err != nil {
		h.logger.Error("签发登录票据失败", zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}

	response.Success(c, gin.H{
		"lt":      lt.ID,
		"service": serviceURL,
	})
}

// LoginSubmitRequest 登录表单
type LoginSubmitRequest struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
	LT       string `form:"lt" binding:"required"`
	Service  string `form:"service"`
}

// LoginSubmit 提交登录表单
// POST /cas/login
func (h *CASHandler) LoginSubmit(c *gin.Context) {
	var req LoginSubmitRequest
	if err := c.ShouldBind(&req); err != nil {
		response.ErrorWithMsg(c, response.CodeInvalidRequest, "参数错误: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	// 登录票据绑定一次表单提交，先消费
	if err := h.validator.ValidateLoginTicket(ctx, req.LT); err != nil {
		response.Error(c, response.CodeInvalidTicket)
		return
	}

	user, err := h.auth.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountLocked):
			response.Error(c, response.CodeAccountLocked)
		case errors.Is(err, service.ErrAccountDisabled):
			response.Error(c, response.CodeAccountDisabled)
		default:
			response.Error(c, response.CodeInvalidCredentials)
		}
		return
	}

	attributes := map[string]string{
		"email": user.Email,
	}
	if user.DisplayName != "" {
		attributes["display_name"] = user.DisplayName
	}

	tgt, err := h.tickets.IssueTGT(ctx, user.Username, attributes)
	if err != nil {
		h.logger.Error("签发 TGT 失败", zap.Error(err))
		response.Error(c, response.CodeServerError)
		return
	}

	// 会话 Cookie，随浏览器会话存活
	c.SetCookie(tgcCookieName, tgt.ID, 0, tgcCookiePath, "", h.config.CookieSecure, true)

	if req.Service != "" {
		st, err := h.tickets.IssueST(ctx, tgt.ID, req.Service, true)
		if err != nil {
			if errors.Is(err, service.ErrInvalidService) {
				response.Error(c, response.CodeInvalidService)
				return
			}
			h.logger.Error("签发 ST 失败", zap.Error(err))
			response.Error(c, response.CodeServerError)
			return
		}
		c.Redirect(http.StatusSeeOther, appendTicket(req.Service, st.ID))
		return
	}

	response.Success(c, gin.H{
		"username": user.Username,
		"message":  "登录成功",
	})
}

// Logout 登出
// GET /cas/logout
// 无论会话是否存在都成功；通知失败只记录，不影响会话销毁
func (h *CASHandler) Logout(c *gin.Context) {
	ctx := c.Request.Context()

	if tgc, err := c.Cookie(tgcCookieName); err == nil && tgc != "" {
		if tgt, err := h.store.Get(ctx, tgc, model.KindTGT); err == nil {
			// 访问记录随会话级联删除，通知必须先于销毁
			if h.config.SLOEnabled {
				result, err := h.logout.Dispatch(ctx, tgt)
				if err != nil {
					h.logger.Error("登出通知分发失败", zap.String("tgt", tgt.ID), zap.Error(err))
				} else if result.State == service.DispatchPartiallyFailed {
					h.logger.Warn("登出通知部分失败",
						zap.String("tgt", tgt.ID),
						zap.Strings("failed", result.Failed),
					)
				}
			}
			if err := h.store.Delete(ctx, tgt.ID); err != nil {
				h.logger.Error("销毁会话失败", zap.String("tgt", tgt.ID), zap.Error(err))
			}
		}
	}

	c.SetCookie(tgcCookieName, "", -1, tgcCookiePath, "", h.config.CookieSecure, true)

	// 登出后跳转：目标须通过白名单
	target := c.Query("url")
	if target == "" {
		target = c.Query("service")
	}
	if h.config.FollowLogoutURL && target != "" && h.registry.IsValid(target) {
		c.Redirect(http.StatusSeeOther, target)
		return
	}

	response.Success(c, gin.H{"message": "已登出"})
}

// ValidateV1 CAS 1.0 纯文本验证
// GET /cas/validate
func (h *CASHandler) ValidateV1(c *gin.Context) {
	result, err := h.validator.Validate(c.Request.Context(), &service.ValidateRequest{
		TicketID: c.Query("ticket"),
		Service:  c.Query("service"),
		Renew:    c.Query("renew") != "",
		Kinds:    []model.TicketKind{model.KindST},
	})
	if err != nil {
		c.String(http.StatusOK, "no\n\n")
		return
	}
	c.String(http.StatusOK, "yes\n%s\n", result.Username)
}

// ServiceValidate CAS 2.0 服务票据验证
// GET /cas/serviceValidate
func (h *CASHandler) ServiceValidate(c *gin.Context) {
	h.validateXML(c, []model.TicketKind{model.KindST}, false)
}

// ProxyValidate CAS 2.0 代理票据验证
// GET /cas/proxyValidate
func (h *CASHandler) ProxyValidate(c *gin.Context) {
	h.validateXML(c, []model.TicketKind{model.KindST, model.KindPT}, false)
}

// ServiceValidateV3 CAS 3.0 服务票据验证，带属性块
// GET /cas/p3/serviceValidate
func (h *CASHandler) ServiceValidateV3(c *gin.Context) {
	h.validateXML(c, []model.TicketKind{model.KindST}, true)
}

// ProxyValidateV3 CAS 3.0 代理票据验证，带属性块
// GET /cas/p3/proxyValidate
func (h *CASHandler) ProxyValidateV3(c *gin.Context) {
	h.validateXML(c, []model.TicketKind{model.KindST, model.KindPT}, true)
}

// validateXML 验证端点的共同实现
func (h *CASHandler) validateXML(c *gin.Context, kinds []model.TicketKind, withAttributes bool) {
	ticketID := c.Query("ticket")
	serviceURL := c.Query("service")
	if ticketID == "" || serviceURL == "" {
		c.XML(http.StatusOK, newAuthFailure(codeInvalidRequest, "缺少 ticket 或 service 参数"))
		return
	}
	ctx := c.Request.Context()

	result, err := h.validator.Validate(ctx, &service.ValidateRequest{
		TicketID: ticketID,
		Service:  serviceURL,
		Renew:    c.Query("renew") != "",
		Kinds:    kinds,
	})
	if err != nil {
		c.XML(http.StatusOK, newAuthFailure(validationFailureCode(err), err.Error()))
		return
	}

	// pgtUrl：为请求方签发 PGT，回调失败不影响本次验证结果
	pgtIOU := ""
	if pgtURL := c.Query("pgtUrl"); pgtURL != "" {
		pgt, err := h.tickets.IssuePGT(ctx, result.TicketID, pgtURL)
		if err != nil {
			h.logger.Warn("签发 PGT 失败",
				zap.String("ticket", result.TicketID),
				zap.String("pgtUrl", pgtURL),
				zap.Error(err),
			)
		} else {
			pgtIOU = pgt.IOU
		}
	}

	c.XML(http.StatusOK, newAuthSuccess(result.Username, result.Attributes, pgtIOU, result.ProxyChain, withAttributes))
}

// Proxy PGT 换取代理票据
// GET /cas/proxy
func (h *CASHandler) Proxy(c *gin.Context) {
	pgtID := c.Query("pgt")
	target := c.Query("targetService")
	if pgtID == "" || target == "" {
		c.XML(http.StatusOK, newProxyFailure(codeInvalidRequest, "缺少 pgt 或 targetService 参数"))
		return
	}

	pt, err := h.proxy.AuthorizeProxyRequest(c.Request.Context(), pgtID, target)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidService):
			c.XML(http.StatusOK, newProxyFailure(codeUnauthorizedService, err.Error()))
		case errors.Is(err, service.ErrInvalidTicket), errors.Is(err, service.ErrExpiredTicket):
			c.XML(http.StatusOK, newProxyFailure(codeInvalidTicket, err.Error()))
		default:
			h.logger.Error("签发 PT 失败", zap.String("pgt", pgtID), zap.Error(err))
			c.XML(http.StatusOK, newProxyFailure(codeInternalError, "服务器内部错误"))
		}
		return
	}

	c.XML(http.StatusOK, newProxySuccess(pt.ID))
}

// validationFailureCode 验证错误映射为协议失败码
func validationFailureCode(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidService):
		return codeInvalidService
	case errors.Is(err, service.ErrInvalidTicket), errors.Is(err, service.ErrExpiredTicket):
		return codeInvalidTicket
	default:
		return codeInternalError
	}
}

// appendTicket 在服务 URL 上追加 ticket 参数，保留原有查询串
func appendTicket(serviceURL, ticketID string) string {
	sep := "?"
	if strings.Contains(serviceURL, "?") {
		sep = "&"
	}
	return serviceURL + sep + "ticket=" + ticketID
}
