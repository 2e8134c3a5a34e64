package service

import (
	"fmt"
	"regexp"

	"github.com/pu-ac-cn/cas-server/internal/config"
	"go.uber.org/zap"
)

// serviceEntry 白名单条目，按配置顺序首个匹配的条目生效
type serviceEntry struct {
	pattern      *regexp.Regexp
	proxyAllow   bool
	proxyPattern *regexp.Regexp // 为 nil 时回调地址按服务白名单校验
}

// ServiceRegistry 服务 URL 白名单
// 条目为空时放行全部 URL（显式的默认宽松策略，启动时告警）
type ServiceRegistry struct {
	entries []serviceEntry
}

// NewServiceRegistry 根据配置构建白名单
func NewServiceRegistry(cfgs []config.ServiceConfig, logger *zap.Logger) (*ServiceRegistry, error) {
	r := &ServiceRegistry{}
	for _, cfg := range cfgs {
		pattern, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("服务白名单正则无效 %q: %w", cfg.Pattern, err)
		}
		entry := serviceEntry{pattern: pattern, proxyAllow: cfg.ProxyAllow}
		if cfg.ProxyPattern != "" {
			pp, err := regexp.Compile(cfg.ProxyPattern)
			if err != nil {
				return nil, fmt.Errorf("代理回调正则无效 %q: %w", cfg.ProxyPattern, err)
			}
			entry.proxyPattern = pp
		}
		r.entries = append(r.entries, entry)
	}

	if len(r.entries) == 0 && logger != nil {
		logger.Warn("服务白名单为空，所有服务 URL 都会被放行")
	}

	return r, nil
}

// match 返回首个匹配条目
func (r *ServiceRegistry) match(service string) (*serviceEntry, bool) {
	for i := range r.entries {
		if r.entries[i].pattern.MatchString(service) {
			return &r.entries[i], true
		}
	}
	return nil, false
}

// IsValid 校验服务 URL 是否允许
// 空 URL 不做限制（是否必填由调用方决定）；白名单为空时放行全部
func (r *ServiceRegistry) IsValid(service string) bool {
	if service == "" {
		return true
	}
	if len(r.entries) == 0 {
		return true
	}
	_, ok := r.match(service)
	return ok
}

// CanProxy 服务是否允许代理认证
// 白名单为空时允许；有白名单但未匹配时拒绝
func (r *ServiceRegistry) CanProxy(service string) bool {
	if len(r.entries) == 0 {
		return true
	}
	entry, ok := r.match(service)
	if !ok {
		return false
	}
	return entry.proxyAllow
}

// IsValidProxyCallback 校验代理回调地址
// 条目配置了 proxy_pattern 时按其匹配，否则按服务白名单校验
// 回调地址的 HTTPS 要求由票据工厂在签发 PGT 时检查
func (r *ServiceRegistry) IsValidProxyCallback(service, callbackURL string) bool {
	if entry, ok := r.match(service); ok && entry.proxyPattern != nil {
		return entry.proxyPattern.MatchString(callbackURL)
	}
	return r.IsValid(callbackURL)
}
