package handler

import (
	"encoding/xml"
	"sort"
)

// CAS 协议命名空间
const casNamespace = "http://www.yale.edu/tp/cas"

// CAS 协议失败码
const (
	codeInvalidRequest           = "INVALID_REQUEST"
	codeInvalidTicket            = "INVALID_TICKET"
	codeInvalidService           = "INVALID_SERVICE"
	codeUnauthorizedService      = "UNAUTHORIZED_SERVICE"
	codeUnauthorizedServiceProxy = "UNAUTHORIZED_SERVICE_PROXY"
	codeInvalidProxyCallback     = "INVALID_PROXY_CALLBACK"
	codeInternalError            = "INTERNAL_ERROR"
)

// serviceResponse CAS 2.0/3.0 协议响应信封
type serviceResponse struct {
	XMLName      xml.Name               `xml:"cas:serviceResponse"`
	Xmlns        string                 `xml:"xmlns:cas,attr"`
	AuthSuccess  *authenticationSuccess `xml:"cas:authenticationSuccess,omitempty"`
	AuthFailure  *authenticationFailure `xml:"cas:authenticationFailure,omitempty"`
	ProxySuccess *proxySuccess          `xml:"cas:proxySuccess,omitempty"`
	ProxyFailure *proxyFailure          `xml:"cas:proxyFailure,omitempty"`
}

type authenticationSuccess struct {
	User       string         `xml:"cas:user"`
	Attributes *casAttributes `xml:"cas:attributes,omitempty"`
	PGTIOU     string         `xml:"cas:proxyGrantingTicket,omitempty"`
	Proxies    *casProxies    `xml:"cas:proxies,omitempty"`
}

type authenticationFailure struct {
	Code string `xml:"code,attr"`
	Msg  string `xml:",chardata"`
}

type proxySuccess struct {
	ProxyTicket string `xml:"cas:proxyTicket"`
}

type proxyFailure struct {
	Code string `xml:"code,attr"`
	Msg  string `xml:",chardata"`
}

type casProxies struct {
	Proxies []string `xml:"cas:proxy"`
}

// casAttributes 属性块，按属性名排序输出
type casAttributes struct {
	attrs map[string]string
}

// MarshalXML 每个属性输出为 cas: 前缀的同名元素
func (a *casAttributes) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if len(a.attrs) == 0 {
		return nil
	}

	if err := e.EncodeToken(start); err != nil {
		return err
	}

	keys := make([]string, 0, len(a.attrs))
	for k := range a.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := xml.Name{Local: "cas:" + k}
		if err := e.EncodeElement(a.attrs[k], xml.StartElement{Name: name}); err != nil {
			return err
		}
	}

	return e.EncodeToken(start.End())
}

// newAuthSuccess 构造认证成功响应
// withAttributes 为 CAS 3.0 端点开启属性块
func newAuthSuccess(username string, attributes map[string]string, pgtIOU string, proxies []string, withAttributes bool) *serviceResponse {
	success := &authenticationSuccess{
		User:   username,
		PGTIOU: pgtIOU,
	}
	if withAttributes && len(attributes) > 0 {
		success.Attributes = &casAttributes{attrs: attributes}
	}
	if len(proxies) > 0 {
		success.Proxies = &casProxies{Proxies: proxies}
	}
	return &serviceResponse{
		Xmlns:       casNamespace,
		AuthSuccess: success,
	}
}

// newAuthFailure 构造认证失败响应
func newAuthFailure(code, msg string) *serviceResponse {
	return &serviceResponse{
		Xmlns:       casNamespace,
		AuthFailure: &authenticationFailure{Code: code, Msg: msg},
	}
}

// newProxySuccess 构造代理票据签发成功响应
func newProxySuccess(ptID string) *serviceResponse {
	return &serviceResponse{
		Xmlns:        casNamespace,
		ProxySuccess: &proxySuccess{ProxyTicket: ptID},
	}
}

// newProxyFailure 构造代理票据签发失败响应
func newProxyFailure(code, msg string) *serviceResponse {
	return &serviceResponse{
		Xmlns:        casNamespace,
		ProxyFailure: &proxyFailure{Code: code, Msg: msg},
	}
}
