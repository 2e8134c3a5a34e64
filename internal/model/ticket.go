package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// TicketKind 票据类型
type TicketKind string

const (
	KindLT  TicketKind = "LT"  // 登录票据，绑定一次登录表单提交
	KindTGT TicketKind = "TGT" // 票据授予票据，代表 SSO 会话
	KindST  TicketKind = "ST"  // 服务票据，单次使用
	KindPGT TicketKind = "PGT" // 代理授予票据
	KindPT  TicketKind = "PT"  // 代理票据，单次使用
)

// IOUPrefix PGT IOU 前缀（随验证响应下发给服务）
const IOUPrefix = "PGTIOU"

// Prefix 票据 ID 前缀
func (k TicketKind) Prefix() string {
	return string(k)
}

// Ticket 票据记录
// 创建后除 Consumed 标志外不可变；Consumed 只能单向置为 true
type Ticket struct {
	ID          string            `json:"id"`
	Kind        TicketKind        `json:"kind"`
	Username    string            `json:"username"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Service     string            `json:"service,omitempty"`      // ST/PT 绑定的服务 URL
	ParentID    string            `json:"parent_id,omitempty"`    // 父票据 ID（TGT 无父）
	CallbackURL string            `json:"callback_url,omitempty"` // PGT 的代理回调地址
	IOU         string            `json:"iou,omitempty"`          // PGT 对应的 IOU
	Primary     bool              `json:"primary"`                // 是否由一次凭据认证直接签发（非 SSO 续用）
	Consumed    bool              `json:"consumed"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// IsExpired 检查票据是否过期
func (t *Ticket) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsExpiredAt 检查票据在指定时刻是否过期
func (t *Ticket) IsExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ToHash 编码为 Redis 哈希字段
// 时间戳以 Unix 毫秒存储（消费脚本在 Lua 中做数值比较），属性以 JSON 存储
func (t *Ticket) ToHash() map[string]interface{} {
	h := map[string]interface{}{
		"id":         t.ID,
		"kind":       string(t.Kind),
		"username":   t.Username,
		"service":    t.Service,
		"parent_id":  t.ParentID,
		"callback":   t.CallbackURL,
		"iou":        t.IOU,
		"primary":    boolField(t.Primary),
		"consumed":   boolField(t.Consumed),
		"created_at": strconv.FormatInt(t.CreatedAt.UnixMilli(), 10),
		"expires_at": strconv.FormatInt(t.ExpiresAt.UnixMilli(), 10),
	}
	if len(t.Attributes) > 0 {
		data, err := json.Marshal(t.Attributes)
		if err == nil {
			h["attributes"] = string(data)
		}
	}
	return h
}

// TicketFromHash 从 Redis 哈希字段解码票据
func TicketFromHash(h map[string]string) (*Ticket, error) {
	createdAt, err := strconv.ParseInt(h["created_at"], 10, 64)
	if err != nil {
		return nil, err
	}
	expiresAt, err := strconv.ParseInt(h["expires_at"], 10, 64)
	if err != nil {
		return nil, err
	}

	t := &Ticket{
		ID:          h["id"],
		Kind:        TicketKind(h["kind"]),
		Username:    h["username"],
		Service:     h["service"],
		ParentID:    h["parent_id"],
		CallbackURL: h["callback"],
		IOU:         h["iou"],
		Primary:     h["primary"] == "1",
		Consumed:    h["consumed"] == "1",
		CreatedAt:   time.UnixMilli(createdAt),
		ExpiresAt:   time.UnixMilli(expiresAt),
	}

	if raw, ok := h["attributes"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &t.Attributes); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Visit 单点登出需要的消费记录：某服务在会话内成功验证过的最近一张票据
type Visit struct {
	Service    string    `json:"service"`
	TicketID   string    `json:"ticket_id"`
	ConsumedAt time.Time `json:"consumed_at"`
}
