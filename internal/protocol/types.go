// 文件路径: internal/protocol/types.go
// 模块说明: 这是 internal 模块里的 types 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package protocol

import (
	"errors"
	"log/slog"
	"time"
)

// ErrUnsupportedFormat 表示请求的订阅格式没有对应的渲染器。
var ErrUnsupportedFormat = errors.New("protocol: unsupported type / 不支持的订阅格式")

// Node types understood by the renderers.
const (
	TypeShadowsocks = "shadowsocks"
	TypeSnell       = "snell"
	TypeTrojan      = "trojan"
	TypeVmess       = "vmess"
)

// Node represents a normalized server entry usable by renderers.
// Password is already derived for the requesting user.
type Node struct {
	ID       int64
	Name     string
	Type     string
	Host     string
	Port     int
	Method   string
	Password string
	Settings map[string]any
}

// Account 是渲染时需要的用户用量信息。
type Account struct {
	ID        int64
	UUID      string
	Upload    int64
	Download  int64
	Total     int64
	ExpiredAt int64 // 0 表示没有到期时间
}

// Used returns upload+download.
func (a Account) Used() int64 {
	return a.Upload + a.Download
}

// Templates 覆盖内置模板；为空时使用内置模板。
type Templates struct {
	Clash string
	Surge string
}

// Request carries all contextual data for generating subscription payloads.
type Request struct {
	Format         string
	Nodes          []Node
	Account        Account
	AppName        string
	SubscribeURL   string
	Host           string
	UpdateInterval int
	Templates      Templates
	Logger         *slog.Logger
	Now            time.Time
}

// Result captures the serialized payload emitted by a renderer.
type Result struct {
	Payload     []byte
	ContentType string
	Headers     map[string]string
}

type renderFunc func(req Request) (*Result, error)
