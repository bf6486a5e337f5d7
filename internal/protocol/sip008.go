package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// sip008Namespace keeps SIP008 server ids stable across renders.
var sip008Namespace = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")

type sip008Document struct {
	Version        int            `json:"version"`
	Servers        []sip008Server `json:"servers"`
	BytesUsed      int64          `json:"bytes_used"`
	BytesRemaining int64          `json:"bytes_remaining"`
}

type sip008Server struct {
	ID         string `json:"id"`
	Remarks    string `json:"remarks"`
	Server     string `json:"server"`
	ServerPort int    `json:"server_port"`
	Password   string `json:"password"`
	Method     string `json:"method"`
	Plugin     string `json:"plugin,omitempty"`
	PluginOpts string `json:"plugin_opts,omitempty"`
}

// renderSIP008 输出 SIP008 JSON。bytes_remaining 不做下限截断，超额时为负数。
func renderSIP008(req Request) (*Result, error) {
	used := req.Account.Used()
	doc := sip008Document{
		Version:        1,
		Servers:        []sip008Server{},
		BytesUsed:      used,
		BytesRemaining: req.Account.Total - used,
	}
	for _, node := range supportedNodes(req, TypeShadowsocks) {
		server := sip008Server{
			ID:         uuid.NewSHA1(sip008Namespace, []byte(fmt.Sprintf("%d:%d", node.ID, req.Account.ID))).String(),
			Remarks:    node.Name,
			Server:     node.Host,
			ServerPort: node.Port,
			Password:   node.Password,
			Method:     node.Method,
		}
		if plugin := settingString(node.Settings, "plugin"); plugin != "" {
			server.Plugin = plugin
			server.PluginOpts = settingString(node.Settings, "plugin_opts")
		}
		doc.Servers = append(doc.Servers, server)
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &Result{
		Payload:     payload,
		ContentType: "application/json; charset=utf-8",
		Headers:     userInfoHeaders(req),
	}, nil
}
