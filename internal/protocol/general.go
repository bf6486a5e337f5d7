// 文件路径: internal/protocol/general.go
// 模块说明: ss / shadowrocket 两种 base64 链接订阅，以及链接的拼装方法。
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"
)

const textContentType = "text/plain; charset=utf-8"

// renderShadowsocks 输出 ss:// 链接列表，整体再做一次 base64。
func renderShadowsocks(req Request) (*Result, error) {
	var lines []string
	for _, node := range supportedNodes(req, TypeShadowsocks) {
		lines = append(lines, shadowsocksURI(node, base64.StdEncoding.EncodeToString))
	}
	return &Result{
		Payload:     []byte(base64.StdEncoding.EncodeToString([]byte(joinLines(lines)))),
		ContentType: textContentType,
		Headers:     userInfoHeaders(req),
	}, nil
}

// renderShadowrocket 在链接前加一行 STATUS 用量说明，userinfo 使用 URL 安全 base64。
func renderShadowrocket(req Request) (*Result, error) {
	a := req.Account
	lines := []string{fmt.Sprintf("STATUS=↑:%.2fGB,↓:%.2fGB,TOT:%.2fGB💡Expires:%s",
		toGB(a.Upload), toGB(a.Download), toGB(a.Total), formatExpiry(a.ExpiredAt, req.Now.Location()))}
	for _, node := range supportedNodes(req, TypeShadowsocks, TypeTrojan, TypeVmess) {
		switch node.Type {
		case TypeShadowsocks:
			lines = append(lines, shadowsocksURI(node, urlSafeBase64))
		case TypeTrojan:
			lines = append(lines, trojanURI(node))
		case TypeVmess:
			lines = append(lines, vmessURI(node))
		}
	}
	return &Result{
		Payload:     []byte(base64.StdEncoding.EncodeToString([]byte(joinLines(lines)))),
		ContentType: textContentType,
		Headers:     userInfoHeaders(req),
	}, nil
}

func hostPort(node Node) string {
	return net.JoinHostPort(node.Host, strconv.Itoa(node.Port))
}

func shadowsocksURI(node Node, encode func([]byte) string) string {
	userinfo := encode([]byte(node.Method + ":" + node.Password))
	uri := fmt.Sprintf("ss://%s@%s", userinfo, hostPort(node))
	if plugin := shadowsocksPlugin(node); plugin != "" {
		uri += "/?plugin=" + rawURLEncode(plugin)
	}
	return uri + "#" + rawURLEncode(node.Name)
}

// shadowsocksPlugin 支持显式 plugin 或者 obfs 简写（simple-obfs）。
func shadowsocksPlugin(node Node) string {
	if plugin := settingString(node.Settings, "plugin"); plugin != "" {
		if opts := settingString(node.Settings, "plugin_opts"); opts != "" {
			return plugin + ";" + opts
		}
		return plugin
	}
	if obfs := settingString(node.Settings, "obfs"); obfs != "" {
		plugin := "obfs-local;obfs=" + obfs
		if host := settingString(node.Settings, "obfs_host"); host != "" {
			plugin += ";obfs-host=" + host
		}
		return plugin
	}
	return ""
}

func vmessURI(node Node) string {
	v := map[string]any{
		"v":    "2",
		"ps":   node.Name,
		"add":  node.Host,
		"port": strconv.Itoa(node.Port),
		"id":   node.Password,
		"aid":  "0",
		"scy":  "auto",
		"net":  "tcp",
		"type": "none",
		"tls":  "",
	}
	switch network := settingString(node.Settings, "network"); network {
	case "ws":
		v["net"] = network
		if path := settingString(node.Settings, "network_settings.path"); path != "" {
			v["path"] = path
		}
		if host := settingString(node.Settings, "network_settings.headers.Host"); host != "" {
			v["host"] = host
		}
	case "grpc":
		v["net"] = network
		if serviceName := settingString(node.Settings, "network_settings.serviceName"); serviceName != "" {
			v["path"] = serviceName
		}
	}
	if settingBool(node.Settings, "tls") {
		v["tls"] = "tls"
		if sni := settingString(node.Settings, "tls_settings.server_name"); sni != "" {
			v["sni"] = sni
		}
	}
	data, _ := json.Marshal(v)
	return "vmess://" + base64.StdEncoding.EncodeToString(data)
}

func trojanURI(node Node) string {
	u := url.URL{
		Scheme:   "trojan",
		User:     url.User(node.Password),
		Host:     hostPort(node),
		Fragment: node.Name,
	}
	q := u.Query()
	if sni := settingString(node.Settings, "server_name"); sni != "" {
		q.Set("sni", sni)
		q.Set("peer", sni)
	}
	if settingBool(node.Settings, "allow_insecure") {
		q.Set("allowInsecure", "1")
	}
	switch settingString(node.Settings, "network") {
	case "ws":
		q.Set("type", "ws")
		if path := settingString(node.Settings, "network_settings.path"); path != "" {
			q.Set("path", path)
		}
		if host := settingString(node.Settings, "network_settings.headers.Host"); host != "" {
			q.Set("host", host)
		}
	case "grpc":
		q.Set("type", "grpc")
		if serviceName := settingString(node.Settings, "network_settings.serviceName"); serviceName != "" {
			q.Set("serviceName", serviceName)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
