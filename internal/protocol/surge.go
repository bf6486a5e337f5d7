// 文件路径: internal/protocol/surge.go
// 模块说明: 这是 internal 模块里的 surge 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

var surgeTypes = []string{TypeShadowsocks, TypeSnell, TypeTrojan, TypeVmess}

func renderSurge(req Request) (*Result, error) {
	lines, names := surgeProxies(req)
	template := strings.TrimSpace(req.Templates.Surge)
	if template == "" {
		template = defaultSurgeTemplate
	}
	group := "DIRECT"
	if len(names) > 0 {
		group = strings.Join(names, ", ")
	}
	replacer := strings.NewReplacer(
		"$subscribe_info", surgeSubscribeInfo(req),
		"$subs_domain", req.Host,
		"$subs_link", req.SubscribeURL,
		"$proxy_group", group,
		"$proxies", strings.Join(lines, "\n"),
	)
	headers := userInfoHeaders(req)
	headers["content-disposition"] = attachmentHeader(req.AppName + ".conf")
	return &Result{
		Payload:     []byte(replacer.Replace(template)),
		ContentType: textContentType,
		Headers:     headers,
	}, nil
}

// renderNodeList 只输出 [Proxy] 段落中的节点行，不带模板。
func renderNodeList(req Request) (*Result, error) {
	lines, _ := surgeProxies(req)
	return &Result{
		Payload:     []byte(joinLines(lines)),
		ContentType: textContentType,
		Headers:     userInfoHeaders(req),
	}, nil
}

func surgeProxies(req Request) ([]string, []string) {
	nodes := supportedNodes(req, surgeTypes...)
	lines := make([]string, 0, len(nodes))
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		line := surgeProxyLine(node)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		names = append(names, node.Name)
	}
	return lines, names
}

func surgeSubscribeInfo(req Request) string {
	a := req.Account
	remaining := toGB(a.Total - a.Used())
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("%s 已用上行 %.2fGB, 下行 %.2fGB, 剩余 %.2fGB / 总量 %.2fGB, 到期 %s",
		req.AppName, toGB(a.Upload), toGB(a.Download), remaining, toGB(a.Total),
		formatExpiry(a.ExpiredAt, req.Now.Location()))
}

func surgeProxyLine(node Node) string {
	var fields []string
	switch node.Type {
	case TypeShadowsocks:
		fields = surgeShadowsocks(node)
	case TypeSnell:
		fields = surgeSnell(node)
	case TypeTrojan:
		fields = surgeTrojan(node)
	case TypeVmess:
		fields = surgeVmess(node)
	default:
		return ""
	}
	return node.Name + " = " + strings.Join(fields, ", ")
}

func surgeShadowsocks(node Node) []string {
	fields := []string{
		"ss", node.Host, strconv.Itoa(node.Port),
		"encrypt-method=" + node.Method,
		"password=" + node.Password,
	}
	if obfs := settingString(node.Settings, "obfs"); obfs != "" {
		fields = append(fields, "obfs="+obfs)
		if host := settingString(node.Settings, "obfs_host"); host != "" {
			fields = append(fields, "obfs-host="+host)
		}
	}
	return append(fields, "tfo=true", "udp-relay=true")
}

func surgeSnell(node Node) []string {
	fields := []string{
		"snell", node.Host, strconv.Itoa(node.Port),
		"psk=" + node.Password,
	}
	if version := settingString(node.Settings, "version"); version != "" {
		fields = append(fields, "version="+version)
	}
	if obfs := settingString(node.Settings, "obfs"); obfs != "" {
		fields = append(fields, "obfs="+obfs)
		if host := settingString(node.Settings, "obfs_host"); host != "" {
			fields = append(fields, "obfs-host="+host)
		}
	}
	return append(fields, "tfo=true")
}

func surgeTrojan(node Node) []string {
	fields := []string{
		"trojan", node.Host, strconv.Itoa(node.Port),
		"password=" + node.Password,
	}
	if sni := settingString(node.Settings, "server_name"); sni != "" {
		fields = append(fields, "sni="+sni)
	}
	if settingBool(node.Settings, "allow_insecure") {
		fields = append(fields, "skip-cert-verify=true")
	}
	return append(fields, "tfo=true", "udp-relay=true")
}

func surgeVmess(node Node) []string {
	fields := []string{
		"vmess", node.Host, strconv.Itoa(node.Port),
		"username=" + node.Password,
		"vmess-aead=true",
	}
	if settingBool(node.Settings, "tls") {
		fields = append(fields, "tls=true")
		if sni := settingString(node.Settings, "tls_settings.server_name"); sni != "" {
			fields = append(fields, "sni="+sni)
		}
		if settingBool(node.Settings, "tls_settings.allow_insecure") {
			fields = append(fields, "skip-cert-verify=true")
		}
	}
	if settingString(node.Settings, "network") == "ws" {
		fields = append(fields, "ws=true")
		if path := settingString(node.Settings, "network_settings.path"); path != "" {
			fields = append(fields, "ws-path="+path)
		}
		if host := settingString(node.Settings, "network_settings.headers.Host"); host != "" {
			fields = append(fields, "ws-headers=Host:"+host)
		}
	}
	return append(fields, "tfo=true")
}
