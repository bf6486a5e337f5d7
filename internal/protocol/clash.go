// 文件路径: internal/protocol/clash.go
// 模块说明: 这是 internal 模块里的 clash 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package protocol

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var clashTypes = []string{TypeShadowsocks, TypeVmess, TypeTrojan, TypeSnell}

// renderClash 同时服务 clash 与 stash：加载模板、追加节点、调和策略组。
func renderClash(req Request) (*Result, error) {
	nodes := supportedNodes(req, clashTypes...)
	proxies := make([]map[string]any, 0, len(nodes))
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		proxies = append(proxies, buildClashProxy(node))
		names = append(names, node.Name)
	}

	config := loadClashTemplate(req)
	config["proxies"] = append(toMapSlice(config["proxies"]), proxies...)
	mergeProxyGroups(config, names)
	applyClashRules(config, req.Host)

	payload, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal clash config: %w", err)
	}
	content := strings.ReplaceAll(string(payload), "$app_name", req.AppName)

	headers := userInfoHeaders(req)
	headers["content-disposition"] = attachmentHeader(req.AppName)
	headers["profile-title"] = req.AppName
	return &Result{
		Payload:     []byte(content),
		ContentType: "text/yaml; charset=utf-8",
		Headers:     headers,
	}, nil
}

func loadClashTemplate(req Request) map[string]any {
	if custom := strings.TrimSpace(req.Templates.Clash); custom != "" {
		var cfg map[string]any
		if err := yaml.Unmarshal([]byte(custom), &cfg); err == nil && cfg != nil {
			return cfg
		} else if err != nil {
			req.Logger.Warn("custom clash template invalid, using built-in", "error", err)
		}
	}
	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(defaultClashTemplate), &cfg); err != nil || cfg == nil {
		// 内置模板由 go:embed 提供，这里只是兜底。
		return map[string]any{
			"proxies":      []any{},
			"proxy-groups": []any{map[string]any{"name": "$app_name", "type": "select", "proxies": []any{}}},
			"rules":        []any{"MATCH,$app_name"},
		}
	}
	return cfg
}

// mergeProxyGroups 把模板策略组里的每一项当作正则与新节点名匹配：
// 命中则用匹配到的节点名替换该项；整组都没有命中时把全部新节点追加到末尾。
// 正则编译失败视为不匹配。
func mergeProxyGroups(config map[string]any, names []string) {
	groups := toMapSlice(config["proxy-groups"])
	filtered := make([]map[string]any, 0, len(groups))
	for _, group := range groups {
		existing := toStringSlice(group["proxies"])
		merged := make([]string, 0, len(existing)+len(names))
		matchedAny := false
		for _, entry := range existing {
			matches := matchProxyNames(entry, names)
			if len(matches) == 0 {
				merged = append(merged, entry)
				continue
			}
			matchedAny = true
			merged = append(merged, matches...)
		}
		if !matchedAny {
			merged = append(merged, names...)
		}
		merged = uniqueStrings(merged)
		if len(merged) == 0 {
			continue
		}
		group["proxies"] = merged
		filtered = append(filtered, group)
	}
	config["proxy-groups"] = filtered
}

func matchProxyNames(entry string, names []string) []string {
	re, ok := compileClashRegex(entry)
	if !ok {
		return nil
	}
	var matches []string
	for _, name := range names {
		if re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	return matches
}

// compileClashRegex 接受裸正则或 /pattern/flags 形式（仅支持 i 标志）。
func compileClashRegex(expr string) (*regexp.Regexp, bool) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, false
	}
	pattern := expr
	if strings.HasPrefix(expr, "/") {
		if last := strings.LastIndex(expr, "/"); last > 0 {
			pattern = expr[1:last]
			if strings.Contains(expr[last+1:], "i") {
				pattern = "(?i)" + pattern
			}
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	return re, true
}

// applyClashRules 让面板域名直连，避免订阅更新走代理。
func applyClashRules(config map[string]any, host string) {
	rules := toStringSlice(config["rules"])
	if host == "" {
		config["rules"] = rules
		return
	}
	entry := fmt.Sprintf("DOMAIN,%s,DIRECT", host)
	for _, rule := range rules {
		if rule == entry {
			config["rules"] = rules
			return
		}
	}
	config["rules"] = append([]string{entry}, rules...)
}

func toMapSlice(value any) []map[string]any {
	var result []map[string]any
	switch v := value.(type) {
	case []map[string]any:
		result = append(result, v...)
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				result = append(result, m)
			}
		}
	}
	return result
}

func toStringSlice(value any) []string {
	var result []string
	switch v := value.(type) {
	case []string:
		return append(result, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
	case string:
		result = append(result, v)
	}
	return result
}

func uniqueStrings(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	result := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

func buildClashProxy(node Node) map[string]any {
	switch node.Type {
	case TypeShadowsocks:
		return buildClashShadowsocks(node)
	case TypeVmess:
		return buildClashVmess(node)
	case TypeTrojan:
		return buildClashTrojan(node)
	default:
		return buildClashSnell(node)
	}
}

func buildClashShadowsocks(node Node) map[string]any {
	proxy := map[string]any{
		"name":     node.Name,
		"type":     "ss",
		"server":   node.Host,
		"port":     node.Port,
		"cipher":   node.Method,
		"password": node.Password,
		"udp":      true,
	}
	if obfs := settingString(node.Settings, "obfs"); obfs != "" {
		opts := map[string]any{"mode": obfs}
		if host := settingString(node.Settings, "obfs_host"); host != "" {
			opts["host"] = host
		}
		proxy["plugin"] = "obfs"
		proxy["plugin-opts"] = opts
	}
	return proxy
}

func buildClashVmess(node Node) map[string]any {
	proxy := map[string]any{
		"name":    node.Name,
		"type":    "vmess",
		"server":  node.Host,
		"port":    node.Port,
		"uuid":    node.Password,
		"alterId": 0,
		"cipher":  "auto",
		"udp":     true,
	}
	if settingBool(node.Settings, "tls") {
		proxy["tls"] = true
		proxy["skip-cert-verify"] = settingBool(node.Settings, "tls_settings.allow_insecure")
		if sni := settingString(node.Settings, "tls_settings.server_name"); sni != "" {
			proxy["servername"] = sni
		}
	}
	applyClashTransport(node, proxy)
	return proxy
}

func buildClashTrojan(node Node) map[string]any {
	proxy := map[string]any{
		"name":             node.Name,
		"type":             "trojan",
		"server":           node.Host,
		"port":             node.Port,
		"password":         node.Password,
		"udp":              true,
		"skip-cert-verify": settingBool(node.Settings, "allow_insecure"),
	}
	if sni := settingString(node.Settings, "server_name"); sni != "" {
		proxy["sni"] = sni
	}
	applyClashTransport(node, proxy)
	return proxy
}

func buildClashSnell(node Node) map[string]any {
	proxy := map[string]any{
		"name":   node.Name,
		"type":   "snell",
		"server": node.Host,
		"port":   node.Port,
		"psk":    node.Password,
	}
	if version := settingString(node.Settings, "version"); version != "" {
		proxy["version"] = version
	}
	if obfs := settingString(node.Settings, "obfs"); obfs != "" {
		opts := map[string]any{"mode": obfs}
		if host := settingString(node.Settings, "obfs_host"); host != "" {
			opts["host"] = host
		}
		proxy["obfs-opts"] = opts
	}
	return proxy
}

func applyClashTransport(node Node, proxy map[string]any) {
	switch strings.ToLower(settingString(node.Settings, "network")) {
	case "ws":
		proxy["network"] = "ws"
		ws := map[string]any{}
		if path := settingString(node.Settings, "network_settings.path"); path != "" {
			ws["path"] = path
		}
		if host := settingString(node.Settings, "network_settings.headers.Host"); host != "" {
			ws["headers"] = map[string]any{"Host": host}
		}
		if len(ws) > 0 {
			proxy["ws-opts"] = ws
		}
	case "grpc":
		proxy["network"] = "grpc"
		if serviceName := settingString(node.Settings, "network_settings.serviceName"); serviceName != "" {
			proxy["grpc-opts"] = map[string]any{"grpc-service-name": serviceName}
		}
	}
}
