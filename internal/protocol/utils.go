// 文件路径: internal/protocol/utils.go
// 模块说明: 这是 internal 模块里的 utils 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package protocol

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

func settingValue(settings map[string]any, path string) any {
	if len(settings) == 0 {
		return nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	var current any = settings
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}
	return current
}

func settingString(settings map[string]any, path string) string {
	switch v := settingValue(settings, path).(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		if v {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

func settingBool(settings map[string]any, path string) bool {
	switch v := settingValue(settings, path).(type) {
	case bool:
		return v
	case string:
		lower := strings.ToLower(strings.TrimSpace(v))
		return lower == "1" || lower == "true" || lower == "yes"
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// userInfoHeaders 是所有格式共用的用量头。
func userInfoHeaders(req Request) map[string]string {
	a := req.Account
	return map[string]string{
		"subscription-userinfo":   fmt.Sprintf("upload=%d; download=%d; total=%d; expire=%d", a.Upload, a.Download, a.Total, a.ExpiredAt),
		"profile-update-interval": strconv.Itoa(req.UpdateInterval),
	}
}

func attachmentHeader(filename string) string {
	return fmt.Sprintf("attachment;filename*=UTF-8''%s", url.PathEscape(filename))
}

// rawURLEncode 按 RFC 3986 编码，空格编码为 %20 而不是 +。
func rawURLEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// urlSafeBase64 把标准 base64 的 +/ 换成 -_ 并去掉填充。
func urlSafeBase64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func toGB(value int64) float64 {
	return float64(value) / (1024 * 1024 * 1024)
}

func formatExpiry(expiredAt int64, loc *time.Location) string {
	if expiredAt <= 0 {
		return "长期有效"
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Unix(expiredAt, 0).In(loc).Format("2006-01-02")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
