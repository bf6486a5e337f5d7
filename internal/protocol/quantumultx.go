package protocol

import (
	"fmt"
	"strings"
)

// renderQuantumultX 只支持 shadowsocks，每行一个 key=value 节点。
func renderQuantumultX(req Request) (*Result, error) {
	var lines []string
	for _, node := range supportedNodes(req, TypeShadowsocks) {
		fields := []string{
			fmt.Sprintf("shadowsocks=%s", hostPort(node)),
			"method=" + node.Method,
			"password=" + node.Password,
		}
		if obfs := settingString(node.Settings, "obfs"); obfs != "" {
			fields = append(fields, "obfs="+obfs)
			if host := settingString(node.Settings, "obfs_host"); host != "" {
				fields = append(fields, "obfs-host="+host)
			}
		}
		fields = append(fields, "fast-open=true", "udp-relay=true", "tag="+node.Name)
		lines = append(lines, strings.Join(fields, ", "))
	}
	return &Result{
		Payload:     []byte(joinLines(lines)),
		ContentType: textContentType,
		Headers:     userInfoHeaders(req),
	}, nil
}
