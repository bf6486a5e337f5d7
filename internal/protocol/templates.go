package protocol

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed templates/clash.yaml
var defaultClashTemplate string

//go:embed templates/surge.conf
var defaultSurgeTemplate string

// LoadTemplates 读取配置里指定的模板文件，路径为空时保留内置模板。
func LoadTemplates(clashPath, surgePath string) (Templates, error) {
	var tpl Templates
	var err error
	if tpl.Clash, err = readTemplate(clashPath); err != nil {
		return Templates{}, err
	}
	if tpl.Surge, err = readTemplate(surgePath); err != nil {
		return Templates{}, err
	}
	return tpl, nil
}

func readTemplate(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read template %s: %w", path, err)
	}
	return string(data), nil
}
