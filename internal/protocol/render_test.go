package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleNodes() []Node {
	return []Node{
		{ID: 1, Name: "香港 01", Type: "shadowsocks", Host: "hk.example.com", Port: 443, Method: "aes-256-gcm", Password: "pass-1"},
		{ID: 2, Name: "JP-Trojan", Type: "trojan", Host: "jp.example.com", Port: 8443, Password: "pass-2",
			Settings: map[string]any{"server_name": "jp.example.com"}},
		{ID: 3, Name: "US-Vmess", Type: "vmess", Host: "us.example.com", Port: 80, Password: "5d4c9a8e-0000-4000-8000-000000000003",
			Settings: map[string]any{"network": "ws", "network_settings": map[string]any{"path": "/ws"}}},
		{ID: 4, Name: "SG-Snell", Type: "snell", Host: "sg.example.com", Port: 6160, Password: "psk-4",
			Settings: map[string]any{"version": "4", "obfs": "http"}},
		{ID: 5, Name: "DE-Hy2", Type: "hysteria2", Host: "de.example.com", Port: 443, Password: "pass-5"},
	}
}

func sampleRequest(format string) Request {
	return Request{
		Format:       format,
		Nodes:        sampleNodes(),
		Account:      Account{ID: 7, UUID: "uuid-7", Upload: 1 << 30, Download: 2 << 30, Total: 10 << 30, ExpiredAt: 1893456000},
		AppName:      "Demo",
		SubscribeURL: "https://panel.example.com/sub?token=abc",
		Host:         "panel.example.com",
		Now:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func decodeLines(t *testing.T, payload []byte) []string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(string(payload))
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
}

func TestRender_UnknownFormat(t *testing.T) {
	_, err := Render(sampleRequest("v2rayx"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.False(t, Supported("v2rayx"))
	assert.True(t, Supported("QuantumultX"))
	assert.Equal(t, []string{"clash", "nodelist", "qx", "shadowrocket", "sip008", "ss", "stash", "surge"}, Formats())
}

func TestRender_CommonHeaders(t *testing.T) {
	for _, format := range Formats() {
		res, err := Render(sampleRequest(format))
		require.NoError(t, err, format)
		assert.Equal(t, "upload=1073741824; download=2147483648; total=10737418240; expire=1893456000",
			res.Headers["subscription-userinfo"], format)
		assert.Equal(t, "24", res.Headers["profile-update-interval"], format)
	}
}

func TestRender_SS(t *testing.T) {
	res, err := Render(sampleRequest("ss"))
	require.NoError(t, err)
	lines := decodeLines(t, res.Payload)
	require.Len(t, lines, 1)

	userinfo := base64.StdEncoding.EncodeToString([]byte("aes-256-gcm:pass-1"))
	assert.Equal(t, "ss://"+userinfo+"@hk.example.com:443#%E9%A6%99%E6%B8%AF%2001", lines[0])
}

func TestRender_ShadowrocketStatusAndURLSafeUserinfo(t *testing.T) {
	req := sampleRequest("shadowrocket")
	req.Nodes[0].Password = "a>b?c~"
	res, err := Render(req)
	require.NoError(t, err)
	lines := decodeLines(t, res.Payload)

	require.Len(t, lines, 4)
	assert.Equal(t, "STATUS=↑:1.00GB,↓:2.00GB,TOT:10.00GB💡Expires:2030-01-01", lines[0])
	ss := strings.TrimPrefix(lines[1], "ss://")
	userinfo := ss[:strings.Index(ss, "@")]
	assert.NotContains(t, userinfo, "+")
	assert.NotContains(t, userinfo, "/")
	assert.NotContains(t, userinfo, "=")
	decoded, err := base64.RawURLEncoding.DecodeString(userinfo)
	require.NoError(t, err)
	assert.Equal(t, "aes-256-gcm:a>b?c~", string(decoded))
	assert.True(t, strings.HasPrefix(lines[2], "trojan://pass-2@jp.example.com:8443?"))
	assert.True(t, strings.HasPrefix(lines[3], "vmess://"))
}

func TestRender_SurgeSkipsUnsupportedTypesWithWarning(t *testing.T) {
	var logs bytes.Buffer
	req := sampleRequest("surge")
	req.Logger = slog.New(slog.NewTextHandler(&logs, nil))
	res, err := Render(req)
	require.NoError(t, err)
	body := string(res.Payload)

	assert.Contains(t, body, "#!MANAGED-CONFIG https://panel.example.com/sub?token=abc")
	assert.Contains(t, body, "香港 01 = ss, hk.example.com, 443, encrypt-method=aes-256-gcm, password=pass-1")
	assert.Contains(t, body, "SG-Snell = snell, sg.example.com, 6160, psk=psk-4, version=4, obfs=http")
	assert.Contains(t, body, "JP-Trojan = trojan, jp.example.com, 8443, password=pass-2, sni=jp.example.com")
	assert.Contains(t, body, "US-Vmess = vmess, us.example.com, 80, username=")
	assert.Contains(t, body, "DOMAIN,panel.example.com,DIRECT")
	assert.Contains(t, body, "auto = url-test, 香港 01, JP-Trojan, US-Vmess, SG-Snell")
	assert.NotContains(t, body, "DE-Hy2")
	assert.NotContains(t, body, "$proxies")
	assert.Contains(t, logs.String(), "skip unsupported node type")
	assert.Equal(t, "attachment;filename*=UTF-8''Demo.conf", res.Headers["content-disposition"])
}

func TestRender_SurgeCustomTemplate(t *testing.T) {
	req := sampleRequest("surge")
	req.Templates.Surge = "[Proxy]\n$proxies\n[Proxy Group]\nPick = select, $proxy_group\n"
	req.Nodes = nil
	res, err := Render(req)
	require.NoError(t, err)
	assert.Equal(t, "[Proxy]\n\n[Proxy Group]\nPick = select, DIRECT", string(res.Payload))
}

func TestRender_NodeListHasNoTemplate(t *testing.T) {
	res, err := Render(sampleRequest("nodelist"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(res.Payload), "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.NotContains(t, string(res.Payload), "[Proxy]")
}

func TestRender_QuantumultX(t *testing.T) {
	res, err := Render(sampleRequest("qx"))
	require.NoError(t, err)
	assert.Equal(t,
		"shadowsocks=hk.example.com:443, method=aes-256-gcm, password=pass-1, fast-open=true, udp-relay=true, tag=香港 01\n",
		string(res.Payload))
}

func TestRender_SIP008RemainingCanBeNegative(t *testing.T) {
	req := sampleRequest("sip008")
	req.Account.Upload = 6 << 30
	req.Account.Download = 5 << 30
	res, err := Render(req)
	require.NoError(t, err)

	var doc struct {
		Version        int   `json:"version"`
		BytesUsed      int64 `json:"bytes_used"`
		BytesRemaining int64 `json:"bytes_remaining"`
		Servers        []struct {
			ID       string `json:"id"`
			Server   string `json:"server"`
			Method   string `json:"method"`
			Password string `json:"password"`
		} `json:"servers"`
	}
	require.NoError(t, json.Unmarshal(res.Payload, &doc))
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, int64(11<<30), doc.BytesUsed)
	assert.Equal(t, int64(10<<30)-int64(11<<30), doc.BytesRemaining)
	assert.Negative(t, doc.BytesRemaining)
	require.Len(t, doc.Servers, 1)
	assert.Equal(t, "pass-1", doc.Servers[0].Password)

	again, err := Render(req)
	require.NoError(t, err)
	assert.Equal(t, res.Payload, again.Payload, "server ids are deterministic")
}

func TestRender_SIP008EmptyServersIsArray(t *testing.T) {
	req := sampleRequest("sip008")
	req.Nodes = nil
	res, err := Render(req)
	require.NoError(t, err)
	assert.Contains(t, string(res.Payload), `"servers":[]`)
}

type clashDoc struct {
	Proxies []map[string]any `yaml:"proxies"`
	Groups  []struct {
		Name    string   `yaml:"name"`
		Proxies []string `yaml:"proxies"`
	} `yaml:"proxy-groups"`
	Rules []string `yaml:"rules"`
}

func TestRender_ClashMergesGroups(t *testing.T) {
	req := sampleRequest("clash")
	req.Templates.Clash = `
proxies: []
proxy-groups:
  - name: Asia
    type: select
    proxies:
      - "^(香港|JP)"
      - DIRECT
  - name: Everything
    type: select
    proxies:
      - DIRECT
  - name: Broken
    type: select
    proxies:
      - "([unclosed"
rules:
  - MATCH,Everything
`
	res, err := Render(req)
	require.NoError(t, err)

	var doc clashDoc
	require.NoError(t, yaml.Unmarshal(res.Payload, &doc))
	require.Len(t, doc.Proxies, 4)
	require.Len(t, doc.Groups, 3)

	assert.Equal(t, []string{"香港 01", "JP-Trojan", "DIRECT"}, doc.Groups[0].Proxies, "regex entry replaced")
	assert.Equal(t, []string{"DIRECT", "香港 01", "JP-Trojan", "US-Vmess", "SG-Snell"}, doc.Groups[1].Proxies, "no match appends all once")
	assert.Equal(t, []string{"([unclosed", "香港 01", "JP-Trojan", "US-Vmess", "SG-Snell"}, doc.Groups[2].Proxies, "bad regex is a non-match")
	assert.Equal(t, "DOMAIN,panel.example.com,DIRECT", doc.Rules[0])
}

func TestRender_ClashExistingNameIsNotDuplicated(t *testing.T) {
	req := sampleRequest("stash")
	req.Templates.Clash = `
proxy-groups:
  - name: Pick
    type: select
    proxies: ["JP-Trojan"]
`
	res, err := Render(req)
	require.NoError(t, err)
	var doc clashDoc
	require.NoError(t, yaml.Unmarshal(res.Payload, &doc))
	require.Len(t, doc.Groups, 1)
	assert.Equal(t, []string{"JP-Trojan"}, doc.Groups[0].Proxies)
}

func TestRender_ClashDefaultTemplate(t *testing.T) {
	res, err := Render(sampleRequest("clash"))
	require.NoError(t, err)
	body := string(res.Payload)
	assert.NotContains(t, body, "$app_name")
	assert.Contains(t, body, "MATCH,Demo")
	assert.Equal(t, "attachment;filename*=UTF-8''Demo", res.Headers["content-disposition"])

	var doc clashDoc
	require.NoError(t, yaml.Unmarshal(res.Payload, &doc))
	assert.Equal(t, "Demo", doc.Groups[0].Name)
	assert.Equal(t, []string{"Auto", "DIRECT", "香港 01", "JP-Trojan", "US-Vmess", "SG-Snell"}, doc.Groups[0].Proxies)
	assert.Equal(t, []string{"香港 01", "JP-Trojan", "US-Vmess", "SG-Snell"}, doc.Groups[1].Proxies)
}

func TestCompileClashRegex(t *testing.T) {
	re, ok := compileClashRegex("/hk/i")
	require.True(t, ok)
	assert.True(t, re.MatchString("HK-01"))

	_, ok = compileClashRegex("(")
	assert.False(t, ok)
}
