// 文件路径: internal/credential/credential.go
// 模块说明: 这是 internal 模块里的 credential 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package credential

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidLength 表示请求的密钥长度不是 16/32 或超过了来源长度。
var ErrInvalidLength = errors.New("credential: invalid key length / 密钥长度非法")

// AEAD-2022 方法需要“服务端:用户端”两段式密钥，长度随方法变化。
var aead2022KeyLength = map[string]int{
	"2022-blake3-aes-128-gcm":       16,
	"2022-blake3-aes-256-gcm":       32,
	"2022-blake3-chacha20-poly1305": 32,
}

// KeyLength reports the per-side key length of an AEAD-2022 method.
func KeyLength(method string) (int, bool) {
	n, ok := aead2022KeyLength[strings.ToLower(strings.TrimSpace(method))]
	return n, ok
}

// IsAEAD2022 reports whether method uses the two-part derived key.
func IsAEAD2022(method string) bool {
	_, ok := KeyLength(method)
	return ok
}

func checkLength(length int) error {
	if length != 16 && length != 32 {
		return ErrInvalidLength
	}
	return nil
}

// ServerKeyMaterial 取节点创建时间十进制字符串的 md5 十六进制前 length 位。
// 节点创建时间一旦变化，该节点上派生的全部密码都会失效。
func ServerKeyMaterial(createdAt int64, length int) ([]byte, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	sum := md5.Sum([]byte(strconv.FormatInt(createdAt, 10)))
	hexStr := hex.EncodeToString(sum[:])
	return []byte(hexStr[:length]), nil
}

// UserKeyMaterial 取用户 UUID 的前 length 个字符。
func UserKeyMaterial(userUUID string, length int) ([]byte, error) {
	if err := checkLength(length); err != nil {
		return nil, err
	}
	if len(userUUID) < length {
		return nil, ErrInvalidLength
	}
	return []byte(userUUID[:length]), nil
}

// DerivePassword 返回节点上该用户应使用的密码：
// AEAD-2022 方法为 base64(服务端):base64(用户端)，其它方法直接返回 UUID。
// AEAD-2022 方法下 UUID 不够密钥长度时返回 ErrInvalidLength，不会退回明文 UUID。
func DerivePassword(method string, createdAt int64, userUUID string) (string, error) {
	length, ok := KeyLength(method)
	if !ok {
		return userUUID, nil
	}
	serverKey, err := ServerKeyMaterial(createdAt, length)
	if err != nil {
		return "", err
	}
	userKey, err := UserKeyMaterial(userUUID, length)
	if err != nil {
		return "", fmt.Errorf("derive %s password: %w", strings.TrimSpace(method), err)
	}
	return base64.StdEncoding.EncodeToString(serverKey) + ":" + base64.StdEncoding.EncodeToString(userKey), nil
}

// NewSecret 生成新的用户稳定密钥（UUID v4）。
func NewSecret() string {
	return uuid.NewString()
}

// ValidSecret reports whether s is a 36-char UUID.
func ValidSecret(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
