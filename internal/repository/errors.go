// 文件路径: internal/repository/errors.go
// 模块说明: 这是 internal 模块里的 errors 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package repository

import "errors"

var (
	// ErrNotFound 表示查询未返回数据。
	ErrNotFound = errors.New("not found / 未找到数据")
	// ErrInvalidSecret 表示用户密钥不是 36 位 UUID，AEAD-2022 派生会取不够位数。
	ErrInvalidSecret = errors.New("user secret must be a 36-char UUID / 用户密钥必须是 36 位 UUID")
)
