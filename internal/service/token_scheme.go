// 文件路径: internal/service/token_scheme.go
// 模块说明: 这是 internal 模块里的 token_scheme 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/creamcroissant/sspanel/internal/auth/token"
	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/repository"
)

// Credentials 是订阅请求里携带的身份信息。
type Credentials struct {
	Token string
	// SID is required by the legacy scheme and optional for signed tokens.
	SID int64
}

// TokenScheme 校验订阅令牌并返回对应的账户。
// 鉴权失败一律关闭（fail closed）。
type TokenScheme interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) (*repository.User, error)
}

// NewTokenScheme 按配置选择 legacy / signed / auto。
func NewTokenScheme(name string, users *UserDirectory, tokens *token.Manager) (TokenScheme, error) {
	legacy := &legacyScheme{users: users}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", config.TokenSchemeLegacy:
		return legacy, nil
	case config.TokenSchemeSigned:
		if tokens == nil {
			return nil, fmt.Errorf("signed token scheme requires a token manager / 签名令牌需要 token 管理器")
		}
		return &signedScheme{users: users, tokens: tokens}, nil
	case config.TokenSchemeAuto:
		if tokens == nil {
			return nil, fmt.Errorf("auto token scheme requires a token manager / 自动模式需要 token 管理器")
		}
		return &autoScheme{legacy: legacy, signed: &signedScheme{users: users, tokens: tokens}}, nil
	default:
		return nil, fmt.Errorf("unknown token scheme %q / 未知的令牌方案", name)
	}
}

// legacyScheme 通过 sid 查出存储的不透明 token 再做常量时间比较。
type legacyScheme struct {
	users *UserDirectory
}

func (s *legacyScheme) Name() string { return config.TokenSchemeLegacy }

func (s *legacyScheme) Authenticate(ctx context.Context, creds Credentials) (*repository.User, error) {
	if creds.SID <= 0 || creds.Token == "" {
		return nil, ErrInvalidRequest
	}
	user, err := s.users.Get(ctx, creds.SID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// 不区分“用户不存在”和“token 不对”，避免枚举 sid。
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if !tokensEqual(user.Token, creds.Token) {
		return nil, ErrInvalidToken
	}
	return user, nil
}

// tokensEqual 先做哈希再比较，长度不同也不会提前返回。
func tokensEqual(stored, supplied string) bool {
	if stored == "" {
		return false
	}
	a := sha256.Sum256([]byte(stored))
	b := sha256.Sum256([]byte(supplied))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// signedScheme 从签名令牌里取出 sid，不需要查询存储的 token。
type signedScheme struct {
	users  *UserDirectory
	tokens *token.Manager
}

func (s *signedScheme) Name() string { return config.TokenSchemeSigned }

func (s *signedScheme) Authenticate(ctx context.Context, creds Credentials) (*repository.User, error) {
	if creds.Token == "" {
		return nil, ErrInvalidRequest
	}
	sid, err := s.tokens.ParseSubscription(creds.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if creds.SID > 0 && creds.SID != sid {
		return nil, ErrInvalidToken
	}
	return s.users.Get(ctx, sid)
}

// autoScheme 把形如 JWT（三段）的令牌交给 signed，其余交给 legacy。
type autoScheme struct {
	legacy *legacyScheme
	signed *signedScheme
}

func (s *autoScheme) Name() string { return config.TokenSchemeAuto }

func (s *autoScheme) Authenticate(ctx context.Context, creds Credentials) (*repository.User, error) {
	if looksSigned(creds.Token) {
		return s.signed.Authenticate(ctx, creds)
	}
	return s.legacy.Authenticate(ctx, creds)
}

func looksSigned(tok string) bool {
	return strings.Count(tok, ".") == 2
}
