// 文件路径: internal/service/directory.go
// 模块说明: 这是 internal 模块里的 directory 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creamcroissant/sspanel/internal/cache"
	"github.com/creamcroissant/sspanel/internal/credential"
	"github.com/creamcroissant/sspanel/internal/repository"
)

// UserDirectory 是 users 表之上的读穿透缓存。
type UserDirectory struct {
	users repository.UserRepository
	cache cache.Store
	ttl   time.Duration
}

// NewUserDirectory 组装用户目录；store 为空时每次都直接查库。
func NewUserDirectory(users repository.UserRepository, store cache.Store, ttl time.Duration) *UserDirectory {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &UserDirectory{users: users, cache: store, ttl: ttl}
}

func userCacheKey(sid int64) string {
	return fmt.Sprintf("user:%d", sid)
}

// Get 按订阅 ID 返回账户。数据库失败包装为 ErrUpstream，不会回退到默认值。
func (d *UserDirectory) Get(ctx context.Context, sid int64) (*repository.User, error) {
	if sid <= 0 {
		return nil, ErrInvalidRequest
	}
	user, err := cache.Remember(ctx, d.cache, userCacheKey(sid), d.ttl, func(ctx context.Context) (*repository.User, error) {
		return d.users.FindByID(ctx, sid)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: load user %d: %v", ErrUpstream, sid, err)
	}
	return user, nil
}

// Invalidate 删除用户缓存，写操作之后调用。
func (d *UserDirectory) Invalidate(ctx context.Context, sid int64) {
	if d.cache == nil {
		return
	}
	_ = d.cache.Delete(ctx, userCacheKey(sid))
}

// RotateSecret 生成新的稳定密钥，之后派生出的所有凭据随之变化。
func (d *UserDirectory) RotateSecret(ctx context.Context, sid int64) (string, error) {
	if sid <= 0 {
		return "", ErrInvalidRequest
	}
	secret := credential.NewSecret()
	if err := d.users.UpdateSecret(ctx, sid, secret); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: rotate secret %d: %v", ErrUpstream, sid, err)
	}
	d.Invalidate(ctx, sid)
	return secret, nil
}
