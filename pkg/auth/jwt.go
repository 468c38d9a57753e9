// Package auth 提供基于 JWT 的握手凭证校验。
// 实现 ws.TokenValidator 接口，供 WebSocket 升级握手时验证子协议中携带的令牌。
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tokmz/agentgate/pkg/ws"
)

var (
	// ErrTokenExpired 令牌已过期
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid 令牌无效（签名错误或格式损坏）
	ErrTokenInvalid = errors.New("auth: token invalid")
	// ErrSubjectMissing 令牌缺少 sub 声明
	ErrSubjectMissing = errors.New("auth: subject claim missing")
)

// Claims 平台令牌声明
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator 校验平台签发的 JWT 握手令牌
type JWTValidator struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
	leeway  time.Duration
}

// JWTOption JWT 校验器配置选项
type JWTOption func(*JWTValidator)

// WithLeeway 设置时间声明校验的容差
func WithLeeway(d time.Duration) JWTOption {
	return func(v *JWTValidator) {
		v.leeway = d
	}
}

// NewHMAC 创建 HMAC 对称密钥校验器
func NewHMAC(secret []byte, opts ...JWTOption) *JWTValidator {
	return New(func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %s", token.Method.Alg())
		}
		return secret, nil
	}, opts...)
}

// New 创建自定义 keyfunc 的校验器（RSA/ECDSA 公钥或 JWKS 场景）
func New(keyfunc jwt.Keyfunc, opts ...JWTOption) *JWTValidator {
	v := &JWTValidator{
		keyfunc: keyfunc,
		leeway:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.parser = jwt.NewParser(
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	return v
}

// Validate 校验令牌并提取身份。
// 过期、签名错误、缺少 sub 均视为拒绝，由调用方在握手层返回 401。
func (v *JWTValidator) Validate(ctx context.Context, token string) (*ws.Identity, error) {
	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, v.keyfunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, ErrSubjectMissing
	}
	return &ws.Identity{
		UserID:      claims.Subject,
		Permissions: claims.Permissions,
	}, nil
}
