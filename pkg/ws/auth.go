package ws

import (
	"context"
	"encoding/base64"
	"strings"
)

const (
	// AuthSubprotocol 平台认证子协议标识
	AuthSubprotocol = "jwt-auth"
	// tokenSubprotocolPrefix 承载凭证的子协议前缀：jwt.<base64url-token>
	tokenSubprotocolPrefix = "jwt."
)

// Identity 令牌校验通过后得到的用户身份
type Identity struct {
	UserID      string
	Permissions []string
}

// TokenValidator 外部令牌校验器。
// 核心自身不做任何密码学验证；签名与权限策略由外部认证服务负责。
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// ExtractSubprotocolAuth 解析客户端握手提供的子协议列表。
//
// 选择规则：列表中存在 "jwt-auth" 即选中（与位置无关）；凭证提取扫描首个
// "jwt." 前缀的子协议并对剩余部分做 base64url 解码。
//
// 返回值约定：
//   - selected 为空表示客户端未提供认证子协议，调用方必须在协议层拒绝握手；
//   - token 为空表示未找到凭证或 base64 解码失败（按"无凭证"处理，不报错）。
//
// 握手接受响应必须回显 selected（非空时）；未回显协商子协议即接受握手属于
// 协议违规缺陷。
func ExtractSubprotocolAuth(offered []string) (selected, token string) {
	for _, proto := range offered {
		if proto == AuthSubprotocol {
			selected = AuthSubprotocol
			break
		}
	}
	if selected == "" {
		return "", ""
	}

	for _, proto := range offered {
		if !strings.HasPrefix(proto, tokenSubprotocolPrefix) {
			continue
		}
		encoded := proto[len(tokenSubprotocolPrefix):]
		if decoded, ok := decodeBase64URL(encoded); ok {
			return selected, decoded
		}
		// 解码失败按无凭证处理，继续扫描后续候选
	}
	return selected, ""
}

// decodeBase64URL 解码 base64url，兼容带填充与不带填充两种形式
func decodeBase64URL(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if data, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return string(data), true
	}
	if data, err := base64.URLEncoding.DecodeString(s); err == nil {
		return string(data), true
	}
	return "", false
}

// EncodeTokenSubprotocol 将令牌编码为凭证子协议（客户端侧与测试用）
func EncodeTokenSubprotocol(token string) string {
	return tokenSubprotocolPrefix + base64.RawURLEncoding.EncodeToString([]byte(token))
}
