package ws

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractSubprotocolAuth(t *testing.T) {
	token := "header.payload.signature"
	credential := EncodeTokenSubprotocol(token)

	tests := []struct {
		name         string
		offered      []string
		wantSelected string
		wantToken    string
	}{
		{
			name:         "标准顺序",
			offered:      []string{"jwt-auth", credential},
			wantSelected: AuthSubprotocol,
			wantToken:    token,
		},
		{
			name:         "凭证在前",
			offered:      []string{credential, "jwt-auth"},
			wantSelected: AuthSubprotocol,
			wantToken:    token,
		},
		{
			name:         "夹杂无关子协议",
			offered:      []string{"graphql-ws", "jwt-auth", credential, "soap"},
			wantSelected: AuthSubprotocol,
			wantToken:    token,
		},
		{
			name:         "未提供认证子协议",
			offered:      []string{"graphql-ws", credential},
			wantSelected: "",
			wantToken:    "",
		},
		{
			name:         "空列表",
			offered:      nil,
			wantSelected: "",
			wantToken:    "",
		},
		{
			name:         "只有认证子协议没有凭证",
			offered:      []string{"jwt-auth"},
			wantSelected: AuthSubprotocol,
			wantToken:    "",
		},
		{
			name:         "凭证解码失败按无凭证处理",
			offered:      []string{"jwt-auth", "jwt.!!!not-base64!!!"},
			wantSelected: AuthSubprotocol,
			wantToken:    "",
		},
		{
			name:         "跳过损坏凭证取后续合法凭证",
			offered:      []string{"jwt-auth", "jwt.???", credential},
			wantSelected: AuthSubprotocol,
			wantToken:    token,
		},
		{
			name:         "带填充的base64编码",
			offered:      []string{"jwt-auth", "jwt." + base64.URLEncoding.EncodeToString([]byte(token))},
			wantSelected: AuthSubprotocol,
			wantToken:    token,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, got := ExtractSubprotocolAuth(tt.offered)
			assert.Equal(t, tt.wantSelected, selected)
			assert.Equal(t, tt.wantToken, got)
		})
	}
}

func TestEncodeTokenSubprotocol(t *testing.T) {
	encoded := EncodeTokenSubprotocol("abc.def.ghi")
	assert.Equal(t, "jwt.", encoded[:4])

	// 编码结果必须是合法的 WebSocket 子协议 token（不含 '='）
	assert.NotContains(t, encoded, "=")

	selected, token := ExtractSubprotocolAuth([]string{AuthSubprotocol, encoded})
	assert.Equal(t, AuthSubprotocol, selected)
	assert.Equal(t, "abc.def.ghi", token)
}
