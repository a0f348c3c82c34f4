package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// Mode 表示认证模式。
type Mode string

const (
	// ModeDisabled 跳过所有认证检查。
	ModeDisabled Mode = "disabled"
	// ModeStatic 校验静态配置的 Bearer Token。
	ModeStatic Mode = "static"
)

// 认证子系统返回的通用错误。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Config 描述认证服务的配置。
type Config struct {
	Mode   string
	Tokens []string
}

// Service 负责 HTTP 端点的访问令牌校验。
type Service struct {
	mode   Mode
	tokens []string
}

// NewService 构造认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
		for _, token := range cfg.Tokens {
			token = strings.TrimSpace(token)
			if token != "" {
				svc.tokens = append(svc.tokens, token)
			}
		}
		if len(svc.tokens) == 0 {
			return nil, errors.New("static 认证模式至少需要一个令牌")
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("未知的认证模式: %s", cfg.Mode)
	}
}

// Enabled 返回认证是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// Authenticate 校验 Authorization 头中的 Bearer Token。
func (s *Service) Authenticate(header string) error {
	if !s.Enabled() {
		return nil
	}
	token := extractBearer(header)
	if token == "" {
		return ErrMissingToken
	}
	for _, candidate := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return nil
		}
	}
	return ErrInvalidToken
}

func extractBearer(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
