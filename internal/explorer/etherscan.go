package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "CodeAct-EVM/internal/errors"
)

const (
	defaultBaseURL = "https://api.etherscan.io/v2/api"
	defaultTimeout = 15 * time.Second
)

// Config 描述了调用 Etherscan 兼容 API 所需的信息。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 Etherscan 兼容的合约浏览器 API。
// v2 版本的 API 通过 chainid 参数在同一端点上服务多条链。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      Cache
	cacheTTL   time.Duration
}

// Option 定义可选的客户端配置。
type Option func(*Client)

// WithCache 配置 ABI 响应缓存。ABI 对已部署合约不可变，缓存可安全复用。
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// NewClient 根据配置创建浏览器 API 客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供浏览器 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// apiResponse 是 Etherscan 风格响应的统一外层结构。
type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// ContractSource 描述合约验证服务返回的源码信息。
type ContractSource struct {
	SourceCode           string `json:"SourceCode"`
	ABI                  string `json:"ABI"`
	ContractName         string `json:"ContractName"`
	CompilerVersion      string `json:"CompilerVersion"`
	OptimizationUsed     string `json:"OptimizationUsed"`
	Runs                 string `json:"Runs"`
	ConstructorArguments string `json:"ConstructorArguments"`
	EVMVersion           string `json:"EVMVersion"`
	LicenseType          string `json:"LicenseType"`
	Proxy                string `json:"Proxy"`
	Implementation       string `json:"Implementation"`
}

// ABI 返回已验证合约的 ABI JSON 文本。
func (c *Client) ABI(ctx context.Context, chainID int64, address string) (string, error) {
	cacheKey := fmt.Sprintf("abi:%d:%s", chainID, strings.ToLower(address))
	if c.cache != nil {
		if cached, ok := c.cache.Get(ctx, cacheKey); ok {
			return cached, nil
		}
	}

	raw, err := c.call(ctx, chainID, "contract", "getabi", address)
	if err != nil {
		return "", err
	}

	var abiJSON string
	if err := json.Unmarshal(raw, &abiJSON); err != nil {
		return "", xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析 ABI 响应失败")
	}

	if c.cache != nil {
		c.cache.Set(ctx, cacheKey, abiJSON, c.cacheTTL)
	}
	return abiJSON, nil
}

// Source 返回已验证合约的源码及编译元数据。
func (c *Client) Source(ctx context.Context, chainID int64, address string) (*ContractSource, error) {
	raw, err := c.call(ctx, chainID, "contract", "getsourcecode", address)
	if err != nil {
		return nil, err
	}

	var sources []ContractSource
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析源码响应失败")
	}
	if len(sources) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "合约源码不存在: "+address)
	}

	source := sources[0]
	// 未验证的合约返回空 ABI 或占位文本。
	if strings.TrimSpace(source.SourceCode) == "" || isUnverified(source.ABI) {
		return nil, xerrors.New(xerrors.CodeNotFound, "合约未验证: "+address)
	}
	return &source, nil
}

func (c *Client) call(ctx context.Context, chainID int64, module, action, address string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("chainid", strconv.FormatInt(chainID, 10))
	params.Set("module", module)
	params.Set("action", action)
	params.Set("address", address)
	params.Set("apikey", c.apiKey)

	endpoint := c.baseURL + "?" + params.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "构建浏览器 API 请求失败")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "请求浏览器 API 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeNetworkFailure,
			fmt.Sprintf("浏览器 API 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNetworkFailure, err, "解析浏览器 API 响应失败")
	}

	if decoded.Status != "1" {
		reason := decoded.Message
		var text string
		if err := json.Unmarshal(decoded.Result, &text); err == nil && text != "" {
			reason = text
		}
		if isUnverified(reason) {
			return nil, xerrors.New(xerrors.CodeNotFound, "合约未验证: "+address)
		}
		return nil, xerrors.New(xerrors.CodeNetworkFailure, "浏览器 API 调用失败: "+reason)
	}
	return decoded.Result, nil
}

// isUnverified 识别 Etherscan 用于表示未验证合约的占位文本。
func isUnverified(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	return normalized == "" ||
		strings.Contains(normalized, "not verified") ||
		strings.Contains(normalized, "unable to locate contract")
}
