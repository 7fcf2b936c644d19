package tripo

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mesh-forge/app/config"
	"mesh-forge/app/logger"
	"mesh-forge/app/model"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/text/unicode/norm"
	"resty.dev/v3"
)

const (
	// 状态结果短暂缓存，避免按需同步与定时轮询在同一瞬间重复打供应商
	statusCacheTTL = 2 * time.Second

	defaultTimeout = 60 * time.Second
)

// allowedImageMimes 上传图片的 MIME 白名单，不在名单内的直接本地拒绝
var allowedImageMimes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// SubmitRequest 提交生成任务的入参
type SubmitRequest struct {
	Type       model.TaskType
	Prompt     string // text_to_model 必填
	ImageToken string // image_to_model 必填
	Style      string // 可选风格，仅 image_to_model 有意义
}

// StatusResult 查询任务状态的归一化结果
type StatusResult struct {
	Status   model.TaskStatus
	Progress int
	Output   model.TaskOutput
}

// Client Tripo 风格生成供应商的客户端，只做网络交互，不落地任何状态
type Client struct {
	log    *logger.Logger
	http   *resty.Client
	cache  *gocache.Cache
	mu     sync.RWMutex
	apiKey string
}

// NewClient 创建供应商客户端
func NewClient(cfg config.TripoConfig, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout)

	return &Client{
		log:    log,
		http:   httpClient,
		cache:  gocache.New(statusCacheTTL, time.Minute),
		apiKey: cfg.APIKey,
	}
}

// UpdateConfig 配置热更新时替换供应商凭据
func (c *Client) UpdateConfig(cfg config.TripoConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = cfg.APIKey
	if cfg.BaseURL != "" {
		c.http.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	}
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// 供应商请求与响应载体
type taskRequest struct {
	Type      string     `json:"type"`
	Prompt    string     `json:"prompt,omitempty"`
	File      *fileField `json:"file,omitempty"`
	TextStyle string     `json:"style,omitempty"`
}

type fileField struct {
	Type      string `json:"type"`
	FileToken string `json:"file_token"`
}

type taskEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Output   struct {
			Model         string `json:"model"`
			PbrModel      string `json:"pbr_model"`
			RenderedImage string `json:"rendered_image"`
		} `json:"output"`
	} `json:"data"`
}

type uploadEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ImageToken string `json:"image_token"`
	} `json:"data"`
}

// Submit 提交生成任务，返回供应商任务 ID
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body := taskRequest{Type: string(req.Type)}

	switch req.Type {
	case model.TaskTypeTextToModel:
		if strings.TrimSpace(req.Prompt) == "" {
			return "", &ValidationError{Field: "prompt", Reason: "text_to_model 任务必须提供文本描述"}
		}
		body.Prompt = norm.NFC.String(req.Prompt)
	case model.TaskTypeImageToModel:
		if req.ImageToken == "" {
			return "", &ValidationError{Field: "image_token", Reason: "image_to_model 任务必须提供图片凭据"}
		}
		body.File = &fileField{Type: "token", FileToken: req.ImageToken}
		body.TextStyle = req.Style
	default:
		return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("不支持的任务类型 %q", req.Type)}
	}

	var env taskEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token()).
		SetBody(body).
		SetResult(&env).
		SetError(&env).
		Post("/openapi/task")
	if err != nil {
		return "", &ProviderError{Message: err.Error()}
	}

	if perr := c.checkEnvelope(resp, &env.Code, env.Message); perr != nil {
		return "", perr
	}
	if env.Data.TaskID == "" {
		return "", &ProviderError{HTTPStatus: resp.StatusCode(), Message: "供应商未返回任务 ID"}
	}

	c.log.Infof("已向供应商提交生成任务: type=%s providerTaskID=%s", req.Type, env.Data.TaskID)
	return env.Data.TaskID, nil
}

// GetStatus 查询供应商任务状态并归一化。
// 无法识别的状态值映射为 unknown 而不是报错，供应商接口漂移时退化为可重试状态
func (c *Client) GetStatus(ctx context.Context, providerTaskID string) (*StatusResult, error) {
	if providerTaskID == "" {
		return nil, &ValidationError{Field: "provider_task_id", Reason: "不能为空"}
	}

	if cached, ok := c.cache.Get(providerTaskID); ok {
		result := cached.(StatusResult)
		return &result, nil
	}

	var env taskEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token()).
		SetResult(&env).
		SetError(&env).
		Get("/openapi/task/" + providerTaskID)
	if err != nil {
		return nil, &ProviderError{Message: err.Error()}
	}

	if perr := c.checkEnvelope(resp, &env.Code, env.Message); perr != nil {
		return nil, perr
	}

	result := StatusResult{
		Status:   mapStatus(env.Data.Status),
		Progress: env.Data.Progress,
		Output: model.TaskOutput{
			Model:         env.Data.Output.Model,
			PbrModel:      env.Data.Output.PbrModel,
			RenderedImage: env.Data.Output.RenderedImage,
		},
	}
	c.cache.Set(providerTaskID, result, statusCacheTTL)
	return &result, nil
}

// UploadImage 上传图片换取供应商图片凭据。
// MIME 在本地校验，不合法时不发起网络请求
func (c *Client) UploadImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	ext, ok := allowedImageMimes[mimeType]
	if !ok {
		return "", &ValidationError{Field: "mime_type", Reason: fmt.Sprintf("不支持的图片类型 %q", mimeType)}
	}
	if len(data) == 0 {
		return "", &ValidationError{Field: "file", Reason: "图片内容为空"}
	}

	var env uploadEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(c.token()).
		SetFileReader("file", "image"+ext, bytes.NewReader(data)).
		SetResult(&env).
		SetError(&env).
		Post("/openapi/upload")
	if err != nil {
		return "", &ProviderError{Message: err.Error()}
	}

	if perr := c.checkEnvelope(resp, &env.Code, env.Message); perr != nil {
		return "", perr
	}
	if env.Data.ImageToken == "" {
		return "", &ProviderError{HTTPStatus: resp.StatusCode(), Message: "供应商未返回图片凭据"}
	}
	return env.Data.ImageToken, nil
}

// checkEnvelope 统一的传输层与业务码检查
func (c *Client) checkEnvelope(resp *resty.Response, code *int, message string) *ProviderError {
	traceID := resp.Header().Get("X-Request-Id")

	if resp.StatusCode() >= 400 {
		return &ProviderError{
			HTTPStatus: resp.StatusCode(),
			Code:       *code,
			TraceID:    traceID,
			Message:    message,
		}
	}
	if *code != 0 {
		return &ProviderError{
			HTTPStatus: resp.StatusCode(),
			Code:       *code,
			TraceID:    traceID,
			Message:    message,
		}
	}
	return nil
}

// mapStatus 供应商状态词表到本地状态的一一映射
func mapStatus(s string) model.TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return model.TaskStatusQueued
	case "running":
		return model.TaskStatusRunning
	case "success":
		return model.TaskStatusSuccess
	case "failed":
		return model.TaskStatusFailed
	case "banned":
		return model.TaskStatusBanned
	case "expired":
		return model.TaskStatusExpired
	case "cancelled":
		return model.TaskStatusCancelled
	default:
		return model.TaskStatusUnknown
	}
}
