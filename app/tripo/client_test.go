package tripo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"mesh-forge/app/config"
	"mesh-forge/app/logger"
	"mesh-forge/app/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(config.TripoConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
	}, logger.NewNop())
	return client, srv
}

func TestClient_Submit_Validation(t *testing.T) {
	var hits int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"文本任务缺 prompt", SubmitRequest{Type: model.TaskTypeTextToModel}},
		{"图片任务缺凭据", SubmitRequest{Type: model.TaskTypeImageToModel}},
		{"非法类型", SubmitRequest{Type: "video_to_model", Prompt: "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Submit(context.Background(), tt.req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
		})
	}

	// 校验失败不应发起任何网络请求
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestClient_Submit(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/openapi/task", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text_to_model", body["type"])
		assert.Equal(t, "a red cube", body["prompt"])

		fmt.Fprint(w, `{"code":0,"data":{"task_id":"prov-123"}}`)
	}))

	taskID, err := client.Submit(context.Background(), SubmitRequest{
		Type:   model.TaskTypeTextToModel,
		Prompt: "a red cube",
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-123", taskID)
}

// HTTP 200 但业务码非 0 同样是供应商错误
func TestClient_Submit_BusinessCode(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "trace-9")
		fmt.Fprint(w, `{"code":2010,"message":"insufficient credits"}`)
	}))

	_, err := client.Submit(context.Background(), SubmitRequest{
		Type:   model.TaskTypeTextToModel,
		Prompt: "a red cube",
	})

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 2010, pErr.Code)
	assert.Equal(t, "trace-9", pErr.TraceID)
	assert.Contains(t, pErr.Message, "insufficient credits")
}

func TestClient_Submit_HTTPError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"code":500,"message":"upstream down"}`)
	}))

	_, err := client.Submit(context.Background(), SubmitRequest{
		Type:   model.TaskTypeTextToModel,
		Prompt: "a red cube",
	})

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, http.StatusServiceUnavailable, pErr.HTTPStatus)
}

func TestClient_GetStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openapi/task/prov-123", r.URL.Path)
		fmt.Fprint(w, `{"code":0,"data":{"task_id":"prov-123","status":"running","progress":40,"output":{"model":"https://provider/x.glb"}}}`)
	}))

	st, err := client.GetStatus(context.Background(), "prov-123")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, st.Status)
	assert.Equal(t, 40, st.Progress)
	assert.Equal(t, "https://provider/x.glb", st.Output.Model)
}

// 状态短暂缓存，紧挨着的两次查询只打一次供应商
func TestClient_GetStatus_Cached(t *testing.T) {
	var hits int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"code":0,"data":{"status":"running","progress":10}}`)
	}))

	_, err := client.GetStatus(context.Background(), "prov-1")
	require.NoError(t, err)
	_, err = client.GetStatus(context.Background(), "prov-1")
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

// 无法识别的状态值必须映射为 unknown，供应商接口漂移不能把流水线打崩
func TestMapStatus(t *testing.T) {
	tests := []struct {
		in       string
		expected model.TaskStatus
	}{
		{"queued", model.TaskStatusQueued},
		{"running", model.TaskStatusRunning},
		{"success", model.TaskStatusSuccess},
		{"failed", model.TaskStatusFailed},
		{"banned", model.TaskStatusBanned},
		{"expired", model.TaskStatusExpired},
		{"cancelled", model.TaskStatusCancelled},
		{"SUCCESS", model.TaskStatusSuccess},
		{" running ", model.TaskStatusRunning},
		{"pending", model.TaskStatusUnknown},
		{"in_progress", model.TaskStatusUnknown},
		{"", model.TaskStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapStatus(tt.in))
		})
	}
}

func TestClient_UploadImage_MimeAllowList(t *testing.T) {
	var hits int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))

	// 白名单以外的类型本地拒绝，不浪费网络往返
	_, err := client.UploadImage(context.Background(), []byte{0x1}, "image/gif")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	_, err = client.UploadImage(context.Background(), nil, "image/png")
	require.ErrorAs(t, err, &vErr)

	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestClient_UploadImage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openapi/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "image.png", header.Filename)

		fmt.Fprint(w, `{"code":0,"data":{"image_token":"tok-1"}}`)
	}))

	token, err := client.UploadImage(context.Background(), []byte{0x89, 0x50, 0x4e, 0x47}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}
