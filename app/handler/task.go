package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"mesh-forge/app/model"
	"mesh-forge/app/service"
	"mesh-forge/app/tripo"
	"mesh-forge/app/utils/imagecheck"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// 上传图片的大小上限
const maxUploadSize = 20 << 20 // 20MB

// TaskHandler 生成任务处理器
type TaskHandler struct {
	tasks *service.TaskService
}

// NewTaskHandler 创建生成任务处理器
func NewTaskHandler(tasks *service.TaskService) *TaskHandler {
	return &TaskHandler{tasks: tasks}
}

// 创建成功响应
func (h *TaskHandler) success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{
		Code:    0,
		Message: message,
		Data:    data,
	})
}

// 创建错误响应
func (h *TaskHandler) error(c *gin.Context, statusCode int, errorCode int, message string) {
	c.JSON(statusCode, ApiResponse{
		Code:    errorCode,
		Message: message,
		Data:    nil,
	})
}

// serviceError 把服务层错误映射为 HTTP 响应
func (h *TaskHandler) serviceError(c *gin.Context, err error) {
	var vErr *tripo.ValidationError
	var pErr *tripo.ProviderError

	switch {
	case errors.As(err, &vErr):
		h.error(c, http.StatusBadRequest, 400, vErr.Error())
	case errors.Is(err, service.ErrUserDisabled):
		h.error(c, http.StatusForbidden, 403, "用户已被禁用")
	case errors.Is(err, gorm.ErrRecordNotFound):
		h.error(c, http.StatusNotFound, 404, "任务不存在")
	case errors.As(err, &pErr):
		h.error(c, http.StatusBadGateway, 502, "生成服务暂时不可用")
	default:
		h.error(c, http.StatusInternalServerError, 500, err.Error())
	}
}

func (h *TaskHandler) userID(c *gin.Context) (uint, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		h.error(c, http.StatusUnauthorized, 401, "用户未认证")
		return 0, false
	}
	return v.(uint), true
}

// CreateTask 创建生成任务
func (h *TaskHandler) CreateTask(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	var req service.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.error(c, http.StatusBadRequest, 400, err.Error())
		return
	}
	if !req.Type.Valid() {
		h.error(c, http.StatusBadRequest, 400, "任务类型必须是 text_to_model 或 image_to_model")
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), userID, req)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	h.success(c, taskView(task), "任务创建成功")
}

// GetTask 获取任务快照，非终态时顺带同步一次最新状态
func (h *TaskHandler) GetTask(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	task, err := h.tasks.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}

	h.success(c, taskView(task), "获取任务成功")
}

// ListTasks 分页列出当前用户的任务
func (h *TaskHandler) ListTasks(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	taskType := model.TaskType(c.Query("type"))

	tasks, total, err := h.tasks.List(userID, taskType, page, pageSize)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	h.success(c, PageData{
		List:     taskViews(tasks),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, "获取任务列表成功")
}

// ListHistoryModels 列出历史模型：成功且有持久产物的任务
func (h *TaskHandler) ListHistoryModels(c *gin.Context) {
	userID, ok := h.userID(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	taskType := model.TaskType(c.Query("type"))

	tasks, total, err := h.tasks.ListHistoryModels(userID, taskType, page, pageSize)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	h.success(c, PageData{
		List:     taskViews(tasks),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, "获取历史模型成功")
}

// UploadImage 上传参考图，规整后换取供应商图片凭据
func (h *TaskHandler) UploadImage(c *gin.Context) {
	if _, ok := h.userID(c); !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, "缺少上传文件")
		return
	}
	if fileHeader.Size > maxUploadSize {
		h.error(c, http.StatusBadRequest, 400, "图片超过大小限制")
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, "读取上传文件失败")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxUploadSize+1))
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, "读取上传文件失败")
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	normalized, normalizedMime, err := imagecheck.Normalize(data, mimeType)
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	token, err := h.tasks.UploadImage(c.Request.Context(), normalized, normalizedMime)
	if err != nil {
		h.serviceError(c, err)
		return
	}

	h.success(c, gin.H{"image_token": token}, "图片上传成功")
}

// TaskView 任务对外快照，产物从 JSON 列展开
type TaskView struct {
	ID             string           `json:"id"`
	Type           model.TaskType   `json:"type"`
	Prompt         string           `json:"prompt,omitempty"`
	ImageToken     string           `json:"image_token,omitempty"`
	Style          string           `json:"style,omitempty"`
	Status         model.TaskStatus `json:"status"`
	Progress       int              `json:"progress"`
	Output         model.TaskOutput `json:"output"`
	ErrorMsg       string           `json:"error_msg,omitempty"`
	ProviderTaskID string           `json:"provider_task_id,omitempty"`
	CreateTime     int64            `json:"create_time"`
	UpdateTime     int64            `json:"update_time"`
}

func taskView(t *model.ModelTask) TaskView {
	return TaskView{
		ID:             t.ID,
		Type:           t.Type,
		Prompt:         t.Prompt,
		ImageToken:     t.ImageToken,
		Style:          t.Style,
		Status:         t.Status,
		Progress:       t.Progress,
		Output:         t.GetOutput(),
		ErrorMsg:       t.ErrorMsg,
		ProviderTaskID: t.ProviderTaskID,
		CreateTime:     t.CreateTime,
		UpdateTime:     t.UpdateTime,
	}
}

func taskViews(tasks []model.ModelTask) []TaskView {
	views := make([]TaskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, taskView(&tasks[i]))
	}
	return views
}
