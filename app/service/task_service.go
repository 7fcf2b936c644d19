package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"mesh-forge/app/logger"
	"mesh-forge/app/model"
	"mesh-forge/app/storage"
	"mesh-forge/app/tripo"
	"mesh-forge/app/utils/previewcard"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// ErrUserDisabled 请求用户已被禁用
var ErrUserDisabled = errors.New("用户已被禁用")

// GenerationProvider 生成供应商边界
type GenerationProvider interface {
	Submit(ctx context.Context, req tripo.SubmitRequest) (string, error)
	GetStatus(ctx context.Context, providerTaskID string) (*tripo.StatusResult, error)
	UploadImage(ctx context.Context, data []byte, mimeType string) (string, error)
}

// Relocator 产物搬运边界
type Relocator interface {
	Relocate(ctx context.Context, sourceURL, key string) (string, error)
}

// JobScheduler 轮询调度边界
type JobScheduler interface {
	SetHandler(h PollHandler)
	Schedule(job PollJob, delay time.Duration)
	Tracked(taskID string) bool
	Start()
	Stop()
}

// CreateTaskRequest 创建生成任务的入参
type CreateTaskRequest struct {
	Type       model.TaskType `json:"type"`
	Prompt     string         `json:"prompt"`
	ImageToken string         `json:"image_token"`
	Style      string         `json:"style"`
}

// TaskService 生成任务编排器。
// 任务行是唯一的共享可变状态，所有状态迁移都经由这里提交；
// 每次写入都是"落到最新观察值"的幂等写，容忍轮询重叠执行
type TaskService struct {
	db        *gorm.DB
	log       *logger.Logger
	provider  GenerationProvider
	relocator Relocator
	store     storage.ObjectStorage
	scheduler JobScheduler
	cron      *cron.Cron
}

// NewTaskService 创建任务编排器
func NewTaskService(
	db *gorm.DB,
	provider GenerationProvider,
	relocator Relocator,
	store storage.ObjectStorage,
	scheduler JobScheduler,
	log *logger.Logger,
) *TaskService {
	s := &TaskService{
		db:        db,
		log:       log,
		provider:  provider,
		relocator: relocator,
		store:     store,
		scheduler: scheduler,
		cron:      cron.New(),
	}
	scheduler.SetHandler(s.handlePoll)
	return s
}

// Start 启动调度器，并定期补偿重启后丢失的轮询链
func (s *TaskService) Start() error {
	s.scheduler.Start()

	if _, err := s.cron.AddFunc("@every 5m", s.recoverPendingTasks); err != nil {
		return err
	}
	s.cron.Start()

	// 启动时先补一次
	s.recoverPendingTasks()
	return nil
}

// Stop 停止编排器
func (s *TaskService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.scheduler.Stop()
}

// Create 创建生成任务：校验用户 → 提交供应商 → 落库 → 排首次轮询。
// 供应商提交失败则整个创建失败，不留下指向不存在远端任务的孤儿行
func (s *TaskService) Create(ctx context.Context, userID uint, req CreateTaskRequest) (*model.ModelTask, error) {
	var user model.User
	if err := s.db.First(&user, userID).Error; err != nil {
		return nil, err
	}
	if !user.CanCreateTasks() {
		return nil, ErrUserDisabled
	}

	now := time.Now()
	task := &model.ModelTask{
		ID:         uuid.NewString(),
		UserID:     userID,
		Type:       req.Type,
		Prompt:     req.Prompt,
		ImageToken: req.ImageToken,
		Style:      req.Style,
		Status:     model.TaskStatusQueued,
		CreateTime: now.Unix(),
		UpdateTime: now.Unix(),
	}

	providerTaskID, err := s.provider.Submit(ctx, tripo.SubmitRequest{
		Type:       req.Type,
		Prompt:     req.Prompt,
		ImageToken: req.ImageToken,
		Style:      req.Style,
	})
	if err != nil {
		return nil, err
	}
	task.ProviderTaskID = providerTaskID

	if err := s.db.Create(task).Error; err != nil {
		// 远端任务已存在但本地没记下来，只能记日志
		s.log.Errorf("任务落库失败，远端任务将被放弃: providerTaskID=%s err=%v", providerTaskID, err)
		return nil, err
	}

	s.scheduler.Schedule(PollJob{
		TaskID:         task.ID,
		ProviderTaskID: providerTaskID,
		StartedAt:      now,
	}, FirstPollDelay)

	s.log.Infof("生成任务已创建: taskID=%s type=%s providerTaskID=%s", task.ID, task.Type, providerTaskID)
	return task, nil
}

// Get 按归属读取任务快照，非终态时顺带做一次按需同步。
// 同步失败不向调用方抛错，返回已有快照
func (s *TaskService) Get(ctx context.Context, userID uint, taskID string) (*model.ModelTask, error) {
	var task model.ModelTask
	if err := s.db.Where("id = ? AND user_id = ?", taskID, userID).First(&task).Error; err != nil {
		return nil, err
	}

	if !task.Terminal() && task.ProviderTaskID != "" {
		st, err := s.provider.GetStatus(ctx, task.ProviderTaskID)
		if err != nil {
			s.log.Warnf("按需同步失败，返回已有快照: taskID=%s err=%v", task.ID, err)
			return &task, nil
		}
		s.commitObserved(ctx, &task, st)
	}
	return &task, nil
}

// List 按归属分页列出任务，最新的在前
func (s *TaskService) List(userID uint, taskType model.TaskType, page, pageSize int) ([]model.ModelTask, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	query := s.db.Model(&model.ModelTask{}).Where("user_id = ?", userID)
	if taskType != "" {
		query = query.Where("type = ?", taskType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []model.ModelTask
	err := query.Order("create_time DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	return tasks, total, err
}

// ListHistoryModels 列出历史模型：成功且至少有一个已搬运产物的任务，最新的在前
func (s *TaskService) ListHistoryModels(userID uint, taskType model.TaskType, page, pageSize int) ([]model.ModelTask, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}

	query := s.db.Model(&model.ModelTask{}).
		Where("user_id = ? AND status = ?", userID, model.TaskStatusSuccess).
		Where("relocated = ?", true)
	if taskType != "" {
		query = query.Where("type = ?", taskType)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []model.ModelTask
	err := query.Order("create_time DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	return tasks, total, err
}

// UploadImage 上传参考图换取供应商图片凭据
func (s *TaskService) UploadImage(ctx context.Context, data []byte, mimeType string) (string, error) {
	return s.provider.UploadImage(ctx, data, mimeType)
}

// handlePoll 单次轮询：加载任务 → 查供应商状态 → 按状态表迁移
func (s *TaskService) handlePoll(job PollJob) {
	ctx := context.Background()

	var task model.ModelTask
	if err := s.db.Where("id = ?", job.TaskID).First(&task).Error; err != nil {
		// 任务行消失是本地问题，不重试
		s.log.Errorf("轮询加载任务失败，停止轮询: taskID=%s err=%v", job.TaskID, err)
		return
	}
	if task.Terminal() {
		// 重叠的轮询尝试落在已终态的任务上，直接放弃
		return
	}

	st, err := s.provider.GetStatus(ctx, job.ProviderTaskID)
	if err != nil {
		attempts := job.Attempts + 1
		if attempts >= MaxSyncAttempts {
			s.markFailed(&task, fmt.Sprintf("查询供应商状态连续失败: %v", err))
			return
		}
		s.log.Warnf("查询供应商状态失败，稍后重试: taskID=%s attempt=%d err=%v", task.ID, attempts, err)
		job.Attempts = attempts
		s.scheduler.Schedule(job, BasePollInterval)
		return
	}

	switch st.Status {
	case model.TaskStatusQueued, model.TaskStatusRunning:
		if time.Since(job.StartedAt) >= MaxPollDuration {
			s.markFailed(&task, "timeout")
			return
		}
		s.commitObserved(ctx, &task, st)
		job.UnknownRetries = 0
		job.Attempts = 0
		s.scheduler.Schedule(job, BasePollInterval)

	case model.TaskStatusUnknown:
		// 总预算对 unknown 同样生效，不因状态不可识别而多活
		if time.Since(job.StartedAt) >= MaxPollDuration {
			s.markFailed(&task, "timeout")
			return
		}
		n := job.UnknownRetries + 1
		if n >= MaxUnknownRetries {
			s.markFailed(&task, fmt.Sprintf("status unknown after %d retries", n))
			return
		}
		// 间隔按 unknown 次数翻倍，避免锤一个已经不正常的供应商
		job.UnknownRetries = n
		job.Attempts = 0
		s.scheduler.Schedule(job, BasePollInterval*(1<<n))

	default:
		// 终态：落库并停止轮询，不再重排
		s.commitObserved(ctx, &task, st)
	}
}

// commitObserved 把一次观察到的供应商状态提交到任务行，
// 轮询与按需同步共用这一段决策。unknown 不落库，它只是暂时分类；
// 首次带着模型 URL 到达 success 时触发产物搬运
func (s *TaskService) commitObserved(ctx context.Context, task *model.ModelTask, st *tripo.StatusResult) {
	switch st.Status {
	case model.TaskStatusUnknown:
		// 交给轮询链的 unknown 计数处理，这里不写库

	case model.TaskStatusSuccess:
		merged := task.GetOutput().Merge(st.Output)
		if merged.Model == "" {
			// 供应商声称成功但没有模型产物，改判 failed，
			// 用户可见的快照不该谎报成功
			s.markFailed(task, "provider returned success without model output")
			return
		}
		changed, err := s.applyStatus(task, st)
		if err != nil {
			s.log.Errorf("写入成功状态失败: taskID=%s err=%v", task.ID, err)
			return
		}
		if changed {
			s.relocateOutputs(ctx, task)
		}

	case model.TaskStatusFailed:
		s.markFailed(task, "任务在供应商侧失败")

	default:
		// queued / running / banned / expired / cancelled 原样落库
		if _, err := s.applyStatus(task, st); err != nil {
			s.log.Errorf("同步任务状态失败: taskID=%s status=%s err=%v", task.ID, st.Status, err)
		}
	}
}

// applyStatus 把观察到的供应商状态落库。
// 状态与进度是同一次写入，读者不会看到新状态配旧进度；
// 观察值与已落库值一致时跳过冗余写，updateTime 不变
func (s *TaskService) applyStatus(task *model.ModelTask, st *tripo.StatusResult) (bool, error) {
	if task.Terminal() {
		return false, nil
	}

	// 进度单调不减
	progress := st.Progress
	if progress < task.Progress {
		progress = task.Progress
	}
	if st.Status == model.TaskStatusSuccess {
		progress = 100
	}

	oldOutput := task.Output
	merged := task.GetOutput().Merge(st.Output)
	if err := task.SetOutput(merged); err != nil {
		return false, err
	}

	if task.Status == st.Status && task.Progress == progress && task.Output == oldOutput {
		return false, nil
	}

	now := time.Now().Unix()
	err := s.db.Model(&model.ModelTask{}).Where("id = ?", task.ID).Updates(map[string]any{
		"status":      st.Status,
		"progress":    progress,
		"output":      task.Output,
		"update_time": now,
	}).Error
	if err != nil {
		task.Output = oldOutput
		return false, err
	}

	task.Status = st.Status
	task.Progress = progress
	task.UpdateTime = now
	return true, nil
}

// markFailed 把任务置为 failed 终态，已到终态的任务不动
func (s *TaskService) markFailed(task *model.ModelTask, msg string) {
	if task.Terminal() {
		return
	}
	s.forceFail(task, msg)
}

// forceFail 无视终态守卫改判 failed。
// 只给 success 落库之后产物写回失败的场景用：本地成功记录已不可信，
// 必须降级，不能让终态守卫把它拦下
func (s *TaskService) forceFail(task *model.ModelTask, msg string) {
	now := time.Now().Unix()
	err := s.db.Model(&model.ModelTask{}).Where("id = ?", task.ID).Updates(map[string]any{
		"status":      model.TaskStatusFailed,
		"error_msg":   msg,
		"update_time": now,
	}).Error
	if err != nil {
		s.log.Errorf("写入失败状态失败: taskID=%s err=%v", task.ID, err)
		return
	}
	task.Status = model.TaskStatusFailed
	task.ErrorMsg = msg
	task.UpdateTime = now
	s.log.Warnf("任务已标记失败: taskID=%s 原因=%s", task.ID, msg)
}

// relocateOutputs 任务首次成功后把供应商产物搬到自有存储。
// 每个产物独立尝试：缺失的跳过，搬运失败的跳过，任务保持 success；
// 只有合并后的产物写回任务行失败才降级为 failed
func (s *TaskService) relocateOutputs(ctx context.Context, task *model.ModelTask) {
	out := task.GetOutput()
	relocated := make(map[string]string)

	artifacts := []struct {
		role string
		url  string
	}{
		{model.ArtifactModel, out.Model},
		{model.ArtifactPbrModel, out.PbrModel},
		{model.ArtifactRenderedImage, out.RenderedImage},
	}

	for _, a := range artifacts {
		if a.url == "" {
			s.log.Infof("产物缺失，跳过搬运: taskID=%s role=%s", task.ID, a.role)
			continue
		}
		key := storage.ArtifactKey(task.UserID, task.ID, a.role, a.url)
		durableURL, err := s.relocator.Relocate(ctx, a.url, key)
		if err != nil {
			s.log.Warnf("产物搬运失败，任务保持成功: taskID=%s role=%s err=%v", task.ID, a.role, err)
			continue
		}
		relocated[a.role] = durableURL
	}

	// 供应商没给预览图时补一张占位图，画廊不留空洞
	if out.RenderedImage == "" && s.store != nil {
		if png, err := previewcard.Render(task.Prompt); err == nil {
			key := storage.ArtifactKey(task.UserID, task.ID, model.ArtifactRenderedImage, "placeholder.png")
			if u, err := s.store.PutStream(ctx, key, bytes.NewReader(png)); err == nil {
				relocated[model.ArtifactRenderedImage] = u
			} else {
				s.log.Warnf("占位预览图上传失败: taskID=%s err=%v", task.ID, err)
			}
		}
	}

	merged := out.Merge(model.TaskOutput{QiniuOutput: relocated})
	if err := task.SetOutput(merged); err != nil {
		// 此时 success 已落库，必须强制降级
		s.forceFail(task, fmt.Sprintf("任务产物序列化失败: %v", err))
		return
	}

	now := time.Now().Unix()
	err := s.db.Model(&model.ModelTask{}).Where("id = ?", task.ID).Updates(map[string]any{
		"output":      task.Output,
		"relocated":   len(merged.QiniuOutput) > 0,
		"update_time": now,
	}).Error
	if err != nil {
		// 成功记录本身写不回去，本地状态不可信，强制降级为失败
		s.forceFail(task, fmt.Sprintf("任务产物写回失败: %v", err))
		return
	}
	task.Relocated = len(merged.QiniuOutput) > 0
	task.UpdateTime = now
	s.log.Infof("任务产物搬运完成: taskID=%s 搬运数=%d", task.ID, len(relocated))
}

// recoverPendingTasks 重启补偿：给没有轮询链的非终态任务重新排队。
// 起始时间取落库的 CreateTime，10 分钟总预算跨重启仍然准确；
// unknown 计数重置为 0，按尽力而为的至少一次语义处理
func (s *TaskService) recoverPendingTasks() {
	var tasks []model.ModelTask
	err := s.db.Where("status IN ?", []model.TaskStatus{
		model.TaskStatusQueued, model.TaskStatusRunning,
	}).Find(&tasks).Error
	if err != nil {
		s.log.Errorf("扫描待恢复任务失败: %v", err)
		return
	}

	recovered := 0
	for _, t := range tasks {
		if t.ProviderTaskID == "" || s.scheduler.Tracked(t.ID) {
			continue
		}
		s.scheduler.Schedule(PollJob{
			TaskID:         t.ID,
			ProviderTaskID: t.ProviderTaskID,
			StartedAt:      time.Unix(t.CreateTime, 0),
		}, BasePollInterval)
		recovered++
	}
	if recovered > 0 {
		s.log.Infof("恢复了 %d 个任务的轮询", recovered)
	}
}
