package model

import (
	"encoding/json"
)

// TaskType 生成任务类型
type TaskType string

const (
	TaskTypeTextToModel  TaskType = "text_to_model"  // 文本生成模型
	TaskTypeImageToModel TaskType = "image_to_model" // 图片生成模型
)

// Valid 检查任务类型是否合法
func (t TaskType) Valid() bool {
	return t == TaskTypeTextToModel || t == TaskTypeImageToModel
}

// TaskStatus 生成任务状态，与供应商状态一一对应
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"    // 排队中
	TaskStatusRunning   TaskStatus = "running"   // 生成中
	TaskStatusSuccess   TaskStatus = "success"   // 生成成功
	TaskStatusFailed    TaskStatus = "failed"    // 生成失败
	TaskStatusBanned    TaskStatus = "banned"    // 被供应商封禁
	TaskStatusExpired   TaskStatus = "expired"   // 供应商侧过期
	TaskStatusCancelled TaskStatus = "cancelled" // 供应商侧取消
	TaskStatusUnknown   TaskStatus = "unknown"   // 无法识别的供应商状态，可重试
)

// Terminal 判断状态是否为终态，终态不再轮询
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusBanned, TaskStatusExpired, TaskStatusCancelled:
		return true
	}
	return false
}

// 产物角色，用于派生存储键
const (
	ArtifactModel         = "model"
	ArtifactPbrModel      = "pbr_model"
	ArtifactRenderedImage = "rendered_image"
)

// TaskOutput 任务产物集合。供应商 URL 一旦出现不会被移除；
// QiniuOutput 在搬运成功后按产物逐个补充
type TaskOutput struct {
	Model         string            `json:"model,omitempty"`          // 原始模型 URL
	PbrModel      string            `json:"pbr_model,omitempty"`      // PBR 模型 URL
	RenderedImage string            `json:"rendered_image,omitempty"` // 预览图 URL
	QiniuOutput   map[string]string `json:"qiniu_output,omitempty"`   // 搬运后的持久 URL，键为产物角色
}

// Merge 按键合并产物：入参中非空的键覆盖，已有的键绝不因入参缺失而丢失
func (o TaskOutput) Merge(in TaskOutput) TaskOutput {
	out := o
	if in.Model != "" {
		out.Model = in.Model
	}
	if in.PbrModel != "" {
		out.PbrModel = in.PbrModel
	}
	if in.RenderedImage != "" {
		out.RenderedImage = in.RenderedImage
	}
	if len(in.QiniuOutput) > 0 {
		merged := make(map[string]string, len(o.QiniuOutput)+len(in.QiniuOutput))
		for k, v := range o.QiniuOutput {
			merged[k] = v
		}
		for k, v := range in.QiniuOutput {
			if v != "" {
				merged[k] = v
			}
		}
		out.QiniuOutput = merged
	}
	return out
}

// Empty 判断是否没有任何产物
func (o TaskOutput) Empty() bool {
	return o.Model == "" && o.PbrModel == "" && o.RenderedImage == "" && len(o.QiniuOutput) == 0
}

// ModelTask 3D模型生成任务
type ModelTask struct {
	ID             string     `json:"id" gorm:"primarykey;size:36"`
	UserID         uint       `json:"user_id" gorm:"not null;index"`
	ProviderTaskID string     `json:"provider_task_id" gorm:"index;comment:供应商任务ID"`
	Type           TaskType   `json:"type" gorm:"size:20;not null"`
	Prompt         string     `json:"prompt" gorm:"type:text"`                    // text_to_model 的文本描述
	ImageToken     string     `json:"image_token"`                                // image_to_model 的图片凭据
	Style          string     `json:"style"`                                      // 可选风格，仅 image_to_model 有意义
	Status         TaskStatus `json:"status" gorm:"size:20;default:queued;index"` // 当前状态
	Progress       int        `json:"progress" gorm:"default:0"`                  // 0-100，终态后无意义
	Output         string     `json:"-" gorm:"type:text;comment:产物JSON"`
	Relocated      bool       `json:"relocated" gorm:"default:false;index"` // 至少有一个产物已搬运到对象存储
	ErrorMsg       string     `json:"error_msg" gorm:"type:text"`
	CreateTime     int64      `json:"create_time" gorm:"not null;index"` // 秒级时间戳
	UpdateTime     int64      `json:"update_time" gorm:"not null"`
}

// TableName 指定表名
func (ModelTask) TableName() string {
	return "model_tasks"
}

// GetOutput 反序列化产物集合，空列返回零值
func (t *ModelTask) GetOutput() TaskOutput {
	var out TaskOutput
	if t.Output == "" {
		return out
	}
	// 历史数据损坏时按空产物处理，不让读路径失败
	_ = json.Unmarshal([]byte(t.Output), &out)
	return out
}

// SetOutput 序列化产物集合
func (t *ModelTask) SetOutput(out TaskOutput) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	t.Output = string(b)
	return nil
}

// Terminal 判断任务是否已到终态
func (t *ModelTask) Terminal() bool {
	return t.Status.Terminal()
}
