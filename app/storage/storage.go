package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// ObjectStorage 对象存储协作方。
// 同一个键重复上传必须是幂等覆盖，不产生重复对象
type ObjectStorage interface {
	// PutStream 以流式方式写入对象，返回可长期引用的外链 URL。
	// 内容大小允许未知，实现不得整体缓冲
	PutStream(ctx context.Context, key string, r io.Reader) (string, error)
}

// RelocationError 单个产物的搬运失败。
// 下载失败与上传失败折叠为同一种错误，调用方只需要知道这个产物没搬成
type RelocationError struct {
	Key string
	Err error
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("产物搬运失败: key=%s: %v", e.Key, e.Err)
}

func (e *RelocationError) Unwrap() error {
	return e.Err
}

// ArtifactKey 派生产物的存储键。
// 键由 (用户, 任务, 产物角色, 扩展名) 决定，重试搬运同一产物是覆盖而不是堆积
func ArtifactKey(userID uint, taskID, role, sourceURL string) string {
	ext := ".bin"
	if u, err := url.Parse(sourceURL); err == nil {
		if e := strings.ToLower(path.Ext(u.Path)); e != "" {
			ext = e
		}
	}
	return fmt.Sprintf("models/%d/%s/%s%s", userID, taskID, role, ext)
}
