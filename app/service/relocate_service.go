package service

import (
	"context"
	"fmt"
	"time"

	"mesh-forge/app/logger"
	"mesh-forge/app/storage"

	"resty.dev/v3"
)

const relocateTimeout = 10 * time.Minute

// RelocateService 把供应商临时 URL 上的产物搬运到自有对象存储。
// 每次搬运相互独立，失败不影响其它产物，也没有残留副作用
type RelocateService struct {
	log   *logger.Logger
	store storage.ObjectStorage
	http  *resty.Client
}

// NewRelocateService 创建搬运服务
func NewRelocateService(store storage.ObjectStorage, log *logger.Logger) *RelocateService {
	return &RelocateService{
		log:   log,
		store: store,
		http:  resty.New().SetTimeout(relocateTimeout),
	}
}

// Relocate 下载 sourceURL 的内容并流式写入对象存储，返回持久 URL。
// 内容从供应商直接透传到存储，不整体缓冲，内容大小允许未知
func (s *RelocateService) Relocate(ctx context.Context, sourceURL, key string) (string, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(sourceURL)
	if err != nil {
		return "", &storage.RelocationError{Key: key, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode() >= 400 {
		return "", &storage.RelocationError{
			Key: key,
			Err: fmt.Errorf("下载产物失败: http=%d url=%s", resp.StatusCode(), sourceURL),
		}
	}

	durableURL, err := s.store.PutStream(ctx, key, resp.Body)
	if err != nil {
		return "", &storage.RelocationError{Key: key, Err: err}
	}

	s.log.Infof("产物搬运完成: %s -> %s", sourceURL, durableURL)
	return durableURL, nil
}
