package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"mesh-forge/app/config"
	"mesh-forge/app/logger"

	"github.com/qiniu/go-sdk/v7/auth/qbox"
	qiniu "github.com/qiniu/go-sdk/v7/storage"
)

// 上传凭证有效期
const uploadTokenTTL = 3600

// QiniuStorage 七牛对象存储实现
type QiniuStorage struct {
	log *logger.Logger

	mu     sync.RWMutex
	mac    *qbox.Mac
	bucket string
	domain string
	cfg    qiniu.Config
}

// NewQiniuStorage 创建七牛存储客户端
func NewQiniuStorage(cfg config.QiniuConfig, log *logger.Logger) *QiniuStorage {
	return &QiniuStorage{
		log:    log,
		mac:    qbox.NewMac(cfg.AccessKey, cfg.SecretKey),
		bucket: cfg.Bucket,
		domain: cfg.Domain,
		cfg: qiniu.Config{
			UseHTTPS:      cfg.UseHTTPS,
			UseCdnDomains: false,
		},
	}
}

// UpdateConfig 配置热更新时替换存储凭据
func (s *QiniuStorage) UpdateConfig(cfg config.QiniuConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mac = qbox.NewMac(cfg.AccessKey, cfg.SecretKey)
	s.bucket = cfg.Bucket
	s.domain = cfg.Domain
	s.cfg.UseHTTPS = cfg.UseHTTPS
}

// PutStream 流式上传对象并返回外链 URL。
// 上传策略 scope 限定到具体键，同键重传是覆盖写
func (s *QiniuStorage) PutStream(ctx context.Context, key string, r io.Reader) (string, error) {
	s.mu.RLock()
	mac, bucket, domain, cfg := s.mac, s.bucket, s.domain, s.cfg
	s.mu.RUnlock()

	if bucket == "" || domain == "" {
		return "", fmt.Errorf("七牛存储未配置 bucket 或 domain")
	}

	policy := qiniu.PutPolicy{
		Scope:   fmt.Sprintf("%s:%s", bucket, key),
		Expires: uploadTokenTTL,
	}
	upToken := policy.UploadToken(mac)

	// 内容长度未知，走分片上传
	uploader := qiniu.NewResumeUploaderV2(&cfg)
	var ret qiniu.PutRet
	start := time.Now()
	if err := uploader.PutWithoutSize(ctx, &ret, upToken, key, r, &qiniu.RputV2Extra{}); err != nil {
		return "", fmt.Errorf("七牛上传失败: %w", err)
	}

	durableURL := qiniu.MakePublicURL(domain, key)
	s.log.Infof("对象上传完成: key=%s 耗时=%v", key, time.Since(start))
	return durableURL, nil
}
