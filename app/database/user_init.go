package database

import (
	"errors"
	"fmt"

	"mesh-forge/app/config"
	"mesh-forge/app/logger"
	"mesh-forge/app/model"
	"mesh-forge/app/utils"

	"gorm.io/gorm"
)

// InitAdminUser 按配置确保管理员账户存在。
// 已存在时把用户名和密码同步到配置值，配置即事实
func InitAdminUser(cfg *config.Config, log *logger.Logger) error {
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		return fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 username 和 password")
	}

	var admin model.User
	err := DB.Where("is_admin = ?", true).First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return createAdmin(cfg, log)
	}
	if err != nil {
		return fmt.Errorf("查询管理员账户失败: %w", err)
	}

	updates := make(map[string]any)

	if admin.Username != cfg.Server.Username {
		var conflict model.User
		if DB.Where("username = ? AND id != ?", cfg.Server.Username, admin.ID).First(&conflict).Error == nil {
			return fmt.Errorf("用户名 %q 已被其他用户使用，无法更新管理员用户名", cfg.Server.Username)
		}
		log.Infof("管理员用户名从 %q 更新为 %q", admin.Username, cfg.Server.Username)
		updates["username"] = cfg.Server.Username
	}

	if !utils.VerifyPassword(cfg.Server.Password, admin.Password) {
		hash, err := utils.HashPassword(cfg.Server.Password)
		if err != nil {
			return fmt.Errorf("哈希密码失败: %w", err)
		}
		updates["password"] = hash
		log.Infof("管理员 %q 密码已更新", cfg.Server.Username)
	}

	if len(updates) == 0 {
		return nil
	}
	if err := DB.Model(&admin).Updates(updates).Error; err != nil {
		return fmt.Errorf("更新管理员账户失败: %w", err)
	}
	return nil
}

func createAdmin(cfg *config.Config, log *logger.Logger) error {
	hash, err := utils.HashPassword(cfg.Server.Password)
	if err != nil {
		return fmt.Errorf("哈希密码失败: %w", err)
	}

	admin := model.User{
		Username: cfg.Server.Username,
		Password: hash,
		Email:    "admin@mesh-forge.local",
		IsActive: true,
		IsAdmin:  true,
	}
	if err := DB.Create(&admin).Error; err != nil {
		return fmt.Errorf("创建管理员账户失败: %w", err)
	}
	log.Infof("管理员账户 %q 创建成功", cfg.Server.Username)
	return nil
}
