package utils

import (
	"errors"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt 对超过 72 字节的输入会静默截断
const maxPasswordBytes = 72

// ErrPasswordTooShort 密码长度不足
var ErrPasswordTooShort = errors.New("密码长度至少 8 个字符")

// ErrPasswordTooLong 密码超出 bcrypt 可处理的长度
var ErrPasswordTooLong = errors.New("密码长度超出上限")

// CheckPassword 注册前的密码基本校验
func CheckPassword(password string) error {
	if utf8.RuneCountInString(password) < 8 {
		return ErrPasswordTooShort
	}
	if len(password) > maxPasswordBytes {
		return ErrPasswordTooLong
	}
	return nil
}

// HashPassword 使用 bcrypt 哈希密码
func HashPassword(password string) (string, error) {
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// VerifyPassword 验证密码是否匹配哈希值
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
