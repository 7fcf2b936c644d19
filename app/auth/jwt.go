package auth

import (
	"errors"
	"time"

	"mesh-forge/app/config"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 令牌不合法或已过期
var ErrInvalidToken = errors.New("令牌无效")

// ErrTokenNotExpiring 令牌离过期还早，不需要刷新
var ErrTokenNotExpiring = errors.New("令牌尚未临近过期，无需刷新")

// refreshWindow 距过期不足该窗口时才允许刷新
const refreshWindow = time.Hour

// Claims JWT 声明
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTService 签发与校验访问令牌
type JWTService struct {
	secret []byte
	issuer string
	expire time.Duration
}

// NewJWTService 创建 JWT 服务
func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{
		secret: []byte(cfg.JWT.Secret),
		issuer: cfg.JWT.Issuer,
		expire: time.Duration(cfg.JWT.ExpireTime) * time.Hour,
	}
}

// GenerateToken 为用户签发访问令牌
func (j *JWTService) GenerateToken(userID uint, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expire)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken 校验令牌并取回声明
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(*jwt.Token) (interface{}, error) { return j.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
	)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// RefreshToken 在旧令牌临近过期时换发新令牌
func (j *JWTService) RefreshToken(tokenString string) (string, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if time.Until(claims.ExpiresAt.Time) > refreshWindow {
		return "", ErrTokenNotExpiring
	}
	return j.GenerateToken(claims.UserID, claims.Username)
}

// ExpireIn 令牌有效期，给登录响应计算过期时刻用
func (j *JWTService) ExpireIn() time.Duration {
	return j.expire
}
