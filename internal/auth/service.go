package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/filedav-server/internal/config"
	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/database/sqlbuilder"
	"github.com/filedav-server/internal/models"
)

const usersTable = "users"

var userColumns = []string{"id", "username", "display_name", "password_hash", "created_at", "updated_at"}

// 错误定义
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("username already taken")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims JWT令牌声明
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service 认证服务：用户表、密码校验和JWT
type Service struct {
	db     *database.DB
	cfg    config.AuthConfig
	logger logrus.FieldLogger
}

// NewService 创建认证服务
func NewService(db *database.DB, cfg config.AuthConfig, logger logrus.FieldLogger) *Service {
	return &Service{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}
}

// Realm 用于 WWW-Authenticate 质询
func (s *Service) Realm() string {
	return s.cfg.Realm
}

// CreateUser 创建用户，密码以 bcrypt 保存
func (s *Service) CreateUser(ctx context.Context, req models.UserCreateRequest) (*models.User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: string(hash),
		DisplayName:  req.DisplayName,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if user.DisplayName == "" {
		user.DisplayName = username
	}

	res, err := sqlbuilder.NewInsert(s.db.Dialect, usersTable).
		Columns(userColumns...).
		Values(user.ID.String(), user.Username, user.DisplayName, user.PasswordHash, now.Unix(), now.Unix()).
		OnConflictDoNothing("username").
		Exec(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrUserExists
	}

	s.logger.WithFields(logrus.Fields{"user_id": user.ID, "username": username}).Info("user created")
	return user, nil
}

func scanUser(row *sql.Row) (*models.User, error) {
	var (
		u                models.User
		id               string
		created, updated int64
	)
	if err := row.Scan(&id, &u.Username, &u.DisplayName, &u.PasswordHash, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, err)
	}
	u.ID = parsed
	u.CreatedAt = time.Unix(created, 0).UTC()
	u.UpdatedAt = time.Unix(updated, 0).UTC()
	return &u, nil
}

// GetUserByUsername 根据用户名获取用户
func (s *Service) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	row := sqlbuilder.NewSelect(s.db.Dialect, usersTable, userColumns...).
		Where("username = ?", username).
		QueryRow(ctx, s.db)
	return scanUser(row)
}

// GetUserByID 根据ID获取用户
func (s *Service) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	row := sqlbuilder.NewSelect(s.db.Dialect, usersTable, userColumns...).
		Where("id = ?", id.String()).
		QueryRow(ctx, s.db)
	return scanUser(row)
}

// Authenticate 验证用户名密码
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// Login 验证凭据并签发令牌
func (s *Service) Login(ctx context.Context, username, password string) (*models.UserLoginResponse, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.GenerateToken(user)
	if err != nil {
		return nil, err
	}
	return &models.UserLoginResponse{Token: token, ExpiresAt: expiresAt, User: user}, nil
}

// GenerateToken 生成JWT令牌
func (s *Service) GenerateToken(user *models.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.TokenExpiry)

	claims := Claims{
		UserID:   user.ID.String(),
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken 校验JWT令牌
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := uuid.Parse(claims.UserID); err != nil {
		return nil, fmt.Errorf("%w: bad user id", ErrInvalidToken)
	}
	return claims, nil
}
