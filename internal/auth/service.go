package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roster-service/internal/validate"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrUserExists          = errors.New("username or email already exists")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
	ErrInvalidInput        = errors.New("invalid input")
	ErrRoleNotAllowed      = errors.New("role cannot be self-registered")
)

type Service struct {
	repo             *Repository
	tokens           *TokenIssuer
	refreshTTL       time.Duration
	validator        *validate.Validator
	now              func() time.Time
	openRegistration bool
}

type ServiceOption func(*Service)

// WithOpenRegistration lets anonymous callers register admin and teacher
// accounts. Only meant for bootstrapping the first admin.
func WithOpenRegistration(open bool) ServiceOption {
	return func(s *Service) { s.openRegistration = open }
}

func NewService(repo *Repository, tokens *TokenIssuer, refreshTTL time.Duration, opts ...ServiceOption) *Service {
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	s := &Service{
		repo:       repo,
		tokens:     tokens,
		refreshTTL: refreshTTL,
		validator:  validate.New(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) validate(v interface{}) error {
	if err := s.validator.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Register creates a user account and signs it in. Unless registration is
// open, anonymous callers may only register student accounts.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*AuthResponse, error) {
	user, err := s.createUser(ctx, req, s.openRegistration)
	if err != nil {
		return nil, err
	}
	return s.generateTokenPair(ctx, user)
}

// CreateUser creates an account of any role on behalf of an admin.
func (s *Service) CreateUser(ctx context.Context, req RegisterRequest) (*User, error) {
	return s.createUser(ctx, req, true)
}

func (s *Service) createUser(ctx context.Context, req RegisterRequest, privileged bool) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	if req.Role != RoleStudent {
		if !privileged {
			return nil, ErrRoleNotAllowed
		}
		req.StudentID = nil
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:        uuid.New(),
		Username:  req.Username,
		Email:     req.Email,
		Password:  string(hashedPassword),
		Role:      req.Role,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		StudentID: req.StudentID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login authenticates by username or email and returns tokens.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByLogin(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if err := s.repo.TouchLastLogin(ctx, user.ID, now); err != nil {
		return nil, err
	}
	user.LastLoginAt = &now

	return s.generateTokenPair(ctx, user)
}

// RefreshAccessToken rotates the refresh token and issues a new access token.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRefreshToken
	}

	consumed, err := s.repo.ConsumeRefreshToken(ctx, refreshToken, s.now())
	if err != nil {
		return nil, err
	}

	user, err := s.repo.GetUserByID(ctx, consumed.UserID)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, err
	}

	return s.generateTokenPair(ctx, user)
}

// Logout invalidates refresh token
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.repo.DeleteRefreshToken(ctx, refreshToken)
}

// LogoutAll invalidates every refresh token of a user
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	return s.repo.DeleteAllUserTokens(ctx, userID)
}

func (s *Service) Me(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

func (s *Service) generateTokenPair(ctx context.Context, user *User) (*AuthResponse, error) {
	accessToken, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}

	refreshToken, err := GenerateRefreshToken()
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.refreshTTL)
	if err := s.repo.CreateRefreshToken(ctx, user.ID, refreshToken, expiresAt); err != nil {
		return nil, err
	}

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user,
	}, nil
}
