// Package users handles registration, login and balance reads/top-ups.
package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/terminal-bench/auctionhouse/internal/ledger"
	"github.com/terminal-bench/auctionhouse/internal/models"
	"github.com/terminal-bench/auctionhouse/internal/store"
)

var (
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidAmount      = errors.New("amount must be positive")
)

// TokenTTL is how long issued tokens stay valid.
const TokenTTL = 24 * time.Hour

// Service manages user accounts.
type Service struct {
	store     store.Store
	jwtSecret []byte

	// Ledger, when set, mirrors deposit records to the notification fabric.
	// A nil ledger still performs the deposits.
	Ledger *ledger.Ledger
}

// NewService creates a users service.
func NewService(st store.Store, jwtSecret string) *Service {
	return &Service{store: st, jwtSecret: []byte(jwtSecret)}
}

// Register creates an account with a zero balance.
func (s *Service) Register(ctx context.Context, username, password string) (*models.Account, error) {
	if username == "" || len(password) < 6 {
		return nil, ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account := &models.Account{
		ID:        uuid.New(),
		Username:  username,
		Password:  string(hash),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	log.WithFields(log.Fields{"user_id": account.ID, "username": username}).Info("user registered")
	return account, nil
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, username, password string) (string, *models.Account, error) {
	account, err := s.store.AccountByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil, ErrInvalidCredentials
	}
	if err != nil {
		return "", nil, fmt.Errorf("load account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.Password), []byte(password)) != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.issueToken(account)
	if err != nil {
		return "", nil, err
	}
	return token, account, nil
}

func (s *Service) issueToken(account *models.Account) (string, error) {
	claims := jwt.MapClaims{
		"sub":      account.ID.String(),
		"username": account.Username,
		"exp":      time.Now().Add(TokenTTL).Unix(),
		"iat":      time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses a token and returns the account id it names.
func (s *Service) VerifyToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidCredentials
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, ErrInvalidCredentials
	}
	sub, _ := claims["sub"].(string)
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, ErrInvalidCredentials
	}
	return id, nil
}

// Balance returns the account's available and locked funds.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return account, err
}

// Deposit tops up the account's available balance.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, amount int64, note string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.store.Atomically(ctx, func(tx store.Tx) error {
		if err := s.Ledger.Deposit(tx, userID, amount, note); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return nil
	})
}

// Transactions returns the account's most recent balance transactions.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Transactions(ctx, userID, limit)
}
