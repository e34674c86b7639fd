package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vircadia/vircadia-world-sub000/internal/config"
	"github.com/vircadia/vircadia-world-sub000/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAgentExists        = errors.New("agent already exists")
	ErrNoSystemProvider   = errors.New("no enabled system provider configured")
)

// defaultSyncGroups are granted to agents created through the system
// provider. Production memberships are managed by the identity subsystem.
var defaultSyncGroups = []string{"normal", "public"}

// SystemService implements the built-in "system" provider: credential
// login, agent registration, and token minting for development and
// self-hosted deployments. External identity providers are validated by
// Validator and never touch this service.
type SystemService struct {
	store       store.Store
	secret      []byte
	tokenExpiry time.Duration
}

// NewSystemService wires the system provider if one is enabled in config.
// Returns ErrNoSystemProvider when the deployment relies entirely on
// external providers.
func NewSystemService(s store.Store, cfg config.Auth) (*SystemService, error) {
	for _, p := range cfg.Providers {
		if p.Name == "system" && p.Enabled && p.Secret != "" {
			return &SystemService{
				store:       s,
				secret:      []byte(p.Secret),
				tokenExpiry: cfg.SystemTokenExpiry.Duration,
			}, nil
		}
	}
	return nil, ErrNoSystemProvider
}

// Login verifies credentials, creates a fresh session record, and returns
// a signed token carrying the sessionId and agentId claims.
func (s *SystemService) Login(ctx context.Context, username, password string) (string, error) {
	agent, err := s.store.GetAgentByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("get agent: %w", err)
	}
	if agent == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	rec := &store.SessionRecord{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		ExpiresAt: now.Add(s.tokenExpiry),
		CreatedAt: now,
	}
	if err := s.store.CreateSessionRecord(ctx, rec); err != nil {
		return "", fmt.Errorf("create session record: %w", err)
	}

	return s.mintToken(agent.ID, rec.ID, rec.ExpiresAt)
}

// Register creates a new agent with the default sync group memberships.
func (s *SystemService) Register(ctx context.Context, username, password string) (*store.Agent, error) {
	existing, err := s.store.GetAgentByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrAgentExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	agent := &store.Agent{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}
	if err := s.store.SetAgentSyncGroups(ctx, agent.ID, defaultSyncGroups); err != nil {
		return nil, fmt.Errorf("grant sync groups: %w", err)
	}

	return agent, nil
}

func (s *SystemService) mintToken(agentID, sessionID string, expiresAt time.Time) (string, error) {
	claims := &Claims{
		AgentID:   agentID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
