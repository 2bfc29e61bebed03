package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"pharmapos/internal/apperr"
	"pharmapos/internal/domain"
	"pharmapos/internal/permissions"
)

const tokenIssuer = "pharmapos"

type AuthManager struct {
	mu            sync.RWMutex
	secret        []byte
	tokenTTL      time.Duration
	defaultTenant string
	userStore     UserStore
	users         map[string]credential
	now           func() time.Time
}

type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, tenantID string, username string, password string) error
}

type credential struct {
	tenantID string
	username string
	password string
	role     string
	active   bool
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, defaultTenant string, userStore UserStore) (*AuthManager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	manager := &AuthManager{
		secret:        []byte(secret),
		tokenTTL:      tokenTTL,
		defaultTenant: strings.TrimSpace(defaultTenant),
		userStore:     userStore,
		users:         make(map[string]credential),
		now:           func() time.Time { return time.Now().UTC() },
	}
	if err := manager.bootstrapUsers(ctx); err != nil {
		return nil, err
	}
	return manager, nil
}

// Login checks the password of username within the requested tenant, or the
// default tenant when none is given. Users are reloaded first so accounts
// added by another process can sign in.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	if err := a.bootstrapUsers(ctx); err != nil {
		return domain.LoginResponse{}, apperr.Wrap(apperr.CodeInternal, err, "failed to load users")
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		tenantID = a.defaultTenant
	}
	username := strings.ToLower(strings.TrimSpace(req.Username))

	a.mu.RLock()
	cred, ok := a.users[credentialKey(tenantID, username)]
	a.mu.RUnlock()
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, apperr.New(apperr.CodeUnauthorized, "invalid credentials")
	}
	if !cred.active {
		return domain.LoginResponse{}, apperr.New(apperr.CodeForbidden, "account is inactive")
	}

	expiresAt := a.now().Add(a.tokenTTL)
	token, err := a.sign(domain.Actor{Username: cred.username, Role: cred.role, TenantID: cred.tenantID}, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, apperr.Wrap(apperr.CodeInternal, err, "failed to sign token")
	}

	return domain.LoginResponse{
		AccessToken: token,
		TenantID:    cred.tenantID,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, apperr.New(apperr.CodeUnauthorized, "invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.TenantID == "" {
		return domain.Actor{}, apperr.New(apperr.CodeUnauthorized, "invalid token subject")
	}
	if !permissions.Role(claims.Role).Valid() {
		return domain.Actor{}, apperr.New(apperr.CodeForbidden, "unknown role")
	}
	return domain.Actor{Username: sub, Role: claims.Role, TenantID: claims.TenantID}, nil
}

func (a *AuthManager) sign(actor domain.Actor, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   actor.Username,
			IssuedAt:  jwtlib.NewNumericDate(a.now()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Role:     actor.Role,
		TenantID: actor.TenantID,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// bootstrapUsers loads accounts from the user store into the credential
// cache. Legacy plain-text passwords are upgraded to bcrypt hashes in the
// store as they are seen.
func (a *AuthManager) bootstrapUsers(ctx context.Context) error {
	if a.userStore == nil {
		return nil
	}

	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		tenantID := strings.TrimSpace(user.TenantID)
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if tenantID == "" || username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err != nil {
				continue
			}
			password = hashed
			if err := a.userStore.UpdateUserPassword(ctx, tenantID, username, hashed); err != nil {
				return err
			}
		}
		a.users[credentialKey(tenantID, username)] = credential{
			tenantID: tenantID,
			username: username,
			password: password,
			role:     user.Role,
			active:   user.Active,
		}
	}
	return nil
}

func credentialKey(tenantID string, username string) string {
	return tenantID + "/" + username
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
