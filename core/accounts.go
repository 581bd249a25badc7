package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// PasswordVerifier re-authenticates an account before sensitive changes.
type PasswordVerifier interface {
	VerifyPassword(ctx context.Context, accountID uint, password string) (bool, error)
}

// StoragePasswordVerifier checks passwords against the bcrypt hash stored
// with the account.
type StoragePasswordVerifier struct {
	storage Storage
}

// NewStoragePasswordVerifier creates a verifier backed by storage.
func NewStoragePasswordVerifier(storage Storage) *StoragePasswordVerifier {
	return &StoragePasswordVerifier{storage: storage}
}

// VerifyPassword implements PasswordVerifier. Unknown and inactive accounts
// fail verification without an error.
func (v *StoragePasswordVerifier) VerifyPassword(ctx context.Context, accountID uint, password string) (bool, error) {
	account, err := v.storage.GetAccountByID(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("failed to get account: %w", err)
	}
	if account == nil || !account.IsActive || account.PasswordHash == "" {
		return false, nil
	}
	return checkPasswordHash(password, account.PasswordHash), nil
}

// CreateAccount stores a new active account with a bcrypt-hashed password.
func (g *Guard) CreateAccount(ctx context.Context, email, password string) (*Account, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := g.now()
	account := &Account{
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: hash,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = storeExec(ctx, g.securityConfig.StoreTimeout, g.securityConfig.StoreRetryBackoff, func(ctx context.Context) error {
		return g.storage.CreateAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// StartMaintenance runs the periodic session cleanup and retention purge
// until ctx is cancelled. The in-process rate-limit counters, when used, are
// swept on the same schedule.
func (g *Guard) StartMaintenance(ctx context.Context) error {
	if counters, ok := g.limiter.store.(*MemoryCounterStore); ok {
		go func() {
			ticker := time.NewTicker(g.securityConfig.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					counters.Cleanup()
				}
			}
		}()
	}
	return g.sessions.StartMaintenance(ctx, g.securityConfig.CleanupInterval, g.securityConfig.SessionRetention)
}
