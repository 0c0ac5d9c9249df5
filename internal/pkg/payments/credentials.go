package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/allinclusive-ar/mp-payments/app/models"
	"github.com/allinclusive-ar/mp-payments/internal/pkg/mercadopago"
)

// CredentialStore owns read/write access to seller credentials and performs
// token refresh when a provider call reports expired credentials. Refreshes
// are serialized per seller so two concurrent 401 handlers cannot invalidate
// each other's freshly obtained token.
type CredentialStore struct {
	repo   Repository
	client *mercadopago.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCredentialStore(repo Repository, client *mercadopago.Client) *CredentialStore {
	return &CredentialStore{
		repo:   repo,
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *CredentialStore) Get(ctx context.Context, sellerID string) (*models.SellerCredential, error) {
	return s.repo.GetSellerCredential(ctx, sellerID)
}

func (s *CredentialStore) Upsert(ctx context.Context, cred *models.SellerCredential) error {
	return s.repo.UpsertSellerCredential(ctx, cred)
}

// Refresh exchanges the stored refresh token for a new pair and persists it.
// staleToken is the access token that triggered the unauthorized response;
// if another request already refreshed past it, the stored credential is
// returned as-is instead of refreshing a second time.
func (s *CredentialStore) Refresh(ctx context.Context, sellerID, staleToken string) (*models.SellerCredential, error) {
	lock := s.sellerLock(sellerID)
	lock.Lock()
	defer lock.Unlock()

	cred, err := s.repo.GetSellerCredential(ctx, sellerID)
	if err != nil {
		return nil, fmt.Errorf("loading credential for seller %s: %w", sellerID, err)
	}
	if staleToken != "" && cred.AccessToken != staleToken {
		return cred, nil
	}

	token, err := s.client.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing token for seller %s: %w", sellerID, err)
	}

	cred.AccessToken = token.AccessToken
	cred.RefreshToken = token.RefreshToken
	cred.TokenType = token.TokenType
	cred.Scope = token.Scope
	cred.ExpiresIn = token.ExpiresIn
	if err := s.repo.UpsertSellerCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("persisting refreshed credential for seller %s: %w", sellerID, err)
	}
	return cred, nil
}

func (s *CredentialStore) sellerLock(sellerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sellerID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sellerID] = lock
	}
	return lock
}
