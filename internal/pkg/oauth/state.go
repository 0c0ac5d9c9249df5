package oauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/allinclusive-ar/mp-payments/internal/pkg/cache"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	stateKeyPrefix = "mp_oauth_state:"
	stateTTL       = 10 * time.Minute
)

var ErrUnknownState = errors.New("unknown or expired oauth state")

// Cache backend, swapped in tests.
var (
	cacheSet    = cache.Set
	cacheGetDel = cache.GetDel
)

// IssueState stores a fresh one-shot state token for a seller's
// authorization attempt. The token expires after ten minutes.
func IssueState(sellerID string) (string, error) {
	state := uuid.NewString()
	if err := cacheSet(stateKeyPrefix+state, sellerID, stateTTL); err != nil {
		return "", fmt.Errorf("persisting oauth state: %w", err)
	}
	return state, nil
}

// ConsumeState validates and invalidates a state token, returning the seller
// id it was issued for. A token can only be consumed once.
func ConsumeState(state string) (string, error) {
	if state == "" {
		return "", ErrUnknownState
	}
	sellerID, err := cacheGetDel(stateKeyPrefix + state)
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownState
	}
	if err != nil {
		return "", fmt.Errorf("loading oauth state: %w", err)
	}
	return sellerID, nil
}
