package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"receipt-api/internal/models"
	"receipt-api/pkg/logging"
)

const ownershipTTL = 30 * 24 * time.Hour

// OwnershipClaimer binds a store purchase to the first user presenting it
type OwnershipClaimer interface {
	Claim(ctx context.Context, platform models.Platform, purchaseKey, userID string) error
}

// OwnershipGuard stores purchase owners in Redis
type OwnershipGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOwnershipGuard returns nil when client is nil; a nil guard allows every claim
func NewOwnershipGuard(client *redis.Client) *OwnershipGuard {
	if client == nil {
		return nil
	}
	return &OwnershipGuard{client: client, ttl: ownershipTTL}
}

// Claim records userID as the owner of purchaseKey, or fails with
// KindReceiptOwned when another user already holds it. Redis outages
// are logged and let the claim through.
func (g *OwnershipGuard) Claim(ctx context.Context, platform models.Platform, purchaseKey, userID string) error {
	if g == nil || g.client == nil || purchaseKey == "" {
		return nil
	}
	key := ownershipKey(platform, purchaseKey)

	ok, err := g.client.SetNX(ctx, key, userID, g.ttl).Result()
	if err != nil {
		logging.Warnf("Ownership guard unavailable, allowing claim: %v", err)
		return nil
	}
	if ok {
		return nil
	}

	owner, err := g.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			// expired between SETNX and GET
			return g.Claim(ctx, platform, purchaseKey, userID)
		}
		logging.Warnf("Ownership guard unavailable, allowing claim: %v", err)
		return nil
	}
	if owner != userID {
		return newVerificationError(KindReceiptOwned, msgReceiptOwned,
			fmt.Errorf("%s purchase already bound to another user", platform))
	}
	if err := g.client.Expire(ctx, key, g.ttl).Err(); err != nil {
		logging.Warnf("Failed to refresh ownership TTL: %v", err)
	}
	return nil
}

func ownershipKey(platform models.Platform, purchaseKey string) string {
	sum := sha256.Sum256([]byte(purchaseKey))
	return fmt.Sprintf("receipt_owner:%s:%s", platform, hex.EncodeToString(sum[:]))
}
