package identity

import (
	"context"
	"errors"
	"log/slog"
	"time"

	appErrors "sudooom.civic.realtime/internal/errors"
	"sudooom.civic.realtime/internal/model"
	"sudooom.civic.realtime/internal/store"
)

// ProfileStore loads profiles from the database.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
}

// ProfileCache is an optional read-through cache in front of ProfileStore.
type ProfileCache interface {
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	SetProfile(ctx context.Context, user model.User, ttl time.Duration) error
}

// Credential is what a client presents when authenticating.
type Credential struct {
	UserID string
	Token  string
}

// Resolver turns a credential into a user record.
type Resolver struct {
	profiles     ProfileStore
	cache        ProfileCache
	verifier     *TokenVerifier
	requireToken bool
	cacheTTL     time.Duration
	logger       *slog.Logger
}

type ResolverConfig struct {
	RequireToken bool
	CacheTTL     time.Duration
}

// NewResolver builds a resolver. verifier and cache may be nil. Without a
// verifier, tokens are not checked and the claimed user id is trusted as long
// as a profile exists.
func NewResolver(profiles ProfileStore, cache ProfileCache, verifier *TokenVerifier, cfg ResolverConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		profiles:     profiles,
		cache:        cache,
		verifier:     verifier,
		requireToken: cfg.RequireToken,
		cacheTTL:     cfg.CacheTTL,
		logger:       logger.With("component", "identity"),
	}
}

// Resolve authenticates cred. Every failure is an auth AppError; the message
// is safe to send to the client.
func (r *Resolver) Resolve(ctx context.Context, cred Credential) (*model.User, error) {
	if cred.UserID == "" {
		return nil, appErrors.ErrAuth.WithMessage("userId is required")
	}

	if cred.Token != "" || r.requireToken {
		if err := r.checkToken(cred); err != nil {
			return nil, err
		}
	}

	user, err := r.loadProfile(ctx, cred.UserID)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Resolver) checkToken(cred Credential) error {
	if cred.Token == "" {
		return appErrors.ErrAuth.WithMessage("token is required")
	}
	if r.verifier == nil {
		return appErrors.ErrAuth.WithMessage("token verification is not configured")
	}

	claims, err := r.verifier.Verify(cred.Token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return appErrors.ErrAuth.WithMessage("token expired").Wrap(err)
		}
		return appErrors.ErrAuth.WithMessage("invalid token").Wrap(err)
	}
	if claims.Subject != cred.UserID {
		return appErrors.ErrSenderMismatch.WithMessage("token does not belong to this user")
	}
	return nil
}

func (r *Resolver) loadProfile(ctx context.Context, userID string) (*model.User, error) {
	if r.cache != nil {
		if cached, err := r.cache.GetProfile(ctx, userID); err != nil {
			r.logger.Warn("Profile cache read failed", "user_id", userID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	user, err := r.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, appErrors.ErrAuth.WithMessage("unknown user")
	}
	if err != nil {
		r.logger.Error("Profile lookup failed", "user_id", userID, "error", err)
		return nil, appErrors.ErrAuth.WithMessage("could not resolve identity, retry later").Wrap(err)
	}

	if r.cache != nil && r.cacheTTL > 0 {
		if err := r.cache.SetProfile(ctx, *user, r.cacheTTL); err != nil {
			r.logger.Warn("Profile cache write failed", "user_id", userID, "error", err)
		}
	}
	return user, nil
}
