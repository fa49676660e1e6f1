package auth

import (
	"errors"
	"time"
)

// Default leeway applied to exp/nbf comparisons, per spec.md §4.10.
const DefaultLeeway = 60 * time.Second

var (
	ErrTokenExpired     = errors.New("auth: token expired")
	ErrTokenNotYetValid = errors.New("auth: token not yet valid")
	ErrInvalidAudience  = errors.New("auth: invalid audience")
	ErrInvalidIssuer    = errors.New("auth: invalid issuer")
)

// ValidationConfig controls which checks Validate performs.
type ValidationConfig struct {
	ValidateExp      bool
	ValidateNBF      bool
	ExpectedAudience string // empty disables the audience check
	ExpectedIssuer   string // empty disables the issuer check
	Leeway           time.Duration
	Now              time.Time // zero value means time.Now()
}

func (cfg ValidationConfig) now() time.Time {
	if cfg.Now.IsZero() {
		return time.Now()
	}
	return cfg.Now
}

func (cfg ValidationConfig) leeway() time.Duration {
	if cfg.Leeway == 0 {
		return DefaultLeeway
	}
	return cfg.Leeway
}

// Validate performs the ordered checks spec.md §4.10 mandates: expiration,
// not-before, audience, issuer. It returns the first failure encountered.
func (c *Context) Validate(cfg ValidationConfig) error {
	now := cfg.now()
	leeway := cfg.leeway()

	if cfg.ValidateExp && c.Expiry != nil {
		if now.After(c.Expiry.Add(leeway)) {
			return ErrTokenExpired
		}
	}
	if cfg.ValidateNBF && c.NotBefore != nil {
		if c.NotBefore.After(now.Add(leeway)) {
			return ErrTokenNotYetValid
		}
	}
	if cfg.ExpectedAudience != "" {
		if !c.hasAny(c.Audience, cfg.ExpectedAudience) {
			return ErrInvalidAudience
		}
	}
	if cfg.ExpectedIssuer != "" {
		if c.Issuer != cfg.ExpectedIssuer {
			return ErrInvalidIssuer
		}
	}
	return nil
}
