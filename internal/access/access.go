// Package access implements the access-control collaborator for media
// references: signed, time-limited URLs and ownership checks. Callers must
// treat it as authoritative and fail closed on any error.
package access

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "deckvault"

var (
	ErrEmptySecret = errors.New("signing secret must not be empty")
	ErrNoTTL       = errors.New("signed URL TTL must be positive")
)

// OwnershipFunc answers whether a media file belongs to the given deck and
// is visible to the given user.
type OwnershipFunc func(ctx context.Context, mediaID, userID, deckID string) (bool, error)

// Controller is the access-control interface the orchestrator and the
// media reference service consume.
type Controller interface {
	// ValidateAccess reports whether userID may read mediaID within
	// deckID. Any internal error denies.
	ValidateAccess(ctx context.Context, mediaID, userID, deckID string) bool
	// SignedURL returns a time-limited reference for mediaID usable only
	// by userID.
	SignedURL(mediaID, userID string, ttl time.Duration) (string, error)
	// ValidateSignedURL reports whether rawURL carries a valid, unexpired
	// signature bound to userID. Any parse or claims error denies.
	ValidateSignedURL(rawURL, userID string) bool
}

// mediaClaims binds a token to one media file and one user.
type mediaClaims struct {
	MediaID string `json:"mid"`
	UserID  string `json:"uid"`
	jwt.RegisteredClaims
}

// JWTController signs media URLs with HS256 tokens carried as a query
// parameter on the media-serving path.
type JWTController struct {
	secret   []byte
	basePath string
	lookup   OwnershipFunc
	now      func() time.Time
}

// NewJWTController creates a controller signing with secret and issuing
// URLs under basePath (e.g. "/media"). lookup may be nil, in which case
// ValidateAccess always denies.
func NewJWTController(secret []byte, basePath string, lookup OwnershipFunc) (*JWTController, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &JWTController{
		secret:   secret,
		basePath: strings.TrimSuffix(basePath, "/"),
		lookup:   lookup,
		now:      time.Now,
	}, nil
}

func (c *JWTController) ValidateAccess(ctx context.Context, mediaID, userID, deckID string) bool {
	if c.lookup == nil || mediaID == "" || userID == "" {
		return false
	}
	ok, err := c.lookup(ctx, mediaID, userID, deckID)
	if err != nil {
		return false
	}
	return ok
}

func (c *JWTController) SignedURL(mediaID, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrNoTTL
	}
	now := c.now()
	claims := mediaClaims{
		MediaID: mediaID,
		UserID:  userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   mediaID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing media URL: %w", err)
	}
	return fmt.Sprintf("%s/%s?token=%s", c.basePath, url.PathEscape(mediaID), url.QueryEscape(token)), nil
}

func (c *JWTController) ValidateSignedURL(rawURL, userID string) bool {
	mediaID, token, ok := splitSignedURL(rawURL, c.basePath)
	if !ok {
		return false
	}
	claims, ok := c.parseToken(token)
	if !ok {
		return false
	}
	return claims.MediaID == mediaID && claims.UserID == userID
}

// ParseToken validates a bare token string and returns the media ID it was
// issued for. Used by the media-serving handler, which receives the token
// as a query parameter.
func (c *JWTController) ParseToken(token, userID string) (string, bool) {
	claims, ok := c.parseToken(token)
	if !ok || claims.UserID != userID {
		return "", false
	}
	return claims.MediaID, true
}

func (c *JWTController) parseToken(token string) (*mediaClaims, bool) {
	claims := &mediaClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(c.now))
	if err != nil || !parsed.Valid {
		return nil, false
	}
	return claims, true
}

func splitSignedURL(rawURL, basePath string) (mediaID, token string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", false
	}
	if !strings.HasPrefix(u.Path, basePath+"/") {
		return "", "", false
	}
	mediaID = strings.TrimPrefix(u.Path, basePath+"/")
	if mediaID == "" || strings.Contains(mediaID, "/") {
		return "", "", false
	}
	token = u.Query().Get("token")
	if token == "" {
		return "", "", false
	}
	return mediaID, token, true
}
