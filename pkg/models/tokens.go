package models

import (
	"strings"

	"github.com/google/uuid"
)

// Token prefixes. Stripe-style prefixes ending in "_" make tokens easy to
// identify and double-click-select when debugging by hand.
const (
	JobTokenPrefix       = "jinf_"
	MediaFileTokenPrefix = "m_"
)

// NewJobToken mints a globally unique, client-visible job token.
func NewJobToken() string {
	return JobTokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMediaFileToken mints a token for a media file result entity.
func NewMediaFileToken() string {
	return MediaFileTokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// LooksLikeJobToken is a cheap shape check used before hitting the database.
// Callers must report a failed check identically to "not found" so the token
// format leaks nothing.
func LooksLikeJobToken(token string) bool {
	return strings.HasPrefix(token, JobTokenPrefix) && len(token) > len(JobTokenPrefix)
}
