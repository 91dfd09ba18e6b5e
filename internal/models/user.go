package models

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users"`

	UserID    string    `bun:"user_id,pk" json:"user_id"`
	Email     string    `bun:"email,unique,notnull" json:"email"`
	FullName  string    `bun:"full_name,notnull" json:"full_name"`
	Phone     string    `bun:"phone,nullzero" json:"phone,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// ProviderSiteURL maps a provider platform to its public registration site,
// used as the manual fallback path when the service refuses to act.
func ProviderSiteURL(platform string) string {
	switch platform {
	case PlatformCampBrain:
		return "https://www.campbrain.com"
	case PlatformActiveNet:
		return "https://anc.apm.activecommunities.com"
	case PlatformCampMinder:
		return "https://system.campminder.com"
	default:
		return ""
	}
}
