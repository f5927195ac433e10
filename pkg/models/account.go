package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an agency workspace. API keys and client accounts both
// belong to a tenant.
type Tenant struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Account is one onboarded client account. The fleet runner iterates active
// accounts; each holds the property references the metric providers need.
type Account struct {
	ID                 uuid.UUID  `db:"id"                   json:"id"`
	TenantID           uuid.UUID  `db:"tenant_id"            json:"tenant_id"`
	Domain             string     `db:"domain"               json:"domain"`
	AnalyticsProperty  string     `db:"analytics_property"   json:"analytics_property"`
	SearchSiteURL      string     `db:"search_site_url"      json:"search_site_url"`
	BusinessLocationID string     `db:"business_location_id" json:"business_location_id"`
	Active             bool       `db:"active"               json:"active"`
	OnboardedAt        *time.Time `db:"onboarded_at"         json:"onboarded_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"           json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"           json:"updated_at"`
}

// OAuthToken is the stored refresh credential for an account.
type OAuthToken struct {
	AccountID    uuid.UUID `db:"account_id"    json:"account_id"`
	AccessToken  string    `db:"access_token"  json:"-"`
	RefreshToken string    `db:"refresh_token" json:"-"`
	Expiry       time.Time `db:"expiry"        json:"expiry"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}
