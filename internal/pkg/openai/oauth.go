// Package openai holds the OpenAI/Codex OAuth wire types and JWT claim
// parsing shared by the token refresher. Enrollment (authorization-code +
// PKCE) is out of scope; this only covers the refresh-token grant used to
// keep already-registered accounts alive.
package openai

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ClientID is the OAuth client id used by the Codex CLI, which the
	// refresh-token grant must also present.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"

	// TokenURL is the OpenAI OAuth token endpoint.
	TokenURL = "https://auth.openai.com/oauth/token"

	// ResponsesBaseURL is the upstream Codex backend the gateway forwards
	// translated requests to; it is not separately configurable since it's
	// part of the upstream's fixed surface, not a deployment choice.
	ResponsesBaseURL = "https://chatgpt.com/backend-api/codex"

	// RefreshScopes is the scope requested on refresh (no offline_access,
	// since that's only granted on the initial authorization).
	RefreshScopes = "openid profile email"
)

// RefreshTokenRequest represents the refresh_token grant request body.
type RefreshTokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
	Scope        string `json:"scope"`
}

// TokenResponse represents the token response from OpenAI OAuth.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// BuildRefreshTokenRequest creates a refresh token request for OpenAI.
func BuildRefreshTokenRequest(refreshToken string) *RefreshTokenRequest {
	return &RefreshTokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     ClientID,
		Scope:        RefreshScopes,
	}
}

// ToFormData converts RefreshTokenRequest to URL-encoded form data.
func (r *RefreshTokenRequest) ToFormData() string {
	params := url.Values{}
	params.Set("grant_type", r.GrantType)
	params.Set("client_id", r.ClientID)
	params.Set("refresh_token", r.RefreshToken)
	params.Set("scope", r.Scope)
	return params.Encode()
}

// IDTokenClaims represents the claims carried by an OpenAI ID token.
type IDTokenClaims struct {
	Sub           string   `json:"sub"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	Iss           string   `json:"iss"`
	Aud           []string `json:"aud"`
	Exp           int64    `json:"exp"`
	Iat           int64    `json:"iat"`

	OpenAIAuth *OpenAIAuthClaims `json:"https://api.openai.com/auth,omitempty"`
}

// OpenAIAuthClaims represents the OpenAI-specific auth claims.
type OpenAIAuthClaims struct {
	ChatGPTAccountID string              `json:"chatgpt_account_id"`
	ChatGPTUserID    string              `json:"chatgpt_user_id"`
	UserID           string              `json:"user_id"`
	Organizations    []OrganizationClaim `json:"organizations"`
}

// OrganizationClaim represents an organization in the ID token.
type OrganizationClaim struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Title     string `json:"title"`
	IsDefault bool   `json:"is_default"`
}

// ParseIDToken decodes the ID token JWT payload and validates its expiry.
// The signature is not verified: OpenAI never publishes a stable JWKS for
// this token, and decisions driven by these claims are limited to logging
// and account-identity bookkeeping, never authorization.
func ParseIDToken(idToken string) (*IDTokenClaims, error) {
	var mapClaims jwt.MapClaims
	_, _, err := jwt.NewParser().ParseUnverified(idToken, &mapClaims)
	if err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}

	raw, err := json.Marshal(mapClaims)
	if err != nil {
		return nil, fmt.Errorf("re-encode id_token claims: %w", err)
	}

	var claims IDTokenClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("decode id_token claims: %w", err)
	}

	const clockSkewToleranceSeconds = 120
	now := time.Now().Unix()
	if claims.Exp > 0 && now > claims.Exp+clockSkewToleranceSeconds {
		return nil, fmt.Errorf("id_token has expired (exp: %d, now: %d, skew_tolerance: %ds)", claims.Exp, now, clockSkewToleranceSeconds)
	}

	return &claims, nil
}

// UserInfo is the user identity extracted from ID token claims.
type UserInfo struct {
	Email            string
	ChatGPTAccountID string
	ChatGPTUserID    string
	UserID           string
	OrganizationID   string
	Organizations    []OrganizationClaim
}

// GetUserInfo extracts user info from ID token claims.
func (c *IDTokenClaims) GetUserInfo() *UserInfo {
	info := &UserInfo{Email: c.Email}

	if c.OpenAIAuth != nil {
		info.ChatGPTAccountID = c.OpenAIAuth.ChatGPTAccountID
		info.ChatGPTUserID = c.OpenAIAuth.ChatGPTUserID
		info.UserID = c.OpenAIAuth.UserID
		info.Organizations = c.OpenAIAuth.Organizations

		for _, org := range c.OpenAIAuth.Organizations {
			if org.IsDefault {
				info.OrganizationID = org.ID
				break
			}
		}
		if info.OrganizationID == "" && len(c.OpenAIAuth.Organizations) > 0 {
			info.OrganizationID = c.OpenAIAuth.Organizations[0].ID
		}
	}

	return info
}
