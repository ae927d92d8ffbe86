package openai

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func TestBuildRefreshTokenRequest_SetsCodexClientAndScope(t *testing.T) {
	req := BuildRefreshTokenRequest("rt-123")

	if req.GrantType != "refresh_token" {
		t.Fatalf("grant_type mismatch: got=%q", req.GrantType)
	}
	if req.ClientID != ClientID {
		t.Fatalf("client_id mismatch: got=%q want=%q", req.ClientID, ClientID)
	}
	if req.Scope != RefreshScopes {
		t.Fatalf("scope mismatch: got=%q want=%q", req.Scope, RefreshScopes)
	}

	form := req.ToFormData()
	if form == "" {
		t.Fatal("expected non-empty form data")
	}
}

func makeIDToken(t *testing.T, claims IDTokenClaims) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(payload)
	return header + "." + body + ".sig"
}

func TestParseIDToken_ExtractsOpenAIAuthClaims(t *testing.T) {
	token := makeIDToken(t, IDTokenClaims{
		Sub:   "user-1",
		Email: "person@example.com",
		Exp:   time.Now().Add(time.Hour).Unix(),
		OpenAIAuth: &OpenAIAuthClaims{
			ChatGPTAccountID: "acct-1",
			Organizations: []OrganizationClaim{
				{ID: "org-1", IsDefault: true},
			},
		},
	})

	claims, err := ParseIDToken(token)
	if err != nil {
		t.Fatalf("ParseIDToken: %v", err)
	}

	info := claims.GetUserInfo()
	if info.Email != "person@example.com" {
		t.Fatalf("email mismatch: got=%q", info.Email)
	}
	if info.ChatGPTAccountID != "acct-1" {
		t.Fatalf("chatgpt_account_id mismatch: got=%q", info.ChatGPTAccountID)
	}
	if info.OrganizationID != "org-1" {
		t.Fatalf("organization_id mismatch: got=%q", info.OrganizationID)
	}
}

func TestParseIDToken_RejectsExpiredToken(t *testing.T) {
	token := makeIDToken(t, IDTokenClaims{
		Sub: "user-1",
		Exp: time.Now().Add(-time.Hour).Unix(),
	})

	if _, err := ParseIDToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestParseIDToken_RejectsMalformedToken(t *testing.T) {
	if _, err := ParseIDToken("not-a-jwt"); err == nil {
		t.Fatal("expected malformed token to be rejected")
	}
}
