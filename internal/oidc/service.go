package oidc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/oauth2"
)

// Service mints HS256 ID tokens and serves discovery metadata. The
// token is signed with the server secret; there is no asymmetric key
// and intentionally no JWKS endpoint.
type Service struct {
	issuer    string
	secretKey []byte
}

// DiscoveryMetadata represents OIDC Discovery metadata (OIDC Discovery Section 3)
type DiscoveryMetadata struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	RevocationEndpoint               string   `json:"revocation_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
}

// NewService creates a new OIDC service
func NewService(issuer, secretKey string) *Service {
	return &Service{
		issuer:    issuer,
		secretKey: []byte(secretKey),
	}
}

// GetDiscoveryMetadata returns the OIDC configuration (OIDC Discovery Section 4)
func (s *Service) GetDiscoveryMetadata() DiscoveryMetadata {
	return DiscoveryMetadata{
		Issuer:                           s.issuer,
		AuthorizationEndpoint:            fmt.Sprintf("%s/authorize", s.issuer),
		TokenEndpoint:                    fmt.Sprintf("%s/token", s.issuer),
		UserinfoEndpoint:                 fmt.Sprintf("%s/userinfo", s.issuer),
		RevocationEndpoint:               fmt.Sprintf("%s/revoke", s.issuer),
		ResponseTypesSupported:           []string{"code"},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"HS256"},
		ScopesSupported:                  []string{"openid", "uin", "email", "profile"},
		GrantTypesSupported:              []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:    []string{"plain", "S256"},
	}
}

// GenerateIDToken generates a signed id_token JWT (OIDC Core Section 2)
// for a bound user. The claim body reuses the userinfo projection so
// both surfaces agree.
func (s *Service) GenerateIDToken(user *binding.BindUser, clientID, nonce, scope string, expiresIn time.Duration) (string, error) {
	now := time.Now()

	claims := jwt.MapClaims{
		"iss": s.issuer,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	for k, v := range oauth2.ProjectClaims(user, scope) {
		claims[k] = v
	}
	if _, ok := claims["sub"]; !ok {
		claims["sub"] = strconv.FormatInt(user.Uin, 10)
	}

	// OIDC Core Section 3.1.2.1: Include nonce if provided
	if nonce != "" {
		claims["nonce"] = nonce
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ParseIDToken verifies and decodes a token minted by this service.
func (s *Service) ParseIDToken(raw string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
