package oauth2

import (
	"strconv"
	"strings"

	"github.com/oneidp/oneidp/internal/binding"
)

// ProjectClaims builds the claim set for a bound user filtered by the
// granted scope. The same projection backs both the ID token body and
// the userinfo response.
func ProjectClaims(user *binding.BindUser, scope string) map[string]any {
	scopes := strings.Fields(scope)
	has := func(s string) bool {
		for _, t := range scopes {
			if t == s {
				return true
			}
		}
		return false
	}

	sub := user.Sub
	if sub == "" {
		sub = strconv.FormatInt(user.Uin, 10)
	}

	claims := map[string]any{
		"sub": sub,
	}

	if has(ScopeOpenID) {
		claims["uin"] = user.Uin
	}

	if has(ScopeEmail) && user.Email != "" {
		claims["email"] = user.Email
		if v, ok := user.ExtraData["email_verified"]; ok {
			claims["email_verified"] = v
		} else {
			// Unverified until upstream says otherwise.
			claims["email_verified"] = false
		}
	}

	if has(ScopeProfile) && user.PreferredUsername != "" {
		claims["preferred_username"] = user.PreferredUsername
		claims["nickname"] = stringOr(user.ExtraData, "nickname", user.PreferredUsername)
		claims["name"] = stringOr(user.ExtraData, "name", user.PreferredUsername)
	}

	// Any extra_data key whose name matches a granted scope token is
	// surfaced as-is.
	for _, s := range scopes {
		if _, exists := claims[s]; exists {
			continue
		}
		if v, ok := user.ExtraData[s]; ok {
			claims[s] = v
		}
	}

	return claims
}

func stringOr(extra map[string]any, key, fallback string) string {
	if v, ok := extra[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}
