// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	helmsmanerrors "github.com/tombee/helmsman/pkg/errors"
)

// AuthType selects the authentication scheme for a webhook route.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthJWT    AuthType = "jwt"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// defaultAPIKeyHeader is used when an api_key route names no header.
const defaultAPIKeyHeader = "X-API-Key"

// AuthConfig describes a webhook route's authentication.
type AuthConfig struct {
	Type AuthType

	// Token is the expected static bearer token (bearer).
	Token string

	// Secret is the HS256 signing secret (jwt).
	Secret string

	// Header and Key configure header-based auth (api_key). Header defaults
	// to X-API-Key.
	Header string
	Key    string

	// Username plus PasswordHash (bcrypt) or Password (plain) configure
	// basic auth. PasswordHash wins when both are set.
	Username     string
	Password     string
	PasswordHash string
}

// Validate checks the config is complete for its type.
func (a *AuthConfig) Validate() error {
	switch a.Type {
	case AuthNone, "":
		return nil
	case AuthBearer:
		if a.Token == "" {
			return &helmsmanerrors.ValidationError{Field: "auth.token", Message: "bearer auth requires a token"}
		}
	case AuthJWT:
		if a.Secret == "" {
			return &helmsmanerrors.ValidationError{Field: "auth.secret", Message: "jwt auth requires a signing secret"}
		}
	case AuthAPIKey:
		if a.Key == "" {
			return &helmsmanerrors.ValidationError{Field: "auth.key", Message: "api_key auth requires a key"}
		}
	case AuthBasic:
		if a.Username == "" || (a.Password == "" && a.PasswordHash == "") {
			return &helmsmanerrors.ValidationError{Field: "auth", Message: "basic auth requires username and password"}
		}
	default:
		return &helmsmanerrors.ValidationError{
			Field:   "auth.type",
			Message: fmt.Sprintf("unknown auth type %q", a.Type),
		}
	}
	return nil
}

// Authenticate verifies the request against the configured scheme.
func (a *AuthConfig) Authenticate(r *http.Request) error {
	switch a.Type {
	case AuthNone, "":
		return nil
	case AuthBearer:
		return a.authenticateBearer(r)
	case AuthJWT:
		return a.authenticateJWT(r)
	case AuthAPIKey:
		return a.authenticateAPIKey(r)
	case AuthBasic:
		return a.authenticateBasic(r)
	default:
		return fmt.Errorf("unknown auth type: %s", a.Type)
	}
}

// extractBearerToken pulls the token out of the Authorization header. The
// scheme comparison is case-insensitive per RFC 6750.
func extractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", fmt.Errorf("expected 'Bearer <token>' Authorization header")
	}

	token := strings.TrimSpace(auth[len(prefix):])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

func (a *AuthConfig) authenticateBearer(r *http.Request) error {
	token, err := extractBearerToken(r)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}

func (a *AuthConfig) authenticateJWT(r *http.Request) error {
	raw, err := extractBearerToken(r)
	if err != nil {
		return err
	}

	_, err = jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.Secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("invalid JWT: %w", err)
	}
	return nil
}

func (a *AuthConfig) authenticateAPIKey(r *http.Request) error {
	header := a.Header
	if header == "" {
		header = defaultAPIKeyHeader
	}

	key := r.Header.Get(header)
	if key == "" {
		return fmt.Errorf("missing %s header", header)
	}
	if subtle.ConstantTimeCompare([]byte(key), []byte(a.Key)) != 1 {
		return fmt.Errorf("invalid API key")
	}
	return nil
}

func (a *AuthConfig) authenticateBasic(r *http.Request) error {
	username, password, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("missing basic auth credentials")
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) != 1 {
		return fmt.Errorf("invalid credentials")
	}

	if a.PasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
			return fmt.Errorf("invalid credentials")
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(a.Password)) != 1 {
		return fmt.Errorf("invalid credentials")
	}
	return nil
}
