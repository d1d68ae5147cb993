// Package appstore implements the App Store Connect deployment path:
// short-lived signed API tokens, app resolution, the out-of-process
// upload tool, and processing-state polling.
package appstore

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ahmtydn/publish-store/internal/domain"
)

// App Store Connect tokens are valid for at most 20 minutes; one is
// minted per deployment attempt and never cached or persisted.
const tokenValidity = 20 * time.Minute

const connectAudience = "appstoreconnect-v1"

// mintToken signs a short-lived ES256 API token from the .p8 private
// key. Any failure is an authentication error and never retryable.
func mintToken(creds *domain.AppleCredentials, now time.Time) (string, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM(creds.PrivateKey)
	if err != nil {
		return "", domain.NewAuthentication(fmt.Sprintf("parse api private key: %v", err), err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": creds.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(tokenValidity).Unix(),
		"aud": connectAudience,
	})
	token.Header["kid"] = creds.KeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", domain.NewAuthentication(fmt.Sprintf("sign api token: %v", err), err)
	}
	return signed, nil
}
