// Package playstore implements the Google Play deployment path: a
// service-account authenticated edits client and the session-based
// upload state machine.
package playstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/httpclient"
)

const (
	defaultBaseURL   = "https://androidpublisher.googleapis.com"
	publisherScope   = "https://www.googleapis.com/auth/androidpublisher"
	assertionGrant   = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionExpiry  = time.Hour
	defaultTokenHost = "https://oauth2.googleapis.com/token"
)

// serviceAccount is the structural subset of a decoded Google service
// account payload the deployer re-validates at runtime.
type serviceAccount struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

func parseServiceAccount(raw []byte) (*serviceAccount, error) {
	var account serviceAccount
	if err := json.Unmarshal(raw, &account); err != nil {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials,
			fmt.Sprintf("service account payload is not valid JSON: %v", err))
	}
	if account.ClientEmail == "" {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials, "service account payload missing client_email")
	}
	if account.TokenURI == "" {
		account.TokenURI = defaultTokenHost
	}
	if !strings.Contains(account.PrivateKey, "-----BEGIN") || !strings.Contains(account.PrivateKey, "-----END") {
		return nil, domain.NewValidation(domain.CodeInvalidCredentials, "service account private_key is not PEM encoded")
	}
	return &account, nil
}

// client talks to the androidpublisher edits API for one attempt.
type client struct {
	api         *httpclient.Client
	packageName string
}

// authenticate exchanges a signed service-account assertion for an
// access token and returns an API client carrying it.
func authenticate(ctx context.Context, account *serviceAccount, baseURL string, logger *slog.Logger, opts []httpclient.Option) (*httpclient.Client, string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(account.PrivateKey))
	if err != nil {
		return nil, "", domain.NewAuthentication(fmt.Sprintf("parse service account key: %v", err), err)
	}

	now := time.Now()
	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":   account.ClientEmail,
		"scope": publisherScope,
		"aud":   account.TokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionExpiry).Unix(),
	})
	signed, err := assertion.SignedString(key)
	if err != nil {
		return nil, "", domain.NewAuthentication(fmt.Sprintf("sign token assertion: %v", err), err)
	}

	tokenClient, err := httpclient.New(account.TokenURI, logger, opts...)
	if err != nil {
		return nil, "", err
	}
	form := url.Values{
		"grant_type": {assertionGrant},
		"assertion":  {signed},
	}
	body, err := tokenClient.Post(ctx, "", "application/x-www-form-urlencoded", []byte(form.Encode()), nil)
	if err != nil {
		if de := domain.AsError(err); de != nil && de.Kind == domain.KindNetwork {
			return nil, "", err
		}
		return nil, "", domain.NewAuthentication("service account token exchange rejected", err)
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
		return nil, "", domain.NewAuthentication("token exchange returned no access token", err)
	}

	api, err := httpclient.New(baseURL, logger,
		append(opts, httpclient.WithHeader("Authorization", "Bearer "+token.AccessToken))...)
	if err != nil {
		return nil, "", err
	}
	return api, token.AccessToken, nil
}

func (c *client) editsPath(suffix string) string {
	return fmt.Sprintf("/androidpublisher/v3/applications/%s/edits%s", c.packageName, suffix)
}

// insertEdit opens a new edit session and returns its identifier.
func (c *client) insertEdit(ctx context.Context) (string, error) {
	body, err := c.api.Post(ctx, c.editsPath(""), "application/json", []byte("{}"), nil)
	if err != nil {
		return "", err
	}
	var edit struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &edit); err != nil || edit.ID == "" {
		return "", domain.NewNetwork("edit session response missing identifier", err)
	}
	return edit.ID, nil
}

// uploadBundle streams the artifact into the edit and returns the
// assigned version code.
func (c *client) uploadBundle(ctx context.Context, editID, artifactPath string) (int64, error) {
	path := fmt.Sprintf("/upload/androidpublisher/v3/applications/%s/edits/%s/bundles", c.packageName, editID)
	body, err := c.api.UploadFile(ctx, path, "bundle", artifactPath, nil)
	if err != nil {
		return 0, err
	}
	var bundle struct {
		VersionCode int64 `json:"versionCode"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil || bundle.VersionCode == 0 {
		return 0, domain.NewNetwork("bundle upload response missing version code", err)
	}
	return bundle.VersionCode, nil
}

// trackRelease mirrors the androidpublisher track resource.
type trackRelease struct {
	Name         string         `json:"name"`
	VersionCodes []string       `json:"versionCodes"`
	Status       string         `json:"status"`
	ReleaseNotes []localizedRef `json:"releaseNotes,omitempty"`
}

type localizedRef struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// setTrack assigns the uploaded version code to the requested release
// track.
func (c *client) setTrack(ctx context.Context, editID, track, releaseName, releaseNotes string, versionCode int64) error {
	release := trackRelease{
		Name:         releaseName,
		VersionCodes: []string{strconv.FormatInt(versionCode, 10)},
		Status:       "completed",
	}
	if releaseNotes != "" {
		release.ReleaseNotes = []localizedRef{{Language: "en-US", Text: releaseNotes}}
	}
	payload, err := json.Marshal(map[string]any{
		"track":    track,
		"releases": []trackRelease{release},
	})
	if err != nil {
		return fmt.Errorf("encode track update: %w", err)
	}
	_, err = c.api.Put(ctx, c.editsPath("/"+editID+"/tracks/"+track), "application/json", payload, nil)
	return err
}

// commitEdit makes the track assignment durable. This is the only
// irreversible call in the session.
func (c *client) commitEdit(ctx context.Context, editID string) error {
	_, err := c.api.Post(ctx, c.editsPath("/"+editID+":commit"), "application/json", nil, nil)
	return err
}

// deleteEdit discards an uncommitted session.
func (c *client) deleteEdit(ctx context.Context, editID string) error {
	_, err := c.api.Delete(ctx, c.editsPath("/"+editID), nil)
	return err
}
