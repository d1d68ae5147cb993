package appstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/httpclient"
)

const defaultBaseURL = "https://api.appstoreconnect.apple.com"

// client wraps the App Store Connect API for one attempt.
type client struct {
	api *httpclient.Client
}

func newClient(baseURL, token string, logger *slog.Logger, opts []httpclient.Option) (*client, error) {
	api, err := httpclient.New(baseURL, logger,
		append(opts, httpclient.WithHeader("Authorization", "Bearer "+token))...)
	if err != nil {
		return nil, err
	}
	return &client{api: api}, nil
}

// verifyAccess issues one authenticated read to prove the signed token
// is accepted. Any failure here means the credential is bad.
func (c *client) verifyAccess(ctx context.Context) error {
	if _, err := c.api.Get(ctx, "/v1/apps?limit=1", nil); err != nil {
		return domain.NewAuthentication("app store connect rejected the signed token", err)
	}
	return nil
}

type appResource struct {
	ID         string `json:"id"`
	Attributes struct {
		BundleID string `json:"bundleId"`
		Name     string `json:"name"`
	} `json:"attributes"`
}

// resolveApp looks up the remote app record by bundle identifier.
func (c *client) resolveApp(ctx context.Context, bundleID string) (*appResource, error) {
	path := "/v1/apps?filter[bundleId]=" + url.QueryEscape(bundleID)
	body, err := c.api.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	var response struct {
		Data []appResource `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, domain.NewNetwork("malformed app lookup response", err)
	}
	if len(response.Data) == 0 {
		return nil, domain.NewNetwork(fmt.Sprintf("no app found for bundle id %s", bundleID), nil)
	}
	return &response.Data[0], nil
}

// Build processing states reported by App Store Connect.
const (
	stateProcessing = "PROCESSING"
	stateValid      = "VALID"
	stateInvalid    = "INVALID"
	stateFailed     = "FAILED"
)

type buildResource struct {
	ID         string `json:"id"`
	Attributes struct {
		Version         string `json:"version"`
		ProcessingState string `json:"processingState"`
	} `json:"attributes"`
}

// latestBuild returns the most recently uploaded build for the app, or
// nil when none is visible yet.
func (c *client) latestBuild(ctx context.Context, appID string) (*buildResource, error) {
	path := "/v1/builds?filter[app]=" + url.QueryEscape(appID) + "&sort=-uploadedDate&limit=1"
	body, err := c.api.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	var response struct {
		Data []buildResource `json:"data"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, domain.NewNetwork("malformed build lookup response", err)
	}
	if len(response.Data) == 0 {
		return nil, nil
	}
	return &response.Data[0], nil
}
