package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ahmtydn/publish-store/internal/domain"
	"github.com/ahmtydn/publish-store/internal/httpclient"
)

func testECKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// fakeConnect serves the App Store Connect endpoints the deployer
// touches, walking a scripted sequence of processing states. The first
// builds request is the pre-upload snapshot and reports priorBuild (or
// no builds at all); the next staleFor polls keep reporting priorBuild
// before the scripted states take over on the freshly uploaded build.
type fakeConnect struct {
	mu         sync.Mutex
	appCalls   int
	buildCalls int
	noApp      bool
	rejectAuth bool
	priorBuild string
	staleFor   int
	states     []string
	server     *httptest.Server
}

func newFakeConnect(t *testing.T, states ...string) *fakeConnect {
	t.Helper()
	f := &fakeConnect{states: states}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/apps", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.appCalls++
		if f.rejectAuth {
			http.Error(w, `{"errors":[{"status":"401"}]}`, http.StatusUnauthorized)
			return
		}
		if f.noApp && r.URL.Query().Get("filter[bundleId]") != "" {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"id":"app-9","attributes":{"bundleId":"com.example.app","name":"Example"}}]}`)
	})
	mux.HandleFunc("/v1/builds", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.buildCalls++
		if f.buildCalls <= 1+f.staleFor {
			if f.priorBuild == "" {
				fmt.Fprint(w, `{"data":[]}`)
				return
			}
			fmt.Fprintf(w, `{"data":[%s]}`, f.priorBuild)
			return
		}
		state := stateProcessing
		if len(f.states) > 0 {
			state = f.states[0]
			if len(f.states) > 1 {
				f.states = f.states[1:]
			}
		}
		fmt.Fprintf(w, `{"data":[{"id":"build-3","attributes":{"version":"1.4.0","processingState":%q}}]}`, state)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// fakeRunner records whether the key file existed during the call.
type fakeRunner struct {
	output        string
	err           error
	keyDuringCall string
	keyExisted    bool
}

func (r *fakeRunner) Upload(ctx context.Context, req UploadRequest) (string, error) {
	r.keyDuringCall = filepath.Join(req.KeyDir, "AuthKey_"+req.KeyID+".p8")
	if _, err := os.Stat(r.keyDuringCall); err == nil {
		r.keyExisted = true
	}
	return r.output, r.err
}

func noRetry() httpclient.Option {
	return httpclient.WithRetryPolicy(domain.RetryPolicy{
		MaxAttempts:   1,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 2,
		Retryable:     domain.IsRetryable,
	})
}

func appleRequest(t *testing.T, dryRun bool) *domain.DeploymentRequest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.ipa")
	if err := os.WriteFile(path, []byte("ipa-bytes"), 0o600); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return &domain.DeploymentRequest{
		Platform:     domain.AppleStore,
		AppVersion:   "1.4.0",
		ArtifactPath: path,
		DryRun:       dryRun,
		Timeout:      time.Minute,
		Apple: &domain.AppleCredentials{
			BundleID:   "com.example.app",
			IssuerID:   "issuer-1",
			KeyID:      "KEY123",
			PrivateKey: testECKeyPEM(t),
		},
	}
}

func newTestDeployer(fake *fakeConnect, runner Runner) *Deployer {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(logger,
		WithBaseURL(fake.server.URL),
		WithHTTPOptions(noRetry()),
		WithRunner(runner),
		WithPolling(time.Millisecond, 50*time.Millisecond),
	)
}

func TestMintTokenClaims(t *testing.T) {
	creds := &domain.AppleCredentials{
		IssuerID:   "issuer-1",
		KeyID:      "KEY123",
		PrivateKey: testECKeyPEM(t),
	}
	now := time.Now()
	signed, err := mintToken(creds, now)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}

	parts := [3][]byte{}
	segments := 0
	for i, segment := range bytesSplit(signed, '.') {
		if i < 3 {
			parts[i] = segment
		}
		segments++
	}
	if segments != 3 {
		t.Fatalf("expected a three-segment token, got %d", segments)
	}

	header := decodeSegment(t, parts[0])
	if header["alg"] != "ES256" || header["kid"] != "KEY123" {
		t.Fatalf("unexpected token header %v", header)
	}
	claims := decodeSegment(t, parts[1])
	if claims["iss"] != "issuer-1" || claims["aud"] != connectAudience {
		t.Fatalf("unexpected claims %v", claims)
	}
	exp := int64(claims["exp"].(float64))
	iat := int64(claims["iat"].(float64))
	if exp-iat != int64(tokenValidity/time.Second) {
		t.Fatalf("expected 20 minute validity, got %d seconds", exp-iat)
	}
}

func TestMintTokenRejectsBadKey(t *testing.T) {
	creds := &domain.AppleCredentials{IssuerID: "i", KeyID: "k", PrivateKey: []byte("garbage")}
	_, err := mintToken(creds, time.Now())
	de := domain.AsError(err)
	if de == nil || de.Kind != domain.KindAuthentication || de.Retryable {
		t.Fatalf("expected non-retryable authentication error, got %v", err)
	}
}

func TestDeploySuccessAfterProcessing(t *testing.T) {
	fake := newFakeConnect(t, stateProcessing, stateProcessing, stateValid)
	runner := &fakeRunner{output: "UPLOAD SUCCEEDED"}

	result, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if result.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if result.Metadata["app_id"] != "app-9" || result.Metadata["build_id"] != "build-3" {
		t.Fatalf("unexpected metadata %v", result.Metadata)
	}
	if result.VersionCode != "1.4.0" {
		t.Fatalf("unexpected version %q", result.VersionCode)
	}
	if fake.buildCalls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", fake.buildCalls)
	}
}

func TestKeyFileScopedToUploadCall(t *testing.T) {
	for name, runner := range map[string]*fakeRunner{
		"success": {output: "ok"},
		"failure": {output: "ERROR: network connection lost", err: errors.New("exit status 1")},
	} {
		t.Run(name, func(t *testing.T) {
			fake := newFakeConnect(t, stateValid)
			_, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
			if name == "failure" && err == nil {
				t.Fatal("expected failure")
			}
			if !runner.keyExisted {
				t.Fatal("key file missing during upload call")
			}
			if _, statErr := os.Stat(runner.keyDuringCall); !os.IsNotExist(statErr) {
				t.Fatalf("key file survived the upload call: %v", statErr)
			}
		})
	}
}

func TestPollSkipsBuildFromPreviousRelease(t *testing.T) {
	fake := newFakeConnect(t, stateValid)
	fake.priorBuild = `{"id":"build-old","attributes":{"version":"1.3.0","processingState":"VALID"}}`
	fake.staleFor = 2
	runner := &fakeRunner{output: "UPLOAD SUCCEEDED"}

	result, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if result.Metadata["build_id"] != "build-3" {
		t.Fatalf("reported the pre-upload build: %v", result.Metadata)
	}
	if result.VersionCode != "1.4.0" {
		t.Fatalf("expected the uploaded version, got %q", result.VersionCode)
	}
	if fake.buildCalls != 4 {
		t.Fatalf("expected snapshot plus 3 polls, got %d calls", fake.buildCalls)
	}
}

func TestPollNeverSucceedsOnPreviousReleaseAlone(t *testing.T) {
	fake := newFakeConnect(t, stateValid)
	fake.priorBuild = `{"id":"build-old","attributes":{"version":"1.3.0","processingState":"VALID"}}`
	fake.staleFor = 1 << 20
	runner := &fakeRunner{output: "UPLOAD SUCCEEDED"}

	result, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	de := domain.AsError(err)
	if de == nil || de.Kind != domain.KindTimeout {
		t.Fatalf("expected timeout while the new build is invisible, got %v", err)
	}
	if result.Status == domain.StatusSuccess {
		t.Fatal("must not report success carrying a previous release's build")
	}
}

func TestAuthenticationDiagnosticNotRetryable(t *testing.T) {
	fake := newFakeConnect(t, stateValid)
	runner := &fakeRunner{
		output: "ERROR: Unable to authenticate with App Store Connect",
		err:    errors.New("exit status 1"),
	}
	result, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	de := domain.AsError(err)
	if de == nil || de.Kind != domain.KindAuthentication || de.Retryable {
		t.Fatalf("expected non-retryable authentication error, got %v", err)
	}
	if result.Status != domain.StatusFailed {
		t.Fatalf("expected failed result, got %s", result.Status)
	}
}

func TestProcessingRejectionIsTerminal(t *testing.T) {
	fake := newFakeConnect(t, stateProcessing, stateInvalid)
	runner := &fakeRunner{output: "ok"}
	_, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	de := domain.AsError(err)
	if de == nil || de.Code != domain.CodeProcessingRejected || de.Retryable {
		t.Fatalf("expected non-retryable processing rejection, got %v", err)
	}
}

func TestProcessingTimeoutIsRetryable(t *testing.T) {
	fake := newFakeConnect(t, stateProcessing)
	runner := &fakeRunner{output: "ok"}
	_, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	de := domain.AsError(err)
	if de == nil || de.Kind != domain.KindTimeout || !de.Retryable {
		t.Fatalf("expected retryable timeout, got %v", err)
	}
}

func TestUnknownBundleIDNamesIt(t *testing.T) {
	fake := newFakeConnect(t, stateValid)
	fake.noApp = true
	runner := &fakeRunner{output: "ok"}
	_, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	de := domain.AsError(err)
	if de == nil || de.Kind != domain.KindNetwork {
		t.Fatalf("expected network error for unknown bundle, got %v", err)
	}
	if !containsAny(de.Message, "com.example.app") {
		t.Fatalf("expected bundle id in message, got %q", de.Message)
	}
}

func TestRejectedTokenIsAuthenticationError(t *testing.T) {
	fake := newFakeConnect(t, stateValid)
	fake.rejectAuth = true
	runner := &fakeRunner{output: "ok"}
	_, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, false))
	de := domain.AsError(err)
	if de == nil || de.Kind != domain.KindAuthentication || de.Retryable {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestDryRunSkipsUpload(t *testing.T) {
	fake := newFakeConnect(t, stateValid)
	runner := &fakeRunner{output: "ok"}
	result, err := newTestDeployer(fake, runner).Deploy(context.Background(), appleRequest(t, true))
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if result.Metadata["dryRun"] != "true" {
		t.Fatalf("expected dryRun metadata, got %v", result.Metadata)
	}
	if runner.keyDuringCall != "" {
		t.Fatal("dry run must not invoke the upload tool")
	}
	if fake.buildCalls != 0 {
		t.Fatalf("dry run polled builds %d times", fake.buildCalls)
	}
}

func bytesSplit(s string, sep byte) [][]byte {
	var out [][]byte
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			out = append(out, []byte(s[start:i]))
			start = i + 1
		}
	}
	return append(out, []byte(s[start:]))
}

func decodeSegment(t *testing.T, segment []byte) map[string]any {
	t.Helper()
	decoded, err := base64.RawURLEncoding.DecodeString(string(segment))
	if err != nil {
		t.Fatalf("decode token segment: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(decoded, &out); err != nil {
		t.Fatalf("unmarshal token segment: %v", err)
	}
	return out
}
