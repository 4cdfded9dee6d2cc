package provisioner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/api"
	"github.com/beerpub/agent-provisioning-backend/authz"
	"github.com/beerpub/agent-provisioning-backend/coroot"
	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
	"github.com/beerpub/agent-provisioning-backend/noncestore"
	"github.com/beerpub/agent-provisioning-backend/registry"
	"github.com/beerpub/agent-provisioning-backend/tenant"
)

var testGroupSecret = []byte("group-secret-0123456789abcdef000")

// staticSource feeds the registry a fixed entry set.
type staticSource struct {
	entries []interfaces.RegistryEntry
}

func (s staticSource) Load(ctx context.Context) ([]interfaces.RegistryEntry, error) {
	return s.entries, nil
}

func (s staticSource) Location() string { return "static://test" }

type testEnv struct {
	server      *httptest.Server
	backend     *coroot.MockBackend
	deriver     *tenant.Deriver
	signer      ssh.Signer
	priv        ed25519.PrivateKey
	fingerprint interfaces.Fingerprint
}

// newTestEnv wires a full handler around an in-memory nonce store, a static
// registry, and a mocked tenant backend. The generated agent key is
// registered unless registered is false.
func newTestEnv(t *testing.T, mode interfaces.AuthorizationMode, registered bool) *testEnv {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	fingerprint := cryptoutils.ComputeFingerprint(signer.PublicKey())

	nonces := noncestore.NewMemoryStore(time.Minute)
	t.Cleanup(func() { nonces.Close() })

	var keys *registry.KeyRegistry
	if mode.RequiresRegistry() {
		entries := []interfaces.RegistryEntry{}
		if registered {
			entries = append(entries, interfaces.RegistryEntry{
				Fingerprint: fingerprint,
				PublicKey:   signer.PublicKey().Marshal(),
				Label:       "test-agent",
			})
		}
		keys = registry.New(staticSource{entries}, time.Hour, slog.Default())
		require.NoError(t, keys.Reload(context.Background()))
		t.Cleanup(keys.Close)
	}

	deriver, err := tenant.NewDeriver([]byte("server-derivation-secret-32-byte"))
	require.NoError(t, err)

	backend := new(coroot.MockBackend)

	var membershipSet authz.MembershipSet
	if keys != nil {
		membershipSet = keys
	}
	handler := NewHandler(HandlerConfig{
		Nonces:     nonces,
		Keys:       keys,
		Authorizer: authz.New(mode, membershipSet, testGroupSecret),
		Deriver:    deriver,
		Backend:    backend,
		Log:        slog.Default(),
	})

	router := chi.NewRouter()
	handler.RegisterRoutes(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{
		server:      server,
		backend:     backend,
		deriver:     deriver,
		signer:      signer,
		priv:        priv,
		fingerprint: fingerprint,
	}
}

func (e *testEnv) client(service string) *Client {
	return &Client{
		ServerAddr:    e.server.URL,
		Signer:        e.signer,
		ServiceName:   service,
		GroupSecret:   testGroupSecret,
		SendPublicKey: true,
	}
}

func (e *testEnv) expectTenant(service string, created bool) *interfaces.Tenant {
	svc, _ := interfaces.NewServiceName(service)
	id := e.deriver.Derive(e.fingerprint, svc)
	tenantInfo := &interfaces.Tenant{
		ExternalID: "p1",
		Name:       id,
		APIKey:     "key-p1-1",
		Endpoints:  map[string]string{"ui": "https://obs.example.org/p/p1"},
	}
	e.backend.On("CreateOrFetch", mock.Anything, id).Return(tenantInfo, created, nil).Once()
	return tenantInfo
}

// requestNonce runs the first round trip by hand and returns the token.
func (e *testEnv) requestNonce(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/api/attested/provision", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, interfaces.ErrCodeNonceRequired, body.Error)
	require.NotEmpty(t, body.Nonce)
	return body.Nonce
}

// proofHeaders builds a valid authenticated request for nonce and service,
// signing with the environment's key. mutate tweaks it before sending.
func (e *testEnv) submit(t *testing.T, nonceToken, service string, mutate func(*http.Request)) (*http.Response, api.ErrorResponse, api.ProvisionResponse) {
	t.Helper()

	nonce := interfaces.Nonce(nonceToken)
	svc, err := interfaces.NewServiceName(service)
	require.NoError(t, err)

	signature, err := cryptoutils.SignWrapped(e.signer,
		interfaces.CanonicalMessage(nonce, svc), interfaces.SignatureNamespace)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/attested/provision", nil)
	require.NoError(t, err)
	req.Header.Set(api.FingerprintHeader, e.fingerprint.String())
	req.Header.Set(api.NonceHeader, nonceToken)
	req.Header.Set(api.SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	if service != "" {
		req.Header.Set(api.ServiceHeader, service)
	}
	proof := cryptoutils.ComputeMembershipProof(testGroupSecret, e.fingerprint, nonce)
	req.Header.Set(api.MembershipProofHeader, hex.EncodeToString(proof))
	if mutate != nil {
		mutate(req)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var errBody api.ErrorResponse
	var okBody api.ProvisionResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&okBody))
	} else {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	}
	return resp, errBody, okBody
}

func TestProvisionCreatesTenant(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyAndSecret, true)
	want := env.expectTenant("ingest", true)

	resp, err := env.client("ingest").Provision(context.Background())
	require.NoError(t, err)

	assert.Equal(t, api.StatusCreated, resp.Status)
	assert.Equal(t, want.APIKey, resp.Tenant.APIKey)
	assert.Equal(t, want.Name, resp.Tenant.Name)
	assert.Equal(t, env.fingerprint, resp.Identity.Fingerprint)
	assert.Equal(t, "ingest", resp.Identity.ServiceName.String())
	env.backend.AssertExpectations(t)
}

func TestProvisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyAndSecret, true)
	env.expectTenant("ingest", true)
	want := env.expectTenant("ingest", false)

	client := env.client("ingest")
	first, err := client.Provision(context.Background())
	require.NoError(t, err)
	require.Equal(t, api.StatusCreated, first.Status)

	second, err := client.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.StatusExisting, second.Status)
	assert.Equal(t, want.APIKey, second.Tenant.APIKey)
	env.backend.AssertExpectations(t)
}

func TestChallengeResponseShape(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)

	resp, err := http.Post(env.server.URL+"/api/attested/provision", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body api.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, interfaces.ErrCodeNonceRequired, body.Error)
	assert.Len(t, body.Nonce, interfaces.NonceLength)
	require.NotNil(t, body.Challenge)
	assert.Equal(t, api.SignatureScheme, body.Challenge.Scheme)
	assert.Equal(t, interfaces.SignatureNamespace, body.Challenge.Namespace)
}

func TestNonceCannotBeReplayed(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)
	env.expectTenant("", true)

	nonce := env.requestNonce(t)

	resp, _, _ := env.submit(t, nonce, "", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, errBody, _ := env.submit(t, nonce, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeNonceInvalid, errBody.Error)
	assert.NotEmpty(t, errBody.Nonce, "rejection must carry a fresh nonce")
	assert.NotEqual(t, nonce, errBody.Nonce)
	env.backend.AssertExpectations(t)
}

func TestUnissuedNonceIsRejected(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)

	// Well-formed token that was never returned by the store.
	fabricated := strings.Repeat("ab", 16)
	resp, errBody, _ := env.submit(t, fabricated, "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeNonceInvalid, errBody.Error)
	assert.NotEmpty(t, errBody.Nonce)
}

func TestWrongNamespaceIsRejected(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)

	nonce := interfaces.Nonce(env.requestNonce(t))
	signature, err := cryptoutils.SignWrapped(env.signer,
		interfaces.CanonicalMessage(nonce, ""), "some-other-protocol@v1")
	require.NoError(t, err)

	resp, errBody, _ := env.submit(t, nonce.String(), "", func(r *http.Request) {
		r.Header.Set(api.SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeSignatureInvalid, errBody.Error)
	assert.Empty(t, errBody.Nonce, "signature failures do not carry a replacement nonce")
}

func TestBareSignatureIsAccepted(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)
	env.expectTenant("ingest", true)

	nonce := interfaces.Nonce(env.requestNonce(t))
	svc, _ := interfaces.NewServiceName("ingest")
	bare := cryptoutils.SignBare(env.priv, interfaces.CanonicalMessage(nonce, svc))

	resp, _, okBody := env.submit(t, nonce.String(), "ingest", func(r *http.Request) {
		r.Header.Set(api.SignatureHeader, base64.StdEncoding.EncodeToString(bare))
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, api.StatusCreated, okBody.Status)
	env.backend.AssertExpectations(t)
}

func TestServiceNameIsBoundIntoSignature(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)

	nonce := interfaces.Nonce(env.requestNonce(t))
	svcA, _ := interfaces.NewServiceName("service-a")
	signature, err := cryptoutils.SignWrapped(env.signer,
		interfaces.CanonicalMessage(nonce, svcA), interfaces.SignatureNamespace)
	require.NoError(t, err)

	// Signed for service-a, claimed for service-b.
	resp, errBody, _ := env.submit(t, nonce.String(), "service-b", func(r *http.Request) {
		r.Header.Set(api.SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeSignatureInvalid, errBody.Error)
}

func TestHeaderBodyServiceMismatch(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)

	nonce := env.requestNonce(t)
	resp, errBody, _ := env.submit(t, nonce, "service-a", func(r *http.Request) {
		body := `{"service_name":"service-b"}`
		r.Body = io.NopCloser(strings.NewReader(body))
		r.ContentLength = int64(len(body))
		r.Header.Set("Content-Type", "application/json")
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeServiceNameMismatch, errBody.Error)
	assert.Empty(t, errBody.Nonce, "only nonce failures carry a replacement")
}

func TestUnregisteredKeyIsNotAuthorized(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, false)

	nonce := env.requestNonce(t)

	// Without an inline key the server cannot even verify the signature.
	resp, errBody, _ := env.submit(t, nonce, "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeNotAuthorized, errBody.Error)

	// With the inline key the proof verifies but authorization still fails.
	nonce = env.requestNonce(t)
	resp, errBody, _ = env.submit(t, nonce, "", func(r *http.Request) {
		line := string(ssh.MarshalAuthorizedKey(env.signer.PublicKey()))
		r.Header.Set(api.PublicKeyHeader, strings.TrimSpace(line))
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeNotAuthorized, errBody.Error)
}

func TestSecretOnlyModeAcceptsUnregisteredKey(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeSecretOnly, false)
	env.expectTenant("ingest", true)

	resp, err := env.client("ingest").Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.StatusCreated, resp.Status)
	env.backend.AssertExpectations(t)
}

func TestMembershipProofIsRequired(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyAndSecret, true)

	nonce := env.requestNonce(t)
	resp, errBody, _ := env.submit(t, nonce, "", func(r *http.Request) {
		r.Header.Del(api.MembershipProofHeader)
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeMembershipInvalid, errBody.Error)

	nonce = env.requestNonce(t)
	resp, errBody, _ = env.submit(t, nonce, "", func(r *http.Request) {
		wrong := cryptoutils.ComputeMembershipProof([]byte("the-wrong-group-secret-000000000"),
			env.fingerprint, interfaces.Nonce(nonce))
		r.Header.Set(api.MembershipProofHeader, hex.EncodeToString(wrong))
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeMembershipInvalid, errBody.Error)
}

func TestInlineKeyMustMatchFingerprint(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeSecretOnly, false)

	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(otherPriv)
	require.NoError(t, err)

	nonce := env.requestNonce(t)
	resp, errBody, _ := env.submit(t, nonce, "", func(r *http.Request) {
		line := string(ssh.MarshalAuthorizedKey(otherSigner.PublicKey()))
		r.Header.Set(api.PublicKeyHeader, strings.TrimSpace(line))
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeSignatureInvalid, errBody.Error)
}

func TestBackendFailureSurfacesAsBadGateway(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)
	env.backend.On("CreateOrFetch", mock.Anything, mock.Anything).
		Return(nil, false, fmt.Errorf("connection refused")).Times(backendTries)

	nonce := env.requestNonce(t)
	resp, errBody, _ := env.submit(t, nonce, "", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, interfaces.ErrCodeProvisioningFailed, errBody.Error)
	assert.Empty(t, errBody.Nonce)
	env.backend.AssertExpectations(t)
}

func TestMalformedHeadersAreBadRequests(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)

	for name, mutate := range map[string]func(*http.Request){
		"bad fingerprint": func(r *http.Request) {
			r.Header.Set(api.FingerprintHeader, "not-hex")
		},
		"bad nonce": func(r *http.Request) {
			r.Header.Set(api.NonceHeader, "too-short")
		},
		"bad signature encoding": func(r *http.Request) {
			r.Header.Set(api.SignatureHeader, "%%%not-base64%%%")
		},
		"bad proof encoding": func(r *http.Request) {
			r.Header.Set(api.MembershipProofHeader, "zzzz")
		},
	} {
		t.Run(name, func(t *testing.T) {
			nonce := env.requestNonce(t)
			resp, errBody, _ := env.submit(t, nonce, "", mutate)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, interfaces.ErrCodeMalformedRequest, errBody.Error)
		})
	}
}

func TestClientRetriesOnStaleNonce(t *testing.T) {
	env := newTestEnv(t, interfaces.ModeKeyOnly, true)
	env.expectTenant("", true)

	// Burn a nonce out-of-band, then replay it through Submit; Provision's
	// internal retry path is exercised by driving Submit directly here.
	stale := interfaces.Nonce(env.requestNonce(t))
	_, _, _ = env.submit(t, stale.String(), "", func(r *http.Request) {
		r.Header.Set(api.SignatureHeader, base64.StdEncoding.EncodeToString(make([]byte, 64)))
	})

	client := env.client("")
	_, err := client.Submit(context.Background(), stale)
	var xe *ExchangeError
	require.ErrorAs(t, err, &xe)
	require.Equal(t, interfaces.ErrCodeNonceInvalid, xe.Code)

	resp, err := client.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.StatusCreated, resp.Status)
	env.backend.AssertExpectations(t)
}
