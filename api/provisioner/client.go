package provisioner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/api"
	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
)

// Client performs the provisioning exchange against a remote server.
type Client struct {
	// ServerAddr is the base URL of the provisioning server.
	ServerAddr string

	// Signer holds the agent's Ed25519 key.
	Signer ssh.Signer

	// ServiceName optionally scopes the tenant to one service.
	ServiceName string

	// GroupSecret, when set, is used to compute the membership proof for
	// modes that require one.
	GroupSecret []byte

	// SendPublicKey includes the agent's key as an authorized-keys line so
	// unregistered keys can still prove possession (modes that skip the
	// registry).
	SendPublicKey bool

	// HTTPClient overrides http.DefaultClient when set.
	HTTPClient *http.Client
}

// ExchangeError is a protocol-level rejection: the server answered with a
// stable error code.
type ExchangeError struct {
	StatusCode int
	Code       interfaces.ErrorCode
	Detail     string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("provisioning rejected with %s (%d): %s", e.Code, e.StatusCode, e.Detail)
}

// Provision runs the full exchange: request a nonce, sign it, submit the
// proof. A nonce_invalid rejection carrying a fresh nonce is retried once.
func (c *Client) Provision(ctx context.Context) (*api.ProvisionResponse, error) {
	nonce, err := c.RequestNonce(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.Submit(ctx, nonce)
	var xe *ExchangeError
	if errors.As(err, &xe) && xe.Code == interfaces.ErrCodeNonceInvalid {
		// The previous nonce raced or expired; the rejection body carried
		// a fresh one via RequestNonce semantics, but re-request to keep
		// the flow simple.
		nonce, err = c.RequestNonce(ctx)
		if err != nil {
			return nil, err
		}
		return c.Submit(ctx, nonce)
	}
	return resp, err
}

// RequestNonce performs the first round trip and returns the challenge
// nonce.
func (c *Client) RequestNonce(ctx context.Context) (interfaces.Nonce, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.ServerAddr+"/api/attested/provision", nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("could not request challenge: %w", err)
	}
	defer resp.Body.Close()

	var body api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("could not parse challenge response: %w", err)
	}
	if body.Error != interfaces.ErrCodeNonceRequired || body.Nonce == "" {
		return "", &ExchangeError{StatusCode: resp.StatusCode, Code: body.Error, Detail: body.Detail}
	}
	if body.Challenge != nil && body.Challenge.Namespace != interfaces.SignatureNamespace {
		return "", fmt.Errorf("server expects unknown signature namespace %q", body.Challenge.Namespace)
	}
	return interfaces.NewNonce(body.Nonce)
}

// Submit signs the canonical message for nonce and performs the
// authenticated round trip.
func (c *Client) Submit(ctx context.Context, nonce interfaces.Nonce) (*api.ProvisionResponse, error) {
	service, err := interfaces.NewServiceName(c.ServiceName)
	if err != nil {
		return nil, err
	}
	fingerprint := cryptoutils.ComputeFingerprint(c.Signer.PublicKey())

	message := interfaces.CanonicalMessage(nonce, service)
	signature, err := cryptoutils.SignWrapped(c.Signer, message, interfaces.SignatureNamespace)
	if err != nil {
		return nil, fmt.Errorf("could not sign challenge: %w", err)
	}

	var body io.Reader
	if service != "" {
		encoded, err := json.Marshal(api.ProvisionRequest{ServiceName: service.String()})
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.ServerAddr+"/api/attested/provision", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.FingerprintHeader, fingerprint.String())
	req.Header.Set(api.NonceHeader, nonce.String())
	req.Header.Set(api.SignatureHeader, base64.StdEncoding.EncodeToString(signature))
	if service != "" {
		req.Header.Set(api.ServiceHeader, service.String())
		req.Header.Set("Content-Type", "application/json")
	}
	if len(c.GroupSecret) > 0 {
		proof := cryptoutils.ComputeMembershipProof(c.GroupSecret, fingerprint, nonce)
		req.Header.Set(api.MembershipProofHeader, hex.EncodeToString(proof))
	}
	if c.SendPublicKey {
		req.Header.Set(api.PublicKeyHeader,
			string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(c.Signer.PublicKey()))))
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not submit proof: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var rejection api.ErrorResponse
		if err := json.Unmarshal(raw, &rejection); err != nil {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
		}
		return nil, &ExchangeError{StatusCode: resp.StatusCode, Code: rejection.Error, Detail: rejection.Detail}
	}

	var parsed api.ProvisionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("could not parse provisioning response: %w", err)
	}
	return &parsed, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}
