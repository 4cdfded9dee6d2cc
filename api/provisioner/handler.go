package provisioner

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/ssh"

	"github.com/beerpub/agent-provisioning-backend/api"
	"github.com/beerpub/agent-provisioning-backend/authz"
	"github.com/beerpub/agent-provisioning-backend/cryptoutils"
	"github.com/beerpub/agent-provisioning-backend/interfaces"
	"github.com/beerpub/agent-provisioning-backend/metrics"
	"github.com/beerpub/agent-provisioning-backend/registry"
	"github.com/beerpub/agent-provisioning-backend/tenant"
)

const (
	// maxBodySize bounds the optional JSON body; the real payload travels
	// in headers.
	maxBodySize = 64 * 1024

	// backendTries bounds create-or-fetch attempts against the tenant
	// backend before surfacing provisioning_failed.
	backendTries = 3

	// backendRetryInterval seeds the exponential backoff between attempts.
	backendRetryInterval = 250 * time.Millisecond
)

// HandlerConfig collects the orchestrator's dependencies.
type HandlerConfig struct {
	// Nonces issues and consumes single-use challenge tokens.
	Nonces interfaces.NonceStore

	// Keys resolves fingerprints to registered public keys. May be nil when
	// the authorization mode never consults the registry.
	Keys *registry.KeyRegistry

	// Authorizer applies the configured authorization mode.
	Authorizer *authz.Engine

	// Deriver maps verified identities to tenant identifiers.
	Deriver *tenant.Deriver

	// Backend is the external resource system.
	Backend interfaces.TenantBackend

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.MetricsServer

	Log *slog.Logger
}

// Handler processes provisioning requests. It owns no state beyond its
// dependencies and is safe for concurrent use.
type Handler struct {
	nonces     interfaces.NonceStore
	keys       *registry.KeyRegistry
	authorizer *authz.Engine
	deriver    *tenant.Deriver
	backend    interfaces.TenantBackend
	metrics    *metrics.MetricsServer
	log        *slog.Logger
}

// NewHandler creates the provisioning request handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		nonces:     cfg.Nonces,
		keys:       cfg.Keys,
		authorizer: cfg.Authorizer,
		deriver:    cfg.Deriver,
		backend:    cfg.Backend,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/attested/provision", h.HandleProvision)
}

// provisionRequest holds the parsed and decoded proof material of one
// authenticated attempt.
type provisionRequest struct {
	fingerprint interfaces.Fingerprint
	nonce       interfaces.Nonce
	signature   []byte
	proof       []byte
	inlineKey   string
	headerSvc   string
	bodySvc     string
}

// HandleProvision processes POST /api/attested/provision.
//
// A request without proof headers starts the exchange: the response is 401
// nonce_required carrying a fresh nonce and the challenge descriptor. A
// request with proof headers runs the verification pipeline; a nonce_invalid
// rejection includes a fresh nonce so the agent can re-sign without an
// extra round trip, any other rejection requires a new challenge.
func (h *Handler) HandleProvision(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	if r.Header.Get(api.SignatureHeader) == "" && r.Header.Get(api.FingerprintHeader) == "" {
		h.issueChallenge(w, r)
		return
	}

	resp, httpStatus, perr := h.provision(r)
	if perr != nil {
		h.log.Info("Provisioning attempt rejected",
			"code", string(perr.Code), "detail", perr.Detail, "err", perr.Err)
		h.countOutcome(string(perr.Code))
		h.writeError(w, r, perr)
		return
	}

	h.log.Info("Provisioning attempt succeeded",
		"fingerprint", resp.Identity.Fingerprint,
		"service", resp.Identity.ServiceName,
		"tenant", resp.Tenant.Name,
		"status", resp.Status)
	h.countOutcome(resp.Status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// issueChallenge starts the exchange with a fresh nonce.
func (h *Handler) issueChallenge(w http.ResponseWriter, r *http.Request) {
	nonce, err := h.nonces.Issue(r.Context())
	if err != nil {
		h.log.Error("Failed to issue nonce", "err", err)
		h.writeError(w, r, interfaces.WrapProtocolError(
			interfaces.ErrCodeProvisioningFailed, "could not issue challenge", err))
		return
	}
	if h.metrics != nil {
		h.metrics.NoncesIssued.Inc()
	}

	body := api.ErrorResponse{
		Error:     interfaces.ErrCodeNonceRequired,
		Detail:    "sign the nonce and repeat the request with proof headers",
		Nonce:     nonce.String(),
		Challenge: h.challenge(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(&body); err != nil {
		h.log.Error("Failed to encode challenge response", "err", err)
	}
}

// provision runs the verification pipeline in its fixed order: parse, nonce
// consumption, service-name consistency, key resolution, signature,
// authorization, derivation, create-or-fetch. It returns the success body
// and HTTP status, or a ProtocolError.
func (h *Handler) provision(r *http.Request) (*api.ProvisionResponse, int, *interfaces.ProtocolError) {
	req, perr := h.parseRequest(r)
	if perr != nil {
		return nil, 0, perr
	}

	result, err := h.nonces.Consume(r.Context(), req.nonce)
	if err != nil {
		return nil, 0, interfaces.WrapProtocolError(
			interfaces.ErrCodeProvisioningFailed, "challenge store unavailable", err)
	}
	if result != interfaces.NonceValid {
		return nil, 0, interfaces.NewProtocolError(interfaces.ErrCodeNonceInvalid,
			fmt.Sprintf("nonce is %s", result))
	}

	// Everything below has burned the nonce; failures must hand out a
	// fresh one (writeError takes care of that for these codes).

	if req.headerSvc != "" && req.bodySvc != "" && req.headerSvc != req.bodySvc {
		return nil, 0, interfaces.NewProtocolError(interfaces.ErrCodeServiceNameMismatch,
			"service name in header and body disagree")
	}
	rawSvc := req.headerSvc
	if rawSvc == "" {
		rawSvc = req.bodySvc
	}
	// Both values were format-checked during parsing.
	service := interfaces.ServiceName(rawSvc)

	pubkey, perr := h.resolveKey(req)
	if perr != nil {
		return nil, 0, perr
	}

	message := interfaces.CanonicalMessage(req.nonce, service)
	if err := cryptoutils.VerifySignature(pubkey, message, req.signature, interfaces.SignatureNamespace); err != nil {
		return nil, 0, interfaces.WrapProtocolError(
			interfaces.ErrCodeSignatureInvalid, "possession proof does not verify", err)
	}

	if err := h.authorizer.Authorize(req.fingerprint, req.nonce, req.proof); err != nil {
		if pe, ok := interfaces.AsProtocolError(err); ok {
			return nil, 0, pe
		}
		return nil, 0, interfaces.WrapProtocolError(
			interfaces.ErrCodeNotAuthorized, "authorization failed", err)
	}

	id := h.deriver.Derive(req.fingerprint, service)

	tenantInfo, created, err := h.createOrFetch(r.Context(), id)
	if err != nil {
		return nil, 0, interfaces.WrapProtocolError(
			interfaces.ErrCodeProvisioningFailed, "tenant backend unavailable", err)
	}

	resp := &api.ProvisionResponse{
		Status: api.StatusExisting,
		Tenant: tenantInfo,
		Identity: api.Identity{
			Fingerprint: req.fingerprint,
			ServiceName: service,
		},
	}
	httpStatus := http.StatusOK
	if created {
		resp.Status = api.StatusCreated
		httpStatus = http.StatusCreated
	}
	return resp, httpStatus, nil
}

// parseRequest decodes and validates the proof headers and the optional
// JSON body. Structural problems are malformed_request; nothing here
// consumes the nonce.
func (h *Handler) parseRequest(r *http.Request) (*provisionRequest, *interfaces.ProtocolError) {
	req := &provisionRequest{
		inlineKey: r.Header.Get(api.PublicKeyHeader),
		headerSvc: r.Header.Get(api.ServiceHeader),
	}

	fingerprint, err := interfaces.NewFingerprint(r.Header.Get(api.FingerprintHeader))
	if err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "invalid fingerprint header", err)
	}
	req.fingerprint = fingerprint

	nonce, err := interfaces.NewNonce(r.Header.Get(api.NonceHeader))
	if err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "invalid nonce header", err)
	}
	req.nonce = nonce

	rawSig := r.Header.Get(api.SignatureHeader)
	if rawSig == "" {
		return nil, interfaces.NewProtocolError(
			interfaces.ErrCodeMalformedRequest, "signature header required")
	}
	req.signature, err = base64.StdEncoding.DecodeString(rawSig)
	if err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "signature is not valid base64", err)
	}

	if rawProof := r.Header.Get(api.MembershipProofHeader); rawProof != "" {
		req.proof, err = hex.DecodeString(rawProof)
		if err != nil {
			return nil, interfaces.WrapProtocolError(
				interfaces.ErrCodeMalformedRequest, "membership proof is not valid hex", err)
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "could not read request body", err)
	}
	if len(body) > 0 {
		var parsed api.ProvisionRequest
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, interfaces.WrapProtocolError(
				interfaces.ErrCodeMalformedRequest, "request body is not valid JSON", err)
		}
		req.bodySvc = parsed.ServiceName
	}

	if svc, err := interfaces.NewServiceName(req.headerSvc); err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "invalid service name header", err)
	} else {
		req.headerSvc = svc.String()
	}
	if svc, err := interfaces.NewServiceName(req.bodySvc); err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "invalid service name in body", err)
	} else {
		req.bodySvc = svc.String()
	}

	return req, nil
}

// resolveKey finds the public key to verify the proof against: the registry
// entry for the claimed fingerprint when present, otherwise the inline key
// from the request, which must hash to the claimed fingerprint.
func (h *Handler) resolveKey(req *provisionRequest) (ssh.PublicKey, *interfaces.ProtocolError) {
	if h.keys != nil {
		if pubkey, ok := h.keys.Lookup(req.fingerprint); ok {
			return pubkey, nil
		}
	}

	if req.inlineKey == "" {
		if h.authorizer.Mode().RequiresRegistry() {
			return nil, interfaces.NewProtocolError(interfaces.ErrCodeNotAuthorized,
				"public key is not in the authorized set")
		}
		return nil, interfaces.NewProtocolError(interfaces.ErrCodeMalformedRequest,
			"public key header required when the key is not registered")
	}

	pubkey, _, err := cryptoutils.ParseAuthorizedKey(req.inlineKey)
	if err != nil {
		return nil, interfaces.WrapProtocolError(
			interfaces.ErrCodeMalformedRequest, "invalid public key header", err)
	}
	if cryptoutils.ComputeFingerprint(pubkey) != req.fingerprint {
		return nil, interfaces.NewProtocolError(interfaces.ErrCodeSignatureInvalid,
			"supplied public key does not match the claimed fingerprint")
	}
	return pubkey, nil
}

// createOrFetch calls the backend with bounded exponential backoff. The
// derived identifier makes retries idempotent.
func (h *Handler) createOrFetch(ctx context.Context, id interfaces.TenantID) (*interfaces.Tenant, bool, error) {
	var (
		tenantInfo *interfaces.Tenant
		created    bool
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backendRetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, backendTries-1), ctx)

	err := backoff.Retry(func() error {
		var err error
		tenantInfo, created, err = h.backend.CreateOrFetch(ctx, id)
		if err != nil {
			h.log.Warn("Tenant backend call failed, may retry", "tenant", id, "err", err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, false, err
	}
	return tenantInfo, created, nil
}

// writeError serializes a ProtocolError. Nonce failures carry a fresh
// nonce plus the challenge descriptor so the caller can re-sign directly.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, perr *interfaces.ProtocolError) {
	body := api.ErrorResponse{
		Error:  perr.Code,
		Detail: perr.Detail,
	}

	if retriableWithFreshNonce(perr.Code) {
		nonce, err := h.nonces.Issue(r.Context())
		if err != nil {
			h.log.Error("Failed to issue retry nonce", "err", err)
		} else {
			if h.metrics != nil {
				h.metrics.NoncesIssued.Inc()
			}
			body.Nonce = nonce.String()
			body.Challenge = h.challenge()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(perr.HTTPStatus())
	if err := json.NewEncoder(w).Encode(&body); err != nil {
		h.log.Error("Failed to encode error response", "err", err)
	}
}

// retriableWithFreshNonce reports whether this code is a nonce failure.
// Only those carry a replacement; any other rejection sends the caller
// back through the challenge round trip.
func retriableWithFreshNonce(code interfaces.ErrorCode) bool {
	return code == interfaces.ErrCodeNonceInvalid
}

func (h *Handler) challenge() *api.Challenge {
	return &api.Challenge{
		Scheme:    api.SignatureScheme,
		Namespace: interfaces.SignatureNamespace,
	}
}

func (h *Handler) countOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.ProvisioningOutcomes.WithLabelValues(outcome).Inc()
	}
}
