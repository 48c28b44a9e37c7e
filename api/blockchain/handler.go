package blockchain

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/jobs"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/steps"
)

// maxBodySize is the maximum allowed request body size (1MB).
const maxBodySize = 1024 * 1024

// DeployRequest is the body of POST /api/blockchain/deploy.
type DeployRequest struct {
	Secret string            `json:"secret"`
	RPCURL string            `json:"rpc_url"`
	Params map[string]string `json:"params,omitempty"`
}

// DeployResponse carries the identifier to poll.
type DeployResponse struct {
	JobID string `json:"job_id"`
}

// ValidateKeyRequest is the body of POST /api/blockchain/validate-key.
type ValidateKeyRequest struct {
	Secret string `json:"secret"`
}

type ValidateKeyResponse struct {
	Address string `json:"address"`
}

type BalanceResponse struct {
	Address  string `json:"address"`
	Amount   string `json:"amount"`
	Unit     string `json:"unit"`
	HasFunds bool   `json:"has_funds"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the chain operations of the provisioning wizard. Deployments run as
// background jobs in the injected registry.
//
// There is no endpoint for selecting contracts that are already deployed. That choice is a
// provisioning parameter: blockchain.contract_mode "existing" together with nft_contract and
// subscription_contract makes the contracts step verify both addresses with ContractExists
// instead of deploying.
type Handler struct {
	chain    interfaces.ChainAdapter
	registry *jobs.Registry
	steps    *steps.Metadata
	log      *slog.Logger
}

func NewHandler(chain interfaces.ChainAdapter, registry *jobs.Registry, meta *steps.Metadata, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		chain:    chain,
		registry: registry,
		steps:    meta,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/blockchain", func(r chi.Router) {
		r.Post("/deploy", h.HandleDeploy)
		r.Get("/deploy-status/{job_id}", h.HandleDeployStatus)
		r.Get("/balance", h.HandleBalance)
		r.Post("/validate-key", h.HandleValidateKey)
		r.Get("/steps", h.HandleSteps)
		if _, ok := h.chain.(interfaces.WalletGenerator); ok {
			r.Post("/generate-wallet", h.HandleGenerateWallet)
		}
	})
}

// HandleDeploy validates the request and starts a background deployment. The request is
// prepared exactly as in the contracts step, so a payment token the chain cannot resolve is
// a 400 here and never a failed job.
//
// URL format: POST /api/blockchain/deploy
//
// Response: 202 with DeployResponse; 400 when the request is rejected before submission.
func (h *Handler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	spec, work, err := steps.DeployJob(h.chain, interfaces.DeployRequest{
		Secret: strings.TrimSpace(req.Secret),
		RPCURL: strings.TrimSpace(req.RPCURL),
		Params: req.Params,
	})
	if err != nil {
		h.writeError(w, statusFor(err), err.Error())
		return
	}

	id, err := h.registry.Submit(spec, work)
	if err != nil {
		h.log.Error("Failed to submit deployment", "err", err)
		h.writeError(w, http.StatusInternalServerError, "failed to start deployment")
		return
	}
	h.writeJSON(w, http.StatusAccepted, DeployResponse{JobID: id})
}

// HandleDeployStatus returns a snapshot of a deployment job.
//
// URL format: GET /api/blockchain/deploy-status/{job_id}
func (h *Handler) HandleDeployStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.registry.Poll(chi.URLParam(r, "job_id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		h.writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// HandleBalance queries the balance of an address.
//
// URL format: GET /api/blockchain/balance?address=...&rpc_url=...
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	rpcURL := strings.TrimSpace(r.URL.Query().Get("rpc_url"))
	if address == "" || rpcURL == "" {
		h.writeError(w, http.StatusBadRequest, "address and rpc_url required")
		return
	}
	if !h.chain.ValidateAddress(address) {
		h.writeError(w, http.StatusBadRequest, "Invalid address")
		return
	}

	bal, err := h.chain.QueryBalance(r.Context(), address, rpcURL)
	if err != nil {
		h.log.Warn("Balance query failed", "err", err, slog.String("address", address))
		h.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceResponse{
		Address:  address,
		Amount:   bal.Amount.String(),
		Unit:     bal.Unit,
		HasFunds: bal.Amount.Sign() > 0,
	})
}

// HandleValidateKey checks the deployer secret and returns the address it controls.
//
// URL format: POST /api/blockchain/validate-key
func (h *Handler) HandleValidateKey(w http.ResponseWriter, r *http.Request) {
	var req ValidateKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.chain.ValidateSecret(req.Secret); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	addr, err := h.chain.DeriveAddress(r.Context(), req.Secret)
	if err != nil {
		h.log.Warn("Address derivation failed", "err", err)
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, ValidateKeyResponse{Address: addr})
}

// HandleSteps lists the pre and post pipeline steps.
//
// URL format: GET /api/blockchain/steps
func (h *Handler) HandleSteps(w http.ResponseWriter, r *http.Request) {
	if h.steps == nil {
		h.writeJSON(w, http.StatusOK, steps.Metadata{})
		return
	}
	h.writeJSON(w, http.StatusOK, h.steps)
}

// HandleGenerateWallet creates fresh deployer key material.
//
// URL format: POST /api/blockchain/generate-wallet
func (h *Handler) HandleGenerateWallet(w http.ResponseWriter, r *http.Request) {
	gen, ok := h.chain.(interfaces.WalletGenerator)
	if !ok {
		h.writeError(w, http.StatusNotFound, "wallet generation not supported")
		return
	}
	wallet, err := gen.GenerateWallet(r.Context())
	if err != nil {
		h.log.Error("Wallet generation failed", "err", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func statusFor(err error) int {
	if errors.Is(err, provisioning.ErrValidation) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}
