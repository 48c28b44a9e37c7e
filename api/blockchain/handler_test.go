package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/node-provisioning-backend/chains/opnet"
	"github.com/ruteri/node-provisioning-backend/configstore"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/jobs"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/steps"
	"github.com/ruteri/node-provisioning-backend/toolexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	validKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	address  = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
	nftAddr  = "0x1111111111111111111111111111111111111111"
)

type fakeAdapter struct {
	pair      *interfaces.ContractPair
	deployErr error
	balance   *big.Int
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) ValidateAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && len(addr) == 42
}

func (f *fakeAdapter) ValidateSecret(s string) error {
	if len(strings.TrimPrefix(s, "0x")) != 64 {
		return provisioning.Invalid("Invalid key length (expected 64 hex chars)")
	}
	return nil
}

func (f *fakeAdapter) NormalizeSecret(s string) string { return strings.TrimPrefix(s, "0x") }

func (f *fakeAdapter) DeriveAddress(context.Context, string) (string, error) { return address, nil }

func (f *fakeAdapter) PrepareDeploy(req interfaces.DeployRequest) (interfaces.DeployRequest, error) {
	if err := f.ValidateSecret(req.Secret); err != nil {
		return req, err
	}
	if req.RPCURL == "" {
		return req, provisioning.Invalid("rpc_url required")
	}
	return req, nil
}

func (f *fakeAdapter) DeployContracts(context.Context, interfaces.DeployRequest) (*interfaces.ContractPair, error) {
	return f.pair, f.deployErr
}

func (f *fakeAdapter) ContractExists(context.Context, string, string) (bool, error) { return true, nil }

func (f *fakeAdapter) QueryBalance(context.Context, string, string) (*interfaces.Balance, error) {
	return &interfaces.Balance{Amount: f.balance, Unit: "wei"}, nil
}

type generatingAdapter struct {
	fakeAdapter
}

func (g *generatingAdapter) GenerateWallet(context.Context) (*interfaces.GeneratedWallet, error) {
	return &interfaces.GeneratedWallet{Secret: "0x" + validKey, Address: address}, nil
}

func newRouter(t *testing.T, chain interfaces.ChainAdapter) (http.Handler, *jobs.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := jobs.NewRegistry(logger)
	meta := &steps.Metadata{
		Pre:  []provisioning.StepInfo{{ID: steps.Wallet, Label: "Setting up deployer wallet"}},
		Post: []provisioning.StepInfo{{ID: steps.Plan, Label: "Creating subscription plan"}},
	}
	r := chi.NewRouter()
	NewHandler(chain, registry, meta, logger).RegisterRoutes(r)
	return r, registry
}

func do(t *testing.T, h http.Handler, method, target string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, reader))
	resp := w.Result()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestDeployAndPoll(t *testing.T) {
	chain := &fakeAdapter{pair: &interfaces.ContractPair{NFT: nftAddr}}
	h, registry := newRouter(t, chain)

	resp, body := do(t, h, http.MethodPost, "/api/blockchain/deploy", DeployRequest{Secret: validKey, RPCURL: "http://rpc.local"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var dr DeployResponse
	require.NoError(t, json.Unmarshal(body, &dr))
	assert.True(t, strings.HasPrefix(dr.JobID, "deploy-"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, registry.Wait(ctx))

	resp, body = do(t, h, http.MethodGet, "/api/blockchain/deploy-status/"+dr.JobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	require.NotNil(t, job.Result["nft_contract"])
	assert.Equal(t, nftAddr, *job.Result["nft_contract"])
	assert.Nil(t, job.Result["subscription_contract"])
}

func TestDeployFailureIsReportedThroughStatus(t *testing.T) {
	chain := &fakeAdapter{deployErr: errors.New("required tool not found: blockhost-deploy-contracts, cast")}
	h, registry := newRouter(t, chain)

	resp, body := do(t, h, http.MethodPost, "/api/blockchain/deploy", DeployRequest{Secret: validKey, RPCURL: "http://rpc.local"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var dr DeployResponse
	require.NoError(t, json.Unmarshal(body, &dr))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, registry.Wait(ctx))

	_, body = do(t, h, http.MethodGet, "/api/blockchain/deploy-status/"+dr.JobID, nil)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, jobs.StatusFailed, job.Status)
	assert.Contains(t, job.Message, "blockhost-deploy-contracts")
}

func TestDeployRejectsBadRequests(t *testing.T) {
	h, registry := newRouter(t, &fakeAdapter{})

	tests := []struct {
		name string
		body any
	}{
		{name: "malformed json", body: "{"},
		{name: "empty body", body: nil},
		{name: "short key", body: DeployRequest{Secret: "0x12", RPCURL: "http://rpc.local"}},
		{name: "missing rpc", body: DeployRequest{Secret: validKey}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, h, http.MethodPost, "/api/blockchain/deploy", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var er ErrorResponse
			require.NoError(t, json.Unmarshal(body, &er))
			assert.NotEmpty(t, er.Error)
		})
	}
	assert.Empty(t, registry.List())
}

func TestDeployPaymentTokenResolution(t *testing.T) {
	const mnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	newOPNet := func(t *testing.T, network string) (*opnet.Adapter, *toolexec.MockRunner) {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		runner := new(toolexec.MockRunner).Installed("blockhost-deploy-contracts")
		inv := toolexec.NewInvoker(runner, logger, toolexec.WithRetryDelay(time.Millisecond))
		store := configstore.NewFileStore(t.TempDir(), logger)
		return opnet.New(inv, store, opnet.Config{Network: network, DeployerKeyFile: "deployer.key"}, logger), runner
	}

	t.Run("no network default is a bad request", func(t *testing.T) {
		chain, runner := newOPNet(t, "mainnet")
		h, registry := newRouter(t, chain)

		resp, body := do(t, h, http.MethodPost, "/api/blockchain/deploy", DeployRequest{Secret: mnemonic, RPCURL: "https://mainnet.opnet.org"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		assert.Contains(t, string(body), "payment token address required")
		assert.Empty(t, registry.List())
		assert.Equal(t, 0, runner.Calls("blockhost-deploy-contracts"))
	})

	t.Run("network default is accepted", func(t *testing.T) {
		chain, runner := newOPNet(t, "testnet")
		runner.OnTool("blockhost-deploy-contracts").Return(toolexec.Ok(
			"0x1111111111111111111111111111111111111111111111111111111111111111\n"+
				"0x2222222222222222222222222222222222222222222222222222222222222222\n"), nil).Once()
		h, registry := newRouter(t, chain)

		resp, body := do(t, h, http.MethodPost, "/api/blockchain/deploy", DeployRequest{Secret: mnemonic, RPCURL: "https://testnet.opnet.org"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
		var dr DeployResponse
		require.NoError(t, json.Unmarshal(body, &dr))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, registry.Wait(ctx))
		job, err := registry.Poll(dr.JobID)
		require.NoError(t, err)
		assert.Equal(t, jobs.StatusCompleted, job.Status, job.Message)
	})
}

func TestDeployStatusUnknownJob(t *testing.T) {
	h, _ := newRouter(t, &fakeAdapter{})

	resp, body := do(t, h, http.MethodGet, "/api/blockchain/deploy-status/deploy-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "Job not found")
}

func TestBalance(t *testing.T) {
	h, _ := newRouter(t, &fakeAdapter{balance: big.NewInt(1500)})

	resp, body := do(t, h, http.MethodGet, "/api/blockchain/balance?address="+address+"&rpc_url=http://rpc.local", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var br BalanceResponse
	require.NoError(t, json.Unmarshal(body, &br))
	assert.Equal(t, BalanceResponse{Address: address, Amount: "1500", Unit: "wei", HasFunds: true}, br)

	resp, _ = do(t, h, http.MethodGet, "/api/blockchain/balance?address="+address, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, h, http.MethodGet, "/api/blockchain/balance?address=0x12&rpc_url=http://rpc.local", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestValidateKey(t *testing.T) {
	h, _ := newRouter(t, &fakeAdapter{})

	resp, body := do(t, h, http.MethodPost, "/api/blockchain/validate-key", ValidateKeyRequest{Secret: validKey})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var vr ValidateKeyResponse
	require.NoError(t, json.Unmarshal(body, &vr))
	assert.Equal(t, address, vr.Address)

	resp, body = do(t, h, http.MethodPost, "/api/blockchain/validate-key", ValidateKeyRequest{Secret: "nothex"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "Invalid key length")
}

func TestSteps(t *testing.T) {
	h, _ := newRouter(t, &fakeAdapter{})

	resp, body := do(t, h, http.MethodGet, "/api/blockchain/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meta steps.Metadata
	require.NoError(t, json.Unmarshal(body, &meta))
	require.Len(t, meta.Pre, 1)
	assert.Equal(t, steps.Wallet, meta.Pre[0].ID)
	assert.Equal(t, steps.Plan, meta.Post[0].ID)
}

func TestGenerateWalletOnlyWhenSupported(t *testing.T) {
	h, _ := newRouter(t, &fakeAdapter{})
	resp, _ := do(t, h, http.MethodPost, "/api/blockchain/generate-wallet", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	h, _ = newRouter(t, &generatingAdapter{})
	resp, body := do(t, h, http.MethodPost, "/api/blockchain/generate-wallet", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var w interfaces.GeneratedWallet
	require.NoError(t, json.Unmarshal(body, &w))
	assert.Equal(t, address, w.Address)
}
