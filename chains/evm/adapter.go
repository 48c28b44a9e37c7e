// Package evm implements the chain adapter for EVM networks (Sepolia, Ethereum, Polygon,
// Arbitrum). Chain work is delegated to the foundry and blockhost command line tools with
// go-ethereum as the in-process fallback.
package evm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/toolexec"
)

const (
	deployScriptTimeout = 300 * time.Second
	castDeployTimeout   = 120 * time.Second
	castSendTimeout     = 60 * time.Second
	queryTimeout        = 15 * time.Second
	rpcTimeout          = 10 * time.Second

	// castFallbackTimeout covers both contract creations, each retried once after a nonce race.
	castFallbackTimeout = 2*(2*castDeployTimeout+toolexec.DefaultRetryDelay) + queryTimeout

	nftArtifact          = "AccessCredentialNFT.json"
	subscriptionArtifact = "BlockhostSubscriptions.json"
)

// ChainNames maps supported chain ids to display names.
var ChainNames = map[string]string{
	"11155111": "Sepolia Testnet",
	"1":        "Ethereum Mainnet",
	"137":      "Polygon",
	"42161":    "Arbitrum One",
}

// USDCByChain is the default payment token per chain id.
var USDCByChain = map[string]string{
	"11155111": "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238",
	"1":        "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
	"137":      "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
	"42161":    "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
}

// NonceRace matches transaction submissions rejected because an earlier transaction from
// the same deployer is still pending.
var NonceRace = toolexec.StderrContains("nonce")

// RPCBackend is the subset of ethclient.Client the adapter needs.
type RPCBackend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Dialer opens an RPC connection to rpcURL.
type Dialer func(ctx context.Context, rpcURL string) (RPCBackend, error)

func dialEthclient(ctx context.Context, rpcURL string) (RPCBackend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Config holds the filesystem locations the adapter works with.
type Config struct {
	// DeployerKeyFile is where the deployer private key is kept, as bare hex.
	DeployerKeyFile string
	// ContractsDir holds the compiled contract artifacts used by the cast fallback.
	ContractsDir string
}

func DefaultConfig() Config {
	return Config{
		DeployerKeyFile: "/etc/blockhost/deployer.key",
		ContractsDir:    "/usr/share/blockhost/contracts",
	}
}

type Option func(*Adapter)

// WithDialer replaces the go-ethereum RPC dialer.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// Adapter implements interfaces.Chain for EVM networks.
type Adapter struct {
	inv   *toolexec.Invoker
	store interfaces.ConfigStore
	cfg   Config
	dial  Dialer
	log   *slog.Logger
}

var _ interfaces.Chain = (*Adapter)(nil)

func New(inv *toolexec.Invoker, store interfaces.ConfigStore, cfg Config, log *slog.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		inv:   inv,
		store: store,
		cfg:   cfg,
		dial:  dialEthclient,
		log:   log.With(slog.String("chain", "evm")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return "evm"
}

func (a *Adapter) ValidateAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && len(addr) == 42 && common.IsHexAddress(addr)
}

// NormalizeKey strips whitespace and the 0x prefix from a private key.
func NormalizeKey(secret string) string {
	return strings.TrimPrefix(strings.TrimSpace(secret), "0x")
}

func (a *Adapter) NormalizeSecret(secret string) string {
	return NormalizeKey(secret)
}

func (a *Adapter) ValidateSecret(secret string) error {
	key := NormalizeKey(secret)
	if key == "" {
		return provisioning.Invalid("private key required")
	}
	if len(key) != 64 {
		return provisioning.Invalid("invalid deployer key length (%d, expected 64)", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return provisioning.Invalid("deployer key is not hexadecimal")
	}
	return nil
}

func (a *Adapter) DeriveAddress(ctx context.Context, secret string) (string, error) {
	if err := a.ValidateSecret(secret); err != nil {
		return "", err
	}
	key := NormalizeKey(secret)
	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("cast", []string{"wallet", "address", "--private-key", "0x" + key}, queryTimeout, toolexec.FirstHexToken(40)),
		toolexec.Exec("pam_web3_tool", []string{"key-to-address", "--key", "0x" + key}, queryTimeout, toolexec.FirstHexToken(40)),
		toolexec.InProcess("go-ethereum", queryTimeout, func(context.Context) (string, error) {
			return deriveAddress(key)
		}),
	)
}

func deriveAddress(key string) (string, error) {
	pk, err := crypto.HexToECDSA(key)
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return crypto.PubkeyToAddress(pk.PublicKey).Hex(), nil
}

// GenerateWallet creates a new secp256k1 key with `cast wallet new`, or in process when
// foundry is not installed.
func (a *Adapter) GenerateWallet(ctx context.Context) (*interfaces.GeneratedWallet, error) {
	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("cast", []string{"wallet", "new"}, queryTimeout, parseNewWallet),
		toolexec.InProcess("go-ethereum", queryTimeout, func(context.Context) (*interfaces.GeneratedWallet, error) {
			pk, err := crypto.GenerateKey()
			if err != nil {
				return nil, err
			}
			return &interfaces.GeneratedWallet{
				Secret:  "0x" + hex.EncodeToString(crypto.FromECDSA(pk)),
				Address: crypto.PubkeyToAddress(pk.PublicKey).Hex(),
			}, nil
		}),
	)
}

// parseNewWallet reads the "Address: 0x..." and "Private key: 0x..." lines.
func parseNewWallet(stdout []byte) (*interfaces.GeneratedWallet, error) {
	w := &interfaces.GeneratedWallet{}
	for _, line := range strings.Split(string(stdout), "\n") {
		idx := strings.Index(line, "0x")
		if idx < 0 {
			continue
		}
		value := strings.TrimSpace(line[idx:])
		switch lower := strings.ToLower(line); {
		case strings.Contains(lower, "private"):
			w.Secret = value
		case strings.Contains(lower, "address"):
			w.Address = value
		}
	}
	if len(w.Secret) != 66 || !common.IsHexAddress(w.Address) {
		return nil, errors.New("could not parse keypair output")
	}
	return w, nil
}

// PrepareDeploy validates the secret and the endpoint and fills in the chain's USDC as the
// payment token when none is given.
func (a *Adapter) PrepareDeploy(req interfaces.DeployRequest) (interfaces.DeployRequest, error) {
	if err := a.ValidateSecret(req.Secret); err != nil {
		return req, err
	}
	if req.RPCURL == "" {
		return req, provisioning.Invalid("rpc_url required")
	}
	params := req.CloneParams()
	if params["payment_token"] == "" {
		if token := a.DefaultPaymentToken(interfaces.ChainSettings{ChainID: params["chain_id"]}); token != "" {
			params["payment_token"] = token
		}
	}
	if token := params["payment_token"]; token != "" && !a.ValidateAddress(token) {
		return req, provisioning.Invalid("invalid payment token address %q", token)
	}
	req.Params = params
	return req, nil
}

// DeployContracts deploys the NFT and subscription contracts with blockhost-deploy-contracts,
// falling back to cast send --create over the compiled artifacts.
func (a *Adapter) DeployContracts(ctx context.Context, req interfaces.DeployRequest) (*interfaces.ContractPair, error) {
	req, err := a.PrepareDeploy(req)
	if err != nil {
		return nil, err
	}
	key := NormalizeKey(req.Secret)

	if err := a.ensureDeployerKey(key); err != nil {
		return nil, err
	}
	// The deploy script reads the chain from web3-defaults.yaml.
	if _, err := a.store.CreateIfMissing("web3-defaults.yaml", interfaces.Document{
		"blockchain": map[string]any{
			"chain_id": chainIDValue(req.Params["chain_id"]),
			"rpc_url":  req.RPCURL,
		},
	}); err != nil {
		return nil, fmt.Errorf("write chain defaults: %w", err)
	}

	a.log.Info("Deploying contracts",
		slog.String("network", ChainNames[req.Params["chain_id"]]),
		slog.String("rpc_url", req.RPCURL))

	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("blockhost-deploy-contracts", nil, deployScriptTimeout, contractPair).
			WithEnv(map[string]string{"RPC_URL": req.RPCURL}),
		toolexec.InProcess("cast", castFallbackTimeout, func(ctx context.Context) (*interfaces.ContractPair, error) {
			return a.castDeploy(ctx, key, req.RPCURL)
		}),
	)
}

func contractPair(stdout []byte) (*interfaces.ContractPair, error) {
	addrs, err := toolexec.HexLines(40)(stdout)
	if err != nil {
		return nil, err
	}
	pair := &interfaces.ContractPair{NFT: addrs[0]}
	if len(addrs) > 1 {
		pair.Subscription = addrs[1]
	}
	return pair, nil
}

// ensureDeployerKey writes the key the deploy script signs with.
func (a *Adapter) ensureDeployerKey(key string) error {
	if _, err := a.store.WriteSecret(a.cfg.DeployerKeyFile, []byte(key)); err != nil {
		return fmt.Errorf("write deployer key: %w", err)
	}
	return nil
}

func (a *Adapter) castDeploy(ctx context.Context, key, rpcURL string) (*interfaces.ContractPair, error) {
	nftPath := filepath.Join(a.cfg.ContractsDir, nftArtifact)
	subPath := filepath.Join(a.cfg.ContractsDir, subscriptionArtifact)
	if !a.inv.Available("cast") {
		return nil, &toolexec.InvocationError{Kind: toolexec.ErrToolNotFound, Tool: "cast"}
	}
	if _, err := os.Stat(subPath); err != nil {
		return nil, provisioning.MissingPrerequisite("contract artifacts not found at %s; install blockhost-engine package", a.cfg.ContractsDir)
	}

	// Without the NFT artifact only the subscription contract is deployed.
	pair := &interfaces.ContractPair{}
	if _, err := os.Stat(nftPath); err == nil {
		addr, err := a.castCreate(ctx, nftPath, key, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("NFT contract deployment failed: %w", err)
		}
		pair.NFT = addr
	}

	addr, err := a.castCreate(ctx, subPath, key, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("subscription contract deployment failed: %w", err)
	}
	pair.Subscription = addr
	return pair, nil
}

func (a *Adapter) castCreate(ctx context.Context, artifactPath, key, rpcURL string) (string, error) {
	bytecode, err := readBytecode(artifactPath)
	if err != nil {
		return "", err
	}
	args := []string{"send", "--private-key", "0x" + key, "--rpc-url", rpcURL, "--create", bytecode, "--json"}
	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("cast", args, castDeployTimeout, receiptContractAddress).RetryOn(NonceRace))
}

func readBytecode(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	var artifact struct {
		Bytecode json.RawMessage `json:"bytecode"`
	}
	if err := json.Unmarshal(data, &artifact); err != nil {
		return "", fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	// Foundry artifacts nest the code under bytecode.object, hardhat ones store it directly.
	var code string
	if err := json.Unmarshal(artifact.Bytecode, &code); err != nil {
		var nested struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(artifact.Bytecode, &nested); err != nil {
			return "", fmt.Errorf("parse %s bytecode: %w", filepath.Base(path), err)
		}
		code = nested.Object
	}
	if code == "" || code == "0x" {
		return "", fmt.Errorf("%s has no bytecode", filepath.Base(path))
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	return code, nil
}

func receiptContractAddress(stdout []byte) (string, error) {
	receipt, err := toolexec.JSON[struct {
		ContractAddress string `json:"contractAddress"`
	}]()(stdout)
	if err != nil {
		return "", err
	}
	if receipt.ContractAddress == "" {
		return "", errors.New("receipt has no contract address")
	}
	return receipt.ContractAddress, nil
}

func (a *Adapter) ContractExists(ctx context.Context, address, rpcURL string) (bool, error) {
	if !a.ValidateAddress(address) {
		return false, provisioning.Invalid("invalid contract address %q", address)
	}
	return toolexec.Run(ctx, a.inv,
		a.isCheck("contract", address),
		toolexec.InProcess("eth_getCode", rpcTimeout, func(ctx context.Context) (bool, error) {
			client, err := a.dial(ctx, rpcURL)
			if err != nil {
				return false, err
			}
			defer client.Close()
			code, err := client.CodeAt(ctx, common.HexToAddress(address), nil)
			if err != nil {
				return false, err
			}
			return len(code) > 0, nil
		}),
	)
}

// isCheck runs the `is` predicate tool. Exit status 1 is a definite "no".
func (a *Adapter) isCheck(args ...string) toolexec.Candidate[bool] {
	return toolexec.InProcess("is", queryTimeout, func(ctx context.Context) (bool, error) {
		_, err := toolexec.Run(ctx, a.inv, toolexec.Exec("is", args, queryTimeout, toolexec.Discard))
		var invErr *toolexec.InvocationError
		if errors.As(err, &invErr) && invErr.Kind == toolexec.ErrToolFailed && invErr.ExitCode == 1 {
			return false, nil
		}
		return err == nil, err
	})
}

func (a *Adapter) QueryBalance(ctx context.Context, address, rpcURL string) (*interfaces.Balance, error) {
	if !a.ValidateAddress(address) {
		return nil, provisioning.Invalid("invalid address %q", address)
	}
	if rpcURL == "" {
		return nil, provisioning.Invalid("rpc_url required")
	}
	return toolexec.Run(ctx, a.inv,
		toolexec.InProcess("eth_getBalance", rpcTimeout, func(ctx context.Context) (*interfaces.Balance, error) {
			client, err := a.dial(ctx, rpcURL)
			if err != nil {
				return nil, err
			}
			defer client.Close()
			wei, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
			if err != nil {
				return nil, err
			}
			return &interfaces.Balance{Amount: wei, Unit: "wei"}, nil
		}),
	)
}

func chainIDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
