// Package opnet implements the chain adapter for OPNet, the smart contract layer on
// bitcoin. Deployment and contract calls go through the blockhost engine tools (bhcrypt,
// bw, blockhost-deploy-contracts); balances and code lookups use the node's JSON-RPC API.
package opnet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/toolexec"
)

const (
	deployTimeout  = 600 * time.Second
	bhcryptTimeout = 30 * time.Second
	rpcTimeout     = 10 * time.Second

	// RPCPath is appended to node base URLs for JSON-RPC calls.
	RPCPath = "/api/v1/json-rpc"

	devDeployScript = "/opt/blockhost/scripts/deploy-contracts"
)

// NetworkNames maps network ids to display names.
var NetworkNames = map[string]string{
	"testnet": "Testnet",
	"mainnet": "Bitcoin Mainnet",
}

// NetworkRPC is the public node of each network.
var NetworkRPC = map[string]string{
	"testnet": "https://testnet.opnet.org",
	"mainnet": "https://mainnet.opnet.org",
}

// NetworkPaymentToken is the default OP_20 payment token per network.
var NetworkPaymentToken = map[string]string{
	"testnet": "0x12aa57ada239a129c13a818ce23620243b727d22b871d561aafa3bdb23e9d68e",
	"mainnet": "",
}

var mnemonicPattern = regexp.MustCompile(`^[a-z ]+$`)

// RPCCaller is the subset of rpc.Client the adapter needs.
type RPCCaller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// Dialer opens a JSON-RPC connection to endpoint.
type Dialer func(ctx context.Context, endpoint string) (RPCCaller, error)

func dialRPC(ctx context.Context, endpoint string) (RPCCaller, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Endpoint normalises a node base URL to its JSON-RPC endpoint.
func Endpoint(baseURL string) string {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.Contains(u, "api/v1/json-rpc") {
		return u
	}
	return u + RPCPath
}

type Config struct {
	// Network is "testnet" or "mainnet".
	Network string
	// DeployerKeyFile holds the deployer mnemonic.
	DeployerKeyFile string
	// ConfigDir is exported to bw as BLOCKHOST_CONFIG_DIR.
	ConfigDir string
}

func DefaultConfig() Config {
	return Config{
		Network:         "testnet",
		DeployerKeyFile: "/etc/blockhost/deployer.key",
		ConfigDir:       "/etc/blockhost",
	}
}

type Option func(*Adapter)

// WithDialer replaces the JSON-RPC dialer.
func WithDialer(d Dialer) Option {
	return func(a *Adapter) { a.dial = d }
}

// Adapter implements interfaces.Chain for OPNet.
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
	if cfg.Network == "" {
		cfg.Network = "testnet"
	}
	a := &Adapter{
		inv:   inv,
		store: store,
		cfg:   cfg,
		dial:  dialRPC,
		log:   log.With(slog.String("chain", "opnet")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string {
	return "opnet"
}

func (a *Adapter) ValidateAddress(addr string) bool {
	return ValidAddress(addr)
}

// NormalizeSecret collapses whitespace between mnemonic words.
func (a *Adapter) NormalizeSecret(secret string) string {
	return strings.Join(strings.Fields(secret), " ")
}

func (a *Adapter) ValidateSecret(secret string) error {
	phrase := strings.TrimSpace(secret)
	if phrase == "" {
		return provisioning.Invalid("mnemonic phrase required")
	}
	words := strings.Fields(phrase)
	switch len(words) {
	case 12, 15, 18, 21, 24:
	default:
		return provisioning.Invalid("invalid word count (%d), expected 12-24", len(words))
	}
	if !mnemonicPattern.MatchString(phrase) {
		return provisioning.Invalid("mnemonic must contain only lowercase words")
	}
	return nil
}

// Wallet is a deployer wallet as reported by bhcrypt.
type Wallet struct {
	Mnemonic        string `json:"mnemonic,omitempty"`
	Address         string `json:"address"`
	InternalAddress string `json:"internalAddress"`
}

func (a *Adapter) DeriveAddress(ctx context.Context, secret string) (string, error) {
	w, err := a.DeriveWallet(ctx, secret)
	if err != nil {
		return "", err
	}
	return w.Address, nil
}

// DeriveWallet returns the taproot and internal addresses of a mnemonic.
func (a *Adapter) DeriveWallet(ctx context.Context, mnemonic string) (*Wallet, error) {
	if err := a.ValidateSecret(mnemonic); err != nil {
		return nil, err
	}
	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("bhcrypt", []string{"validate-mnemonic", "--network", a.cfg.Network}, bhcryptTimeout, parseWallet).
			WithEnv(map[string]string{"MNEMONIC": a.NormalizeSecret(mnemonic)}))
}

// GenerateWallet creates a new mnemonic and its taproot address.
func (a *Adapter) GenerateWallet(ctx context.Context) (*interfaces.GeneratedWallet, error) {
	w, err := toolexec.Run(ctx, a.inv,
		toolexec.Exec("bhcrypt", []string{"keygen", "--network", a.cfg.Network}, bhcryptTimeout, parseWallet))
	if err != nil {
		return nil, err
	}
	if w.Mnemonic == "" {
		return nil, fmt.Errorf("keygen returned no mnemonic")
	}
	return &interfaces.GeneratedWallet{Secret: w.Mnemonic, Address: w.Address}, nil
}

func parseWallet(stdout []byte) (*Wallet, error) {
	w, err := toolexec.JSON[Wallet]()(stdout)
	if err != nil {
		return nil, err
	}
	if w.Address == "" {
		return nil, fmt.Errorf("no address in output")
	}
	return &w, nil
}

// PrepareDeploy validates the mnemonic and the endpoint and resolves the payment token from
// the network default. The subscription contract is only deployed with a payment token, so a
// request without one is rejected.
func (a *Adapter) PrepareDeploy(req interfaces.DeployRequest) (interfaces.DeployRequest, error) {
	if err := a.ValidateSecret(req.Secret); err != nil {
		return req, err
	}
	if req.RPCURL == "" {
		return req, provisioning.Invalid("rpc_url required")
	}
	params := req.CloneParams()
	token := a.DefaultPaymentToken(interfaces.ChainSettings{
		Network:      params["network"],
		PaymentToken: params["payment_token"],
	})
	if token == "" {
		return req, provisioning.Invalid("payment token address required for contract deployment")
	}
	if !a.ValidateAddress(token) {
		return req, provisioning.Invalid("invalid payment token address %q", token)
	}
	params["payment_token"] = token
	req.Params = params
	return req, nil
}

// DeployContracts runs the engine deploy script.
func (a *Adapter) DeployContracts(ctx context.Context, req interfaces.DeployRequest) (*interfaces.ContractPair, error) {
	req, err := a.PrepareDeploy(req)
	if err != nil {
		return nil, err
	}
	token := req.Params["payment_token"]
	mnemonic := a.NormalizeSecret(req.Secret)

	if _, err := a.store.WriteSecret(a.cfg.DeployerKeyFile, []byte(mnemonic)); err != nil {
		return nil, fmt.Errorf("write deployer mnemonic: %w", err)
	}

	env := map[string]string{
		"OPNET_MNEMONIC":      mnemonic,
		"OPNET_RPC_URL":       req.RPCURL,
		"OPNET_PAYMENT_TOKEN": token,
	}
	a.log.Info("Deploying contracts",
		slog.String("network", NetworkNames[a.cfg.Network]),
		slog.String("rpc_url", req.RPCURL))

	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("blockhost-deploy-contracts", nil, deployTimeout, contractPair).WithEnv(env),
		toolexec.Exec(devDeployScript, nil, deployTimeout, contractPair).WithEnv(env),
	)
}

func contractPair(stdout []byte) (*interfaces.ContractPair, error) {
	keys, err := toolexec.HexLines(64)(stdout)
	if err != nil {
		return nil, err
	}
	pair := &interfaces.ContractPair{NFT: keys[0]}
	if len(keys) > 1 {
		pair.Subscription = keys[1]
	}
	return pair, nil
}

func (a *Adapter) ContractExists(ctx context.Context, address, rpcURL string) (bool, error) {
	if !a.ValidateAddress(address) {
		return false, provisioning.Invalid("invalid contract address %q", address)
	}
	return toolexec.Run(ctx, a.inv,
		a.isCheck("contract", address),
		toolexec.InProcess("btc_getCode", rpcTimeout, func(ctx context.Context) (bool, error) {
			var code json.RawMessage
			if err := a.call(ctx, rpcURL, &code, "btc_getCode", address); err != nil {
				return false, err
			}
			s := strings.TrimSpace(string(code))
			return s != "" && s != "null" && s != `""` && s != "{}", nil
		}),
	)
}

func (a *Adapter) QueryBalance(ctx context.Context, address, rpcURL string) (*interfaces.Balance, error) {
	if !a.ValidateAddress(address) {
		return nil, provisioning.Invalid("invalid address %q", address)
	}
	if rpcURL == "" {
		return nil, provisioning.Invalid("rpc_url required")
	}
	return toolexec.Run(ctx, a.inv,
		toolexec.InProcess("btc_getBalance", rpcTimeout, func(ctx context.Context) (*interfaces.Balance, error) {
			var raw json.RawMessage
			if err := a.call(ctx, rpcURL, &raw, "btc_getBalance", address, true); err != nil {
				return nil, err
			}
			sats, err := parseQuantity(raw)
			if err != nil {
				return nil, err
			}
			return &interfaces.Balance{Amount: sats, Unit: "satoshi"}, nil
		}),
	)
}

func (a *Adapter) call(ctx context.Context, rpcURL string, result any, method string, args ...any) error {
	client, err := a.dial(ctx, Endpoint(rpcURL))
	if err != nil {
		return err
	}
	defer client.Close()
	return client.CallContext(ctx, result, method, args...)
}

// parseQuantity accepts a hex string, a decimal string or a JSON number.
func parseQuantity(raw json.RawMessage) (*big.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		base := 10
		if strings.HasPrefix(s, "0x") {
			s, base = s[2:], 16
		}
		n, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("invalid balance %q", s)
		}
		return n, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("invalid balance %s", raw)
	}
	v, ok := new(big.Int).SetString(n.String(), 10)
	if !ok {
		return nil, fmt.Errorf("invalid balance %s", raw)
	}
	return v, nil
}
