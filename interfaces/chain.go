package interfaces

import (
	"context"
	"math/big"
)

// ContractPair holds the two contracts a node deployment produces. Either may be empty
// when the deployment only produced one of them.
type ContractPair struct {
	NFT          string `json:"nft_contract"`
	Subscription string `json:"subscription_contract"`
}

// Complete reports whether both contracts are known.
func (p ContractPair) Complete() bool {
	return p.NFT != "" && p.Subscription != ""
}

// Empty reports whether neither contract is known.
func (p ContractPair) Empty() bool {
	return p.NFT == "" && p.Subscription == ""
}

// CloneParams copies the params of req so defaults can be filled in without touching the
// caller's map.
func (req DeployRequest) CloneParams() map[string]string {
	out := make(map[string]string, len(req.Params)+1)
	for k, v := range req.Params {
		out[k] = v
	}
	return out
}

// DeployRequest carries the inputs of a contract deployment. Params holds chain specific
// extras such as the payment token or chain id.
type DeployRequest struct {
	Secret string
	RPCURL string
	Params map[string]string
}

// Balance is an account balance in the chain's smallest unit (wei, satoshi).
type Balance struct {
	Amount *big.Int `json:"amount"`
	Unit   string   `json:"unit"`
}

// ChainAdapter is the pluggable set of address and contract operations for one deployment
// network. Implementations report failures as errors whose message is suitable for
// display to the operator.
type ChainAdapter interface {
	// Name returns the short chain identifier ("evm", "opnet").
	Name() string

	// ValidateAddress checks the external address format without any network access.
	ValidateAddress(addr string) bool

	// ValidateSecret checks the shape of the deployer secret material.
	ValidateSecret(secret string) error

	// NormalizeSecret returns the secret in the form it is stored in the key file.
	NormalizeSecret(secret string) string

	// DeriveAddress returns the address controlled by the secret material.
	DeriveAddress(ctx context.Context, secret string) (string, error)

	// PrepareDeploy fills the chain defaults (payment token) into req and rejects a request
	// the deployment would refuse. It never touches the network.
	PrepareDeploy(req DeployRequest) (DeployRequest, error)

	// DeployContracts deploys the credential NFT and subscription contracts.
	DeployContracts(ctx context.Context, req DeployRequest) (*ContractPair, error)

	// ContractExists reports whether code is deployed at address.
	ContractExists(ctx context.Context, address, rpcURL string) (bool, error)

	// QueryBalance returns the balance of address.
	QueryBalance(ctx context.Context, address, rpcURL string) (*Balance, error)
}

// ChainSettings is the resolved chain configuration the post steps operate with.
type ChainSettings struct {
	ChainID              string
	RPCURL               string
	Network              string
	NFTContract          string
	SubscriptionContract string
	PaymentToken         string
	DeployerKeyFile      string
	ConfigDir            string
}

// MintRequest describes an admin credential to issue.
type MintRequest struct {
	Owner         string
	UserEncrypted string
	PublicSecret  string
}

// MintResult is the outcome of a credential mint.
type MintResult struct {
	TokenID string
}

// PlanRequest is a subscription plan definition. Price is in US cents per day.
type PlanRequest struct {
	Name       string
	PriceCents int64
}

// AddressBook maps roles (admin, server, dev, broker) to addresses.
type AddressBook map[string]string

// ChainOperator performs the post-provisioning operations that depend on chain tooling.
type ChainOperator interface {
	// EncryptSymmetric encrypts plaintext with a key derived from signature.
	EncryptSymmetric(ctx context.Context, signature, plaintext string) (string, error)

	// CredentialExists reports whether credential tokenID is already minted to owner.
	CredentialExists(ctx context.Context, cs ChainSettings, owner, tokenID string) (bool, error)

	// UpdateCredential replaces the encrypted payload of an existing credential.
	UpdateCredential(ctx context.Context, cs ChainSettings, tokenID, ciphertext string) error

	// MintCredential issues a new admin credential.
	MintCredential(ctx context.Context, cs ChainSettings, req MintRequest) (*MintResult, error)

	// SetPaymentToken configures the stablecoin accepted by the subscription contract.
	SetPaymentToken(ctx context.Context, cs ChainSettings, token string) error

	// CreatePlan registers a subscription plan.
	CreatePlan(ctx context.Context, cs ChainSettings, plan PlanRequest) error

	// InitAddressBook initialises the address book through the chain tool. It returns
	// false when the tool is absent or declined and the caller has to write the book itself.
	InitAddressBook(ctx context.Context, cs ChainSettings, book AddressBook) (bool, error)

	// OwnerAddress converts a user supplied wallet address into the form credentials are
	// minted to.
	OwnerAddress(addr string) (string, error)

	// ChainSections returns the chain specific content of the chain configuration document.
	ChainSections(cs ChainSettings) map[string]any

	// EnvVars returns the chain specific entries of the environment file.
	EnvVars(cs ChainSettings) map[string]string

	// DefaultPaymentToken returns the payment token used when none is configured.
	DefaultPaymentToken(cs ChainSettings) string

	// PostOrder lists the post pipeline step ids in execution order.
	PostOrder() []string

	// ContractsHint is shown next to the contracts step.
	ContractsHint() string
}

// Chain is a full chain implementation.
type Chain interface {
	ChainAdapter
	ChainOperator
}

// GeneratedWallet is freshly created deployer key material.
type GeneratedWallet struct {
	Secret  string `json:"secret"`
	Address string `json:"address"`
}

// WalletGenerator is implemented by chains that can create deployer wallets.
type WalletGenerator interface {
	GenerateWallet(ctx context.Context) (*GeneratedWallet, error)
}
