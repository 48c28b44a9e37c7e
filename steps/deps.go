// Package steps holds the chain-agnostic provisioning steps and the builders that
// assemble them into the pre and post pipelines. All chain specific work goes through the
// injected interfaces.Chain.
package steps

import (
	"log/slog"
	"path/filepath"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/toolexec"
)

// Step ids.
const (
	Wallet         = "wallet"
	Contracts      = "contracts"
	ChainConfig    = "chain_config"
	MintNFT        = "mint_nft"
	Plan           = "plan"
	RevenueShare   = "revenue_share"
	Backup         = "backup"
	MonitorService = "monitor_service"
)

// Parameter sections.
const (
	SectionBlockchain   = "blockchain"
	SectionAdmin        = "admin"
	SectionProvisioner  = "provisioner"
	SectionServer       = "server"
	SectionRevenueShare = "revenue_share"
	SectionBackup       = "backup"
)

// Documents written relative to the configuration store root.
const (
	Web3DefaultsFile   = "web3-defaults.yaml"
	BlockhostFile      = "blockhost.yaml"
	AdminCommandsFile  = "admin-commands.json"
	AdminSignatureFile = "admin-signature.key"
	RevenueShareFile   = "revenue-share.json"
	AddressBookFile    = "addressbook.json"
	ServerPubKeyFile   = "server.pubkey"
	HTTPSFile          = "https.json"
)

const (
	defaultPublicSecret = "blockhost-access"
	defaultPlanName     = "Basic VM"
	defaultPlanPrice    = 50
	adminTokenID        = "0"
)

// Paths locates the files that live outside the configuration store root.
type Paths struct {
	ConfigDir       string
	DeployerKeyFile string
	EnvFile         string
	DataDir         string
}

func DefaultPaths() Paths {
	return Paths{
		ConfigDir:       "/etc/blockhost",
		DeployerKeyFile: "/etc/blockhost/deployer.key",
		EnvFile:         "/opt/blockhost/.env",
		DataDir:         "/var/lib/blockhost",
	}
}

// VMsFile is the managed resources ledger.
func (p Paths) VMsFile() string {
	return filepath.Join(p.DataDir, "vms.json")
}

// Deps are the collaborators the steps operate with.
type Deps struct {
	Chain   interfaces.Chain
	Store   interfaces.ConfigStore
	Invoker *toolexec.Invoker
	// Backups receives encrypted configuration snapshots. Nil disables the backup step.
	Backups interfaces.StorageBackend
	Paths   Paths
	Log     *slog.Logger
}

func (d *Deps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// Settings resolves the chain settings from the blockchain parameter section.
func (d *Deps) Settings(pc *provisioning.Context) interfaces.ChainSettings {
	bc := pc.Parameters[SectionBlockchain]
	return interfaces.ChainSettings{
		ChainID:              bc.String("chain_id"),
		RPCURL:               bc.String("rpc_url"),
		Network:              bc.String("network"),
		NFTContract:          bc.String("nft_contract"),
		SubscriptionContract: bc.String("subscription_contract"),
		PaymentToken:         bc.String("payment_token"),
		DeployerKeyFile:      d.Paths.DeployerKeyFile,
		ConfigDir:            d.Paths.ConfigDir,
	}
}

func publicSecret(pc *provisioning.Context) string {
	if s := pc.String(SectionAdmin, "public_secret"); s != "" {
		return s
	}
	return defaultPublicSecret
}

// deployerAddress prefers the wallet step's artifact over the parameter.
func deployerAddress(pc *provisioning.Context) string {
	if a, ok := pc.Result(Wallet); ok {
		if addr := a.String("address"); addr != "" {
			return addr
		}
	}
	return pc.String(SectionBlockchain, "deployer_address")
}
