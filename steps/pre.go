package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
)

// NewWalletStep writes the deployer secret to the key file and records the deployer
// address.
func NewWalletStep(d *Deps) provisioning.Step {
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: Wallet, Label: "Setting up deployer wallet"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			secret := pc.String(SectionBlockchain, "deployer_secret")
			if secret == "" || !d.keyFileHolds(secret) {
				return nil, false
			}
			addr := deployerAddress(pc)
			if addr == "" {
				return nil, false
			}
			return provisioning.Artifact{"address": addr}, true
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			secret := pc.String(SectionBlockchain, "deployer_secret")
			if secret == "" {
				return nil, provisioning.Invalid("no deployer secret in configuration")
			}
			if err := d.Chain.ValidateSecret(secret); err != nil {
				return nil, err
			}
			if _, err := d.Store.WriteSecret(d.Paths.DeployerKeyFile, []byte(d.Chain.NormalizeSecret(secret))); err != nil {
				return nil, err
			}

			addr := pc.String(SectionBlockchain, "deployer_address")
			if addr == "" {
				var err error
				if addr, err = d.Chain.DeriveAddress(ctx, secret); err != nil {
					return nil, fmt.Errorf("derive deployer address: %w", err)
				}
				pc.Set(SectionBlockchain, "deployer_address", addr)
			}
			return provisioning.Artifact{"address": addr}, nil
		},
	}
}

func (d *Deps) keyFileHolds(secret string) bool {
	data, exists, err := d.Store.ReadSecret(d.Paths.DeployerKeyFile)
	if err != nil || !exists {
		return false
	}
	return strings.TrimSpace(string(data)) == d.Chain.NormalizeSecret(secret)
}

// NewContractsStep verifies existing contracts or deploys new ones.
func NewContractsStep(d *Deps) provisioning.Step {
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{
			ID:    Contracts,
			Label: "Deploying smart contracts",
			Hint:  d.Chain.ContractsHint(),
		},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			cs := d.Settings(pc)
			if cs.SubscriptionContract == "" {
				return nil, false
			}
			artifact := contractsArtifact(cs.NFTContract, cs.SubscriptionContract)
			if contractMode(pc) == "existing" {
				// Existing contracts count as done only once a run has verified them.
				if cs.NFTContract == "" {
					return nil, false
				}
				prev, ok := pc.Result(Contracts)
				if !ok || prev.String("nft_contract") != cs.NFTContract || prev.String("subscription_contract") != cs.SubscriptionContract {
					return nil, false
				}
			}
			return artifact, true
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			cs := d.Settings(pc)
			if contractMode(pc) == "existing" {
				return d.verifyContracts(ctx, cs)
			}

			req, err := d.deployRequest(pc)
			if err != nil {
				return nil, err
			}
			pair, err := DeployContracts(ctx, d.Chain, req)
			if err != nil {
				return nil, err
			}
			if pair.Subscription == "" {
				return nil, fmt.Errorf("expected 2 contract addresses, deployment only produced the NFT contract %s", pair.NFT)
			}
			nft := pair.NFT
			if nft == "" {
				// No NFT artifact: keep whatever NFT contract is already configured.
				nft = cs.NFTContract
				d.logger().Warn("Deployment produced no NFT contract",
					slog.String("subscription_contract", pair.Subscription),
					slog.String("configured_nft_contract", nft))
			}
			pc.Set(SectionBlockchain, "nft_contract", nft)
			pc.Set(SectionBlockchain, "subscription_contract", pair.Subscription)
			return contractsArtifact(nft, pair.Subscription), nil
		},
	}
}

func contractMode(pc *provisioning.Context) string {
	if m := pc.String(SectionBlockchain, "contract_mode"); m != "" {
		return m
	}
	return "deploy"
}

func contractsArtifact(nft, sub string) provisioning.Artifact {
	return provisioning.Artifact{"nft_contract": nft, "subscription_contract": sub}
}

func (d *Deps) verifyContracts(ctx context.Context, cs interfaces.ChainSettings) (provisioning.Artifact, error) {
	if cs.NFTContract == "" || cs.SubscriptionContract == "" {
		return nil, provisioning.Invalid("contract addresses required for existing mode")
	}
	for _, c := range []struct{ label, addr string }{
		{"NFT", cs.NFTContract},
		{"Subscription", cs.SubscriptionContract},
	} {
		if !d.Chain.ValidateAddress(c.addr) {
			return nil, provisioning.Invalid("invalid %s address: %s", c.label, c.addr)
		}
		ok, err := d.Chain.ContractExists(ctx, c.addr, cs.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("verify %s contract: %w", c.label, err)
		}
		if !ok {
			return nil, fmt.Errorf("%s contract not found at %s", c.label, c.addr)
		}
	}
	return contractsArtifact(cs.NFTContract, cs.SubscriptionContract), nil
}

// deployRequest takes the secret from the parameters, falling back to the key file the
// wallet step wrote. The chain fills in the payment token default.
func (d *Deps) deployRequest(pc *provisioning.Context) (interfaces.DeployRequest, error) {
	cs := d.Settings(pc)
	secret := pc.String(SectionBlockchain, "deployer_secret")
	if secret == "" {
		data, exists, err := d.Store.ReadSecret(d.Paths.DeployerKeyFile)
		if err != nil {
			return interfaces.DeployRequest{}, err
		}
		if !exists || strings.TrimSpace(string(data)) == "" {
			return interfaces.DeployRequest{}, provisioning.MissingPrerequisite("deployer key not available")
		}
		secret = strings.TrimSpace(string(data))
	}
	return interfaces.DeployRequest{
		Secret: secret,
		RPCURL: cs.RPCURL,
		Params: map[string]string{
			"chain_id":      cs.ChainID,
			"network":       cs.Network,
			"payment_token": cs.PaymentToken,
		},
	}, nil
}

// configPlan is every document chain_config maintains.
type configPlan struct {
	web3          interfaces.Document
	blockhost     interfaces.Document
	env           map[string]string
	adminCommands interfaces.Document
	signature     string
	vms           interfaces.Document
}

func (d *Deps) planChainConfig(pc *provisioning.Context) configPlan {
	cs := d.Settings(pc)
	admin := pc.Parameters[SectionAdmin]
	prov := pc.Parameters[SectionProvisioner]

	serverPubKey := pc.String(SectionServer, "server_public_key")
	if serverPubKey == "" {
		if data, exists, err := d.Store.ReadSecret(ServerPubKeyFile); err == nil && exists {
			serverPubKey = strings.TrimSpace(string(data))
		}
	}

	web3 := interfaces.Document{}
	for section, values := range d.Chain.ChainSections(cs) {
		web3[section] = values
	}
	if serverPubKey != "" {
		if bc, ok := web3["blockchain"].(map[string]any); ok {
			bc["server_public_key"] = serverPubKey
		}
	}
	web3["auth"] = map[string]any{"signing_page": publicSecret(pc)}

	bh := interfaces.Document{
		"server": map[string]any{
			"address":  deployerAddress(pc),
			"key_file": d.Paths.DeployerKeyFile,
		},
		"server_public_key": serverPubKey,
		"public_secret":     publicSecret(pc),
		"contract_address":  cs.SubscriptionContract,
	}
	if len(prov) > 0 {
		bh["provisioner"] = map[string]any{
			"node":          prov.String("node"),
			"bridge":        prov.String("bridge"),
			"vmid_start":    prov.Int("vmid_start", 100),
			"vmid_end":      prov.Int("vmid_end", 999),
			"gc_grace_days": prov.Int("gc_grace_days", 7),
		}
	}
	adminSection := map[string]any{
		"wallet_address":    admin.String("wallet_address"),
		"credential_nft_id": 0,
		"max_command_age":   300,
	}
	if admin.Bool("commands_enabled") {
		mode := admin.String("destination_mode")
		if mode == "" {
			mode = "self"
		}
		adminSection["destination_mode"] = mode
	}
	bh["admin"] = adminSection

	plan := configPlan{
		web3:      web3,
		blockhost: bh,
		env:       d.Chain.EnvVars(cs),
		signature: admin.String("signature"),
		vms: interfaces.Document{
			"vms":                 map[string]any{},
			"next_vmid":           prov.Int("vmid_start", 100),
			"allocated_ips":       []any{},
			"allocated_ipv6":      []any{},
			"reserved_nft_tokens": map[string]any{},
		},
	}

	if knock := admin.String("knock_command"); admin.Bool("commands_enabled") && knock != "" {
		ports := admin.Strings("knock_ports")
		if len(ports) == 0 {
			ports = []string{"22"}
		}
		allowed := make([]any, 0, len(ports))
		for _, p := range ports {
			if n, err := strconv.Atoi(p); err == nil {
				allowed = append(allowed, n)
			}
		}
		plan.adminCommands = interfaces.Document{
			"commands": map[string]any{
				knock: map[string]any{
					"action":      "knock",
					"description": "Open configured ports temporarily",
					"params": map[string]any{
						"allowed_ports":    allowed,
						"default_duration": admin.Int("knock_timeout", 300),
					},
				},
			},
		}
	}
	return plan
}

// covered reports whether every document already holds the planned content.
func (d *Deps) covered(p configPlan) bool {
	for name, doc := range map[string]interfaces.Document{
		Web3DefaultsFile:  p.web3,
		BlockhostFile:     p.blockhost,
		AdminCommandsFile: p.adminCommands,
	} {
		if doc == nil {
			continue
		}
		if ok, err := d.Store.Covers(name, doc); err != nil || !ok {
			return false
		}
	}
	if ok, err := d.Store.EnvCovers(d.Paths.EnvFile, p.env); err != nil || !ok {
		return false
	}
	if p.signature != "" {
		data, exists, err := d.Store.ReadSecret(AdminSignatureFile)
		if err != nil || !exists || string(data) != p.signature {
			return false
		}
	}
	_, exists, err := d.Store.Load(d.Paths.VMsFile())
	return err == nil && exists
}

// NewChainConfigStep writes the chain and service configuration documents.
func NewChainConfigStep(d *Deps) provisioning.Step {
	done := provisioning.Artifact{"message": "Configuration files written"}
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: ChainConfig, Label: "Writing configuration files"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			return done, d.covered(d.planChainConfig(pc))
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			if pc.String(SectionBlockchain, "subscription_contract") == "" {
				return nil, provisioning.MissingPrerequisite("subscription contract address not recorded")
			}
			p := d.planChainConfig(pc)
			log := d.logger().With(slog.String("step", ChainConfig))

			for _, w := range []struct {
				name string
				doc  interfaces.Document
			}{
				{Web3DefaultsFile, p.web3},
				{BlockhostFile, p.blockhost},
				{AdminCommandsFile, p.adminCommands},
			} {
				if w.doc == nil {
					continue
				}
				changed, err := d.Store.Merge(w.name, w.doc)
				if err != nil {
					return nil, err
				}
				log.Debug("Merged document", slog.String("name", w.name), slog.Bool("changed", changed))
			}

			if _, err := d.Store.MergeEnv(d.Paths.EnvFile, p.env); err != nil {
				return nil, err
			}
			if p.signature != "" {
				if _, err := d.Store.WriteSecret(AdminSignatureFile, []byte(p.signature)); err != nil {
					return nil, err
				}
			}
			if _, err := d.Store.CreateIfMissing(d.Paths.VMsFile(), p.vms); err != nil {
				return nil, err
			}
			return done, nil
		},
	}
}
