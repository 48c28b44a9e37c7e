package opnet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/toolexec"
)

const (
	bwTimeout    = 120 * time.Second
	mintTimeout  = 120 * time.Second
	queryTimeout = 15 * time.Second
	abTimeout    = 30 * time.Second
)

func (a *Adapter) EncryptSymmetric(ctx context.Context, signature, plaintext string) (string, error) {
	args := []string{"encrypt-symmetric", "--signature", signature, "--plaintext", plaintext}
	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("bhcrypt", args, bhcryptTimeout, hexCiphertext))
}

func hexCiphertext(stdout []byte) (string, error) {
	out := strings.TrimSpace(string(stdout))
	if !strings.HasPrefix(out, "0x") || len(out) <= 2 {
		return "", errors.New("could not parse encrypted output")
	}
	return out, nil
}

// CredentialExists asks the `is` tool. Without it the credential is assumed absent and
// gets minted.
func (a *Adapter) CredentialExists(ctx context.Context, cs interfaces.ChainSettings, owner, tokenID string) (bool, error) {
	ok, err := toolexec.Run(ctx, a.inv, a.isCheck(owner, tokenID))
	if errors.Is(err, toolexec.ErrToolNotFound) {
		return false, nil
	}
	return ok, err
}

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

func (a *Adapter) UpdateCredential(ctx context.Context, cs interfaces.ChainSettings, tokenID, ciphertext string) error {
	_, err := toolexec.Run(ctx, a.inv,
		toolexec.Exec("bw", []string{"set", "encrypt", tokenID, ciphertext}, bwTimeout, toolexec.Discard).WithEnv(a.bwEnv(cs)))
	return err
}

// MintCredential mints to the deployer's own address; the mint tool has no owner flag.
func (a *Adapter) MintCredential(ctx context.Context, cs interfaces.ChainSettings, req interfaces.MintRequest) (*interfaces.MintResult, error) {
	var args []string
	if req.UserEncrypted != "" && req.UserEncrypted != "0x" {
		args = append(args, "--user-encrypted", req.UserEncrypted)
	}
	tokenID, err := toolexec.Run(ctx, a.inv,
		toolexec.Exec("blockhost-mint-nft", args, mintTimeout, parseTokenID).WithEnv(a.EnvVars(cs)))
	if err != nil {
		return nil, fmt.Errorf("NFT minting failed: %w", err)
	}
	return &interfaces.MintResult{TokenID: tokenID}, nil
}

func parseTokenID(stdout []byte) (string, error) {
	out := strings.TrimSpace(string(stdout))
	if _, err := strconv.ParseUint(out, 10, 64); err == nil {
		return out, nil
	}
	return "0", nil
}

func (a *Adapter) SetPaymentToken(ctx context.Context, cs interfaces.ChainSettings, token string) error {
	if token == "" {
		return nil
	}
	_, err := toolexec.Run(ctx, a.inv,
		toolexec.Exec("bw", []string{"config", "stable", token}, bwTimeout, toolexec.Discard).WithEnv(a.bwEnv(cs)))
	if err != nil {
		return fmt.Errorf("failed to set payment token: %w", err)
	}
	return nil
}

func (a *Adapter) CreatePlan(ctx context.Context, cs interfaces.ChainSettings, plan interfaces.PlanRequest) error {
	args := []string{"plan", "create", plan.Name, strconv.FormatInt(plan.PriceCents, 10)}
	_, err := toolexec.Run(ctx, a.inv,
		toolexec.Exec("bw", args, bwTimeout, toolexec.Discard).WithEnv(a.bwEnv(cs)))
	if err != nil {
		return fmt.Errorf("plan creation failed: %w", err)
	}
	return nil
}

func (a *Adapter) bwEnv(cs interfaces.ChainSettings) map[string]string {
	dir := cs.ConfigDir
	if dir == "" {
		dir = a.cfg.ConfigDir
	}
	return map[string]string{"BLOCKHOST_CONFIG_DIR": dir}
}

// InitAddressBook passes internal addresses to `ab --init`. It is only attempted when
// both the admin and server addresses are known.
func (a *Adapter) InitAddressBook(ctx context.Context, cs interfaces.ChainSettings, book interfaces.AddressBook) (bool, error) {
	if book["admin"] == "" || book["server"] == "" {
		return false, nil
	}
	args := []string{"--init", book["admin"], book["server"]}
	for _, role := range []string{"dev", "broker"} {
		if addr, ok := book[role]; ok {
			args = append(args, addr)
		}
	}
	args = append(args, a.keyFile(cs))

	if _, err := toolexec.Run(ctx, a.inv, toolexec.Exec("ab", args, abTimeout, toolexec.Discard)); err != nil {
		if !errors.Is(err, toolexec.ErrToolNotFound) {
			a.log.Warn("ab --init failed, address book will be written directly", "err", err)
		}
		return false, nil
	}
	return true, nil
}

// OwnerAddress converts taproot wallet addresses to internal addresses.
func (a *Adapter) OwnerAddress(addr string) (string, error) {
	if !a.ValidateAddress(addr) {
		return "", provisioning.Invalid("invalid wallet address %q", addr)
	}
	internal, err := InternalAddress(addr)
	if err != nil {
		return "", provisioning.Invalid("owner must be a 32-byte OPNet address: %v", err)
	}
	return internal, nil
}

func (a *Adapter) ChainSections(cs interfaces.ChainSettings) map[string]any {
	return map[string]any{
		"blockchain": map[string]any{
			"rpc_url":               cs.RPCURL,
			"nft_contract":          cs.NFTContract,
			"subscription_contract": cs.SubscriptionContract,
			"payment_token":         a.DefaultPaymentToken(cs),
			"chain_id":              cs.ChainID,
		},
	}
}

func (a *Adapter) EnvVars(cs interfaces.ChainSettings) map[string]string {
	return map[string]string{
		"RPC_URL":            cs.RPCURL,
		"BLOCKHOST_CONTRACT": cs.SubscriptionContract,
		"NFT_CONTRACT":       cs.NFTContract,
		"DEPLOYER_KEY_FILE":  a.keyFile(cs),
	}
}

func (a *Adapter) DefaultPaymentToken(cs interfaces.ChainSettings) string {
	if cs.PaymentToken != "" {
		return cs.PaymentToken
	}
	network := cs.Network
	if network == "" {
		network = a.cfg.Network
	}
	return NetworkPaymentToken[network]
}

func (a *Adapter) PostOrder() []string {
	return []string{"revenue_share", "mint_nft", "plan"}
}

func (a *Adapter) ContractsHint() string {
	return "may take several minutes, two-phase bitcoin transactions"
}

func (a *Adapter) keyFile(cs interfaces.ChainSettings) string {
	if cs.DeployerKeyFile != "" {
		return cs.DeployerKeyFile
	}
	return a.cfg.DeployerKeyFile
}
