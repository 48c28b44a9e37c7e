package evm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/toolexec"
)

const (
	mintTimeout    = 120 * time.Second
	encryptTimeout = 30 * time.Second
	abTimeout      = 30 * time.Second

	// AdminMachineID labels the admin credential.
	AdminMachineID = "blockhost-admin"
)

var ciphertextPattern = regexp.MustCompile(`0x[0-9a-fA-F]+`)

func (a *Adapter) EncryptSymmetric(ctx context.Context, signature, plaintext string) (string, error) {
	args := []string{"encrypt-symmetric", "--signature", signature, "--plaintext", plaintext}
	return toolexec.Run(ctx, a.inv,
		toolexec.Exec("pam_web3_tool", args, encryptTimeout, parseCiphertext))
}

// parseCiphertext takes the longest hex blob pam_web3_tool prints.
func parseCiphertext(stdout []byte) (string, error) {
	var best string
	for _, m := range ciphertextPattern.FindAllString(string(stdout), -1) {
		if len(m) > len(best) {
			best = m
		}
	}
	if len(best) <= 2 {
		return "", errors.New("no ciphertext in output")
	}
	return best, nil
}

func (a *Adapter) CredentialExists(ctx context.Context, cs interfaces.ChainSettings, owner, tokenID string) (bool, error) {
	ownerOf := []string{"call", cs.NFTContract, "ownerOf(uint256)(address)", tokenID, "--rpc-url", cs.RPCURL}
	return toolexec.Run(ctx, a.inv,
		a.isCheck(owner, tokenID),
		toolexec.InProcess("cast", queryTimeout, func(ctx context.Context) (bool, error) {
			holder, err := toolexec.Run(ctx, a.inv,
				toolexec.Exec("cast", ownerOf, queryTimeout, toolexec.FirstHexToken(40)))
			if errors.Is(err, toolexec.ErrToolNotFound) {
				return false, err
			}
			if err != nil {
				// ownerOf reverts for tokens that were never minted.
				a.log.Debug("ownerOf call failed, treating credential as absent", "err", err)
				return false, nil
			}
			return strings.EqualFold(holder, owner), nil
		}),
	)
}

func (a *Adapter) UpdateCredential(ctx context.Context, cs interfaces.ChainSettings, tokenID, ciphertext string) error {
	send, err := a.castSend(cs, cs.NFTContract, "updateUserEncrypted(uint256,bytes)", tokenID, ciphertext)
	if err != nil {
		return err
	}
	_, err = toolexec.Run(ctx, a.inv, send)
	return err
}

func (a *Adapter) MintCredential(ctx context.Context, cs interfaces.ChainSettings, req interfaces.MintRequest) (*interfaces.MintResult, error) {
	if !a.ValidateAddress(req.Owner) {
		return nil, provisioning.Invalid("invalid admin wallet address %q", req.Owner)
	}
	args := []string{"--owner-wallet", req.Owner, "--machine-id", AdminMachineID}
	if req.UserEncrypted != "" && req.UserEncrypted != "0x" {
		args = append(args, "--user-encrypted", req.UserEncrypted)
	}
	if req.PublicSecret != "" {
		args = append(args, "--public-secret", req.PublicSecret)
	}
	tokenID, err := toolexec.Run(ctx, a.inv,
		toolexec.Exec("blockhost-mint-nft", args, mintTimeout, parseTokenID).WithEnv(a.EnvVars(cs)))
	if err != nil {
		return nil, err
	}
	return &interfaces.MintResult{TokenID: tokenID}, nil
}

// parseTokenID reads a trailing token id when the mint tool reports one. The admin
// credential is the first token, so the default is 0.
func parseTokenID(stdout []byte) (string, error) {
	last, err := toolexec.LastLine(stdout)
	if err != nil {
		return "0", nil
	}
	fields := strings.Fields(last)
	if _, err := strconv.ParseUint(fields[len(fields)-1], 10, 64); err == nil {
		return fields[len(fields)-1], nil
	}
	return "0", nil
}

func (a *Adapter) SetPaymentToken(ctx context.Context, cs interfaces.ChainSettings, token string) error {
	if token == "" {
		return nil
	}
	candidates := []toolexec.Candidate[struct{}]{
		toolexec.Exec("bw", []string{"config", "stable", token}, castSendTimeout, toolexec.Discard).WithEnv(a.bwEnv(cs)),
	}
	if send, err := a.castSend(cs, cs.SubscriptionContract, "setPrimaryStablecoin(address)", token); err == nil {
		candidates = append(candidates, send)
	}
	if _, err := toolexec.Run(ctx, a.inv, candidates...); err != nil {
		return fmt.Errorf("failed to set primary stablecoin: %w", err)
	}
	return nil
}

func (a *Adapter) CreatePlan(ctx context.Context, cs interfaces.ChainSettings, plan interfaces.PlanRequest) error {
	price := strconv.FormatInt(plan.PriceCents, 10)
	candidates := []toolexec.Candidate[struct{}]{
		toolexec.Exec("bw", []string{"plan", "create", plan.Name, price}, castSendTimeout, toolexec.Discard).WithEnv(a.bwEnv(cs)),
	}
	if send, err := a.castSend(cs, cs.SubscriptionContract, "createPlan(string,uint256)", plan.Name, price); err == nil {
		candidates = append(candidates, send)
	}
	if _, err := toolexec.Run(ctx, a.inv, candidates...); err != nil {
		return fmt.Errorf("plan creation failed: %w", err)
	}
	return nil
}

// castSend builds a cast transaction candidate signed with the deployer key.
func (a *Adapter) castSend(cs interfaces.ChainSettings, contract, signature string, params ...string) (toolexec.Candidate[struct{}], error) {
	key, err := a.deployerKey(cs)
	if err != nil {
		return toolexec.Candidate[struct{}]{}, err
	}
	args := append([]string{"send", contract, signature}, params...)
	args = append(args, "--private-key", "0x"+key, "--rpc-url", cs.RPCURL)
	return toolexec.Exec("cast", args, castSendTimeout, toolexec.Discard).RetryOn(NonceRace), nil
}

func (a *Adapter) deployerKey(cs interfaces.ChainSettings) (string, error) {
	path := cs.DeployerKeyFile
	if path == "" {
		path = a.cfg.DeployerKeyFile
	}
	data, exists, err := a.store.ReadSecret(path)
	if err != nil {
		return "", err
	}
	key := NormalizeKey(string(data))
	if !exists || key == "" {
		return "", provisioning.MissingPrerequisite("deployer key not available")
	}
	return key, nil
}

func (a *Adapter) bwEnv(cs interfaces.ChainSettings) map[string]string {
	return map[string]string{
		"RPC_URL":            cs.RPCURL,
		"BLOCKHOST_CONTRACT": cs.SubscriptionContract,
	}
}

func (a *Adapter) InitAddressBook(ctx context.Context, cs interfaces.ChainSettings, book interfaces.AddressBook) (bool, error) {
	args := []string{"--init", book["admin"], book["server"]}
	for _, role := range []string{"dev", "broker"} {
		if addr, ok := book[role]; ok {
			args = append(args, addr)
		}
	}
	args = append(args, a.keyFile(cs))

	_, err := toolexec.Run(ctx, a.inv, toolexec.Exec("ab", args, abTimeout, toolexec.Discard))
	if err != nil {
		if !errors.Is(err, toolexec.ErrToolNotFound) {
			a.log.Warn("ab --init failed, address book will be written directly", "err", err)
		}
		return false, nil
	}
	return true, nil
}

func (a *Adapter) OwnerAddress(addr string) (string, error) {
	if !a.ValidateAddress(addr) {
		return "", provisioning.Invalid("invalid wallet address %q", addr)
	}
	return addr, nil
}

func (a *Adapter) ChainSections(cs interfaces.ChainSettings) map[string]any {
	blockchain := map[string]any{
		"chain_id":              chainIDValue(cs.ChainID),
		"rpc_url":               cs.RPCURL,
		"nft_contract":          cs.NFTContract,
		"subscription_contract": cs.SubscriptionContract,
	}
	if token := a.DefaultPaymentToken(cs); token != "" {
		blockchain["usdc_address"] = token
	}
	return map[string]any{
		"blockchain": blockchain,
		"deployer": map[string]any{
			"private_key_file": a.keyFile(cs),
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
	return USDCByChain[cs.ChainID]
}

func (a *Adapter) PostOrder() []string {
	return []string{"mint_nft", "plan", "revenue_share"}
}

func (a *Adapter) ContractsHint() string {
	return "may take a minute"
}

func (a *Adapter) keyFile(cs interfaces.ChainSettings) string {
	if cs.DeployerKeyFile != "" {
		return cs.DeployerKeyFile
	}
	return a.cfg.DeployerKeyFile
}
