package steps

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/node-provisioning-backend/configstore"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deployerAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	adminWallet  = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	nftAddr      = "0x1111111111111111111111111111111111111111"
	subAddr      = "0x2222222222222222222222222222222222222222"
	secret       = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
)

// fakeChain records every operation that would reach chain tooling or the network.
type fakeChain struct {
	mu    sync.Mutex
	calls []string

	pair       *interfaces.ContractPair
	deployErr  error
	missing    map[string]bool
	credential bool
	bookByTool bool
	mints      []interfaces.MintRequest
	deploys    []interfaces.DeployRequest
}

func newFakeChain() *fakeChain {
	return &fakeChain{pair: &interfaces.ContractPair{NFT: nftAddr, Subscription: subAddr}}
}

func (f *fakeChain) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeChain) invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeChain) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *fakeChain) Name() string { return "fake" }

func (f *fakeChain) ValidateAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && len(addr) == 42
}

func (f *fakeChain) ValidateSecret(s string) error {
	if len(strings.TrimPrefix(s, "0x")) != 64 {
		return provisioning.Invalid("private key must be 64 hex characters")
	}
	return nil
}

func (f *fakeChain) NormalizeSecret(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "0x")
}

func (f *fakeChain) DeriveAddress(context.Context, string) (string, error) {
	f.record("derive")
	return deployerAddr, nil
}

func (f *fakeChain) PrepareDeploy(req interfaces.DeployRequest) (interfaces.DeployRequest, error) {
	if err := f.ValidateSecret(req.Secret); err != nil {
		return req, err
	}
	if req.RPCURL == "" {
		return req, provisioning.Invalid("rpc_url required")
	}
	params := req.CloneParams()
	if params["payment_token"] == "" {
		params["payment_token"] = f.DefaultPaymentToken(interfaces.ChainSettings{})
	}
	req.Params = params
	return req, nil
}

func (f *fakeChain) DeployContracts(_ context.Context, req interfaces.DeployRequest) (*interfaces.ContractPair, error) {
	f.record("deploy")
	f.mu.Lock()
	f.deploys = append(f.deploys, req)
	f.mu.Unlock()
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	return f.pair, nil
}

func (f *fakeChain) ContractExists(_ context.Context, addr, _ string) (bool, error) {
	f.record("exists " + addr)
	return !f.missing[addr], nil
}

func (f *fakeChain) QueryBalance(context.Context, string, string) (*interfaces.Balance, error) {
	f.record("balance")
	return &interfaces.Balance{Amount: big.NewInt(0), Unit: "wei"}, nil
}

func (f *fakeChain) EncryptSymmetric(_ context.Context, _, plaintext string) (string, error) {
	f.record("encrypt")
	return "0xc1c1", nil
}

func (f *fakeChain) CredentialExists(context.Context, interfaces.ChainSettings, string, string) (bool, error) {
	f.record("credential-exists")
	return f.credential, nil
}

func (f *fakeChain) UpdateCredential(context.Context, interfaces.ChainSettings, string, string) error {
	f.record("update-credential")
	return nil
}

func (f *fakeChain) MintCredential(_ context.Context, _ interfaces.ChainSettings, req interfaces.MintRequest) (*interfaces.MintResult, error) {
	f.record("mint")
	f.mints = append(f.mints, req)
	return &interfaces.MintResult{TokenID: "0"}, nil
}

func (f *fakeChain) SetPaymentToken(context.Context, interfaces.ChainSettings, string) error {
	f.record("payment-token")
	return nil
}

func (f *fakeChain) CreatePlan(context.Context, interfaces.ChainSettings, interfaces.PlanRequest) error {
	f.record("plan")
	return nil
}

func (f *fakeChain) InitAddressBook(context.Context, interfaces.ChainSettings, interfaces.AddressBook) (bool, error) {
	f.record("addressbook")
	return f.bookByTool, nil
}

func (f *fakeChain) OwnerAddress(addr string) (string, error) {
	if !f.ValidateAddress(addr) {
		return "", provisioning.Invalid("invalid wallet address %q", addr)
	}
	return strings.ToLower(addr), nil
}

func (f *fakeChain) ChainSections(cs interfaces.ChainSettings) map[string]any {
	return map[string]any{
		"blockchain": map[string]any{
			"chain_id":              cs.ChainID,
			"rpc_url":               cs.RPCURL,
			"nft_contract":          cs.NFTContract,
			"subscription_contract": cs.SubscriptionContract,
		},
	}
}

func (f *fakeChain) EnvVars(cs interfaces.ChainSettings) map[string]string {
	return map[string]string{
		"RPC_URL":            cs.RPCURL,
		"BLOCKHOST_CONTRACT": cs.SubscriptionContract,
		"NFT_CONTRACT":       cs.NFTContract,
	}
}

func (f *fakeChain) DefaultPaymentToken(interfaces.ChainSettings) string { return "0xusdc" }

func (f *fakeChain) PostOrder() []string { return []string{MintNFT, Plan, RevenueShare} }

func (f *fakeChain) ContractsHint() string { return "may take a minute" }

type memBackend struct {
	blobs map[interfaces.ContentType]map[interfaces.ContentID][]byte
}

func (m *memBackend) Fetch(_ context.Context, id interfaces.ContentID, ct interfaces.ContentType) ([]byte, error) {
	data, ok := m.blobs[ct][id]
	if !ok {
		return nil, interfaces.ErrContentNotFound
	}
	return data, nil
}

func (m *memBackend) Store(_ context.Context, data []byte, ct interfaces.ContentType) (interfaces.ContentID, error) {
	if m.blobs == nil {
		m.blobs = map[interfaces.ContentType]map[interfaces.ContentID][]byte{}
	}
	if m.blobs[ct] == nil {
		m.blobs[ct] = map[interfaces.ContentID][]byte{}
	}
	id := interfaces.ComputeID(data)
	m.blobs[ct][id] = data
	return id, nil
}

func (m *memBackend) count(ct interfaces.ContentType) int { return len(m.blobs[ct]) }

func (m *memBackend) Available(context.Context) bool { return true }
func (m *memBackend) Name() string                   { return "mem" }
func (m *memBackend) LocationURI() string            { return "mem://" }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDeps(t *testing.T, chain *fakeChain) *Deps {
	t.Helper()
	dir := t.TempDir()
	return &Deps{
		Chain: chain,
		Store: configstore.NewFileStore(filepath.Join(dir, "etc"), discardLogger()),
		Paths: Paths{
			ConfigDir:       filepath.Join(dir, "etc"),
			DeployerKeyFile: filepath.Join(dir, "etc", "deployer.key"),
			EnvFile:         filepath.Join(dir, "opt", ".env"),
			DataDir:         filepath.Join(dir, "var"),
		},
		Log: discardLogger(),
	}
}

func newContext() *provisioning.Context {
	pc := provisioning.NewContext()
	pc.MergeParameters(map[string]provisioning.Section{
		SectionBlockchain: {
			"chain_id":        "11155111",
			"rpc_url":         "http://rpc.local",
			"deployer_secret": "0x" + secret,
		},
		SectionAdmin: {
			"wallet_address": adminWallet,
			"signature":      "0xsig",
		},
		SectionServer: {
			"https_hostname": "node.example.org",
		},
	})
	return pc
}

func statuses(res *provisioning.PipelineResult) map[string]provisioning.StepStatus {
	out := map[string]provisioning.StepStatus{}
	for _, o := range res.Outcomes {
		out[o.ID] = o.Status
	}
	return out
}

func TestPrePipelineSecondRunInvokesNothing(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	pc := newContext()

	pre, err := PrePipeline(d)
	require.NoError(t, err)

	first := pre.Run(context.Background(), pc)
	require.True(t, first.Success(), first.Error)
	assert.Equal(t, []string{Wallet, Contracts, ChainConfig}, first.Executed())
	assert.Equal(t, []string{"derive", "deploy"}, chain.invocations())
	require.Len(t, chain.deploys, 1)
	assert.Equal(t, "0xusdc", chain.deploys[0].Params["payment_token"])

	key, exists, err := d.Store.ReadSecret(d.Paths.DeployerKeyFile)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, secret, string(key))
	assert.Equal(t, nftAddr, pc.String(SectionBlockchain, "nft_contract"))
	assert.Equal(t, subAddr, pc.String(SectionBlockchain, "subscription_contract"))

	chain.reset()
	second := pre.Run(context.Background(), pc)
	require.True(t, second.Success(), second.Error)
	assert.Empty(t, second.Executed())
	assert.Empty(t, chain.invocations())
	for _, o := range second.Outcomes {
		assert.Equal(t, provisioning.StepSkipped, o.Status, o.ID)
	}
	assert.Equal(t, deployerAddr, second.Outcomes[0].Artifact.String("address"))
}

func TestChainConfigWritesDocuments(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	pc := newContext()
	pc.Set(SectionAdmin, "commands_enabled", true)
	pc.Set(SectionAdmin, "knock_command", "open-sesame")
	pc.Set(SectionAdmin, "knock_ports", "22,2222")
	pc.Set(SectionProvisioner, "node", "pve")

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	require.True(t, pre.Run(context.Background(), pc).Success())

	web3, exists, err := d.Store.Load(Web3DefaultsFile)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, subAddr, web3["blockchain"].(map[string]any)["subscription_contract"])
	assert.Equal(t, defaultPublicSecret, web3["auth"].(map[string]any)["signing_page"])

	bh, _, err := d.Store.Load(BlockhostFile)
	require.NoError(t, err)
	assert.Equal(t, deployerAddr, bh["server"].(map[string]any)["address"])
	assert.Equal(t, "self", bh["admin"].(map[string]any)["destination_mode"])
	assert.Equal(t, 100, bh["provisioner"].(map[string]any)["vmid_start"])

	cmds, exists, err := d.Store.Load(AdminCommandsFile)
	require.NoError(t, err)
	require.True(t, exists)
	knock := cmds["commands"].(map[string]any)["open-sesame"].(map[string]any)
	assert.Equal(t, []any{float64(22), float64(2222)}, knock["params"].(map[string]any)["allowed_ports"])

	sig, _, err := d.Store.ReadSecret(AdminSignatureFile)
	require.NoError(t, err)
	assert.Equal(t, "0xsig", string(sig))

	vms, exists, err := d.Store.Load(d.Paths.VMsFile())
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, float64(100), vms["next_vmid"])

	ok, err := d.Store.EnvCovers(d.Paths.EnvFile, map[string]string{"BLOCKHOST_CONTRACT": subAddr})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestContractsSkippedWhenAddressesRecorded(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	pc := newContext()
	pc.Set(SectionBlockchain, "nft_contract", nftAddr)
	pc.Set(SectionBlockchain, "subscription_contract", subAddr)

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)

	assert.Equal(t, provisioning.StepSkipped, statuses(res)[Contracts])
	assert.NotContains(t, chain.invocations(), "deploy")
	artifact, ok := pc.Result(Contracts)
	require.True(t, ok)
	assert.Equal(t, nftAddr, artifact.String("nft_contract"))
}

func TestContractsExistingModeVerifiesBoth(t *testing.T) {
	chain := newFakeChain()
	chain.missing = map[string]bool{subAddr: true}
	d := newDeps(t, chain)
	pc := newContext()
	pc.Set(SectionBlockchain, "contract_mode", "existing")
	pc.Set(SectionBlockchain, "nft_contract", nftAddr)
	pc.Set(SectionBlockchain, "subscription_contract", subAddr)

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)

	require.False(t, res.Success())
	assert.Equal(t, Contracts, res.FailedStep)
	assert.Equal(t, "Subscription contract not found at "+subAddr, res.Error)
	assert.NotContains(t, statuses(res), ChainConfig)
	assert.Equal(t, []string{"derive", "exists " + nftAddr, "exists " + subAddr}, chain.invocations())

	chain.missing = nil
	chain.reset()
	res = pre.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)
	assert.Equal(t, provisioning.StepSkipped, statuses(res)[Wallet])
	assert.Equal(t, provisioning.StepCompleted, statuses(res)[Contracts])

	chain.reset()
	res = pre.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)
	assert.Empty(t, chain.invocations())
}

func TestPrePipelineStopsAtFailedDeployment(t *testing.T) {
	chain := newFakeChain()
	chain.deployErr = errors.New("required tool not found: blockhost-deploy-contracts, cast")
	d := newDeps(t, chain)
	pc := newContext()

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)

	require.False(t, res.Success())
	assert.Equal(t, Contracts, res.FailedStep)
	assert.Contains(t, res.Error, "blockhost-deploy-contracts")
	assert.Len(t, res.Outcomes, 2)
	_, exists, err := d.Store.Load(Web3DefaultsFile)
	require.NoError(t, err)
	assert.False(t, exists)

	var stepErr *provisioning.StepError
	require.ErrorAs(t, res.Err(), &stepErr)
	assert.Equal(t, Contracts, stepErr.StepID)
}

func TestContractsRejectsPartialDeployment(t *testing.T) {
	chain := newFakeChain()
	chain.pair = &interfaces.ContractPair{NFT: nftAddr}
	d := newDeps(t, chain)
	pc := newContext()

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)

	require.False(t, res.Success())
	assert.Equal(t, Contracts, res.FailedStep)
	assert.Empty(t, pc.String(SectionBlockchain, "subscription_contract"))
}

func TestContractsAcceptsSubscriptionOnly(t *testing.T) {
	chain := newFakeChain()
	chain.pair = &interfaces.ContractPair{Subscription: subAddr}
	d := newDeps(t, chain)
	pc := newContext()

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)
	assert.Equal(t, subAddr, pc.String(SectionBlockchain, "subscription_contract"))
	assert.Empty(t, pc.String(SectionBlockchain, "nft_contract"))

	chain.reset()
	again := pre.Run(context.Background(), pc)
	require.True(t, again.Success(), again.Error)
	assert.NotContains(t, chain.invocations(), "deploy")
}

func TestWalletRejectsMalformedSecret(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	pc := newContext()
	pc.Set(SectionBlockchain, "deployer_secret", "0x1234")

	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)

	require.False(t, res.Success())
	assert.Equal(t, Wallet, res.FailedStep)
	assert.Empty(t, chain.invocations())
	_, exists, err := d.Store.ReadSecret(d.Paths.DeployerKeyFile)
	require.NoError(t, err)
	assert.False(t, exists)
}

func runPre(t *testing.T, d *Deps, pc *provisioning.Context) {
	t.Helper()
	pre, err := PrePipeline(d)
	require.NoError(t, err)
	res := pre.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)
}

func TestPostPipeline(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	backups := &memBackend{}
	d.Backups = backups
	pc := newContext()
	pc.Set(SectionRevenueShare, "enabled", true)
	pc.Set(SectionRevenueShare, "percent", 2.0)
	pc.Set(SectionRevenueShare, "dev", true)
	pc.Set(SectionRevenueShare, "broker", true)
	runPre(t, d, pc)

	post, err := PostPipeline(d, nil)
	require.NoError(t, err)
	ids := []string{}
	for _, s := range post.Steps() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{MintNFT, Plan, RevenueShare, Backup}, ids)

	chain.reset()
	res := post.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)
	assert.Equal(t, []string{"encrypt", "mint", "payment-token", "plan", "addressbook", "encrypt"}, chain.invocations())

	require.Len(t, chain.mints, 1)
	assert.Equal(t, strings.ToLower(adminWallet), chain.mints[0].Owner)
	assert.Equal(t, "0xc1c1", chain.mints[0].UserEncrypted)

	plan, _ := pc.Result(Plan)
	assert.Equal(t, "50 cents/day", plan.String("price"))
	assert.Equal(t, defaultPlanName, plan.String("plan_name"))

	rev, _, err := d.Store.Load(RevenueShareFile)
	require.NoError(t, err)
	assert.Equal(t, float64(2), rev["total_percent"])
	recipients := rev["recipients"].([]any)
	require.Len(t, recipients, 2)
	assert.Equal(t, float64(1), recipients[0].(map[string]any)["percent"])

	book, exists, err := d.Store.Load(AddressBookFile)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, d.Paths.DeployerKeyFile, book["server"].(map[string]any)["keyfile"])
	assert.Equal(t, strings.ToLower(adminWallet), book["dev"].(map[string]any)["address"])

	assert.Equal(t, 1, backups.count(interfaces.SecretType))
	assert.Equal(t, 1, backups.count(interfaces.ConfigType))
	backup, _ := pc.Result(Backup)
	assert.Equal(t, "mem://", backup.String("location"))
	assert.NotEmpty(t, backup.String("manifest_id"))

	chain.reset()
	again := post.Run(context.Background(), pc)
	require.True(t, again.Success(), again.Error)
	assert.Empty(t, again.Executed())
	assert.Empty(t, chain.invocations())
	assert.Equal(t, 1, backups.count(interfaces.SecretType))
}

func TestRevenueShareKeepsExistingAddressBook(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	pc := newContext()
	runPre(t, d, pc)

	existing := interfaces.Document{"admin": map[string]any{"address": "0xoperator"}}
	_, err := d.Store.Replace(AddressBookFile, existing)
	require.NoError(t, err)

	post, err := PostPipeline(d, []string{RevenueShare})
	require.NoError(t, err)
	res := post.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)

	book, _, err := d.Store.Load(AddressBookFile)
	require.NoError(t, err)
	assert.Equal(t, "0xoperator", book["admin"].(map[string]any)["address"])

	rev, _, err := d.Store.Load(RevenueShareFile)
	require.NoError(t, err)
	assert.Equal(t, false, rev["enabled"])
	assert.Equal(t, float64(0), rev["total_percent"])
}

func TestMintUpdatesExistingCredential(t *testing.T) {
	chain := newFakeChain()
	chain.credential = true
	d := newDeps(t, chain)
	pc := newContext()
	pc.Set(SectionBlockchain, "contract_mode", "existing")
	pc.Set(SectionBlockchain, "nft_contract", nftAddr)
	pc.Set(SectionBlockchain, "subscription_contract", subAddr)
	runPre(t, d, pc)

	post, err := PostPipeline(d, []string{MintNFT})
	require.NoError(t, err)
	chain.reset()
	res := post.Run(context.Background(), pc)
	require.True(t, res.Success(), res.Error)

	calls := chain.invocations()
	assert.Contains(t, calls, "update-credential")
	assert.NotContains(t, calls, "mint")
	artifact, _ := pc.Result(MintNFT)
	assert.Equal(t, adminTokenID, artifact.String("token_id"))
}

func TestMintRequiresAdminWallet(t *testing.T) {
	chain := newFakeChain()
	d := newDeps(t, chain)
	pc := newContext()
	runPre(t, d, pc)
	delete(pc.Parameters[SectionAdmin], "wallet_address")

	post, err := PostPipeline(d, nil)
	require.NoError(t, err)
	res := post.Run(context.Background(), pc)

	require.False(t, res.Success())
	assert.Equal(t, MintNFT, res.FailedStep)
	assert.Contains(t, res.Error, "admin wallet address not configured")
}

func TestPostPipelineHonoursChainOrder(t *testing.T) {
	d := newDeps(t, newFakeChain())

	post, err := PostPipeline(d, []string{RevenueShare, MintNFT, Plan})
	require.NoError(t, err)
	var ids []string
	for _, s := range post.Steps() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{RevenueShare, MintNFT, Plan}, ids)

	_, err = PostPipeline(d, []string{"unknown"})
	assert.Error(t, err)
}

func TestStepsMetadata(t *testing.T) {
	d := newDeps(t, newFakeChain())

	meta, err := StepsMetadata(d)
	require.NoError(t, err)
	require.Len(t, meta.Pre, 3)
	assert.Equal(t, Contracts, meta.Pre[1].ID)
	assert.Equal(t, "may take a minute", meta.Pre[1].Hint)
	require.Len(t, meta.Post, 3)
}
