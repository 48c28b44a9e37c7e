package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/toolexec"
)

// NewMintNFTStep issues the admin credential, or refreshes the encrypted connection
// details of an already minted one.
func NewMintNFTStep(d *Deps) provisioning.Step {
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: MintNFT, Label: "Minting admin credential NFT"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			prev, ok := pc.Result(MintNFT)
			if !ok || prev.String("token_id") == "" {
				return nil, false
			}
			owner, err := d.Chain.OwnerAddress(pc.String(SectionAdmin, "wallet_address"))
			if err != nil || prev.String("owner") != owner {
				return nil, false
			}
			return prev, true
		},
		Do: d.mintCredential,
	}
}

func (d *Deps) mintCredential(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
	log := d.logger().With(slog.String("step", MintNFT))
	cs := d.Settings(pc)

	wallet := pc.String(SectionAdmin, "wallet_address")
	if wallet == "" {
		return nil, provisioning.MissingPrerequisite("admin wallet address not configured")
	}
	if cs.NFTContract == "" {
		return nil, provisioning.MissingPrerequisite("NFT contract address not recorded")
	}
	owner, err := d.Chain.OwnerAddress(wallet)
	if err != nil {
		return nil, err
	}

	ciphertext := ""
	signature := pc.String(SectionAdmin, "signature")
	switch server := d.serverAddress(pc); {
	case server == "":
		log.Warn("No server address configured, credential will carry no connection details")
	case signature != "":
		details, err := json.Marshal(map[string]any{"hostname": server, "port": 22, "username": "admin"})
		if err != nil {
			return nil, err
		}
		if ciphertext, err = d.Chain.EncryptSymmetric(ctx, signature, string(details)); err != nil {
			log.Warn("Could not encrypt connection details", "err", err)
			ciphertext = ""
		}
	}

	tokenID := pc.String(SectionAdmin, "credential_token_id")
	if tokenID == "" {
		tokenID = adminTokenID
	}
	if contractMode(pc) == "existing" {
		exists, err := d.Chain.CredentialExists(ctx, cs, owner, tokenID)
		if err != nil {
			return nil, err
		}
		if exists {
			if ciphertext != "" {
				if err := d.Chain.UpdateCredential(ctx, cs, tokenID, ciphertext); err != nil {
					return nil, fmt.Errorf("update credential %s: %w", tokenID, err)
				}
			}
			return provisioning.Artifact{"token_id": tokenID, "owner": owner, "updated": ciphertext != ""}, nil
		}
	}

	res, err := d.Chain.MintCredential(ctx, cs, interfaces.MintRequest{
		Owner:         owner,
		UserEncrypted: ciphertext,
		PublicSecret:  publicSecret(pc),
	})
	if err != nil {
		return nil, err
	}
	log.Info("Minted admin credential", slog.String("token_id", res.TokenID), slog.String("owner", owner))
	return provisioning.Artifact{"token_id": res.TokenID, "owner": owner}, nil
}

// serverAddress is the public address users connect to: the ipv6 address wins over the
// https hostname, parameters win over the https document.
func (d *Deps) serverAddress(pc *provisioning.Context) string {
	for _, key := range []string{"ipv6_address", "https_hostname"} {
		if v := pc.String(SectionServer, key); v != "" {
			return v
		}
	}
	doc, exists, err := d.Store.Load(HTTPSFile)
	if err != nil || !exists {
		return ""
	}
	https := provisioning.Section(doc)
	if v := https.String("ipv6_address"); v != "" {
		return v
	}
	return https.String("hostname")
}

// NewPlanStep configures the payment token and creates the default subscription plan.
func NewPlanStep(d *Deps) provisioning.Step {
	desired := func(pc *provisioning.Context) interfaces.PlanRequest {
		name := pc.String(SectionBlockchain, "plan_name")
		if name == "" {
			name = defaultPlanName
		}
		return interfaces.PlanRequest{
			Name:       name,
			PriceCents: pc.Parameters[SectionBlockchain].Int("plan_price_cents", defaultPlanPrice),
		}
	}
	artifact := func(plan interfaces.PlanRequest) provisioning.Artifact {
		return provisioning.Artifact{
			"plan_name": plan.Name,
			"price":     fmt.Sprintf("%d cents/day", plan.PriceCents),
		}
	}

	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: Plan, Label: "Creating subscription plan"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			prev, ok := pc.Result(Plan)
			want := artifact(desired(pc))
			if !ok || prev.String("plan_name") != want.String("plan_name") || prev.String("price") != want.String("price") {
				return nil, false
			}
			return prev, true
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			cs := d.Settings(pc)
			if cs.SubscriptionContract == "" {
				return nil, provisioning.MissingPrerequisite("subscription contract address not recorded")
			}
			plan := desired(pc)
			if plan.PriceCents <= 0 {
				return nil, provisioning.Invalid("plan price must be positive, got %d", plan.PriceCents)
			}
			if err := d.Chain.SetPaymentToken(ctx, cs, d.Chain.DefaultPaymentToken(cs)); err != nil {
				return nil, err
			}
			if err := d.Chain.CreatePlan(ctx, cs, plan); err != nil {
				return nil, err
			}
			return artifact(plan), nil
		},
	}
}

// sharePercent reads revenue_share.percent. Numeric strings are accepted, anything else is
// an invalid parameter.
func sharePercent(rs provisioning.Section) (float64, error) {
	v, ok := rs["percent"]
	if !ok || v == nil {
		return 1.0, nil
	}
	var percent float64
	switch p := v.(type) {
	case float64:
		percent = p
	case int:
		percent = float64(p)
	case int64:
		percent = float64(p)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(p), "%"), 64)
		if err != nil {
			return 0, provisioning.Invalid("revenue_share.percent %q is not a number", p)
		}
		percent = f
	default:
		return 0, provisioning.Invalid("revenue_share.percent has unsupported type %T", v)
	}
	if percent < 0 || percent > 100 {
		return 0, provisioning.Invalid("revenue_share.percent must be between 0 and 100, got %v", percent)
	}
	return percent, nil
}

// revenueShare is the content of revenue-share.json.
func revenueShare(pc *provisioning.Context) (interfaces.Document, error) {
	rs := pc.Parameters[SectionRevenueShare]
	enabled := rs.Bool("enabled")
	percent, err := sharePercent(rs)
	if err != nil {
		return nil, err
	}

	recipients := []any{}
	total := 0.0
	if enabled {
		total = percent
		roles := activeRoles(rs)
		for _, role := range roles {
			recipients = append(recipients, map[string]any{
				"role":    role,
				"percent": percent / float64(len(roles)),
			})
		}
	}
	return interfaces.Document{
		"enabled":       enabled,
		"total_percent": total,
		"recipients":    recipients,
	}, nil
}

func activeRoles(rs provisioning.Section) []string {
	var roles []string
	for _, role := range []string{"dev", "broker"} {
		if rs.Bool(role) {
			roles = append(roles, role)
		}
	}
	return roles
}

// addressBook returns the desired roles in the form credentials are owned by. Dev and
// broker default to the admin wallet until the operator assigns them.
func (d *Deps) addressBook(pc *provisioning.Context) (interfaces.AddressBook, error) {
	book := interfaces.AddressBook{}
	rs := pc.Parameters[SectionRevenueShare]

	if admin := pc.String(SectionAdmin, "wallet_address"); admin != "" {
		owner, err := d.Chain.OwnerAddress(admin)
		if err != nil {
			return nil, err
		}
		book["admin"] = owner
	}
	if server := d.serverOwner(pc); server != "" {
		book["server"] = server
	}
	for _, role := range activeRoles(rs) {
		addr := rs.String(role + "_address")
		if addr == "" {
			addr = book["admin"]
			if addr == "" {
				continue
			}
		} else {
			var err error
			if addr, err = d.Chain.OwnerAddress(addr); err != nil {
				return nil, err
			}
		}
		book[role] = addr
	}
	return book, nil
}

// serverOwner is the deployer address in owner form. An explicit deployer_internal_address
// wins; an address the chain cannot convert leaves the server out of the book.
func (d *Deps) serverOwner(pc *provisioning.Context) string {
	if internal := pc.String(SectionBlockchain, "deployer_internal_address"); internal != "" {
		return internal
	}
	server := deployerAddress(pc)
	if server == "" {
		return ""
	}
	owner, err := d.Chain.OwnerAddress(server)
	if err != nil {
		d.logger().Warn("Deployer address has no owner form, leaving server out of the address book",
			slog.String("address", server), "err", err)
		return ""
	}
	return owner
}

func (d *Deps) addressBookPresent() bool {
	doc, exists, err := d.Store.Load(AddressBookFile)
	return err == nil && exists && len(doc) > 0
}

// NewRevenueShareStep writes the revenue sharing configuration and initialises the
// address book. A non-empty address book is never overwritten.
func NewRevenueShareStep(d *Deps) provisioning.Step {
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: RevenueShare, Label: "Configuring revenue sharing"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			doc, err := revenueShare(pc)
			if err != nil {
				return nil, false
			}
			ok, err := d.Store.Covers(RevenueShareFile, doc)
			if err != nil || !ok || !d.addressBookPresent() {
				return nil, false
			}
			return provisioning.Artifact{"enabled": doc["enabled"], "recipients": len(doc["recipients"].([]any))}, true
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			doc, err := revenueShare(pc)
			if err != nil {
				return nil, err
			}
			cs := d.Settings(pc)
			book, err := d.addressBook(pc)
			if err != nil {
				return nil, err
			}

			initialised, err := d.Chain.InitAddressBook(ctx, cs, book)
			if err != nil {
				return nil, err
			}
			if !initialised && !d.addressBookPresent() {
				entries := interfaces.Document{}
				for role, addr := range book {
					entry := map[string]any{"address": addr}
					if role == "server" {
						entry["keyfile"] = d.Paths.DeployerKeyFile
					}
					entries[role] = entry
				}
				if _, err := d.Store.Replace(AddressBookFile, entries); err != nil {
					return nil, err
				}
			}

			if _, err := d.Store.Replace(RevenueShareFile, doc); err != nil {
				return nil, err
			}
			return provisioning.Artifact{"enabled": doc["enabled"], "recipients": len(doc["recipients"].([]any))}, nil
		},
	}
}

const (
	monitorUnit      = "blockhost-monitor"
	systemctlTimeout = 30 * time.Second
)

// NewMonitorServiceStep enables the monitor unit so it starts on the next boot.
func NewMonitorServiceStep(d *Deps) provisioning.Step {
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: MonitorService, Label: "Enabling monitor service"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			prev, ok := pc.Result(MonitorService)
			return prev, ok && prev.String("unit") == monitorUnit
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			if d.Invoker == nil {
				return nil, provisioning.MissingPrerequisite("no tool invoker configured")
			}
			_, err := toolexec.Run(ctx, d.Invoker,
				toolexec.Exec("systemctl", []string{"is-enabled", monitorUnit}, systemctlTimeout, toolexec.Discard))
			if err == nil {
				return provisioning.Artifact{"unit": monitorUnit, "changed": false}, nil
			}
			if errors.Is(err, toolexec.ErrToolNotFound) {
				return nil, err
			}

			_, err = toolexec.Run(ctx, d.Invoker,
				toolexec.Exec("systemctl", []string{"enable", monitorUnit}, systemctlTimeout, toolexec.Discard))
			if err != nil {
				return nil, fmt.Errorf("enable %s: %w", monitorUnit, err)
			}
			return provisioning.Artifact{"unit": monitorUnit, "changed": true}, nil
		},
	}
}
