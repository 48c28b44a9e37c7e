package steps

import (
	"context"
	"fmt"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/jobs"
)

// DeployJobKind prefixes deployment job ids.
const DeployJobKind = "deploy"

// DeployContracts is the deployment routine shared by the contracts step and the deploy
// job. The request goes through the chain's PrepareDeploy, then every reported address is
// checked.
func DeployContracts(ctx context.Context, chain interfaces.ChainAdapter, req interfaces.DeployRequest) (*interfaces.ContractPair, error) {
	req, err := chain.PrepareDeploy(req)
	if err != nil {
		return nil, err
	}

	pair, err := chain.DeployContracts(ctx, req)
	if err != nil {
		return nil, err
	}
	if pair == nil || pair.Empty() {
		return nil, fmt.Errorf("deployment reported no contract address")
	}
	for _, addr := range []string{pair.NFT, pair.Subscription} {
		if addr != "" && !chain.ValidateAddress(addr) {
			return nil, fmt.Errorf("deployment reported an invalid address %q", addr)
		}
	}
	return pair, nil
}

// DeployJob builds a background deployment. The request is prepared before the job is
// submitted so callers can reject bad input synchronously.
func DeployJob(chain interfaces.ChainAdapter, req interfaces.DeployRequest) (jobs.Spec, jobs.Work, error) {
	req, err := chain.PrepareDeploy(req)
	if err != nil {
		return jobs.Spec{}, nil, err
	}

	spec := jobs.Spec{
		Kind:    DeployJobKind,
		Slots:   []string{"nft_contract", "subscription_contract"},
		Message: "Deploying contracts...",
	}
	work := func(ctx context.Context, progress func(string)) (*jobs.Outcome, error) {
		pair, err := DeployContracts(ctx, chain, req)
		if err != nil {
			return nil, err
		}
		outcome := &jobs.Outcome{
			Message: "Contracts deployed successfully",
			Fields: map[string]string{
				"nft_contract":          pair.NFT,
				"subscription_contract": pair.Subscription,
			},
		}
		switch {
		case pair.Subscription == "":
			outcome.Message = "NFT contract deployed; subscription contract was not produced"
		case pair.NFT == "":
			outcome.Message = "Subscription contract deployed; no NFT contract artifact"
		}
		return outcome, nil
	}
	return spec, work, nil
}
