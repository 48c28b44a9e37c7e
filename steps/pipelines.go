package steps

import (
	"github.com/ruteri/node-provisioning-backend/provisioning"
)

const (
	PrePipelineName  = "pre"
	PostPipelineName = "post"
)

func preSteps(d *Deps) []provisioning.Step {
	return []provisioning.Step{
		NewWalletStep(d),
		NewContractsStep(d),
		NewChainConfigStep(d),
	}
}

// postSteps returns the post steps in their fallback order. Steps missing from a chain's
// ordering run after the ordered ones in this order.
func postSteps(d *Deps) []provisioning.Step {
	out := []provisioning.Step{
		NewMintNFTStep(d),
		NewPlanStep(d),
		NewRevenueShareStep(d),
	}
	if d.Invoker != nil {
		out = append(out, NewMonitorServiceStep(d))
	}
	if d.Backups != nil {
		out = append(out, NewBackupStep(d))
	}
	return out
}

// PrePipeline builds the wallet, contracts and chain_config pipeline.
func PrePipeline(d *Deps, opts ...provisioning.PipelineOption) (*provisioning.Pipeline, error) {
	return provisioning.NewPipeline(PrePipelineName, preSteps(d), d.logger(), opts...)
}

// PostPipeline builds the post pipeline. A nil order uses the chain's PostOrder.
func PostPipeline(d *Deps, order []string, opts ...provisioning.PipelineOption) (*provisioning.Pipeline, error) {
	if order == nil {
		order = d.Chain.PostOrder()
	}
	ordered, err := provisioning.Order(postSteps(d), order)
	if err != nil {
		return nil, err
	}
	return provisioning.NewPipeline(PostPipelineName, ordered, d.logger(), opts...)
}

// Metadata describes the steps of both pipelines for progress displays.
type Metadata struct {
	Pre  []provisioning.StepInfo `json:"pre"`
	Post []provisioning.StepInfo `json:"post"`
}

func StepsMetadata(d *Deps) (*Metadata, error) {
	pre, err := PrePipeline(d)
	if err != nil {
		return nil, err
	}
	post, err := PostPipeline(d, nil)
	if err != nil {
		return nil, err
	}
	return &Metadata{Pre: pre.Steps(), Post: post.Steps()}, nil
}
