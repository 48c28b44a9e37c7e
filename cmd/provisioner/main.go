package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/ruteri/node-provisioning-backend/api/blockchain"
	"github.com/ruteri/node-provisioning-backend/cmd/flags"
	"github.com/ruteri/node-provisioning-backend/httpserver"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/jobs"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/steps"
	"github.com/urfave/cli/v2"
)

var flagOrder = &cli.StringSliceFlag{
	Name:  "order",
	Usage: "post step order, overrides the chain default (e.g. --order plan,mint_nft)",
}

var flagSecret = &cli.StringFlag{
	Name:     "secret",
	Usage:    "deployer secret (private key or mnemonic)",
	EnvVars:  []string{"BLOCKHOST_DEPLOYER_SECRET"},
	Required: true,
}

var flagRPCURL = &cli.StringFlag{
	Name:     "rpc-url",
	Usage:    "chain RPC endpoint",
	Required: true,
}

var flagChainID = &cli.StringFlag{
	Name:  "chain-id",
	Usage: "EVM chain id passed to the deployment tools",
}

var flagNetwork = &cli.StringFlag{
	Name:  "network",
	Usage: "OPNet network passed to the deployment tools",
}

func withParams(extra ...cli.Flag) []cli.Flag {
	out := append([]cli.Flag{}, flags.ProvisioningFlags...)
	out = append(out, flags.ParamsFlag, flags.BackupLocationFlag)
	return append(out, extra...)
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "node-provisioner",
		Usage: "Provision a blockchain backed hosting node",
		Flags: flags.CommonFlags,
		Before: func(cCtx *cli.Context) error {
			if files := cCtx.StringSlice(flags.DotenvFlag.Name); len(files) > 0 {
				if err := godotenv.Load(files...); err != nil {
					return fmt.Errorf("load dotenv: %w", err)
				}
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "pre",
				Usage: "set up the deployer wallet, contracts and chain configuration",
				Flags: withParams(),
				Action: func(cCtx *cli.Context) error {
					return runPipeline(cCtx, func(d *steps.Deps, opts ...provisioning.PipelineOption) (*provisioning.Pipeline, error) {
						return steps.PrePipeline(d, opts...)
					})
				},
			},
			{
				Name:  "post",
				Usage: "mint the admin credential, create the plan and finish node setup",
				Flags: withParams(flagOrder),
				Action: func(cCtx *cli.Context) error {
					var order []string
					if o := cCtx.StringSlice(flagOrder.Name); len(o) > 0 {
						order = o
					}
					return runPipeline(cCtx, func(d *steps.Deps, opts ...provisioning.PipelineOption) (*provisioning.Pipeline, error) {
						return steps.PostPipeline(d, order, opts...)
					})
				},
			},
			{
				Name:   "steps",
				Usage:  "print the pre and post step metadata",
				Flags:  withParams(),
				Action: printSteps,
			},
			{
				Name:      "forget",
				Usage:     "drop recorded step results so the steps run again",
				ArgsUsage: "<step id>...",
				Flags:     withParams(),
				Action:    forgetSteps,
			},
			{
				Name:   "verify-backup",
				Usage:  "read back the recorded configuration backup and check its content ids",
				Flags:  withParams(),
				Action: verifyBackup,
			},
			{
				Name:   "deploy",
				Usage:  "deploy the contract pair as a tracked job",
				Flags:  withParams(flagSecret, flagRPCURL, flagChainID, flagNetwork),
				Action: deploy,
			},
			{
				Name:   "serve",
				Usage:  "serve the provisioning API",
				Flags:  append(withParams(), flags.ServerFlags...),
				Action: serve,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type pipelineBuilder func(d *steps.Deps, opts ...provisioning.PipelineOption) (*provisioning.Pipeline, error)

func runPipeline(cCtx *cli.Context, build pipelineBuilder) error {
	logger := flags.SetupLogger(cCtx)
	env, err := newEnvironment(cCtx, logger)
	if err != nil {
		return err
	}

	p, err := build(env.deps, provisioning.WithStartHook(func(info provisioning.StepInfo) {
		logger.Info(info.Label, slog.String("step", info.ID))
	}))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := p.Run(ctx, env.pc)
	if err := env.saveState(); err != nil {
		return err
	}
	if err := printJSON(res); err != nil {
		return err
	}
	return res.Err()
}

func printSteps(cCtx *cli.Context) error {
	env, err := newEnvironment(cCtx, flags.SetupLogger(cCtx))
	if err != nil {
		return err
	}
	meta, err := steps.StepsMetadata(env.deps)
	if err != nil {
		return err
	}
	return printJSON(meta)
}

func forgetSteps(cCtx *cli.Context) error {
	if cCtx.NArg() == 0 {
		return errors.New("at least one step id required")
	}
	env, err := newEnvironment(cCtx, flags.SetupLogger(cCtx))
	if err != nil {
		return err
	}
	for _, id := range cCtx.Args().Slice() {
		env.pc.Forget(id)
		env.log.Info("Forgot step result", slog.String("step", id))
	}
	return env.saveState()
}

func verifyBackup(cCtx *cli.Context) error {
	env, err := newEnvironment(cCtx, flags.SetupLogger(cCtx))
	if err != nil {
		return err
	}
	report, err := env.deps.VerifyBackup(cCtx.Context, env.pc)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if !report.Current {
		env.log.Warn("Backup predates the current configuration", slog.String("manifest_id", report.ManifestID))
	}
	return printJSON(report)
}

func deploy(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	env, err := newEnvironment(cCtx, logger)
	if err != nil {
		return err
	}

	params := map[string]string{}
	if v := cCtx.String(flagChainID.Name); v != "" {
		params["chain_id"] = v
	}
	if v := cCtx.String(flagNetwork.Name); v != "" {
		params["network"] = v
	}
	spec, work, err := steps.DeployJob(env.deps.Chain, interfaces.DeployRequest{
		Secret: cCtx.String(flagSecret.Name),
		RPCURL: cCtx.String(flagRPCURL.Name),
		Params: params,
	})
	if err != nil {
		return err
	}

	registry := jobs.NewRegistry(logger)
	id, err := registry.Submit(spec, work)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := registry.Wait(ctx); err != nil {
		return err
	}

	job, err := registry.Poll(id)
	if err != nil {
		return err
	}
	if err := printJSON(job); err != nil {
		return err
	}
	if job.Status == jobs.StatusFailed {
		return cli.Exit(job.Message, 1)
	}
	return nil
}

func serve(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	env, err := newEnvironment(cCtx, logger)
	if err != nil {
		return err
	}

	meta, err := steps.StepsMetadata(env.deps)
	if err != nil {
		return err
	}
	registry := jobs.NewRegistry(logger)
	handler := blockchain.NewHandler(env.deps.Chain, registry, meta, logger)

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String(flags.ListenAddrFlag.Name))
	srv, err := httpserver.New(cfg, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	srv.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownDuration)
	defer cancel()
	if err := registry.Wait(ctx); err != nil {
		logger.Warn("Jobs still running at shutdown", "err", err)
	}
	logger.Info("Server shutdown complete")
	return nil
}
