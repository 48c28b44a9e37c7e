package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/node-provisioning-backend/chains/evm"
	"github.com/ruteri/node-provisioning-backend/chains/opnet"
	"github.com/ruteri/node-provisioning-backend/cmd/flags"
	"github.com/ruteri/node-provisioning-backend/configstore"
	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"github.com/ruteri/node-provisioning-backend/steps"
	"github.com/ruteri/node-provisioning-backend/storage"
	"github.com/ruteri/node-provisioning-backend/toolexec"
	"github.com/urfave/cli/v2"
)

// environment is everything a command needs, resolved from flags and the saved state.
type environment struct {
	log       *slog.Logger
	stateFile string
	pc        *provisioning.Context
	deps      *steps.Deps
}

func loadContext(cCtx *cli.Context) (*provisioning.Context, error) {
	pc, err := provisioning.LoadState(cCtx.String(flags.StateFileFlag.Name))
	if err != nil {
		return nil, err
	}
	if path := cCtx.String(flags.ParamsFlag.Name); path != "" {
		params, err := provisioning.LoadParameters(path)
		if err != nil {
			return nil, err
		}
		pc.MergeParameters(params)
	}
	return pc, nil
}

func newEnvironment(cCtx *cli.Context, log *slog.Logger) (*environment, error) {
	pc, err := loadContext(cCtx)
	if err != nil {
		return nil, err
	}

	paths := steps.Paths{
		ConfigDir:       cCtx.String(flags.ConfigDirFlag.Name),
		DeployerKeyFile: cCtx.String(flags.DeployerKeyFlag.Name),
		EnvFile:         cCtx.String(flags.EnvFileFlag.Name),
		DataDir:         cCtx.String(flags.DataDirFlag.Name),
	}
	if paths.DeployerKeyFile == "" {
		paths.DeployerKeyFile = filepath.Join(paths.ConfigDir, "deployer.key")
	}

	store := configstore.NewFileStore(paths.ConfigDir, log)
	inv := toolexec.NewInvoker(&toolexec.ExecRunner{WaitDelay: 5 * time.Second}, log,
		toolexec.WithDefaultTimeout(cCtx.Duration(flags.ToolTimeoutFlag.Name)))

	var chain interfaces.Chain
	switch name := cCtx.String(flags.ChainFlag.Name); name {
	case "evm":
		chain = evm.New(inv, store, evm.Config{
			DeployerKeyFile: paths.DeployerKeyFile,
			ContractsDir:    cCtx.String(flags.ContractsDirFlag.Name),
		}, log)
	case "opnet":
		chain = opnet.New(inv, store, opnet.Config{
			Network:         pc.String(steps.SectionBlockchain, "network"),
			DeployerKeyFile: paths.DeployerKeyFile,
			ConfigDir:       paths.ConfigDir,
		}, log)
	default:
		return nil, fmt.Errorf("unknown chain %q", name)
	}

	backups, err := backupBackend(cCtx, pc, log)
	if err != nil {
		return nil, err
	}

	return &environment{
		log:       log,
		stateFile: cCtx.String(flags.StateFileFlag.Name),
		pc:        pc,
		deps: &steps.Deps{
			Chain:   chain,
			Store:   store,
			Invoker: inv,
			Backups: backups,
			Paths:   paths,
			Log:     log,
		},
	}, nil
}

// backupBackend combines the --backup-location flags with backup.locations from the
// parameters. No locations means no backup step.
func backupBackend(cCtx *cli.Context, pc *provisioning.Context, log *slog.Logger) (interfaces.StorageBackend, error) {
	uris := cCtx.StringSlice(flags.BackupLocationFlag.Name)
	uris = append(uris, pc.Parameters[steps.SectionBackup].Strings("locations")...)
	if len(uris) == 0 {
		return nil, nil
	}

	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		locations = append(locations, interfaces.StorageBackendLocation(uri))
	}
	backend, err := storage.NewStorageBackendFactory(log).CreateMultiBackend(locations)
	if err != nil {
		return nil, fmt.Errorf("backup locations: %w", err)
	}
	return backend, nil
}

func (e *environment) saveState() error {
	if err := provisioning.SaveState(e.stateFile, e.pc); err != nil {
		e.log.Error("Failed to save provisioning state", "err", err, slog.String("path", e.stateFile))
		return err
	}
	return nil
}

// stdout receives the JSON reports of every command.
var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
