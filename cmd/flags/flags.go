package flags

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/node-provisioning-backend/common"
	"github.com/ruteri/node-provisioning-backend/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logTint := cCtx.Bool(LogTintFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Tint:    logTint,
		Service: logService,
		Version: common.Version,
		Output:  os.Stderr,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *httpserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &httpserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var ChainFlag = &cli.StringFlag{
	Name:    "chain",
	Value:   "evm",
	Usage:   "chain backend: 'evm' or 'opnet'",
	EnvVars: []string{"BLOCKHOST_CHAIN"},
}

var ConfigDirFlag = &cli.StringFlag{
	Name:    "config-dir",
	Value:   "/etc/blockhost",
	Usage:   "directory holding the generated configuration documents",
	EnvVars: []string{"BLOCKHOST_CONFIG_DIR"},
}

var DeployerKeyFlag = &cli.StringFlag{
	Name:  "deployer-key-file",
	Usage: "deployer key file (default: <config-dir>/deployer.key)",
}

var EnvFileFlag = &cli.StringFlag{
	Name:  "env-file",
	Value: "/opt/blockhost/.env",
	Usage: "environment file written for the node services",
}

var DataDirFlag = &cli.StringFlag{
	Name:    "data-dir",
	Value:   "/var/lib/blockhost",
	Usage:   "directory holding the managed resources ledger",
	EnvVars: []string{"BLOCKHOST_DATA_DIR"},
}

var StateFileFlag = &cli.StringFlag{
	Name:  "state-file",
	Value: "/var/lib/blockhost/provisioning-state.json",
	Usage: "provisioning state shared between the pre and post phases",
}

var ContractsDirFlag = &cli.StringFlag{
	Name:  "contracts-dir",
	Value: "/usr/share/blockhost/contracts",
	Usage: "compiled contract artifacts for the cast deployment fallback",
}

var ParamsFlag = &cli.StringFlag{
	Name:    "params",
	Aliases: []string{"p"},
	Usage:   "YAML file of parameter sections merged into the saved state",
}

var DotenvFlag = &cli.StringSliceFlag{
	Name:  "dotenv",
	Usage: ".env files loaded into the process environment (tool credentials, VAULT_TOKEN)",
}

var BackupLocationFlag = &cli.StringSliceFlag{
	Name:  "backup-location",
	Usage: "storage URI for encrypted configuration backups, repeatable (file://, s3://, ipfs://, vault://)",
}

var ToolTimeoutFlag = &cli.DurationFlag{
	Name:  "tool-timeout",
	Value: 60 * time.Second,
	Usage: "default timeout for external tool invocations",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogTintFlag = &cli.BoolFlag{
	Name:  "log-tint",
	Value: false,
	Usage: "colored console logs (ignored with --log-json)",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "node-provisioner",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogTintFlag,
	LogUidFlag,
	LogServiceFlag,
	DotenvFlag,
}

var ProvisioningFlags = []cli.Flag{
	ChainFlag,
	ConfigDirFlag,
	DeployerKeyFlag,
	EnvFileFlag,
	DataDirFlag,
	StateFileFlag,
	ContractsDirFlag,
	ToolTimeoutFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
