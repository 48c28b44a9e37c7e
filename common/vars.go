package common

// Version is overridden at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"

// PackageName is used as the prometheus namespace prefix.
const PackageName = "node_provisioner"
