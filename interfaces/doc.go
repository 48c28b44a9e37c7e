// Package interfaces defines the collaborator contracts of the node provisioner,
// separating interface definitions from implementations.
//
// # Chain Interfaces
//
// ChainAdapter: address validation, key derivation, contract deployment, contract
// existence and balance queries for one deployment network.
//
// ChainOperator: chain tooling used after the node is reachable, such as credential
// issuance, subscription plans and the revenue-share address book.
//
// # Configuration Interfaces
//
// ConfigStore: read, read-merge-write and idempotent re-write detection for the
// configuration documents the pipelines produce.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for configuration backups across multiple
// backend types (file, S3, IPFS, Vault).
//
// StorageBackendFactory: Creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
package interfaces
