// Package storage archives configuration backups in content-addressed storage backends.
//
// Each backend stores a blob under the SHA-256 hash of its content, namespaced by content
// type (plaintext config snapshots or encrypted snapshots):
//
//   - file:///var/backups/blockhost           local directory
//   - s3://bucket/prefix?region=eu-west-1     Amazon S3 or compatible (endpoint= param)
//   - ipfs://127.0.0.1:5001/                  IPFS node, stored through the MFS API
//   - vault://vault.internal:8200/secret/node Vault KV v2, token from VAULT_TOKEN
//
// MultiStorageBackend writes to every available backend and reads from the first one
// that has the content. StorageBackendFactory builds backends from location URIs.
package storage
