// Package blockchain exposes the chain operations of the provisioning wizard over HTTP.
//
// Contract deployment is long running: POST /api/blockchain/deploy validates the request
// synchronously and returns a job id, and GET /api/blockchain/deploy-status/{job_id}
// reports the job snapshot (404 for unknown ids). The remaining endpoints are synchronous:
//
//   - GET  /api/blockchain/balance?address=&rpc_url=
//   - POST /api/blockchain/validate-key
//   - POST /api/blockchain/generate-wallet (only for chains implementing WalletGenerator)
//   - GET  /api/blockchain/steps
//
// Errors are returned as {"error": "..."} with 400 for rejected input.
package blockchain
