/*
Command node-provisioner runs the provisioning pipelines of a hosting node.

	node-provisioner pre  --params wizard.yaml
	node-provisioner post --params wizard.yaml [--order mint_nft,plan,revenue_share]
	node-provisioner steps
	node-provisioner forget contracts
	node-provisioner verify-backup --params wizard.yaml
	node-provisioner deploy --secret 0x... --rpc-url https://rpc.example --chain-id 11155111
	node-provisioner serve --listen-addr 127.0.0.1:8080

pre and post share the state file, so a post run in a later process sees the wallet and
contract addresses recorded by pre and skips every step that is already done.

verify-backup reads the manifest and encrypted snapshot recorded by the backup step back
from the backup locations and fails when either is missing or does not hash to its id.
*/
package main
