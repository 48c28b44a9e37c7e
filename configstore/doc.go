// Package configstore implements interfaces.ConfigStore on the local filesystem.
//
// Documents are addressed by name relative to a root directory (absolute names are used
// as is). The extension selects the codec: .yaml/.yml documents use gopkg.in/yaml.v3,
// .json documents encoding/json, environment files github.com/joho/godotenv. Secret
// files are written raw.
//
// Every write goes through a temporary file and a rename, and every file is created with
// mode 0640. Writes that would not change the decoded content are skipped and reported
// as unchanged, which is what the provisioning steps use as their idempotency check.
package configstore
