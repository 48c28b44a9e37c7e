package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/node-provisioning-backend/interfaces"
	"github.com/ruteri/node-provisioning-backend/provisioning"
	"gopkg.in/yaml.v3"
)

// backedUp lists the documents included in a configuration snapshot.
var backedUp = []string{
	Web3DefaultsFile,
	BlockhostFile,
	AdminCommandsFile,
	RevenueShareFile,
	AddressBookFile,
}

// snapshot renders every present document into one YAML blob keyed by document name.
func (d *Deps) snapshot() ([]byte, []string, error) {
	docs := map[string]interfaces.Document{}
	var names []string
	for _, name := range backedUp {
		doc, exists, err := d.Store.Load(name)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			docs[name] = doc
			names = append(names, name)
		}
	}
	if len(docs) == 0 {
		return nil, nil, provisioning.MissingPrerequisite("no configuration documents to back up")
	}
	data, err := yaml.Marshal(docs)
	return data, names, err
}

// BackupManifest is the plaintext index stored next to an encrypted snapshot.
type BackupManifest struct {
	Snapshot  string    `yaml:"snapshot" json:"snapshot"`
	Digest    string    `yaml:"digest" json:"digest"`
	Documents []string  `yaml:"documents" json:"documents"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

// NewBackupStep stores an encrypted configuration snapshot in the backup backends. The
// snapshot is encrypted with the admin signature so only the admin can restore it.
func NewBackupStep(d *Deps) provisioning.Step {
	return &provisioning.StepFunc{
		StepInfo: provisioning.StepInfo{ID: Backup, Label: "Backing up configuration"},
		Check: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, bool) {
			prev, ok := pc.Result(Backup)
			if !ok {
				return nil, false
			}
			data, _, err := d.snapshot()
			if err != nil || prev.String("digest") != interfaces.ComputeID(data).String() {
				return nil, false
			}
			return prev, true
		},
		Do: func(ctx context.Context, pc *provisioning.Context) (provisioning.Artifact, error) {
			if d.Backups == nil {
				return nil, provisioning.MissingPrerequisite("no backup location configured")
			}
			signature := pc.String(SectionAdmin, "signature")
			if signature == "" {
				return nil, provisioning.MissingPrerequisite("admin signature required to encrypt the backup")
			}

			data, names, err := d.snapshot()
			if err != nil {
				return nil, err
			}
			ciphertext, err := d.Chain.EncryptSymmetric(ctx, signature, string(data))
			if err != nil {
				return nil, fmt.Errorf("encrypt configuration snapshot: %w", err)
			}
			id, err := d.Backups.Store(ctx, []byte(ciphertext), interfaces.SecretType)
			if err != nil {
				return nil, fmt.Errorf("store configuration snapshot: %w", err)
			}

			manifest, err := yaml.Marshal(BackupManifest{
				Snapshot:  id.String(),
				Digest:    interfaces.ComputeID(data).String(),
				Documents: names,
				CreatedAt: time.Now().UTC(),
			})
			if err != nil {
				return nil, err
			}
			manifestID, err := d.Backups.Store(ctx, manifest, interfaces.ConfigType)
			if err != nil {
				return nil, fmt.Errorf("store backup manifest: %w", err)
			}

			d.logger().Info("Stored configuration backup",
				slog.String("content_id", id.String()),
				slog.String("manifest_id", manifestID.String()),
				slog.String("backend", d.Backups.Name()))
			return provisioning.Artifact{
				"content_id":  id.String(),
				"manifest_id": manifestID.String(),
				"digest":      interfaces.ComputeID(data).String(),
				"location":    d.Backups.LocationURI(),
			}, nil
		},
	}
}

// BackupReport is the result of VerifyBackup.
type BackupReport struct {
	BackupManifest
	ManifestID string `json:"manifest_id"`
	Location   string `json:"location"`
	Size       int    `json:"size"`
	// Current is false when the configuration changed after the snapshot was taken.
	Current bool `json:"current"`
}

func fetchVerified(ctx context.Context, b interfaces.StorageBackend, hexID string, ct interfaces.ContentType) ([]byte, error) {
	id, err := interfaces.NewContentIDFromHex(hexID)
	if err != nil {
		return nil, fmt.Errorf("%s id %q: %w", ct, hexID, err)
	}
	data, err := b.Fetch(ctx, id, ct)
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", ct, id, err)
	}
	if got := interfaces.ComputeID(data); got != id {
		return nil, fmt.Errorf("%s %s is corrupt, stored content hashes to %s", ct, id, got)
	}
	return data, nil
}

// VerifyBackup reads back the manifest and the encrypted snapshot recorded by the backup
// step and checks both against their content ids.
func (d *Deps) VerifyBackup(ctx context.Context, pc *provisioning.Context) (*BackupReport, error) {
	if d.Backups == nil {
		return nil, provisioning.MissingPrerequisite("no backup location configured")
	}
	prev, ok := pc.Result(Backup)
	if !ok || prev.String("manifest_id") == "" {
		return nil, provisioning.MissingPrerequisite("no backup recorded")
	}

	raw, err := fetchVerified(ctx, d.Backups, prev.String("manifest_id"), interfaces.ConfigType)
	if err != nil {
		return nil, err
	}
	report := &BackupReport{ManifestID: prev.String("manifest_id"), Location: d.Backups.LocationURI()}
	if err := yaml.Unmarshal(raw, &report.BackupManifest); err != nil {
		return nil, fmt.Errorf("parse backup manifest: %w", err)
	}
	if report.Snapshot != prev.String("content_id") {
		return nil, fmt.Errorf("manifest points at snapshot %s, recorded %s", report.Snapshot, prev.String("content_id"))
	}

	snapshot, err := fetchVerified(ctx, d.Backups, report.Snapshot, interfaces.SecretType)
	if err != nil {
		return nil, err
	}
	report.Size = len(snapshot)
	if data, _, err := d.snapshot(); err == nil {
		report.Current = interfaces.ComputeID(data).String() == report.Digest
	}
	return report, nil
}
