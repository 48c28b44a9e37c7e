package interfaces

// Document is a parsed configuration document: top-level section name to value.
type Document map[string]any

// ConfigStore persists configuration documents. Names are relative to the store root
// unless absolute; the format follows the file extension.
type ConfigStore interface {
	// Load returns the current document. exists is false when it was never written.
	Load(name string) (doc Document, exists bool, err error)

	// Merge performs a read-merge-write: each top-level section of update is shallow-merged
	// into the existing section of the same name. changed is false when the file already
	// held the merged content and nothing was written.
	Merge(name string, update Document) (changed bool, err error)

	// Replace writes doc as the full document content.
	Replace(name string, doc Document) (changed bool, err error)

	// CreateIfMissing writes doc only when the document does not exist yet.
	CreateIfMissing(name string, doc Document) (created bool, err error)

	// Covers reports whether merging update would leave the document unchanged.
	Covers(name string, update Document) (bool, error)

	// ReadSecret returns the raw contents of a secret file.
	ReadSecret(name string) (data []byte, exists bool, err error)

	// WriteSecret writes a secret file with owner/group-only permissions.
	WriteSecret(name string, data []byte) (changed bool, err error)

	// MergeEnv merges vars into a KEY=value environment file.
	MergeEnv(name string, vars map[string]string) (changed bool, err error)

	// EnvCovers reports whether the environment file already holds vars.
	EnvCovers(name string, vars map[string]string) (bool, error)

	// Path resolves name to the location it is stored at.
	Path(name string) string
}
