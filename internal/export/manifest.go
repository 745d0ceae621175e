package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Manifest records the provenance of one written export: which batch, which
// format, and whether every non-rejected criterion made it in. Sites keep the
// manifest with the artifact so a definition can be traced back to its batch.
type Manifest struct {
	ProtocolID string    `json:"protocol_id"`
	BatchID    string    `json:"batch_id"`
	Format     string    `json:"format"`
	ExportedAt time.Time `json:"exported_at"`
	Criteria   int       `json:"criteria"`
	Skipped    []string  `json:"skipped,omitempty"`
	Complete   bool      `json:"complete"`
}

// NewManifest describes a rendered bundle. Complete means no criterion was
// skipped for lack of a persisted tree.
func NewManifest(b *Bundle, format string) *Manifest {
	return &Manifest{
		ProtocolID: b.Protocol.ID,
		BatchID:    b.Batch.ID,
		Format:     format,
		ExportedAt: time.Now().UTC(),
		Criteria:   len(b.Items),
		Skipped:    b.Skipped,
		Complete:   len(b.Skipped) == 0,
	}
}

// WriteManifest writes the manifest next to the export file, swapping the
// extension for .manifest.json. The write is atomic: temp file then rename.
func WriteManifest(exportPath string, m *Manifest) error {
	manifestPath := strings.TrimSuffix(exportPath, filepath.Ext(exportPath)) + ".manifest.json"

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(manifestPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(manifestPath)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		return fmt.Errorf("replace manifest: %w", err)
	}
	return nil
}
