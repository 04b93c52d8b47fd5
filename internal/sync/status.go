package sync

import (
	"fmt"
	"os"

	"github.com/schaermu/bundlesyncd/internal/content"
)

// Status describes what is installed in the target directory
type Status struct {
	TargetDir string
	Installed string // empty when no marker is present
	Files     []string
	Languages []string
	Missing   bool // target directory does not exist yet
}

// Status inspects the target directory without touching the network
func (e *Engine) Status() (*Status, error) {
	st := &Status{TargetDir: e.targetDir}

	if _, err := e.fs.Stat(e.targetDir); err != nil {
		if os.IsNotExist(err) {
			st.Missing = true
			return st, nil
		}
		return nil, fmt.Errorf("failed to stat target directory: %w", err)
	}

	marker, ok, err := e.store.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read version marker: %w", err)
	}
	if ok {
		st.Installed = string(marker)
	}

	files, err := content.DiscoverFiles(e.fs, e.targetDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list target directory: %w", err)
	}
	st.Files = files
	st.Languages = content.Languages(files)

	return st, nil
}
