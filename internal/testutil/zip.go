package testutil

import (
	"bytes"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
)

// BuildZip returns a zip archive holding files (name -> content) under the
// folder root, the layout of a GitHub branch archive. Names ending in "/" are
// written as directory entries. An empty root places files at the top level.
func BuildZip(t *testing.T, root string, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	if root != "" {
		if _, err := w.Create(root + "/"); err != nil {
			t.Fatalf("failed to add root folder: %v", err)
		}
	}

	for _, name := range names {
		full := name
		if root != "" {
			full = root + "/" + name
		}
		fw, err := w.Create(full)
		if err != nil {
			t.Fatalf("failed to add %s: %v", full, err)
		}
		if _, err := fw.Write([]byte(files[name])); err != nil {
			t.Fatalf("failed to write %s: %v", full, err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("failed to finalize zip: %v", err)
	}
	return buf.Bytes()
}
