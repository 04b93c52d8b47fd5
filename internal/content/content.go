package content

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// DefaultExtensions are the file kinds a localization bundle is made of
var DefaultExtensions = []string{
	".lang",
	".meta",
	".ver",
	".md",
}

// LanguageExtension is the extension of a translation table
const LanguageExtension = ".lang"

// Kinds is a whitelist of file extensions owned by the bundle
type Kinds []string

// NewKinds returns the given extensions, or DefaultExtensions when none are set
func NewKinds(exts []string) Kinds {
	if len(exts) == 0 {
		return Kinds(DefaultExtensions)
	}
	return Kinds(exts)
}

// IsExpected returns true if the file has one of the whitelisted extensions
func (k Kinds) IsExpected(name string) bool {
	ext := filepath.Ext(name)
	for _, valid := range k {
		if ext == valid {
			return true
		}
	}
	return false
}

// LanguageCode converts a translation file name to its language code.
// For example: en_US.lang -> en_US. Returns false for other files.
func LanguageCode(name string) (string, bool) {
	base := filepath.Base(name)
	if filepath.Ext(base) != LanguageExtension {
		return "", false
	}
	return strings.TrimSuffix(base, LanguageExtension), true
}

// DiscoverFiles lists the regular files directly under dir, sorted by name.
// Hidden files (names starting with ".") are skipped; bundles are flat, so
// subdirectories are not descended into.
func DiscoverFiles(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, info := range infos {
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			continue
		}
		files = append(files, info.Name())
	}
	sort.Strings(files)

	return files, nil
}

// Languages returns the sorted language codes of the translation tables in names
func Languages(names []string) []string {
	var langs []string
	for _, name := range names {
		if code, ok := LanguageCode(name); ok {
			langs = append(langs, code)
		}
	}
	sort.Strings(langs)
	return langs
}
