package orchestrator

import (
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
)

// walkLocalFiles recursively walks localDir and returns every regular
// file's path relative to localDir, using forward slashes regardless of
// host OS. Unreadable directories are skipped with a warning, not an
// error — matching spec's PreTrash enumeration contract.
func walkLocalFiles(localDir string, logger zerolog.Logger) ([]string, error) {
	var files []string
	err := filepath.WalkDir(localDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				logger.Warn().Err(err).Str("dir", path).Msg("skipping unreadable directory")
				return fs.SkipDir
			}
			logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable path")
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// extraRemoteFiles returns remote files absent from the local set.
func extraRemoteFiles(remote, local []string) []string {
	localSet := make(map[string]struct{}, len(local))
	for _, f := range local {
		localSet[f] = struct{}{}
	}
	var extras []string
	for _, f := range remote {
		if _, ok := localSet[f]; !ok {
			extras = append(extras, f)
		}
	}
	return extras
}

// batchOf groups items into chunks of at most size.
func batchOf(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var batches [][]string
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		batches = append(batches, items[:n])
		items = items[n:]
	}
	return batches
}
