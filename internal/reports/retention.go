package reports

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// List returns the reports of kind as paths relative to the kind directory,
// oldest first.
func (w *Writer) List(kind Kind) ([]string, error) {
	base := filepath.Join(w.opts.Root, string(kind))
	var out []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		// Only <YYYY>/<MM>/<file> entries are reports.
		if strings.Count(filepath.ToSlash(rel), "/") == 2 {
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// prune keeps the newest Retention reports of kind. IO failures are logged.
func (w *Writer) prune(kind Kind) {
	entries, err := w.List(kind)
	if err != nil {
		w.opts.Logger.Warn("listing reports for retention failed", "kind", string(kind), "error", err)
		return
	}
	excess := len(entries) - w.opts.Retention
	for i := 0; i < excess; i++ {
		path := filepath.Join(w.opts.Root, string(kind), filepath.FromSlash(entries[i]))
		if err := os.Remove(path); err != nil {
			w.opts.Logger.Warn("removing old report failed", "path", path, "error", err)
		}
	}
}
