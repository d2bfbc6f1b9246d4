package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	arkfs "arklowdun/internal/fs"
)

type verifyFile struct {
	Path   string
	SHA256 string
}

var verifyShTemplate = template.Must(template.New("verify.sh").Parse(`#!/bin/sh
# Recomputes the bundle digests and compares them with the export manifest.
set -u
cd "$(dirname "$0")" || exit 2

if command -v sha256sum >/dev/null 2>&1; then
  digest() { sha256sum "$1" | cut -d' ' -f1; }
else
  digest() { shasum -a 256 "$1" | cut -d' ' -f1; }
fi

status=0
check() {
  actual=$(digest "$1")
  if [ "$actual" = "$2" ]; then
    echo "OK       $1"
  else
    echo "MISMATCH $1"
    status=1
  fi
}

{{range .}}check "{{.Path}}" "{{.SHA256}}"
{{end}}
exit $status
`))

var verifyPs1Template = template.Must(template.New("verify.ps1").Parse(`# Recomputes the bundle digests and compares them with the export manifest.
$ErrorActionPreference = "Stop"
Set-Location -Path $PSScriptRoot
$status = 0
$expected = @(
{{range .}}  @("{{.Path}}", "{{.SHA256}}")
{{end}})
foreach ($pair in $expected) {
  $actual = (Get-FileHash -Algorithm SHA256 -Path $pair[0]).Hash.ToLower()
  if ($actual -eq $pair[1]) {
    Write-Output "OK       $($pair[0])"
  } else {
    Write-Output "MISMATCH $($pair[0])"
    $status = 1
  }
}
exit $status
`))

func verifyFiles(m Manifest) []verifyFile {
	names := make([]string, 0, len(m.Tables))
	for name := range m.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	files := make([]verifyFile, 0, len(names)+1)
	for _, name := range names {
		files = append(files, verifyFile{Path: DataDir + "/" + name + ".jsonl", SHA256: m.Tables[name].SHA256})
	}
	return append(files, verifyFile{Path: AttachmentsManifestName, SHA256: m.Attachments.SHA256Manifest})
}

func writeVerifyScripts(dir string, m Manifest) error {
	files := verifyFiles(m)
	for _, s := range []struct {
		name string
		tmpl *template.Template
		perm os.FileMode
	}{
		{VerifyShName, verifyShTemplate, 0o755},
		{VerifyPs1Name, verifyPs1Template, 0o644},
	} {
		var buf bytes.Buffer
		if err := s.tmpl.Execute(&buf, files); err != nil {
			return fmt.Errorf("rendering %s: %w", s.name, err)
		}
		path := filepath.Join(dir, s.name)
		if err := arkfs.WriteFileAtomic(path, buf.Bytes(), s.perm); err != nil {
			return err
		}
		if err := os.Chmod(path, s.perm); err != nil {
			return fmt.Errorf("chmod %s: %w", s.name, err)
		}
	}
	return nil
}
