package main

import (
  "go/format"
  "io/fs"
  "os"
  "path/filepath"
  "strings"
  "testing"

  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

// twoSpaceIndent rewrites gofmt's leading tabs as two spaces each.
func twoSpaceIndent(src string) string {
  lines := strings.Split(src, "\n")
  for i, line := range lines {
    trimmed := strings.TrimLeft(line, "\t")
    if n := len(line) - len(trimmed); n > 0 {
      lines[i] = strings.Repeat("  ", n) + trimmed
    }
  }
  return strings.Join(lines, "\n")
}

func TestSourcesAreFormatted(t *testing.T) {
  root := filepath.Join("..", "..")
  var files []string
  err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
    if err != nil {
      return err
    }
    name := d.Name()
    if d.IsDir() {
      if path != root && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
        return filepath.SkipDir
      }
      return nil
    }
    if strings.HasSuffix(name, ".go") {
      files = append(files, path)
    }
    return nil
  })
  require.NoError(t, err)
  require.NotEmpty(t, files)

  for _, path := range files {
    src, err := os.ReadFile(path)
    require.NoError(t, err)
    formatted, err := format.Source(src)
    require.NoError(t, err, path)
    assert.Equal(t, twoSpaceIndent(string(formatted)), string(src), path)
  }
}
