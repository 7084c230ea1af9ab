// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

package service

import (
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/oops"
	"github.com/zeebo/blake3"
)

// Kind identifies how an artifact is loaded.
type Kind string

// Artifact kinds.
const (
	KindNative  Kind = "native"
	KindBuiltin Kind = "builtin"
)

// NativeExt is the file extension of native plugin artifacts.
const NativeExt = ".so"

// Artifact is one loadable service plugin. Path is a file for native
// artifacts and the registered name for builtins.
type Artifact struct {
	Path   string
	Kind   Kind
	Digest string
}

func (a Artifact) String() string {
	return string(a.Kind) + ":" + a.Path
}

// BuiltinArtifacts returns an artifact for each compiled-in plugin name.
func BuiltinArtifacts(names ...string) []Artifact {
	out := make([]Artifact, 0, len(names))
	for _, name := range names {
		out = append(out, Artifact{Path: name, Kind: KindBuiltin})
	}
	return out
}

// ScanDir returns the native artifacts directly inside dir, sorted by path.
// A missing directory yields no artifacts. Files that cannot be hashed are
// still returned so the loader reports them.
func ScanDir(dir string, logger *slog.Logger) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.Code(CodeArtifactUnreadable).
			In("service").
			With("dir", dir).
			Wrapf(ErrArtifactUnreadable, "read plugin directory: %v", err)
	}

	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), NativeExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		digest, err := fileDigest(path)
		if err != nil {
			logger.Warn("cannot hash plugin artifact", "artifact", path, "error", err)
		}
		out = append(out, Artifact{Path: path, Kind: KindNative, Digest: digest})
	}

	slices.SortFunc(out, func(a, b Artifact) int { return strings.Compare(a.Path, b.Path) })
	return out, nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from ReadDir of the configured plugin dir
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
