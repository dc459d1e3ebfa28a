// Package modpath translates between filesystem paths and dotted module
// identifiers anchored at a root directory.
//
// A source file at sub/dir/greeter.lua under the root maps to the
// identifier "sub.dir.greeter" and back. Both directions are pure string
// manipulation; nothing here touches the filesystem. Because the dot is
// the identifier delimiter, directory and file stem names must not
// themselves contain dots: a file named "a.b.lua" aliases the identifier
// of "a/b.lua".
package modpath

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Delimiter separates the segments of a module identifier.
const Delimiter = "."

// ErrOutsideRoot is returned when a path does not lie under the module root.
var ErrOutsideRoot = errors.New("path outside module root")

// ToIdentifier converts an absolute or relative OS path to the dotted
// identifier of the module it holds. The path must name a file at or
// below root; the file extension, if any, is dropped. Hidden files whose
// name is only an extension ("/.lua") keep their name as the final
// segment.
func ToIdentifier(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if ext := filepath.Ext(rel); ext != filepath.Base(rel) {
		rel = strings.TrimSuffix(rel, ext)
	}
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", Delimiter), nil
}

// ToPath converts a dotted identifier back to the OS path of its source
// file under root. ext must include the leading dot ("" is allowed).
// ToPath inverts ToIdentifier for every file ToIdentifier accepts.
func ToPath(root, identifier, ext string) string {
	rel := strings.ReplaceAll(identifier, Delimiter, string(filepath.Separator))
	return filepath.Join(root, rel+ext)
}
