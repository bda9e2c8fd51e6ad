// Package pathutil canonicalizes caller-supplied paths before they reach a
// storage backend.
//
// Canonicalize behaves like realpath(3) for the part of a path that exists
// on disk and collapses the remaining, not-yet-existing segments lexically,
// so a path can be validated before the file it names is created. Lexical
// applies the same rules against a virtual root for backends that have no
// filesystem of their own.
package pathutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotResolvable is returned when a path cannot be canonicalized: it is
	// empty, contains a NUL byte, passes through something that is not a
	// directory, or walks above its root.
	ErrNotResolvable = errors.New("path is not resolvable")

	// ErrEscapesRoot is returned by CanonicalizeWithin when the canonical
	// path lies outside the sandbox root.
	ErrEscapesRoot = errors.New("path escapes root")

	// ErrNotAbsolute is returned by Relative for relative inputs.
	ErrNotAbsolute = errors.New("path is not absolute")
)

// maxSymlinkDepth bounds the number of symlinks followed while resolving a
// single path.
const maxSymlinkDepth = 255

// Canonicalize returns the canonical absolute form of path. A relative path
// is first joined onto base, or onto the working directory when base is
// empty.
//
// The longest existing prefix of the path is resolved with symlinks
// followed. Segments past that prefix are applied lexically: "." is
// dropped, ".." removes the previous segment. A ".." that pops every
// pending segment continues from the canonical parent of the prefix, so a
// symlink reached again after backing out of the non-existent part is still
// resolved. The result is idempotent.
func Canonicalize(path, base string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("canonicalize: empty path: %w", ErrNotResolvable)
	}
	if strings.IndexByte(path, 0) >= 0 || strings.IndexByte(base, 0) >= 0 {
		return "", fmt.Errorf("canonicalize %q: NUL byte in path: %w", path, ErrNotResolvable)
	}

	if !filepath.IsAbs(path) {
		if base == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("canonicalize %q: working directory: %w", path, ErrNotResolvable)
			}
			base = wd
		} else if !filepath.IsAbs(base) {
			abs, err := filepath.Abs(base)
			if err != nil {
				return "", fmt.Errorf("canonicalize %q: base %q: %w", path, base, ErrNotResolvable)
			}
			base = abs
		}
		// No filepath.Join here: Join cleans lexically, which would fold
		// "link/.." before the link is resolved.
		path = base + string(filepath.Separator) + path
	}

	r := resolver{}
	out, err := r.walk(path)
	if err != nil {
		return "", fmt.Errorf("canonicalize %q: %w", path, err)
	}
	return out, nil
}

// CanonicalizeWithin canonicalizes path relative to root and rejects any
// result that is not root itself or beneath it. Absolute inputs are treated
// as relative to root. root must exist and be a directory.
func CanonicalizeWithin(root, path string) (string, error) {
	canonRoot, err := Canonicalize(root, "")
	if err != nil {
		return "", err
	}
	info, err := os.Stat(canonRoot)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("canonicalize: root %q is not a directory: %w", root, ErrNotResolvable)
	}

	if path == "" {
		return "", fmt.Errorf("canonicalize: empty path: %w", ErrNotResolvable)
	}
	rel := strings.TrimLeft(path, `/\`)
	if vol := filepath.VolumeName(rel); vol != "" {
		rel = strings.TrimLeft(rel[len(vol):], `/\`)
	}
	if rel == "" {
		rel = "."
	}

	out, err := Canonicalize(rel, canonRoot)
	if err != nil {
		return "", err
	}
	if !IsWithin(canonRoot, out) {
		return "", fmt.Errorf("canonicalize %q: %w", path, ErrEscapesRoot)
	}
	return out, nil
}

// IsWithin reports whether the canonical path p is root or lies beneath it.
func IsWithin(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// Lexical canonicalizes path against a virtual root and returns it as a
// slash-separated key without a leading slash. It never touches the
// filesystem.
func Lexical(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("canonicalize: empty path: %w", ErrNotResolvable)
	}
	if strings.IndexByte(path, 0) >= 0 {
		return "", fmt.Errorf("canonicalize %q: NUL byte in path: %w", path, ErrNotResolvable)
	}

	var segs []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(segs) == 0 {
				return "", fmt.Errorf("canonicalize %q: walks above root: %w", path, ErrNotResolvable)
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	if len(segs) == 0 {
		return "", fmt.Errorf("canonicalize %q: resolves to root: %w", path, ErrNotResolvable)
	}
	return strings.Join(segs, "/"), nil
}

// Relative returns the path of target relative to base. Both must be
// absolute; canonical inputs give the expected result. Equal inputs yield
// ".".
func Relative(target, base string) (string, error) {
	if !filepath.IsAbs(target) || !filepath.IsAbs(base) {
		return "", fmt.Errorf("relative %q from %q: %w", target, base, ErrNotAbsolute)
	}
	target = filepath.Clean(target)
	base = filepath.Clean(base)
	if filepath.VolumeName(target) != filepath.VolumeName(base) {
		return "", fmt.Errorf("relative %q from %q: different volumes: %w", target, base, ErrNotResolvable)
	}

	ts := splitSegments(target)
	bs := splitSegments(base)
	common := 0
	for common < len(ts) && common < len(bs) && ts[common] == bs[common] {
		common++
	}

	parts := make([]string, 0, len(bs)-common+len(ts)-common)
	for range bs[common:] {
		parts = append(parts, "..")
	}
	parts = append(parts, ts[common:]...)
	if len(parts) == 0 {
		return ".", nil
	}
	return strings.Join(parts, string(filepath.Separator)), nil
}

// Resolve joins rel onto base. It is the inverse of Relative.
func Resolve(base, rel string) string {
	return filepath.Join(base, rel)
}

func splitSegments(p string) []string {
	p = p[len(filepath.VolumeName(p)):]
	var out []string
	for _, s := range strings.Split(p, string(filepath.Separator)) {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// resolver walks an absolute path one segment at a time. current is always
// a canonical existing path; pending holds segments below it that do not
// exist.
type resolver struct {
	links int
}

func (r *resolver) walk(path string) (string, error) {
	vol := filepath.VolumeName(path)
	root := vol + string(filepath.Separator)
	current := root
	currentIsDir := true
	var pending []string

	rest := filepath.ToSlash(path[len(vol):])
	for _, seg := range strings.Split(rest, "/") {
		if seg == "" {
			continue
		}
		if !currentIsDir && len(pending) == 0 {
			return "", fmt.Errorf("%s is not a directory: %w", current, ErrNotResolvable)
		}

		switch {
		case seg == ".":
		case seg == "..":
			if len(pending) > 0 {
				pending = pending[:len(pending)-1]
				continue
			}
			if current == root {
				return "", fmt.Errorf("walks above root: %w", ErrNotResolvable)
			}
			current = filepath.Dir(current)
			currentIsDir = true
		case len(pending) > 0:
			pending = append(pending, seg)
		default:
			next := filepath.Join(current, seg)
			resolved, isDir, exists, err := r.probe(next)
			if err != nil {
				return "", err
			}
			if !exists {
				pending = append(pending, seg)
				continue
			}
			current, currentIsDir = resolved, isDir
		}
	}

	if len(pending) == 0 {
		return current, nil
	}
	return filepath.Join(append([]string{current}, pending...)...), nil
}

// probe reports whether p exists and, if it does, its canonical form.
// Dangling and looping symlinks are not resolvable; the error carries the
// cause from resolving the link.
func (r *resolver) probe(p string) (resolved string, isDir, exists bool, err error) {
	info, err := os.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, false, nil
		}
		return "", false, false, fmt.Errorf("%s: %v: %w", p, err, ErrNotResolvable)
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return p, info.IsDir(), true, nil
	}

	r.links++
	if r.links > maxSymlinkDepth {
		return "", false, false, fmt.Errorf("%s: too many symlinks: %w", p, ErrNotResolvable)
	}
	target, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", false, false, fmt.Errorf("%s: %w: %w", p, err, ErrNotResolvable)
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return "", false, false, fmt.Errorf("%s: %v: %w", p, err, ErrNotResolvable)
	}
	info, err = os.Stat(target)
	if err != nil {
		return "", false, false, fmt.Errorf("%s: %v: %w", p, err, ErrNotResolvable)
	}
	return target, info.IsDir(), true, nil
}
