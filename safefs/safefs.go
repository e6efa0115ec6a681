// Package safefs provides path-traversal-safe resolution and
// atomic-move-then-verify file transfer, the two primitives every
// filesystem touch in the system routes through.
package safefs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SafePathError is raised on any path-traversal or symlink-escape
// violation.
type SafePathError struct {
	Reason string
}

func (e *SafePathError) Error() string { return "safefs: unsafe path: " + e.Reason }
func (e *SafePathError) Kind() string  { return "SafePath" }

// ResolveSafePath builds the unresolved join of baseDir and
// untrustedRelative, walks every component from baseDir inclusive to the
// leaf rejecting any component that is a symlink (this check happens
// before any path-canonicalization that would follow symlinks and erase
// them), then canonicalizes and confirms the result is inside baseDir.
func ResolveSafePath(baseDir, untrustedRelative string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", &SafePathError{Reason: fmt.Sprintf("cannot resolve base dir: %v", err)}
	}

	joined := filepath.Join(absBase, untrustedRelative)
	if !strings.HasPrefix(joined, absBase+string(filepath.Separator)) && joined != absBase {
		return "", &SafePathError{Reason: "resolved path escapes base directory"}
	}

	rel, err := filepath.Rel(absBase, joined)
	if err != nil {
		return "", &SafePathError{Reason: fmt.Sprintf("cannot compute relative path: %v", err)}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &SafePathError{Reason: "path traversal via '..' component"}
	}

	if err := checkNoSymlinksUnresolved(absBase, rel); err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			// Leaf may not exist yet (e.g. a destination for a write);
			// the symlink-component walk above already covers every
			// existing ancestor, so this is acceptable.
			resolvedBase, baseErr := filepath.EvalSymlinks(absBase)
			if baseErr != nil {
				return "", &SafePathError{Reason: fmt.Sprintf("cannot resolve base dir: %v", baseErr)}
			}
			return filepath.Join(resolvedBase, rel), nil
		}
		return "", &SafePathError{Reason: fmt.Sprintf("cannot resolve path: %v", err)}
	}

	resolvedBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return "", &SafePathError{Reason: fmt.Sprintf("cannot resolve base dir: %v", err)}
	}
	if resolved != resolvedBase && !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)) {
		return "", &SafePathError{Reason: "resolved path escapes base directory after symlink resolution"}
	}

	return resolved, nil
}

// checkNoSymlinksUnresolved walks every path component from base
// (inclusive) to the leaf named by rel and fails if any existing
// component is itself a
// symlink. It must run before EvalSymlinks, which would otherwise follow
// and erase exactly the escape this check exists to catch.
func checkNoSymlinksUnresolved(base, rel string) error {
	if info, err := os.Lstat(base); err != nil {
		return &SafePathError{Reason: fmt.Sprintf("cannot stat %s: %v", base, err)}
	} else if info.Mode()&os.ModeSymlink != 0 {
		return &SafePathError{Reason: fmt.Sprintf("base directory %s is a symlink", base)}
	}
	if rel == "." {
		return nil
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	current := base
	for _, part := range parts {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				// Remaining components (if any) also won't exist; nothing
				// further to check.
				return nil
			}
			return &SafePathError{Reason: fmt.Sprintf("cannot stat %s: %v", current, err)}
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return &SafePathError{Reason: fmt.Sprintf("path component %s is a symlink", current)}
		}
	}
	return nil
}

// AtomicMoveError wraps failures of AtomicMoveThenVerify.
type AtomicMoveError struct {
	Reason string
}

func (e *AtomicMoveError) Error() string { return "safefs: atomic move: " + e.Reason }
func (e *AtomicMoveError) Kind() string  { return "AtomicMove" }

// AtomicMoveThenVerify reads src exactly once into memory, computes its
// SHA-256, writes a same-directory temp file in dstDir, fsyncs, re-reads
// the temp file and verifies the hash matches, atomically renames
// temp → final, and best-effort removes src. Callers must thereafter
// reference only the returned destination path, never src again.
func AtomicMoveThenVerify(src, dstDir string) (string, error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return "", &AtomicMoveError{Reason: fmt.Sprintf("read source: %v", err)}
	}
	sum := sha256.Sum256(data)
	wantHash := hex.EncodeToString(sum[:])

	tmp, err := os.CreateTemp(dstDir, ".saoe-move-*")
	if err != nil {
		return "", &AtomicMoveError{Reason: fmt.Sprintf("create temp file: %v", err)}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &AtomicMoveError{Reason: fmt.Sprintf("write temp file: %v", err)}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", &AtomicMoveError{Reason: fmt.Sprintf("fsync temp file: %v", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", &AtomicMoveError{Reason: fmt.Sprintf("close temp file: %v", err)}
	}

	verifyData, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", &AtomicMoveError{Reason: fmt.Sprintf("re-read temp file: %v", err)}
	}
	verifySum := sha256.Sum256(verifyData)
	if hex.EncodeToString(verifySum[:]) != wantHash {
		os.Remove(tmpPath)
		return "", &AtomicMoveError{Reason: "hash mismatch after write"}
	}

	finalPath := filepath.Join(dstDir, filepath.Base(src))
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", &AtomicMoveError{Reason: fmt.Sprintf("rename: %v", err)}
	}

	_ = os.Remove(src) // best-effort

	return finalPath, nil
}
