package indexer

import (
	"path/filepath"
	"strings"
)

// FileType is the semantic type and language tag of an indexable file.
type FileType struct {
	FileType string
	Language string
}

var indexableExtensions = map[string]FileType{
	".kt":     {"kotlin", "kotlin"},
	".kts":    {"kotlin", "kotlin"},
	".java":   {"java", "java"},
	".gradle": {"gradle", "groovy"},
	".md":     {"markdown", "markdown"},
	".xml":    {"xml", "xml"},
}

var skipDirs = map[string]bool{
	".git":    true,
	".gradle": true,
	".idea":   true,
	"build":   true,
	".cxx":    true,
	".kotlin": true,
}

var skipExtensions = map[string]bool{
	".so": true, ".jar": true, ".apk": true, ".aar": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true, ".ico": true,
	".iml": true, ".class": true, ".dex": true,
}

// Top-level directories whose children are separate Gradle modules.
var moduleContainers = map[string]bool{
	"core": true, "feature": true, "third": true, "build-logic": true,
}

var singleModules = map[string]bool{
	"app": true, "buildSrc": true,
}

func fileTypeFor(path string) (FileType, bool) {
	ft, ok := indexableExtensions[strings.ToLower(filepath.Ext(path))]
	return ft, ok
}

// shouldSkip reports whether relPath sits under a skipped directory or has
// an artifact extension.
func shouldSkip(relPath string) bool {
	for _, part := range strings.Split(filepath.ToSlash(relPath), "/") {
		if skipDirs[part] {
			return true
		}
	}
	return skipExtensions[strings.ToLower(filepath.Ext(relPath))]
}

// moduleName derives the Gradle-style module of path relative to root.
func moduleName(root, path string) string {
	relPath, ok := relative(root, path)
	if !ok {
		return "unknown"
	}
	if relPath == "." || relPath == "" {
		return "root"
	}
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	if len(parts) >= 2 {
		switch {
		case moduleContainers[parts[0]]:
			return parts[0] + ":" + parts[1]
		case singleModules[parts[0]]:
			return parts[0]
		}
	}
	return parts[0]
}

// relative returns path relative to root; ok is false when path is outside root.
func relative(root, path string) (string, bool) {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	if r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return r, true
}
