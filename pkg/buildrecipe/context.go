package buildrecipe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"verifiedid-verifier/pkg/domain/errors"
)

// DefaultIgnoreFile is read from the context root when no other file is named.
const DefaultIgnoreFile = ".dockerignore"

// Paths that never belong in an image regardless of the ignore file.
var defaultIgnores = []string{
	".git/",
	".DS_Store",
	"__pycache__/",
	"*.pyc",
	".venv/",
	".idea/",
	".vscode/",
}

// ContextFiles lists, in sorted slash-separated form, the files under root
// that a COPY of the whole context would send to the builder.
func ContextFiles(root, ignoreFile string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.New(errors.CodeFileNotFound, domain, fmt.Sprintf("build context %s not found", root), err)
	}
	if !info.IsDir() {
		return nil, errors.New(errors.CodeInvalidParameter, domain, fmt.Sprintf("build context %s is not a directory", root), nil)
	}

	if ignoreFile == "" {
		ignoreFile = DefaultIgnoreFile
	}
	if !filepath.IsAbs(ignoreFile) {
		ignoreFile = filepath.Join(root, ignoreFile)
	}

	patterns := append([]string(nil), defaultIgnores...)
	if content, err := os.ReadFile(ignoreFile); err == nil {
		patterns = append(patterns, strings.Split(string(content), "\n")...)
	} else if !os.IsNotExist(err) {
		return nil, errors.New(errors.CodeIoError, domain, fmt.Sprintf("failed to read %s", ignoreFile), err)
	}
	matcher := ignore.CompileIgnoreLines(patterns...)

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(root, path)
		if err != nil || relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		matchPath := relPath
		if d.IsDir() {
			matchPath += "/"
		}
		if matcher.MatchesPath(matchPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.IsDir() {
			files = append(files, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, errors.New(errors.CodeIoError, domain, fmt.Sprintf("failed to walk build context %s", root), err)
	}

	sort.Strings(files)
	return files, nil
}

// CheckContext fails when a file the recipe depends on is missing from the
// context, before any build tool runs.
func CheckContext(root string, r *Recipe) error {
	files, err := ContextFiles(root, "")
	if err != nil {
		return err
	}
	return CheckFiles(files, r)
}

// CheckFiles is CheckContext over an already listed context.
func CheckFiles(files []string, r *Recipe) error {
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}

	for _, manifest := range r.Manifests() {
		if !present[filepath.ToSlash(filepath.Clean(manifest))] {
			return errors.New(errors.CodeFileNotFound, domain,
				fmt.Sprintf("manifest %s is missing from the build context", manifest), nil)
		}
	}

	if module, ok := asgiModule(r.Entrypoint); ok {
		if !present[module+".py"] && !present[module+"/__init__.py"] {
			return errors.New(errors.CodeFileNotFound, domain,
				fmt.Sprintf("entrypoint module %s is missing from the build context", module), nil)
		}
	}
	return nil
}

// asgiModule extracts "Api" from a uvicorn "Api:app" target as a relative path.
func asgiModule(entrypoint []string) (string, bool) {
	if len(entrypoint) < 2 || filepath.Base(entrypoint[0]) != "uvicorn" {
		return "", false
	}
	for _, arg := range entrypoint[1:] {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		module, _, found := strings.Cut(arg, ":")
		if !found || module == "" {
			return "", false
		}
		return strings.ReplaceAll(module, ".", "/"), true
	}
	return "", false
}
