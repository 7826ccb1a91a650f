// Package archive checks uploaded package zips and extracts their manifest and assets.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

const (
	manifestFile  = "manifest.json"
	iconFile      = "icon.png"
	readmeFile    = "README.md"
	changelogFile = "CHANGELOG.md"

	iconSize = 256
	// members may not inflate to more than this multiple of the archive size
	maxExpansion = 32
)

// ErrZipCorrupted is the message for archives that cannot be read safely.
const ErrZipCorrupted = "Invalid zip file format"

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// Resolver looks up catalog versions referenced by a manifest.
type Resolver interface {
	FindVisibleVersion(ctx context.Context, namespace, name, version string) (*models.PackageVersion, error)
	VersionExists(ctx context.Context, namespace, name, version string) (bool, error)
}

// Limits bound archive contents.
type Limits struct {
	MaxPackageBytes int64
	MaxIconBytes    int64
	MaxReadmeBytes  int64
	MaxFiles        int
}

// Result is what a valid archive yields.
type Result struct {
	Manifest     *Manifest
	Dependencies []*models.PackageVersion
	Readme       string
	Changelog    *string
	Icon         []byte
	FileSize     int64
}

// Validator checks archives uploaded under a namespace.
type Validator struct {
	limits   Limits
	resolver Resolver
}

func NewValidator(limits Limits, resolver Resolver) *Validator {
	return &Validator{limits: limits, resolver: resolver}
}

// Validate checks data as a package archive for namespace. Problems with the archive
// are returned as *apperr.ValidationError; any other error is infrastructure.
func (v *Validator) Validate(ctx context.Context, namespace string, data []byte) (*Result, error) {
	size := int64(len(data))
	if size > v.limits.MaxPackageBytes {
		return nil, apperr.NewValidationError(apperr.NonFieldErrors,
			fmt.Sprintf("Too large package, current maximum is %d bytes", v.limits.MaxPackageBytes))
	}

	members, verr := v.readMembers(data)
	if verr != nil {
		return nil, verr
	}

	verr = &apperr.ValidationError{}
	res := &Result{FileSize: size}

	manifestData, ok := members[manifestFile]
	if !ok {
		verr.Add(apperr.NonFieldErrors, "Package is missing manifest.json")
	}
	iconData, ok := members[iconFile]
	if !ok {
		verr.Add(apperr.NonFieldErrors, "Package is missing icon.png")
	} else if msg := v.checkIcon(iconData); msg != "" {
		verr.Add(apperr.NonFieldErrors, msg)
	} else {
		res.Icon = iconData
	}
	readme, ok := members[readmeFile]
	if !ok {
		verr.Add(apperr.NonFieldErrors, "Package is missing README.md")
	} else if text, msg := v.checkMarkdown(readmeFile, readme); msg != "" {
		verr.Add(apperr.NonFieldErrors, msg)
	} else {
		res.Readme = text
	}
	if changelog, ok := members[changelogFile]; ok {
		if text, msg := v.checkMarkdown(changelogFile, changelog); msg != "" {
			verr.Add(apperr.NonFieldErrors, msg)
		} else {
			res.Changelog = &text
		}
	}

	if manifestData != nil {
		m, merr := ParseManifest(manifestData)
		if merr != nil {
			verr.Merge(merr)
		} else {
			res.Manifest = m
			deps, derr, err := v.checkDependencies(ctx, namespace, m)
			if err != nil {
				return nil, err
			}
			verr.Merge(derr)
			res.Dependencies = deps
		}
	}

	if err := verr.ErrOrNil(); err != nil {
		return nil, err
	}
	return res, nil
}

// readMembers opens the zip, applies the structural checks and returns the
// contents of the members the validator needs. Every member is read through
// so CRC mismatches surface.
func (v *Validator) readMembers(data []byte) (map[string][]byte, *apperr.ValidationError) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.NewValidationError(apperr.NonFieldErrors, ErrZipCorrupted)
	}
	if v.limits.MaxFiles > 0 && len(zr.File) > v.limits.MaxFiles {
		return nil, apperr.NewValidationError(apperr.NonFieldErrors, "There are too many files in the zip.")
	}

	budget := uint64(len(data)) * maxExpansion
	seen := make(map[string]bool, len(zr.File))
	members := map[string][]byte{}
	for _, f := range zr.File {
		if unsafePath(f.Name) {
			return nil, apperr.NewValidationError(apperr.NonFieldErrors, "There is an error with the zip's folder structure")
		}
		if seen[f.Name] {
			return nil, apperr.NewValidationError(apperr.NonFieldErrors, "The zip includes multiple files with the same file name.")
		}
		seen[f.Name] = true

		if f.UncompressedSize64 > budget {
			return nil, apperr.NewValidationError(apperr.NonFieldErrors, ErrZipCorrupted)
		}
		budget -= f.UncompressedSize64

		keep := f.Name == manifestFile || f.Name == iconFile || f.Name == readmeFile || f.Name == changelogFile
		content, err := readMember(f, keep)
		if err != nil {
			return nil, apperr.NewValidationError(apperr.NonFieldErrors, ErrZipCorrupted)
		}
		if keep {
			members[f.Name] = content
		}
	}
	return members, nil
}

func readMember(f *zip.File, keep bool) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if !keep {
		_, err = io.Copy(io.Discard, rc)
		return nil, err
	}
	return io.ReadAll(rc)
}

func unsafePath(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return true
	}
	if len(name) > 1 && name[1] == ':' {
		return true
	}
	for _, seg := range strings.Split(path.Clean(name), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func (v *Validator) checkIcon(data []byte) string {
	if int64(len(data)) > v.limits.MaxIconBytes {
		return fmt.Sprintf("icon.png is too large, current maximum is %d bytes", v.limits.MaxIconBytes)
	}
	if !bytes.HasPrefix(data, pngSignature) {
		return "Icon must be in png format"
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return "Unsupported or corrupt icon, must be png"
	}
	b := img.Bounds()
	if b.Dx() != iconSize || b.Dy() != iconSize {
		return fmt.Sprintf("Invalid icon dimensions, must be %dx%d", iconSize, iconSize)
	}
	return ""
}

func (v *Validator) checkMarkdown(name string, data []byte) (string, string) {
	if int64(len(data)) > v.limits.MaxReadmeBytes {
		return "", fmt.Sprintf("%s is too long: max file size is %d bytes", name, v.limits.MaxReadmeBytes)
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", fmt.Sprintf("%s must be UTF-8 encoded", name)
	}
	return string(data), ""
}

// checkDependencies applies the cross-field rules and resolves every reference.
func (v *Validator) checkDependencies(ctx context.Context, namespace string, m *Manifest) ([]*models.PackageVersion, *apperr.ValidationError, error) {
	verr := &apperr.ValidationError{}
	self := Reference{Namespace: namespace, Name: m.Name, Version: m.VersionNumber}

	exists, err := v.resolver.VersionExists(ctx, self.Namespace, self.Name, self.Version)
	if err != nil {
		return nil, nil, err
	}
	if exists {
		verr.Add(apperr.NonFieldErrors, "Package of the same namespace, name and version already exists")
	}

	duplicate := false
	for i, dep := range m.Dependencies {
		for _, other := range m.Dependencies[:i] {
			if dep.SamePackage(other) {
				duplicate = true
			}
		}
	}
	if duplicate {
		verr.Add(apperr.NonFieldErrors, "Cannot depend on multiple versions of the same package")
	}

	var resolved []*models.PackageVersion
	selfDep := false
	for _, dep := range m.Dependencies {
		if dep.SamePackage(self) {
			selfDep = true
			continue
		}
		pv, err := v.resolver.FindVisibleVersion(ctx, dep.Namespace, dep.Name, dep.Version)
		if errors.Is(err, apperr.ErrNotFound) {
			verr.Add("dependencies", fmt.Sprintf("No matching package found for reference: %s", dep))
			continue
		} else if err != nil {
			return nil, nil, err
		}
		resolved = append(resolved, pv)
	}
	if selfDep {
		verr.Add(apperr.NonFieldErrors, "Package depending on itself is not allowed")
	}
	return resolved, verr, nil
}
