package archive

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

type fakeResolver struct {
	versions map[string]*models.PackageVersion
}

func (r *fakeResolver) FindVisibleVersion(_ context.Context, namespace, name, version string) (*models.PackageVersion, error) {
	key := namespace + "-" + name + "-" + version
	if v, ok := r.versions[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("version %s: %w", key, apperr.ErrNotFound)
}

func (r *fakeResolver) VersionExists(_ context.Context, namespace, name, version string) (bool, error) {
	_, ok := r.versions[namespace+"-"+name+"-"+version]
	return ok, nil
}

func newValidator() *Validator {
	return NewValidator(Limits{
		MaxPackageBytes: 1 << 20,
		MaxIconBytes:    1 << 16,
		MaxReadmeBytes:  1 << 12,
		MaxFiles:        10,
	}, &fakeResolver{versions: map[string]*models.PackageVersion{
		"Other-Lib-1.2.3": {ID: 7, Namespace: "Other", Name: "Lib", VersionNumber: "1.2.3"},
	}})
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type member struct {
	name string
	data []byte
}

func zipBytes(t *testing.T, members ...member) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, m := range members {
		w, err := zw.Create(m.name)
		require.NoError(t, err)
		_, err = w.Write(m.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func manifest(deps string) []byte {
	return []byte(`{"name":"mod","version_number":"1.0.0","website_url":"https://example.com",` +
		`"description":"A mod","dependencies":` + deps + `,"extra":true}`)
}

func validPackage(t *testing.T, manifestData []byte) []byte {
	return zipBytes(t,
		member{"manifest.json", manifestData},
		member{"icon.png", pngBytes(t, 256, 256)},
		member{"README.md", []byte("# mod\n")},
	)
}

func TestValidate(t *testing.T) {
	v := newValidator()
	data := validPackage(t, manifest(`["Other-Lib-1.2.3"]`))

	res, err := v.Validate(context.Background(), "Team", data)
	require.NoError(t, err)
	assert.Equal(t, "mod", res.Manifest.Name)
	assert.Equal(t, "1.0.0", res.Manifest.VersionNumber)
	assert.Equal(t, "# mod\n", res.Readme)
	assert.Nil(t, res.Changelog)
	assert.Equal(t, int64(len(data)), res.FileSize)
	require.Len(t, res.Dependencies, 1)
	assert.Equal(t, int64(7), res.Dependencies[0].ID)
}

func TestValidateChangelog(t *testing.T) {
	v := newValidator()
	data := zipBytes(t,
		member{"manifest.json", manifest(`[]`)},
		member{"icon.png", pngBytes(t, 256, 256)},
		member{"README.md", []byte("readme")},
		member{"CHANGELOG.md", []byte("\xef\xbb\xbfchanges")},
	)

	res, err := v.Validate(context.Background(), "Team", data)
	require.NoError(t, err)
	require.NotNil(t, res.Changelog)
	assert.Equal(t, "changes", *res.Changelog)
}

func validationFields(t *testing.T, err error) map[string][]string {
	t.Helper()
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	return verr.Fields
}

func TestValidateSelfDependency(t *testing.T) {
	v := newValidator()
	data := validPackage(t, manifest(`["mod-mod-1.0.0"]`))

	_, err := v.Validate(context.Background(), "mod", data)
	fields := validationFields(t, err)
	assert.Contains(t, fields[apperr.NonFieldErrors], "Package depending on itself is not allowed")
}

func TestValidateDuplicateDependency(t *testing.T) {
	v := newValidator()
	data := validPackage(t, manifest(`["Other-Lib-1.2.3","Other-Lib-1.0.0"]`))

	_, err := v.Validate(context.Background(), "Team", data)
	fields := validationFields(t, err)
	assert.Contains(t, fields[apperr.NonFieldErrors], "Cannot depend on multiple versions of the same package")
	assert.Contains(t, fields["dependencies"], "No matching package found for reference: Other-Lib-1.0.0")
}

func TestValidateExistingVersion(t *testing.T) {
	v := newValidator()
	data := validPackage(t, []byte(`{"name":"Lib","version_number":"1.2.3","website_url":"",`+
		`"description":"","dependencies":[]}`))

	_, err := v.Validate(context.Background(), "Other", data)
	fields := validationFields(t, err)
	assert.Contains(t, fields[apperr.NonFieldErrors], "Package of the same namespace, name and version already exists")
	assert.Equal(t, 400, apperr.HTTPStatus(err))
}

func TestValidateMissingMembers(t *testing.T) {
	v := newValidator()
	data := zipBytes(t, member{"manifest.json", manifest(`[]`)})

	_, err := v.Validate(context.Background(), "Team", data)
	fields := validationFields(t, err)
	assert.ElementsMatch(t, []string{
		"Package is missing icon.png",
		"Package is missing README.md",
	}, fields[apperr.NonFieldErrors])
}

func TestValidateIcon(t *testing.T) {
	v := newValidator()
	tests := []struct {
		name string
		icon []byte
		msg  string
	}{
		{"wrong size", pngBytes(t, 128, 256), "Invalid icon dimensions, must be 256x256"},
		{"not png", []byte("GIF89a"), "Icon must be in png format"},
		{"truncated", pngBytes(t, 256, 256)[:40], "Unsupported or corrupt icon, must be png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := zipBytes(t,
				member{"manifest.json", manifest(`[]`)},
				member{"icon.png", tt.icon},
				member{"README.md", []byte("readme")},
			)
			_, err := v.Validate(context.Background(), "Team", data)
			fields := validationFields(t, err)
			assert.Equal(t, []string{tt.msg}, fields[apperr.NonFieldErrors])
		})
	}
}

func TestValidateReadme(t *testing.T) {
	v := newValidator()
	data := zipBytes(t,
		member{"manifest.json", manifest(`[]`)},
		member{"icon.png", pngBytes(t, 256, 256)},
		member{"README.md", []byte{0xff, 0xfe, 0x00}},
	)

	_, err := v.Validate(context.Background(), "Team", data)
	fields := validationFields(t, err)
	assert.Equal(t, []string{"README.md must be UTF-8 encoded"}, fields[apperr.NonFieldErrors])
}

func TestValidateZipStructure(t *testing.T) {
	v := newValidator()
	icon := pngBytes(t, 256, 256)
	unsafe := []string{"There is an error with the zip's folder structure", ErrZipCorrupted}

	tests := []struct {
		name string
		data []byte
		msgs []string
	}{
		{"not a zip", []byte("definitely not a zip"), []string{ErrZipCorrupted}},
		// some zip readers refuse these paths outright
		{"traversal", zipBytes(t, member{"../evil", nil}), unsafe},
		{"absolute", zipBytes(t, member{"/etc/passwd", nil}), unsafe},
		{"duplicate", zipBytes(t,
			member{"README.md", []byte("a")},
			member{"README.md", []byte("b")},
			member{"icon.png", icon},
		), []string{"The zip includes multiple files with the same file name."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), "Team", tt.data)
			fields := validationFields(t, err)
			require.Len(t, fields[apperr.NonFieldErrors], 1)
			assert.Contains(t, tt.msgs, fields[apperr.NonFieldErrors][0])
		})
	}
}

func TestValidateTooManyFiles(t *testing.T) {
	v := newValidator()
	var members []member
	for i := 0; i < 11; i++ {
		members = append(members, member{fmt.Sprintf("file%d.txt", i), []byte("x")})
	}

	_, err := v.Validate(context.Background(), "Team", zipBytes(t, members...))
	fields := validationFields(t, err)
	assert.Equal(t, []string{"There are too many files in the zip."}, fields[apperr.NonFieldErrors])
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		field string
	}{
		{"not object", `[1,2]`, "manifest.json"},
		{"missing name", `{"version_number":"1.0.0","website_url":"","description":"","dependencies":[]}`, "name"},
		{"bad name", `{"name":"my-mod","version_number":"1.0.0","website_url":"","description":"","dependencies":[]}`, "name"},
		{"name type", `{"name":5,"version_number":"1.0.0","website_url":"","description":"","dependencies":[]}`, "name"},
		{"bad version", `{"name":"m","version_number":"1.0","website_url":"","description":"","dependencies":[]}`, "version_number"},
		{"leading zero", `{"name":"m","version_number":"01.0.0","website_url":"","description":"","dependencies":[]}`, "version_number"},
		{"bad url", `{"name":"m","version_number":"1.0.0","website_url":"ftp://x","description":"","dependencies":[]}`, "website_url"},
		{"deps type", `{"name":"m","version_number":"1.0.0","website_url":"","description":"","dependencies":"a"}`, "dependencies"},
		{"bad ref", `{"name":"m","version_number":"1.0.0","website_url":"","description":"","dependencies":["nope"]}`, "dependencies"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, verr := ParseManifest([]byte(tt.data))
			assert.Nil(t, m)
			require.NotNil(t, verr)
			assert.True(t, verr.Has(tt.field), "fields: %v", verr.Fields)
		})
	}
}

func TestParseManifestDescriptionLength(t *testing.T) {
	long := bytes.Repeat([]byte("é"), 257)
	_, verr := ParseManifest([]byte(`{"name":"m","version_number":"1.0.0","website_url":"",` +
		`"description":"` + string(long) + `","dependencies":[]}`))
	require.NotNil(t, verr)
	assert.True(t, verr.Has("description"))

	m, verr := ParseManifest([]byte(`{"name":"m","version_number":"1.0.0","website_url":"",` +
		`"description":"` + string(long[:512]) + `","dependencies":[]}`))
	require.Nil(t, verr)
	assert.Equal(t, "m", m.Name)
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("My-Team-Mod_Name-1.20.3")
	require.NoError(t, err)
	assert.Equal(t, Reference{Namespace: "My-Team", Name: "Mod_Name", Version: "1.20.3"}, ref)
	assert.Equal(t, "My-Team-Mod_Name-1.20.3", ref.String())

	for _, bad := range []string{"", "Mod-1.0.0", "-Mod-1.0.0", "Team--1.0.0", "Team-Mod-1.0", "Team-Mod"} {
		_, err := ParseReference(bad)
		assert.Error(t, err, bad)
	}
}
