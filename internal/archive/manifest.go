package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"unicode/utf8"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/models"
)

const (
	maxNameLength        = 128
	maxVersionLength     = 16
	maxDescriptionLength = 256
	maxWebsiteURLLength  = 1024
	maxDependencies      = 1000
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

var websiteSchemes = map[string]bool{"http": true, "https": true, "mailto": true, "ipfs": true}

// Manifest is the parsed manifest.json of a package archive.
type Manifest struct {
	Name          string      `json:"name"`
	VersionNumber string      `json:"version_number"`
	WebsiteURL    string      `json:"website_url"`
	Description   string      `json:"description"`
	Dependencies  []Reference `json:"-"`
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseManifest decodes and checks manifest.json. Unknown keys are ignored; every
// problem found is reported, keyed by manifest field.
func ParseManifest(data []byte) (*Manifest, *apperr.ValidationError) {
	verr := &apperr.ValidationError{}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		verr.Add(manifestFile, "manifest.json is not valid UTF-8")
		return nil, verr
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		verr.Add(manifestFile, "manifest.json is not a valid JSON object")
		return nil, verr
	}

	m := &Manifest{}
	stringField(raw, "name", &m.Name, verr)
	stringField(raw, "version_number", &m.VersionNumber, verr)
	stringField(raw, "website_url", &m.WebsiteURL, verr)
	stringField(raw, "description", &m.Description, verr)

	var deps []string
	if msg, ok := raw["dependencies"]; !ok {
		verr.Add("dependencies", "This field is required.")
	} else if err := json.Unmarshal(msg, &deps); err != nil || deps == nil {
		verr.Add("dependencies", "Expected a list of strings.")
	}

	if _, ok := raw["name"]; ok && !verr.Has("name") {
		if len(m.Name) > maxNameLength {
			verr.Add("name", fmt.Sprintf("Ensure this field has no more than %d characters.", maxNameLength))
		} else if !namePattern.MatchString(m.Name) {
			verr.Add("name", "Package names can only contain a-z A-Z 0-9 _ characters")
		}
	}
	if _, ok := raw["version_number"]; ok && !verr.Has("version_number") {
		if len(m.VersionNumber) > maxVersionLength {
			verr.Add("version_number", fmt.Sprintf("Ensure this field has no more than %d characters.", maxVersionLength))
		} else if _, err := models.ParseSemVer(m.VersionNumber); err != nil {
			verr.Add("version_number", "Version numbers must follow the Major.Minor.Patch format (e.g. 1.45.320).")
		}
	}
	if utf8.RuneCountInString(m.Description) > maxDescriptionLength {
		verr.Add("description", fmt.Sprintf("Ensure this field has no more than %d characters.", maxDescriptionLength))
	}
	if m.WebsiteURL != "" {
		if len(m.WebsiteURL) > maxWebsiteURLLength {
			verr.Add("website_url", fmt.Sprintf("Ensure this field has no more than %d characters.", maxWebsiteURLLength))
		} else if !validWebsite(m.WebsiteURL) {
			verr.Add("website_url", "Enter a valid URL.")
		}
	}

	if len(deps) > maxDependencies {
		verr.Add("dependencies", fmt.Sprintf("Ensure this field has no more than %d elements.", maxDependencies))
	} else {
		for _, dep := range deps {
			ref, err := ParseReference(dep)
			if err != nil {
				verr.Add("dependencies", err.Error())
				continue
			}
			m.Dependencies = append(m.Dependencies, ref)
		}
	}

	if !verr.Empty() {
		return nil, verr
	}
	return m, nil
}

func stringField(raw map[string]json.RawMessage, key string, dst *string, verr *apperr.ValidationError) {
	msg, ok := raw[key]
	if !ok {
		verr.Add(key, "This field is required.")
		return
	}
	if err := json.Unmarshal(msg, dst); err != nil || bytes.Equal(bytes.TrimSpace(msg), []byte("null")) {
		verr.Add(key, "Not a valid string.")
	}
}

func validWebsite(s string) bool {
	u, err := url.Parse(s)
	if err != nil || !websiteSchemes[u.Scheme] {
		return false
	}
	if u.Scheme == "mailto" {
		return u.Opaque != ""
	}
	return u.Host != ""
}
