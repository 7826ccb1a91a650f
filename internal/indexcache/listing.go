package indexcache

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/maneesh/pkgrepo/internal/models"
)

const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Field order is the wire order consumers see.
type listingJSON struct {
	Name           string        `json:"name"`
	FullName       string        `json:"full_name"`
	Owner          string        `json:"owner"`
	PackageURL     string        `json:"package_url"`
	DonationLink   *string       `json:"donation_link"`
	DateCreated    string        `json:"date_created"`
	DateUpdated    string        `json:"date_updated"`
	UUID4          string        `json:"uuid4"`
	RatingScore    int           `json:"rating_score"`
	IsPinned       bool          `json:"is_pinned"`
	IsDeprecated   bool          `json:"is_deprecated"`
	HasNSFWContent bool          `json:"has_nsfw_content"`
	Categories     []string      `json:"categories"`
	Versions       []versionJSON `json:"versions"`
}

type versionJSON struct {
	Name          string   `json:"name"`
	FullName      string   `json:"full_name"`
	Description   string   `json:"description"`
	Icon          string   `json:"icon"`
	VersionNumber string   `json:"version_number"`
	Dependencies  []string `json:"dependencies"`
	DownloadURL   string   `json:"download_url"`
	Downloads     int64    `json:"downloads"`
	DateCreated   string   `json:"date_created"`
	WebsiteURL    string   `json:"website_url"`
	IsActive      bool     `json:"is_active"`
	UUID4         string   `json:"uuid4"`
	FileSize      int64    `json:"file_size"`
}

// URLs builds the absolute links embedded in listings.
type URLs struct {
	SiteURL      string
	IndexBaseURL string
}

// PackageURL is the community-scoped page of a package.
func (u URLs) PackageURL(community, namespace, name string) string {
	return u.SiteURL + "/c/" + url.PathEscape(community) + "/p/" + url.PathEscape(namespace) + "/" + url.PathEscape(name) + "/"
}

// DownloadURL is the metered download endpoint of a version.
func (u URLs) DownloadURL(namespace, name, version string) string {
	return u.SiteURL + "/package/download/" + url.PathEscape(namespace) + "/" + url.PathEscape(name) + "/" + version + "/"
}

// BlobURL is the stable redirecting link to a blob.
func (u URLs) BlobURL(sha256 string) string {
	return u.SiteURL + "/blob/" + sha256
}

// ChunkURL is where consumers fetch a chunk of community's index.
func (u URLs) ChunkURL(community, sha256 string) string {
	return u.IndexBaseURL + "/cache/" + url.PathEscape(community) + "/chunk-" + sha256 + ".json.gz"
}

// IndexURL is the conventional path of community's current index.
func (u URLs) IndexURL(community string) string {
	return u.IndexBaseURL + "/cache/" + url.PathEscape(community) + "/index.json.gz"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// MarshalListing renders one listing as it appears in a chunk.
func MarshalListing(urls URLs, community string, l *models.ListingSnapshot) ([]byte, error) {
	p := &l.Package
	out := listingJSON{
		Name:           p.Name,
		FullName:       p.FullName(),
		Owner:          p.Namespace,
		PackageURL:     urls.PackageURL(community, p.Namespace, p.Name),
		DonationLink:   p.DonationLink,
		DateCreated:    formatTime(p.DateCreated),
		DateUpdated:    formatTime(p.DateUpdated),
		UUID4:          p.UUID,
		RatingScore:    p.RatingScore,
		IsPinned:       p.IsPinned,
		IsDeprecated:   p.IsDeprecated,
		HasNSFWContent: l.HasNSFWContent,
		Categories:     nonNil(l.Categories),
		Versions:       make([]versionJSON, 0, len(l.Versions)),
	}
	for i := range l.Versions {
		v := &l.Versions[i]
		out.Versions = append(out.Versions, versionJSON{
			Name:          v.Name,
			FullName:      v.FullName(),
			Description:   v.Description,
			Icon:          urls.BlobURL(v.IconBlob),
			VersionNumber: v.VersionNumber,
			Dependencies:  nonNil(v.Dependencies),
			DownloadURL:   urls.DownloadURL(v.Namespace, v.Name, v.VersionNumber),
			Downloads:     v.Downloads,
			DateCreated:   formatTime(v.DateCreated),
			WebsiteURL:    v.WebsiteURL,
			IsActive:      v.IsActive,
			UUID4:         v.UUID,
			FileSize:      v.FileSize,
		})
	}
	return json.Marshal(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
