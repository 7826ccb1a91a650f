package models

import "time"

// ReviewStatus applies to listings and versions.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "unreviewed"
	ReviewApproved   ReviewStatus = "approved"
	ReviewRejected   ReviewStatus = "rejected"
)

// Team roles allowed to upload.
const (
	RoleOwner  = "owner"
	RoleMember = "member"
)

type Team struct {
	ID       int64
	Name     string
	IsActive bool
}

type Community struct {
	ID                     int64
	Identifier             string
	Name                   string
	RequireListingApproval bool
}

type Category struct {
	ID          int64
	CommunityID int64
	Slug        string
	Name        string
}

type Package struct {
	ID              int64
	UUID            string
	Namespace       string
	Name            string
	OwnerTeamID     int64
	IsActive        bool
	IsDeprecated    bool
	IsPinned        bool
	DonationLink    *string
	RatingScore     int
	LatestVersionID *int64
	DateCreated     time.Time
	DateUpdated     time.Time
}

// FullName is namespace-name.
func (p *Package) FullName() string { return p.Namespace + "-" + p.Name }

type PackageVersion struct {
	ID            int64
	UUID          string
	PackageID     int64
	Namespace     string
	Name          string
	VersionNumber string
	Description   string
	WebsiteURL    string
	Readme        string
	Changelog     *string
	FileBlob      string
	FileSize      int64
	IconBlob      string
	Downloads     int64
	IsActive      bool
	ReviewStatus  ReviewStatus
	DateCreated   time.Time
	Dependencies  []string
}

// FullName is namespace-name-version.
func (v *PackageVersion) FullName() string {
	return v.Namespace + "-" + v.Name + "-" + v.VersionNumber
}

// VersionDraft is everything needed to create a version and its listings in one transaction.
type VersionDraft struct {
	Namespace      string
	TeamID         int64
	UploaderID     int64
	Name           string
	VersionNumber  string
	Description    string
	WebsiteURL     string
	Readme         string
	Changelog      *string
	FileBlob       string
	FileSize       int64
	IconBlob       string
	DependencyIDs  []int64
	HasNSFWContent bool
	// Listings maps a community id to the category ids attached in that community.
	Listings map[int64][]int64
}

// AvailableCommunity describes where a freshly created version is listed.
type AvailableCommunity struct {
	Community  CommunitySummary `json:"community"`
	URL        string           `json:"url"`
	Categories []string         `json:"categories"`
}

type CommunitySummary struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

// ListingSnapshot is everything the index renders for one listing.
type ListingSnapshot struct {
	ListingID      int64
	Package        Package
	HasNSFWContent bool
	Categories     []string
	CreatedAt      time.Time
	// Versions are newest first.
	Versions []PackageVersion
}
