package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/pkgrepo/internal/models"
)

// StreamListings walks the community's visible listings ordered by creation time and id,
// calling fn once per batch of at most batchSize snapshots. Rejected listings, inactive
// packages and packages without an active version are skipped; communities that require
// approval only expose approved listings.
func (r *CatalogRepository) StreamListings(ctx context.Context, community *models.Community, batchSize int, fn func([]models.ListingSnapshot) error) error {
	ctx, span := startSpan(ctx, "mysql.stream_listings", attribute.String("community", community.Identifier))
	defer span.End()

	var (
		afterCreated time.Time
		afterID      int64
		total        int
	)
	for {
		batch, err := r.listingPage(ctx, community, afterCreated, afterID, batchSize)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if len(batch) == 0 {
			span.SetAttributes(attribute.Int("listings", total))
			return nil
		}
		if err := r.fillVersions(ctx, batch); err != nil {
			span.RecordError(err)
			return err
		}

		fetched := len(batch)
		last := batch[fetched-1]
		afterCreated, afterID = last.CreatedAt, last.ListingID

		visible := make([]models.ListingSnapshot, 0, fetched)
		for _, l := range batch {
			if len(l.Versions) > 0 {
				visible = append(visible, l)
			}
		}
		total += len(visible)
		if len(visible) > 0 {
			if err := fn(visible); err != nil {
				return err
			}
		}
		if fetched < batchSize {
			span.SetAttributes(attribute.Int("listings", total))
			return nil
		}
	}
}

func (r *CatalogRepository) listingPage(ctx context.Context, community *models.Community, afterCreated time.Time, afterID int64, limit int) ([]models.ListingSnapshot, error) {
	query := `SELECT l.id, l.has_nsfw_content, l.datetime_created,
		  p.id, p.uuid, p.namespace, p.name, p.owner_team_id, p.is_active, p.is_deprecated, p.is_pinned,
		  p.donation_link, p.rating_score, p.latest_version_id, p.date_created, p.date_updated
		FROM package_listings l JOIN packages p ON p.id = l.package_id
		WHERE l.community_id = ? AND p.is_active AND l.review_status <> ?
		  AND (l.datetime_created > ? OR (l.datetime_created = ? AND l.id > ?))`
	args := []any{community.ID, string(models.ReviewRejected), afterCreated, afterCreated, afterID}
	if community.RequireListingApproval {
		query += ` AND l.review_status = ?`
		args = append(args, string(models.ReviewApproved))
	}
	query += ` ORDER BY l.datetime_created, l.id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var out []models.ListingSnapshot
	for rows.Next() {
		var (
			l        models.ListingSnapshot
			donation sql.NullString
			latest   sql.NullInt64
		)
		p := &l.Package
		err := rows.Scan(&l.ListingID, &l.HasNSFWContent, &l.CreatedAt,
			&p.ID, &p.UUID, &p.Namespace, &p.Name, &p.OwnerTeamID, &p.IsActive, &p.IsDeprecated, &p.IsPinned,
			&donation, &p.RatingScore, &latest, &p.DateCreated, &p.DateUpdated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		if donation.Valid {
			p.DonationLink = &donation.String
		}
		if latest.Valid {
			p.LatestVersionID = &latest.Int64
		}
		l.CreatedAt = l.CreatedAt.UTC()
		p.DateCreated = p.DateCreated.UTC()
		p.DateUpdated = p.DateUpdated.UTC()
		l.Categories = []string{}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	listingIDs := make([]int64, len(out))
	for i, l := range out {
		listingIDs[i] = l.ListingID
	}
	categories, err := r.listingCategories(ctx, listingIDs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if names := categories[out[i].ListingID]; names != nil {
			out[i].Categories = names
		}
	}
	return out, nil
}

// listingVersionColumns is what a rendered index entry needs of a version.
const listingVersionColumns = `v.id, v.uuid, v.package_id, p.namespace, p.name, v.version_number, v.description,
	v.website_url, v.icon_blob, v.file_size, v.downloads, v.is_active, v.date_created`

// fillVersions loads active versions, newest first, and their dependency names.
func (r *CatalogRepository) fillVersions(ctx context.Context, listings []models.ListingSnapshot) error {
	packageIDs := make([]int64, len(listings))
	for i, l := range listings {
		packageIDs[i] = l.Package.ID
	}

	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT `+listingVersionColumns+` FROM package_versions v JOIN packages p ON p.id = v.package_id
		 WHERE v.package_id IN (`+placeholders(len(packageIDs))+`) AND v.is_active AND v.review_status <> ?
		 ORDER BY v.package_id, v.major DESC, v.minor DESC, v.patch DESC, v.id DESC`,
		append(int64Args(packageIDs), string(models.ReviewRejected))...)
	if err != nil {
		return fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	byPackage := map[int64][]models.PackageVersion{}
	var versionIDs []int64
	for rows.Next() {
		var v models.PackageVersion
		err := rows.Scan(&v.ID, &v.UUID, &v.PackageID, &v.Namespace, &v.Name, &v.VersionNumber, &v.Description,
			&v.WebsiteURL, &v.IconBlob, &v.FileSize, &v.Downloads, &v.IsActive, &v.DateCreated)
		if err != nil {
			return fmt.Errorf("failed to scan version: %w", err)
		}
		v.DateCreated = v.DateCreated.UTC()
		v.Dependencies = []string{}
		byPackage[v.PackageID] = append(byPackage[v.PackageID], v)
		versionIDs = append(versionIDs, v.ID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	deps, err := r.dependencyNames(ctx, versionIDs)
	if err != nil {
		return err
	}
	for i := range listings {
		versions := byPackage[listings[i].Package.ID]
		for j := range versions {
			if names := deps[versions[j].ID]; names != nil {
				versions[j].Dependencies = names
			}
		}
		listings[i].Versions = versions
	}
	return nil
}

func (r *CatalogRepository) dependencyNames(ctx context.Context, versionIDs []int64) (map[int64][]string, error) {
	out := map[int64][]string{}
	if len(versionIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT d.from_version_id, p.namespace, p.name, v.version_number
		 FROM package_version_dependencies d
		 JOIN package_versions v ON v.id = d.to_version_id
		 JOIN packages p ON p.id = v.package_id
		 WHERE d.from_version_id IN (`+placeholders(len(versionIDs))+`)
		 ORDER BY d.from_version_id, d.position`,
		int64Args(versionIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			from                     int64
			namespace, name, version string
		)
		if err := rows.Scan(&from, &namespace, &name, &version); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		out[from] = append(out[from], namespace+"-"+name+"-"+version)
	}
	return out, rows.Err()
}
