package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/maneesh/pkgrepo/internal/apperr"
	"github.com/maneesh/pkgrepo/internal/clock"
	"github.com/maneesh/pkgrepo/internal/models"
)

// ErrVersionExists is returned by CreateVersion on a (namespace, name, version) collision.
var ErrVersionExists = apperr.Integrity.New("Package of the same namespace, name and version already exists")

// ChangePublisher is notified after a catalog write commits.
type ChangePublisher interface {
	PackagesChanged(ctx context.Context, communityIDs []int64)
}

// CatalogRepository issues typed queries against teams, communities, packages,
// versions and listings.
type CatalogRepository struct {
	db        *DB
	clock     clock.Clock
	publisher ChangePublisher
}

func NewCatalogRepository(db *DB, clk clock.Clock, publisher ChangePublisher) *CatalogRepository {
	return &CatalogRepository{db: db, clock: clk, publisher: publisher}
}

// GetTeam returns the team named name or apperr.ErrNotFound.
func (r *CatalogRepository) GetTeam(ctx context.Context, name string) (*models.Team, error) {
	var t models.Team
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT id, name, is_active FROM teams WHERE name = ?`, name).Scan(&t.ID, &t.Name, &t.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", name, apperr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	return &t, nil
}

// MemberRole returns the user's role in the team, or "" when not a member.
func (r *CatalogRepository) MemberRole(ctx context.Context, teamID, userID int64) (string, error) {
	var role string
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT role FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get team membership: %w", err)
	}
	return role, nil
}

// GetCommunity returns the community with identifier or apperr.ErrNotFound.
func (r *CatalogRepository) GetCommunity(ctx context.Context, identifier string) (*models.Community, error) {
	var c models.Community
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT id, identifier, name, require_listing_approval FROM communities WHERE identifier = ?`,
		identifier).Scan(&c.ID, &c.Identifier, &c.Name, &c.RequireListingApproval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("community %s: %w", identifier, apperr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return &c, nil
}

// GetCommunityByID returns the community with id or apperr.ErrNotFound.
func (r *CatalogRepository) GetCommunityByID(ctx context.Context, id int64) (*models.Community, error) {
	var c models.Community
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT id, identifier, name, require_listing_approval FROM communities WHERE id = ?`,
		id).Scan(&c.ID, &c.Identifier, &c.Name, &c.RequireListingApproval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("community %d: %w", id, apperr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return &c, nil
}

// ListCommunities returns every community ordered by id.
func (r *CatalogRepository) ListCommunities(ctx context.Context) ([]models.Community, error) {
	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT id, identifier, name, require_listing_approval FROM communities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	defer rows.Close()

	var out []models.Community
	for rows.Next() {
		var c models.Community
		if err := rows.Scan(&c.ID, &c.Identifier, &c.Name, &c.RequireListingApproval); err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CategoriesBySlug returns the community's categories whose slug is listed.
func (r *CatalogRepository) CategoriesBySlug(ctx context.Context, communityID int64, slugs []string) ([]models.Category, error) {
	if len(slugs) == 0 {
		return nil, nil
	}
	args := []any{communityID}
	for _, s := range slugs {
		args = append(args, s)
	}
	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT id, community_id, slug, name FROM package_categories
		 WHERE community_id = ? AND slug IN (`+placeholders(len(slugs))+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get categories: %w", err)
	}
	defer rows.Close()

	var out []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.CommunityID, &c.Slug, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// VersionExists reports whether namespace-name-version is already taken, active or not.
func (r *CatalogRepository) VersionExists(ctx context.Context, namespace, name, version string) (bool, error) {
	var exists bool
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM package_versions v JOIN packages p ON p.id = v.package_id
		 WHERE p.namespace = ? AND p.name = ? AND v.version_number = ?)`,
		namespace, name, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check version existence: %w", err)
	}
	return exists, nil
}

const versionColumns = `v.id, v.uuid, v.package_id, p.namespace, p.name, v.version_number, v.description,
	v.website_url, v.readme, v.changelog, v.file_blob, v.file_size, v.icon_blob, v.downloads, v.is_active,
	v.review_status, v.date_created`

// FindVisibleVersion returns an active version of an active package, or apperr.ErrNotFound.
func (r *CatalogRepository) FindVisibleVersion(ctx context.Context, namespace, name, version string) (*models.PackageVersion, error) {
	ctx, span := startSpan(ctx, "mysql.find_version",
		attribute.String("package", namespace+"-"+name),
		attribute.String("version", version),
	)
	defer span.End()

	row := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM package_versions v JOIN packages p ON p.id = v.package_id
		 WHERE p.namespace = ? AND p.name = ? AND v.version_number = ?
		   AND v.is_active AND p.is_active AND v.review_status <> ?`,
		namespace, name, version, string(models.ReviewRejected))
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %s-%s-%s: %w", namespace, name, version, apperr.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// GetVersion returns the version with id or apperr.ErrNotFound.
func (r *CatalogRepository) GetVersion(ctx context.Context, id int64) (*models.PackageVersion, error) {
	row := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM package_versions v JOIN packages p ON p.id = v.package_id
		 WHERE v.id = ?`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("version %d: %w", id, apperr.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return v, nil
}

// AvailableCommunities lists the communities the package is listed in. URL is left empty.
func (r *CatalogRepository) AvailableCommunities(ctx context.Context, packageID int64) ([]models.AvailableCommunity, error) {
	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT l.id, c.identifier, c.name FROM package_listings l
		 JOIN communities c ON c.id = l.community_id
		 WHERE l.package_id = ? ORDER BY c.id`, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list package communities: %w", err)
	}
	defer rows.Close()

	var (
		out        []models.AvailableCommunity
		listingIDs []int64
	)
	for rows.Next() {
		var (
			id int64
			ac models.AvailableCommunity
		)
		if err := rows.Scan(&id, &ac.Community.Identifier, &ac.Community.Name); err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		ac.Categories = []string{}
		out = append(out, ac)
		listingIDs = append(listingIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	categories, err := r.listingCategories(ctx, listingIDs)
	if err != nil {
		return nil, err
	}
	for i, id := range listingIDs {
		if names := categories[id]; names != nil {
			out[i].Categories = names
		}
	}
	return out, nil
}

// CreateVersion writes a version, its dependencies, the package's latest pointer and
// one listing per community. It runs in a savepoint of the enclosing transaction so a
// failure leaves no partial catalog rows. Subscribers are notified after commit.
func (r *CatalogRepository) CreateVersion(ctx context.Context, d *models.VersionDraft) (*models.PackageVersion, error) {
	ctx, span := startSpan(ctx, "mysql.create_version",
		attribute.String("package", d.Namespace+"-"+d.Name),
		attribute.String("version", d.VersionNumber),
	)
	defer span.End()

	semver, err := models.ParseSemVer(d.VersionNumber)
	if err != nil {
		return nil, apperr.ClientInput.Wrap(err)
	}

	now := r.clock.Now()
	version := &models.PackageVersion{
		UUID:          uuid.NewString(),
		Namespace:     d.Namespace,
		Name:          d.Name,
		VersionNumber: d.VersionNumber,
		Description:   d.Description,
		WebsiteURL:    d.WebsiteURL,
		Readme:        d.Readme,
		Changelog:     d.Changelog,
		FileBlob:      d.FileBlob,
		FileSize:      d.FileSize,
		IconBlob:      d.IconBlob,
		IsActive:      true,
		ReviewStatus:  models.ReviewUnreviewed,
		DateCreated:   now,
	}

	communityIDs := make([]int64, 0, len(d.Listings))
	err = r.db.Savepoint(ctx, func(ctx context.Context) error {
		q := r.db.conn(ctx)

		res, err := q.ExecContext(ctx,
			`INSERT INTO packages (uuid, namespace, name, owner_team_id, date_created, date_updated)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id), date_updated = VALUES(date_updated)`,
			uuid.NewString(), d.Namespace, d.Name, d.TeamID, now, now)
		if err != nil {
			return fmt.Errorf("failed to get or create package: %w", err)
		}
		if version.PackageID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get or create package: %w", err)
		}

		res, err = q.ExecContext(ctx,
			`INSERT INTO package_versions (uuid, package_id, version_number, major, minor, patch, description,
			   website_url, readme, changelog, file_blob, file_size, icon_blob, is_active, review_status,
			   uploaded_by, date_created)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			version.UUID, version.PackageID, d.VersionNumber, semver.Major, semver.Minor, semver.Patch,
			d.Description, d.WebsiteURL, d.Readme, d.Changelog, d.FileBlob, d.FileSize, d.IconBlob,
			true, string(models.ReviewUnreviewed), d.UploaderID, now)
		if IsDuplicateEntry(err) {
			return ErrVersionExists
		} else if err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}
		if version.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}

		for i, depID := range d.DependencyIDs {
			_, err := q.ExecContext(ctx,
				`INSERT INTO package_version_dependencies (from_version_id, to_version_id, position) VALUES (?, ?, ?)`,
				version.ID, depID, i)
			if err != nil {
				return fmt.Errorf("failed to insert dependency: %w", err)
			}
		}

		_, err = q.ExecContext(ctx,
			`UPDATE packages SET date_updated = ?, latest_version_id = (
			   SELECT id FROM package_versions WHERE package_id = ? AND is_active
			   ORDER BY major DESC, minor DESC, patch DESC, id DESC LIMIT 1)
			 WHERE id = ?`, now, version.PackageID, version.PackageID)
		if err != nil {
			return fmt.Errorf("failed to update latest version: %w", err)
		}

		for communityID, categoryIDs := range d.Listings {
			res, err := q.ExecContext(ctx,
				`INSERT INTO package_listings (package_id, community_id, has_nsfw_content, review_status,
				   datetime_created, datetime_updated)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id),
				   has_nsfw_content = VALUES(has_nsfw_content), datetime_updated = VALUES(datetime_updated)`,
				version.PackageID, communityID, d.HasNSFWContent, string(models.ReviewUnreviewed), now, now)
			if err != nil {
				return fmt.Errorf("failed to upsert listing: %w", err)
			}
			listingID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("failed to upsert listing: %w", err)
			}
			for _, categoryID := range categoryIDs {
				_, err := q.ExecContext(ctx,
					`INSERT IGNORE INTO package_listing_categories (listing_id, category_id) VALUES (?, ?)`,
					listingID, categoryID)
				if err != nil {
					return fmt.Errorf("failed to attach category: %w", err)
				}
			}
			communityIDs = append(communityIDs, communityID)
		}

		if r.publisher != nil {
			AfterCommit(ctx, func(ctx context.Context) {
				r.publisher.PackagesChanged(ctx, communityIDs)
			})
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return version, nil
}

func (r *CatalogRepository) listingCategories(ctx context.Context, listingIDs []int64) (map[int64][]string, error) {
	out := map[int64][]string{}
	if len(listingIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.conn(ctx).QueryContext(ctx,
		`SELECT lc.listing_id, c.name FROM package_listing_categories lc
		 JOIN package_categories c ON c.id = lc.category_id
		 WHERE lc.listing_id IN (`+placeholders(len(listingIDs))+`) ORDER BY lc.listing_id, c.name`,
		int64Args(listingIDs)...)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan listing category: %w", err)
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

func scanVersion(row rowScanner) (*models.PackageVersion, error) {
	var (
		v         models.PackageVersion
		changelog sql.NullString
		review    string
	)
	err := row.Scan(&v.ID, &v.UUID, &v.PackageID, &v.Namespace, &v.Name, &v.VersionNumber, &v.Description,
		&v.WebsiteURL, &v.Readme, &changelog, &v.FileBlob, &v.FileSize, &v.IconBlob, &v.Downloads, &v.IsActive,
		&review, &v.DateCreated)
	if err != nil {
		return nil, err
	}
	if changelog.Valid {
		v.Changelog = &changelog.String
	}
	v.ReviewStatus = models.ReviewStatus(review)
	v.DateCreated = v.DateCreated.UTC()
	return &v, nil
}
