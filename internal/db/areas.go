package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Harvey-AU/seo-pagegen/internal/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const serviceAreaColumns = `id, business_id, city, state, slug, location_id, created_at`

const locationColumns = `id, business_id, name, address, city, state, zip, phone, is_headquarters, status, created_at, updated_at`

func scanServiceArea(row rowScanner) (*ServiceArea, error) {
	var a ServiceArea
	var locationID sql.NullString
	if err := row.Scan(&a.ID, &a.BusinessID, &a.City, &a.State, &a.Slug, &locationID, &a.CreatedAt); err != nil {
		return nil, err
	}
	if locationID.Valid {
		a.LocationID = &locationID.String
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func scanLocation(row rowScanner) (*Location, error) {
	var l Location
	err := row.Scan(&l.ID, &l.BusinessID, &l.Name, &l.Address, &l.City, &l.State, &l.Zip, &l.Phone,
		&l.IsHeadquarters, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return &l, nil
}

// AreaSlug derives the URL slug of a geography from its city and state
func AreaSlug(city, state string) string {
	return util.Slugify(city + " " + state)
}

func (db *DB) insertServiceArea(ctx context.Context, q querier, a *ServiceArea) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Slug = AreaSlug(a.City, a.State)
	a.CreatedAt = now()

	var locationID sql.NullString
	if a.LocationID != nil {
		locationID = nullString(*a.LocationID)
	}
	_, err := q.ExecContext(ctx, db.rebind(`
		INSERT INTO service_areas (`+serviceAreaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), a.ID, a.BusinessID, a.City, a.State, a.Slug, locationID, a.CreatedAt)
	return translateError(err)
}

// CreateServiceArea inserts a service area, deriving its slug
func (db *DB) CreateServiceArea(ctx context.Context, a *ServiceArea) error {
	if err := db.insertServiceArea(ctx, db.client, a); err != nil {
		return fmt.Errorf("failed to create service area: %w", err)
	}
	return nil
}

// ListServiceAreas returns every service area of a business
func (db *DB) ListServiceAreas(ctx context.Context, businessID string) ([]*ServiceArea, error) {
	return db.listServiceAreas(ctx, db.client, `WHERE business_id = ? ORDER BY created_at, slug`, businessID)
}

func (db *DB) listServiceAreas(ctx context.Context, q querier, clause string, args ...any) ([]*ServiceArea, error) {
	rows, err := q.QueryContext(ctx, db.rebind(`SELECT `+serviceAreaColumns+` FROM service_areas `+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list service areas: %w", err)
	}
	defer rows.Close()

	areas := make([]*ServiceArea, 0)
	for rows.Next() {
		a, err := scanServiceArea(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service area: %w", err)
		}
		areas = append(areas, a)
	}
	return areas, rows.Err()
}

// DeleteServiceArea removes a service area owned by the business
func (db *DB) DeleteServiceArea(ctx context.Context, businessID, id string) error {
	res, err := db.client.ExecContext(ctx, db.rebind(`DELETE FROM service_areas WHERE id = ? AND business_id = ?`), id, businessID)
	if err != nil {
		return fmt.Errorf("failed to delete service area: %w", err)
	}
	return requireAffected(res)
}

// CreateLocation inserts a store location. When linkArea is set and the
// location is active, a service area for the same city is linked to it,
// reusing an existing area with the same slug if there is one.
func (db *DB) CreateLocation(ctx context.Context, l *Location, linkArea bool) (*ServiceArea, error) {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.Status == "" {
		l.Status = LocationStatusActive
	}
	l.CreatedAt = now()
	l.UpdatedAt = l.CreatedAt

	var area *ServiceArea
	err := db.Execute(ctx, func(tx *sql.Tx) error {
		if l.IsHeadquarters {
			if err := db.clearHeadquarters(ctx, tx, l.BusinessID, l.ID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO locations (`+locationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), l.ID, l.BusinessID, l.Name, l.Address, l.City, l.State, l.Zip, l.Phone, l.IsHeadquarters, l.Status, l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create location: %w", translateError(err))
		}

		if !linkArea || l.Status != LocationStatusActive {
			return nil
		}

		area, err = db.linkServiceArea(ctx, tx, l)
		return err
	})
	if err != nil {
		return nil, err
	}
	return area, nil
}

func (db *DB) linkServiceArea(ctx context.Context, tx *sql.Tx, l *Location) (*ServiceArea, error) {
	slug := AreaSlug(l.City, l.State)
	row := tx.QueryRowContext(ctx, db.rebind(`SELECT `+serviceAreaColumns+` FROM service_areas WHERE business_id = ? AND slug = ?`), l.BusinessID, slug)
	existing, err := scanServiceArea(row)
	switch {
	case err == nil:
		if existing.LocationID != nil {
			log.Debug().
				Str("service_area_id", existing.ID).
				Str("location_id", *existing.LocationID).
				Msg("Service area already linked to another location")
			return existing, nil
		}
		if _, err := tx.ExecContext(ctx, db.rebind(`UPDATE service_areas SET location_id = ? WHERE id = ?`), l.ID, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to link service area: %w", err)
		}
		existing.LocationID = &l.ID
		return existing, nil
	case errors.Is(err, sql.ErrNoRows):
		locationID := l.ID
		area := &ServiceArea{BusinessID: l.BusinessID, City: l.City, State: l.State, LocationID: &locationID}
		if err := db.insertServiceArea(ctx, tx, area); err != nil {
			return nil, fmt.Errorf("failed to create linked service area: %w", err)
		}
		return area, nil
	default:
		return nil, fmt.Errorf("failed to look up service area: %w", err)
	}
}

func (db *DB) clearHeadquarters(ctx context.Context, tx *sql.Tx, businessID, exceptID string) error {
	_, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE locations SET is_headquarters = ? WHERE business_id = ? AND id <> ? AND is_headquarters = ?
	`), false, businessID, exceptID, true)
	if err != nil {
		return fmt.Errorf("failed to clear headquarters flag: %w", err)
	}
	return nil
}

// GetLocation fetches a location owned by the business
func (db *DB) GetLocation(ctx context.Context, businessID, id string) (*Location, error) {
	row := db.client.QueryRowContext(ctx, db.rebind(`SELECT `+locationColumns+` FROM locations WHERE id = ? AND business_id = ?`), id, businessID)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location: %w", err)
	}
	return l, nil
}

// ListLocations returns every location of a business
func (db *DB) ListLocations(ctx context.Context, businessID string) ([]*Location, error) {
	rows, err := db.client.QueryContext(ctx, db.rebind(`
		SELECT `+locationColumns+` FROM locations WHERE business_id = ? ORDER BY is_headquarters DESC, created_at, name
	`), businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list locations: %w", err)
	}
	defer rows.Close()

	locations := make([]*Location, 0)
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

// UpdateLocation overwrites the mutable fields of a location
func (db *DB) UpdateLocation(ctx context.Context, l *Location) error {
	l.UpdatedAt = now()
	return db.Execute(ctx, func(tx *sql.Tx) error {
		if l.IsHeadquarters {
			if err := db.clearHeadquarters(ctx, tx, l.BusinessID, l.ID); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE locations
			SET name = ?, address = ?, city = ?, state = ?, zip = ?, phone = ?, is_headquarters = ?, status = ?, updated_at = ?
			WHERE id = ? AND business_id = ?
		`), l.Name, l.Address, l.City, l.State, l.Zip, l.Phone, l.IsHeadquarters, l.Status, l.UpdatedAt, l.ID, l.BusinessID)
		if err != nil {
			return fmt.Errorf("failed to update location: %w", err)
		}
		return requireAffected(res)
	})
}

// DeleteLocation removes a location. Service areas that referenced it are
// unlinked, never deleted. Returns how many areas were unlinked.
func (db *DB) DeleteLocation(ctx context.Context, businessID, id string) (int64, error) {
	var unlinked int64
	err := db.Execute(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE service_areas SET location_id = NULL WHERE location_id = ? AND business_id = ?
		`), id, businessID)
		if err != nil {
			return fmt.Errorf("failed to unlink service areas: %w", err)
		}
		unlinked, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx, db.rebind(`DELETE FROM locations WHERE id = ? AND business_id = ?`), id, businessID)
		if err != nil {
			return fmt.Errorf("failed to delete location: %w", err)
		}
		return requireAffected(res)
	})
	if err != nil {
		return 0, err
	}

	log.Info().
		Str("location_id", id).
		Int64("unlinked_service_areas", unlinked).
		Msg("Location deleted")
	return unlinked, nil
}
