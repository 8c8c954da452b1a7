package catalogdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Brand is a product brand.
type Brand struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Vehicle is a vehicle a product applies to.
type Vehicle struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// SearchParams filters a product search. Nil / empty fields are ignored.
type SearchParams struct {
	BrandID   *int64
	VehicleID *int64
	Group     string
	CodeQuery string
	Limit     int
}

// ProductListItem is one row of a product search result.
type ProductListItem struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Brand       string `json:"brand"`
	Vehicles    string `json:"vehicles,omitempty"`
}

// ProductDetails is the full detail view of one product.
type ProductDetails struct {
	ID          int64    `json:"id"`
	Code        string   `json:"code"`
	Description string   `json:"description"`
	Brand       string   `json:"brand"`
	Application string   `json:"application,omitempty"`
	Details     string   `json:"details,omitempty"`
	Similar     string   `json:"similar,omitempty"`
	Images      []string `json:"images"`
}

// ProductIDByCode looks up a product by its exact code, case-insensitive.
// Returns ErrNotFound when no product carries the code.
func (s *Store) ProductIDByCode(ctx context.Context, code string) (int64, error) {
	db, release, err := s.handle()
	if err != nil {
		return 0, err
	}
	defer release()

	var id int64
	err = db.QueryRowContext(ctx, "SELECT id FROM products WHERE UPPER(code) = UPPER(?)", code).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up product code: %w", err)
	}

	return id, nil
}

// InsertProductImage links an image filename to a product. Duplicate links
// are ignored; the return value reports whether a new row was inserted.
func (s *Store) InsertProductImage(ctx context.Context, productID int64, filename string) (bool, error) {
	db, release, err := s.handle()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := db.ExecContext(ctx, "INSERT OR IGNORE INTO images(product_id, filename) VALUES(?, ?)", productID, filename)
	if err != nil {
		return false, fmt.Errorf("failed to insert product image: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListBrands returns all brands ordered by name.
func (s *Store) ListBrands(ctx context.Context) ([]Brand, error) {
	db, release, err := s.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, "SELECT id, name FROM brands ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list brands: %w", err)
	}
	defer rows.Close()

	var out []Brand
	for rows.Next() {
		var b Brand
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListVehicles returns all vehicles ordered by name.
func (s *Store) ListVehicles(ctx context.Context) ([]Vehicle, error) {
	db, release, err := s.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, "SELECT id, name FROM vehicles ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	defer rows.Close()

	var out []Vehicle
	for rows.Next() {
		var v Vehicle
		if err := rows.Scan(&v.ID, &v.Name); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SearchProducts runs a filtered product search. The code query also
// matches OEM references, similar codes and vehicle names.
func (s *Store) SearchProducts(ctx context.Context, params SearchParams) ([]ProductListItem, error) {
	db, release, err := s.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	var sb strings.Builder
	sb.WriteString(`SELECT p.id, p.code, p.description, b.name,
		(SELECT group_concat(DISTINCT v2.name) FROM product_vehicles pv2
		 JOIN vehicles v2 ON v2.id = pv2.vehicle_id WHERE pv2.product_id = p.id) AS vehicles
		FROM products p JOIN brands b ON b.id = p.brand_id`)

	var where []string
	var args []any
	if params.BrandID != nil {
		where = append(where, "p.brand_id = ?")
		args = append(args, *params.BrandID)
	}
	if g := strings.TrimSpace(params.Group); g != "" {
		where = append(where, "UPPER(COALESCE(p.pgroup, '')) = ?")
		args = append(args, strings.ToUpper(g))
	}
	if params.VehicleID != nil {
		where = append(where, "EXISTS (SELECT 1 FROM product_vehicles pv WHERE pv.product_id = p.id AND pv.vehicle_id = ?)")
		args = append(args, *params.VehicleID)
	}
	if q := strings.TrimSpace(params.CodeQuery); q != "" {
		where = append(where, `(p.code LIKE ? OR COALESCE(p.oem, '') LIKE ? OR COALESCE(p.similar, '') LIKE ?
			OR EXISTS (SELECT 1 FROM product_vehicles pv3 JOIN vehicles v3 ON v3.id = pv3.vehicle_id
			           WHERE pv3.product_id = p.id AND v3.name LIKE ?))`)
		like := "%" + q + "%"
		args = append(args, like, like, like, like)
	}
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY b.name, p.description")
	if params.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, params.Limit)
	}

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()

	var out []ProductListItem
	for rows.Next() {
		var (
			item     ProductListItem
			vehicles sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Code, &item.Description, &item.Brand, &vehicles); err != nil {
			return nil, err
		}
		item.Vehicles = vehicles.String
		out = append(out, item)
	}
	return out, rows.Err()
}

// Product returns the full details of one product, including its linked
// image filenames. Returns ErrNotFound for an unknown id.
func (s *Store) Product(ctx context.Context, id int64) (*ProductDetails, error) {
	db, release, err := s.handle()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		d                             ProductDetails
		application, details, similar sql.NullString
	)
	err = db.QueryRowContext(ctx, `SELECT p.id, p.code, p.description, p.application, p.details, p.similar, b.name
		FROM products p JOIN brands b ON b.id = p.brand_id WHERE p.id = ?`, id).
		Scan(&d.ID, &d.Code, &d.Description, &application, &details, &similar, &d.Brand)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read product: %w", err)
	}
	d.Application = application.String
	d.Details = details.String
	d.Similar = similar.String

	rows, err := db.QueryContext(ctx, "SELECT filename FROM images WHERE product_id = ? ORDER BY filename", id)
	if err != nil {
		return nil, fmt.Errorf("failed to read product images: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var filename string
		if err := rows.Scan(&filename); err != nil {
			return nil, err
		}
		d.Images = append(d.Images, filename)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &d, nil
}
