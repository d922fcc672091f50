package definitions

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const defCols = `id, fhir_id, resource_type, url, version, status, resource,
	created_at, updated_at`

func (r *repoPG) scan(row pgx.Row) (*Definition, error) {
	var d Definition
	err := row.Scan(&d.ID, &d.FHIRID, &d.ResourceType, &d.URL, &d.Version,
		&d.Status, &d.Resource, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *repoPG) Create(ctx context.Context, d *Definition) error {
	d.ID = uuid.New()
	if d.FHIRID == "" {
		d.FHIRID = d.ID.String()
	}
	d.Resource["id"] = d.FHIRID
	_, err := r.pool.Exec(ctx, `
		INSERT INTO definition (id, fhir_id, resource_type, url, version, status, resource)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.FHIRID, d.ResourceType, d.URL, d.Version, d.Status, d.Resource)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Definition, error) {
	return r.scan(r.pool.QueryRow(ctx, `SELECT `+defCols+` FROM definition WHERE id = $1`, id))
}

func (r *repoPG) GetByFHIRID(ctx context.Context, resourceType, fhirID string) (*Definition, error) {
	return r.scan(r.pool.QueryRow(ctx,
		`SELECT `+defCols+` FROM definition WHERE resource_type = $1 AND fhir_id = $2`,
		resourceType, fhirID))
}

func (r *repoPG) Update(ctx context.Context, d *Definition) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE definition SET url=$2, version=$3, status=$4, resource=$5, updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.URL, d.Version, d.Status, d.Resource)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM definition WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context, resourceType string, limit, offset int) ([]*Definition, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM definition WHERE resource_type = $1`, resourceType).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+defCols+` FROM definition WHERE resource_type = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		resourceType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) Search(ctx context.Context, resourceType string, params map[string]string, limit, offset int) ([]*Definition, int, error) {
	query := `SELECT ` + defCols + ` FROM definition WHERE resource_type = $1`
	countQuery := `SELECT COUNT(*) FROM definition WHERE resource_type = $1`
	args := []interface{}{resourceType}
	idx := 2

	if p, ok := params["url"]; ok {
		query += fmt.Sprintf(` AND url = $%d`, idx)
		countQuery += fmt.Sprintf(` AND url = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["version"]; ok {
		query += fmt.Sprintf(` AND version = $%d`, idx)
		countQuery += fmt.Sprintf(` AND version = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["status"]; ok {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, p)
		idx++
	}
	if p, ok := params["name"]; ok {
		query += fmt.Sprintf(` AND resource->>'name' ILIKE $%d`, idx)
		countQuery += fmt.Sprintf(` AND resource->>'name' ILIKE $%d`, idx)
		args = append(args, "%"+p+"%")
		idx++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return r.collect(rows, total)
}

func (r *repoPG) All(ctx context.Context) ([]*Definition, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+defCols+` FROM definition ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items, _, err := r.collect(rows, 0)
	return items, err
}

func (r *repoPG) collect(rows pgx.Rows, total int) ([]*Definition, int, error) {
	var items []*Definition
	for rows.Next() {
		d, err := r.scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}
