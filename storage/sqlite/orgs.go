package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrEthical07/goIdP"
)

func (s *Store) GetOrgBySlug(ctx context.Context, slug string) (*goIdP.Org, error) {
	var org goIdP.Org
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name FROM orgs WHERE slug = ? AND deleted_at IS NULL`, slug).
		Scan(&org.ID, &org.Slug, &org.Name)
	if err != nil {
		return nil, notFound("get org", err)
	}
	return &org, nil
}

func (s *Store) CreateOrg(ctx context.Context, org *goIdP.Org) error {
	if org == nil || org.Slug == "" {
		return errors.New("sqlite: org slug is required")
	}
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO orgs (id, slug, name) VALUES (?, ?, ?)`,
		org.ID, org.Slug, org.Name); err != nil {
		return fmt.Errorf("sqlite: create org: %w", err)
	}
	return nil
}

func (s *Store) DeleteOrg(ctx context.Context, slug string) error {
	return s.softDelete(ctx, "orgs", "slug", slug)
}
