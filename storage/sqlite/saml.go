package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrEthical07/goIdP"
)

func (s *Store) GetSamlIdP(ctx context.Context, name string) (*goIdP.SamlIdP, error) {
	var idp goIdP.SamlIdP
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, metadata_xml, user_id_attribute, email_attribute, first_name_attribute,
    last_name_attribute, is_active
FROM saml_idps WHERE name = ? AND deleted_at IS NULL`, name).
		Scan(&idp.ID, &idp.Name, &idp.MetadataXML, &idp.UserIDAttribute, &idp.EmailAttribute,
			&idp.FirstNameAttribute, &idp.LastNameAttribute, &idp.IsActive)
	if err != nil {
		return nil, notFound("get saml idp", err)
	}
	return &idp, nil
}

// PutSamlIdP registers idp, replacing the row with the same ID.
func (s *Store) PutSamlIdP(ctx context.Context, idp *goIdP.SamlIdP) error {
	if idp == nil || idp.Name == "" {
		return errors.New("sqlite: idp name is required")
	}
	if idp.ID == "" {
		idp.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO saml_idps (id, name, metadata_xml, user_id_attribute, email_attribute,
    first_name_attribute, last_name_attribute, is_active)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET metadata_xml = excluded.metadata_xml,
    user_id_attribute = excluded.user_id_attribute, email_attribute = excluded.email_attribute,
    first_name_attribute = excluded.first_name_attribute,
    last_name_attribute = excluded.last_name_attribute, is_active = excluded.is_active`,
		idp.ID, idp.Name, idp.MetadataXML, idp.UserIDAttribute, idp.EmailAttribute,
		idp.FirstNameAttribute, idp.LastNameAttribute, boolInt(idp.IsActive))
	if err != nil {
		return fmt.Errorf("sqlite: put saml idp: %w", err)
	}
	return nil
}

func (s *Store) DeleteSamlIdP(ctx context.Context, name string) error {
	return s.softDelete(ctx, "saml_idps", "name", name)
}

func (s *Store) GetSamlSP(ctx context.Context, entityID string) (*goIdP.SamlSP, error) {
	var sp goIdP.SamlSP
	err := s.db.QueryRowContext(ctx, `
SELECT id, entity_id, metadata_xml, is_active FROM saml_sps WHERE entity_id = ? AND deleted_at IS NULL`,
		entityID).Scan(&sp.ID, &sp.EntityID, &sp.MetadataXML, &sp.IsActive)
	if err != nil {
		return nil, notFound("get saml sp", err)
	}
	return &sp, nil
}

// PutSamlSP registers a downstream service provider, replacing the row with the same ID.
func (s *Store) PutSamlSP(ctx context.Context, sp *goIdP.SamlSP) error {
	if sp == nil || sp.EntityID == "" {
		return errors.New("sqlite: sp entity id is required")
	}
	if sp.ID == "" {
		sp.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO saml_sps (id, entity_id, metadata_xml, is_active) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET metadata_xml = excluded.metadata_xml, is_active = excluded.is_active`,
		sp.ID, sp.EntityID, sp.MetadataXML, boolInt(sp.IsActive))
	if err != nil {
		return fmt.Errorf("sqlite: put saml sp: %w", err)
	}
	return nil
}
