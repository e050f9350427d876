package sqlite

import (
	"context"
	"fmt"

	"github.com/MrEthical07/goIdP"
)

func (s *Store) GetConsent(ctx context.Context, userID, appID string) (*goIdP.Consent, error) {
	var (
		scopes  string
		granted int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT scopes, granted_at FROM consents WHERE user_id = ? AND app_id = ?`, userID, appID).
		Scan(&scopes, &granted)
	if err != nil {
		return nil, notFound("get consent", err)
	}
	decoded, err := decodeStrings(scopes)
	if err != nil {
		return nil, fmt.Errorf("sqlite: decode consent scopes: %w", err)
	}
	return &goIdP.Consent{UserID: userID, AppID: appID, Scopes: decoded, GrantedAt: fromMillis(granted)}, nil
}

// SaveConsent inserts or replaces the grant for the user and app.
func (s *Store) SaveConsent(ctx context.Context, consent *goIdP.Consent) error {
	if consent.GrantedAt.IsZero() {
		consent.GrantedAt = s.now().UTC()
	}
	scopes, err := encodeJSON(nonNil(consent.Scopes))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO consents (user_id, app_id, scopes, granted_at) VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, app_id) DO UPDATE SET scopes = excluded.scopes, granted_at = excluded.granted_at`,
		consent.UserID, consent.AppID, scopes, toMillis(consent.GrantedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save consent: %w", err)
	}
	return nil
}
