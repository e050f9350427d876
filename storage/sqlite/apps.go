package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrEthical07/goIdP"
)

// mfaPolicyRow is the stored form of goIdP.AppOverride. A NULL column means the
// app follows the system default.
type mfaPolicyRow struct {
	RequireEmail     bool `json:"require_email"`
	RequireOtp       bool `json:"require_otp"`
	RequireSms       bool `json:"require_sms"`
	AllowEmailBackup bool `json:"allow_email_backup"`
}

func encodeMfaPolicy(p goIdP.MfaPolicy) (sql.NullString, error) {
	override, ok := p.(goIdP.AppOverride)
	if !ok {
		return sql.NullString{}, nil
	}
	raw, err := encodeJSON(mfaPolicyRow(override))
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: raw, Valid: true}, nil
}

func decodeMfaPolicy(raw sql.NullString) (goIdP.MfaPolicy, error) {
	if !raw.Valid || raw.String == "" {
		return goIdP.SystemDefault{}, nil
	}
	var row mfaPolicyRow
	if err := json.Unmarshal([]byte(raw.String), &row); err != nil {
		return nil, err
	}
	return goIdP.AppOverride(row), nil
}

// CreateApp registers app. An empty ID is filled with a new UUID.
func (s *Store) CreateApp(ctx context.Context, app *goIdP.App) error {
	if app == nil || strings.TrimSpace(app.ClientID) == "" {
		return errors.New("sqlite: client id is required")
	}
	if app.Type != goIdP.AppSPA && app.Type != goIdP.AppS2S {
		return fmt.Errorf("sqlite: unknown app type %q", app.Type)
	}
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now

	redirects, err := encodeJSON(nonNil(app.RedirectURIs))
	if err != nil {
		return err
	}
	logoutRedirects, err := encodeJSON(nonNil(app.PostLogoutRedirectURIs))
	if err != nil {
		return err
	}
	scopes, err := encodeJSON(nonNil(app.Scopes))
	if err != nil {
		return err
	}
	policy, err := encodeMfaPolicy(app.MfaPolicy)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO apps (id, client_id, name, secret, type, redirect_uris, post_logout_redirect_uris,
    scopes, is_active, require_consent, mfa_policy, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.ClientID, app.Name, app.Secret, string(app.Type), redirects, logoutRedirects,
		scopes, boolInt(app.IsActive), boolInt(app.RequireConsent), policy,
		toMillis(app.CreatedAt), toMillis(app.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create app: %w", err)
	}
	return nil
}

// GetAppByClientID returns the live app registered under clientID.
func (s *Store) GetAppByClientID(ctx context.Context, clientID string) (*goIdP.App, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, client_id, name, secret, type, redirect_uris, post_logout_redirect_uris, scopes,
    is_active, require_consent, mfa_policy, created_at, updated_at
FROM apps WHERE client_id = ? AND deleted_at IS NULL`, clientID)

	var (
		app                goIdP.App
		appType, redirects string
		logout, scopes     string
		active, consent    bool
		policy             sql.NullString
		created, updated   int64
	)
	if err := row.Scan(&app.ID, &app.ClientID, &app.Name, &app.Secret, &appType, &redirects, &logout,
		&scopes, &active, &consent, &policy, &created, &updated); err != nil {
		return nil, notFound("get app", err)
	}

	var err error
	app.Type = goIdP.AppType(appType)
	app.IsActive = active
	app.RequireConsent = consent
	app.CreatedAt = fromMillis(created)
	app.UpdatedAt = fromMillis(updated)
	if app.RedirectURIs, err = decodeStrings(redirects); err != nil {
		return nil, fmt.Errorf("sqlite: decode redirect uris: %w", err)
	}
	if app.PostLogoutRedirectURIs, err = decodeStrings(logout); err != nil {
		return nil, fmt.Errorf("sqlite: decode logout redirect uris: %w", err)
	}
	if app.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, fmt.Errorf("sqlite: decode scopes: %w", err)
	}
	if app.MfaPolicy, err = decodeMfaPolicy(policy); err != nil {
		return nil, fmt.Errorf("sqlite: decode mfa policy: %w", err)
	}
	return &app, nil
}

// SetAppActive toggles is_active without deleting the app.
func (s *Store) SetAppActive(ctx context.Context, clientID string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE apps SET is_active = ?, updated_at = ? WHERE client_id = ? AND deleted_at IS NULL`,
		boolInt(active), toMillis(s.now()), clientID)
	if err != nil {
		return fmt.Errorf("sqlite: update app: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goIdP.ErrStoreNotFound
	}
	return nil
}

// DeleteApp soft-deletes the app registered under clientID.
func (s *Store) DeleteApp(ctx context.Context, clientID string) error {
	return s.softDelete(ctx, "apps", "client_id", clientID)
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
