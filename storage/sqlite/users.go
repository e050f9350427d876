package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrEthical07/goIdP"
)

const userColumns = `id, auth_id, email, password_hash, social_account_id, first_name, last_name,
    locale, phone, mfa_types, otp_secret, recovery_code_hash, is_active, login_count, orgs, roles,
    attributes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*goIdP.User, error) {
	var (
		u                 goIdP.User
		mfaTypes, orgs    string
		roles, attributes string
		created, updated  int64
	)
	if err := row.Scan(&u.ID, &u.AuthID, &u.Email, &u.PasswordHash, &u.SocialAccountID, &u.FirstName,
		&u.LastName, &u.Locale, &u.Phone, &mfaTypes, &u.OtpSecret, &u.RecoveryCodeHash, &u.IsActive,
		&u.LoginCount, &orgs, &roles, &attributes, &created, &updated); err != nil {
		return nil, err
	}

	factors, err := decodeStrings(mfaTypes)
	if err != nil {
		return nil, fmt.Errorf("decode mfa types: %w", err)
	}
	for _, f := range factors {
		u.MfaTypes = append(u.MfaTypes, goIdP.MfaFactor(f))
	}
	if u.Orgs, err = decodeStrings(orgs); err != nil {
		return nil, fmt.Errorf("decode orgs: %w", err)
	}
	if u.Roles, err = decodeStrings(roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if attributes != "" && attributes != "{}" {
		if err := json.Unmarshal([]byte(attributes), &u.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	return &u, nil
}

func (s *Store) getUser(ctx context.Context, column, value string) (*goIdP.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ? AND deleted_at IS NULL`, value)
	u, err := scanUser(row)
	if err != nil {
		return nil, notFound("get user", err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*goIdP.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *Store) GetUserByAuthID(ctx context.Context, authID string) (*goIdP.User, error) {
	return s.getUser(ctx, "auth_id", authID)
}

// GetUserByEmail matches case-insensitively; emails are stored lower-cased.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*goIdP.User, error) {
	return s.getUser(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) GetUserBySocialAccount(ctx context.Context, accountID string) (*goIdP.User, error) {
	if accountID == "" {
		return nil, goIdP.ErrStoreNotFound
	}
	return s.getUser(ctx, "social_account_id", accountID)
}

type userArgs struct {
	mfaTypes, orgs, roles, attributes string
}

func encodeUser(u *goIdP.User) (userArgs, error) {
	var (
		args userArgs
		err  error
	)
	factors := make([]string, 0, len(u.MfaTypes))
	for _, f := range u.MfaTypes {
		factors = append(factors, string(f))
	}
	if args.mfaTypes, err = encodeJSON(factors); err != nil {
		return args, err
	}
	if args.orgs, err = encodeJSON(nonNil(u.Orgs)); err != nil {
		return args, err
	}
	if args.roles, err = encodeJSON(nonNil(u.Roles)); err != nil {
		return args, err
	}
	attributes := u.Attributes
	if attributes == nil {
		attributes = map[string]string{}
	}
	if args.attributes, err = encodeJSON(attributes); err != nil {
		return args, err
	}
	return args, nil
}

// CreateUser inserts user. Empty ID and AuthID are filled with new UUIDs.
func (s *Store) CreateUser(ctx context.Context, user *goIdP.User) error {
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return errors.New("sqlite: user email is required")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.AuthID == "" {
		user.AuthID = uuid.NewString()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	now := s.now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	args, err := encodeUser(user)
	if err != nil {
		return fmt.Errorf("sqlite: encode user: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.AuthID, user.Email, user.PasswordHash, user.SocialAccountID, user.FirstName,
		user.LastName, user.Locale, user.Phone, args.mfaTypes, user.OtpSecret, user.RecoveryCodeHash,
		boolInt(user.IsActive), user.LoginCount, args.orgs, args.roles, args.attributes,
		toMillis(user.CreatedAt), toMillis(user.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create user: %w", err)
	}
	return nil
}

// UpdateUser overwrites every mutable column of the live row with user's values.
func (s *Store) UpdateUser(ctx context.Context, user *goIdP.User) error {
	if user == nil || user.ID == "" {
		return errors.New("sqlite: user id is required")
	}
	user.UpdatedAt = s.now().UTC()
	args, err := encodeUser(user)
	if err != nil {
		return fmt.Errorf("sqlite: encode user: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE users SET email = ?, password_hash = ?, social_account_id = ?, first_name = ?, last_name = ?,
    locale = ?, phone = ?, mfa_types = ?, otp_secret = ?, recovery_code_hash = ?, is_active = ?,
    login_count = ?, orgs = ?, roles = ?, attributes = ?, updated_at = ?
WHERE id = ? AND deleted_at IS NULL`,
		strings.ToLower(strings.TrimSpace(user.Email)), user.PasswordHash, user.SocialAccountID,
		user.FirstName, user.LastName, user.Locale, user.Phone, args.mfaTypes, user.OtpSecret,
		user.RecoveryCodeHash, boolInt(user.IsActive), user.LoginCount, args.orgs, args.roles,
		args.attributes, toMillis(user.UpdatedAt), user.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goIdP.ErrStoreNotFound
	}
	return nil
}

// DeleteUser soft-deletes the user and its passkeys.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := toMillis(s.now())
	res, err := tx.ExecContext(ctx, `UPDATE users SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, now, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goIdP.ErrStoreNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE passkeys SET deleted_at = ? WHERE user_id = ? AND deleted_at IS NULL`, now, id); err != nil {
		return fmt.Errorf("sqlite: delete user passkeys: %w", err)
	}
	return tx.Commit()
}
