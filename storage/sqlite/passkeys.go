package sqlite

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrEthical07/goIdP"
)

func (s *Store) ListPasskeys(ctx context.Context, userID string) ([]goIdP.PasskeyCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, user_id, credential_id, public_key, attestation_type, aaguid, sign_count, transports, flags, created_at
FROM passkeys WHERE user_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list passkeys: %w", err)
	}
	defer rows.Close()

	var out []goIdP.PasskeyCredential
	for rows.Next() {
		var (
			cred       goIdP.PasskeyCredential
			transports string
			created    int64
		)
		if err := rows.Scan(&cred.ID, &cred.UserID, &cred.CredentialID, &cred.PublicKey, &cred.AttestationType,
			&cred.AAGUID, &cred.SignCount, &transports, &cred.Flags, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan passkey: %w", err)
		}
		if cred.Transports, err = decodeStrings(transports); err != nil {
			return nil, fmt.Errorf("sqlite: decode transports: %w", err)
		}
		cred.CreatedAt = fromMillis(created)
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list passkeys: %w", err)
	}
	return out, nil
}

func (s *Store) CreatePasskey(ctx context.Context, cred *goIdP.PasskeyCredential) error {
	if cred == nil || len(cred.CredentialID) == 0 || cred.UserID == "" {
		return errors.New("sqlite: passkey credential id and user id are required")
	}
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = s.now().UTC()
	}
	transports, err := encodeJSON(nonNil(cred.Transports))
	if err != nil {
		return err
	}
	publicKey := cred.PublicKey
	if publicKey == nil {
		publicKey = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO passkeys (id, user_id, credential_id, public_key, attestation_type, aaguid, sign_count, transports, flags, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.UserID, cred.CredentialID, publicKey, cred.AttestationType, cred.AAGUID,
		int64(cred.SignCount), transports, int64(cred.Flags), toMillis(cred.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create passkey: %w", err)
	}
	return nil
}

func (s *Store) UpdatePasskeySignCount(ctx context.Context, credentialID []byte, signCount uint32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE passkeys SET sign_count = ? WHERE credential_id = ? AND deleted_at IS NULL`,
		int64(signCount), credentialID)
	if err != nil {
		return fmt.Errorf("sqlite: update sign count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goIdP.ErrStoreNotFound
	}
	return nil
}
