package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

// CredentialRepository persists one credential per platform. Token columns
// hold ciphertext only.
type CredentialRepository interface {
	Get(ctx context.Context, platform string) (*models.PlatformCredential, error)
	Upsert(ctx context.Context, cred *models.PlatformCredential) error
	SetToken(ctx context.Context, oldAccessToken string, cred *models.PlatformCredential) (bool, error)
	ListExpiring(ctx context.Context, before time.Time) ([]*models.PlatformCredential, error)
	Remove(ctx context.Context, platform string) error
}

type credentialRepository struct {
	db *sql.DB
}

func NewCredentialRepository(db *sql.DB) CredentialRepository {
	return &credentialRepository{db: db}
}

const credentialColumns = `platform_slug, access_token, refresh_token, token_type, expires_at, extra, created_at, updated_at`

func scanCredential(row rowScanner) (*models.PlatformCredential, error) {
	var (
		cred  models.PlatformCredential
		extra []byte
	)
	err := row.Scan(&cred.PlatformSlug, &cred.AccessToken, &cred.RefreshToken, &cred.TokenType,
		&cred.ExpiresAt, &extra, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &cred.Extra); err != nil {
			return nil, err
		}
	}
	return &cred, nil
}

func (r *credentialRepository) Get(ctx context.Context, platform string) (*models.PlatformCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM platform_credentials WHERE platform_slug = $1`

	cred, err := scanCredential(r.db.QueryRowContext(ctx, query, platform))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return cred, nil
}

func (r *credentialRepository) Upsert(ctx context.Context, cred *models.PlatformCredential) error {
	query := `
		INSERT INTO platform_credentials (
			platform_slug,
			access_token,
			refresh_token,
			token_type,
			expires_at,
			extra,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (platform_slug) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			extra = EXCLUDED.extra,
			updated_at = EXCLUDED.updated_at
	`

	extra, err := json.Marshal(cred.Extra)
	if err != nil {
		return err
	}
	if cred.Extra == nil {
		extra = []byte("{}")
	}

	_, err = r.db.ExecContext(ctx, query,
		cred.PlatformSlug,
		cred.AccessToken,
		cred.RefreshToken,
		cred.TokenType,
		cred.ExpiresAt,
		extra,
		cred.UpdatedAt,
	)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// SetToken replaces the tokens only if the stored access token still matches
// oldAccessToken, so two processes refreshing at once cannot clobber each other.
func (r *credentialRepository) SetToken(ctx context.Context, oldAccessToken string, cred *models.PlatformCredential) (bool, error) {
	query := `
		UPDATE platform_credentials
		SET
			access_token = $3,
			refresh_token = COALESCE(NULLIF($4, ''), refresh_token),
			expires_at = $5,
			updated_at = $6,
			token_type = COALESCE(NULLIF($7, ''), token_type)
		WHERE platform_slug = $1 AND access_token = $2
	`
	result, err := r.db.ExecContext(ctx, query, cred.PlatformSlug, oldAccessToken,
		cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.UpdatedAt, cred.TokenType)
	if err != nil {
		slog.Info(err.Error())
		return false, err
	}
	return affectedOne(result)
}

func (r *credentialRepository) ListExpiring(ctx context.Context, before time.Time) ([]*models.PlatformCredential, error) {
	query := `SELECT ` + credentialColumns + ` FROM platform_credentials
		WHERE expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at`

	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var creds []*models.PlatformCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return creds, nil
}

func (r *credentialRepository) Remove(ctx context.Context, platform string) error {
	query := `DELETE FROM platform_credentials WHERE platform_slug = $1`
	if _, err := r.db.ExecContext(ctx, query, platform); err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
