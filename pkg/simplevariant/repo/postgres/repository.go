// Package postgres implements simplevariant.Repository on PostgreSQL using
// pgx. The schema ships as embedded goose migrations; run Migrate once at
// startup. The uniq_image_variant constraint backs conflict detection, so
// concurrent admissions of the same variant race without locks.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/tendant/simple-variant/pkg/simplevariant"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements simplevariant.Repository using PostgreSQL.
type Repository struct {
	db DBTX
}

// New creates a repository over an open pool or transaction.
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// Connect opens a pgx pool for dsn and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const variantColumns = `id, image_id, width, height, format, original_key, variant_key,
       bucket, status, file_size, failed_reason, failed_at, requeue_count,
       completed_at, created_at, updated_at`

func scanVariant(row pgx.Row) (*simplevariant.Variant, error) {
	var rec simplevariant.Variant
	err := row.Scan(
		&rec.ID, &rec.ImageID, &rec.Width, &rec.Height, &rec.Format,
		&rec.OriginalKey, &rec.VariantKey, &rec.Bucket, &rec.Status,
		&rec.FileSize, &rec.FailedReason, &rec.FailedAt, &rec.RequeueCount,
		&rec.CompletedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) Insert(ctx context.Context, v *simplevariant.Variant) error {
	query := `
		INSERT INTO image_variants (
			id, image_id, width, height, format, original_key, variant_key,
			bucket, status, file_size, failed_reason, failed_at, requeue_count,
			completed_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := r.db.Exec(ctx, query,
		v.ID, v.ImageID, v.Width, v.Height, string(v.Format), v.OriginalKey, v.VariantKey,
		v.Bucket, string(v.Status), v.FileSize, v.FailedReason, v.FailedAt, v.RequeueCount,
		v.CompletedAt, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return simplevariant.ErrConflict
		}
		return fmt.Errorf("insert variant: %w", err)
	}
	return nil
}

func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*simplevariant.Variant, error) {
	query := fmt.Sprintf(`SELECT %s FROM image_variants WHERE id = $1`, variantColumns)
	rec, err := scanVariant(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplevariant.ErrNotFound
		}
		return nil, fmt.Errorf("find variant: %w", err)
	}
	return rec, nil
}

func (r *Repository) FindBySpec(ctx context.Context, spec simplevariant.VariantSpec) (*simplevariant.Variant, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM image_variants
		WHERE image_id = $1 AND width = $2 AND height = $3 AND format = $4`, variantColumns)
	rec, err := scanVariant(r.db.QueryRow(ctx, query,
		spec.ImageID, spec.Width, spec.Height, string(spec.Format)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplevariant.ErrNotFound
		}
		return nil, fmt.Errorf("find variant: %w", err)
	}
	return rec, nil
}

// selectorWhere renders sel as a WHERE clause with positional arguments.
// An empty selector yields an empty clause, which matches everything.
func selectorWhere(sel simplevariant.Selector) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	if sel.ImageID != "" {
		conditions = append(conditions, fmt.Sprintf("image_id = $%d", argIndex))
		args = append(args, sel.ImageID)
		argIndex++
	}
	if sel.Width != nil {
		conditions = append(conditions, fmt.Sprintf("width = $%d", argIndex))
		args = append(args, *sel.Width)
		argIndex++
	}
	if sel.Height != nil {
		conditions = append(conditions, fmt.Sprintf("height = $%d", argIndex))
		args = append(args, *sel.Height)
		argIndex++
	}
	if sel.Format != nil {
		conditions = append(conditions, fmt.Sprintf("format = $%d", argIndex))
		args = append(args, string(*sel.Format))
		argIndex++
	}
	if len(sel.Statuses) > 0 {
		placeholders := make([]string, len(sel.Statuses))
		for i, st := range sel.Statuses {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, string(st))
			argIndex++
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if sel.UpdatedBefore != nil {
		conditions = append(conditions, fmt.Sprintf("updated_at < $%d", argIndex))
		args = append(args, *sel.UpdatedBefore)
		argIndex++
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func (r *Repository) Find(ctx context.Context, sel simplevariant.Selector) ([]*simplevariant.Variant, error) {
	where, args := selectorWhere(sel)
	query := fmt.Sprintf(`SELECT %s FROM image_variants%s ORDER BY created_at`, variantColumns, where)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find variants: %w", err)
	}
	defer rows.Close()

	var records []*simplevariant.Variant
	for rows.Next() {
		rec, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate variants: %w", err)
	}
	return records, nil
}

func (r *Repository) UpdateByID(ctx context.Context, id uuid.UUID, patch simplevariant.Patch) (*simplevariant.Variant, error) {
	sets := []string{"updated_at = $2"}
	args := []interface{}{id, time.Now().UTC()}
	argIndex := 3

	set := func(expr string, val interface{}) {
		sets = append(sets, fmt.Sprintf(expr, argIndex))
		args = append(args, val)
		argIndex++
	}

	if patch.Status != nil {
		set("status = $%d", string(*patch.Status))
	}
	if patch.FileSize != nil {
		set("file_size = $%d", *patch.FileSize)
	}
	if patch.CompletedAt != nil {
		set("completed_at = $%d", *patch.CompletedAt)
	}
	if patch.ClearFailure {
		sets = append(sets, "failed_reason = ''", "failed_at = NULL")
	} else {
		if patch.FailedReason != nil {
			set("failed_reason = $%d", *patch.FailedReason)
		}
		if patch.FailedAt != nil {
			set("failed_at = $%d", *patch.FailedAt)
		}
	}
	if patch.IncrementRequeue {
		sets = append(sets, "requeue_count = requeue_count + 1")
	}

	query := fmt.Sprintf(`UPDATE image_variants SET %s WHERE id = $1 RETURNING %s`,
		strings.Join(sets, ", "), variantColumns)

	rec, err := scanVariant(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplevariant.ErrNotFound
		}
		return nil, fmt.Errorf("update variant: %w", err)
	}
	return rec, nil
}

func (r *Repository) DeleteBySpec(ctx context.Context, spec simplevariant.VariantSpec) error {
	query := `
		DELETE FROM image_variants
		WHERE image_id = $1 AND width = $2 AND height = $3 AND format = $4`
	if _, err := r.db.Exec(ctx, query,
		spec.ImageID, spec.Width, spec.Height, string(spec.Format)); err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	return nil
}

func (r *Repository) DeleteMany(ctx context.Context, sel simplevariant.Selector) (int64, error) {
	where, args := selectorWhere(sel)
	query := "DELETE FROM image_variants" + where

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete variants: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) Ping(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
