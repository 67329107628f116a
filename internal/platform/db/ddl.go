package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DDLResult reports the outcome of applying a statement list.
type DDLResult struct {
	Executed int
	Skipped  int
	Failed   int
}

// ApplyDDL executes schema statements in order. Statements that fail because
// the object already exists are counted as skipped; any other failure aborts
// and is returned with the counts so far.
func ApplyDDL(ctx context.Context, pool *pgxpool.Pool, stmts []string, log zerolog.Logger) (DDLResult, error) {
	var result DDLResult
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			if isAlreadyExists(err) {
				result.Skipped++
				continue
			}
			result.Failed++
			log.Error().Err(err).Str("statement", stmt).Msg("schema statement failed")
			return result, fmt.Errorf("apply schema statement: %w", err)
		}
		result.Executed++
	}
	log.Info().
		Int("executed", result.Executed).
		Int("skipped", result.Skipped).
		Msg("schema applied")
	return result, nil
}

// isAlreadyExists matches the PostgreSQL duplicate_table, duplicate_object,
// and duplicate_column error classes.
func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P07", "42710", "42701":
			return true
		}
	}
	return false
}
