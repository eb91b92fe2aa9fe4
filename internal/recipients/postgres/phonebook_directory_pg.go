// Package postgres provides the phonebook-backed group lookup. Contact and
// phonebook management lives in a separate system; the dispatch engine only
// reads numbers.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgPhonebookDirectory resolves a group reference to the subscribed contact
// numbers of one of the user's phonebooks.
type PgPhonebookDirectory struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgPhonebookDirectory(db *pgxpool.Pool, logger *slog.Logger) *PgPhonebookDirectory {
	return &PgPhonebookDirectory{db: db, logger: logger}
}

func (d *PgPhonebookDirectory) ResolveGroupRecipients(ctx context.Context, userID, groupID uuid.UUID) ([]string, error) {
	query := `
		SELECT c.number
		FROM contacts c
		JOIN phonebooks p ON p.id = c.phonebook_id
		WHERE p.id = $1 AND p.user_id = $2 AND c.subscribed`
	rows, err := d.db.Query(ctx, query, groupID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phonebook %s: %w", groupID, err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var number string
		if err := rows.Scan(&number); err != nil {
			return nil, fmt.Errorf("failed to scan contact number: %w", err)
		}
		numbers = append(numbers, number)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating contact rows: %w", err)
	}

	d.logger.DebugContext(ctx, "Resolved phonebook recipients", "phonebook_id", groupID, "count", len(numbers))
	return numbers, nil
}
