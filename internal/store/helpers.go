package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/nsokolov/pricebot/internal/models"
)

// scanUser scans a UserRecord from a single sql.Row, mapping sql.ErrNoRows to
// the directory's not-found sentinel.
func scanUser(row *sql.Row) (*models.UserRecord, error) {
	var u models.UserRecord
	var username, firstName, lastName sql.NullString
	err := row.Scan(&u.ID, &u.AccessHash, &username, &firstName, &lastName, &u.ChatID, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user failed: %w", err)
	}
	u.Username = username.String
	u.FirstName = firstName.String
	u.LastName = lastName.String
	return &u, nil
}
