package properties

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/database/sqlbuilder"
)

const propertiesTable = "file_properties"

// SQLStore keeps properties in file_properties; rows go away with their file.
type SQLStore struct {
	db *database.DB
}

func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Purge deletes the rows of ids. Rows also cascade when their file row goes,
// so this only matters for callers that drop ids on their own.
func (s *SQLStore) Purge(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")

	_, err := sqlbuilder.NewDelete(s.db.Dialect, propertiesTable).
		Where("file_id IN ("+placeholders+")", args...).
		Exec(ctx, s.db)
	if err != nil {
		return fmt.Errorf("purge properties: %w", err)
	}
	return nil
}

func (s *SQLStore) NewSession() Session {
	return &sqlSession{store: s}
}

// sqlSession buffers writes and opens the database transaction only inside
// Commit, so no lock is held while a request body is still being read.
type sqlSession struct {
	store *SQLStore
	tx    staged
}

func (s *sqlSession) Begin(context.Context) error {
	s.tx.begin()
	return nil
}

func (s *sqlSession) Commit(ctx context.Context) error {
	ops := s.tx.take()
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin property transaction: %w", err)
	}
	defer tx.Rollback()

	for _, o := range ops {
		if err := s.store.apply(ctx, tx, o); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit property transaction: %w", err)
	}
	return nil
}

func (s *sqlSession) Rollback(context.Context) error {
	s.tx.take()
	return nil
}

func (s *sqlSession) SetValue(_ context.Context, id int64, key, value string) error {
	s.tx.set(id, key, value)
	return nil
}

func (s *sqlSession) Remove(_ context.Context, id int64, key string) error {
	s.tx.remove(id, key)
	return nil
}

func (s *SQLStore) apply(ctx context.Context, tx *sql.Tx, o op) error {
	if o.remove {
		_, err := sqlbuilder.NewDelete(s.db.Dialect, propertiesTable).
			Where("file_id = ?", o.resourceID).
			Where("name = ?", o.key).
			Exec(ctx, tx)
		if err != nil {
			return fmt.Errorf("remove property %s on %d: %w", o.key, o.resourceID, err)
		}
		return nil
	}

	_, err := sqlbuilder.NewInsert(s.db.Dialect, propertiesTable).
		Columns("file_id", "name", "value").
		Values(o.resourceID, o.key, o.value).
		OnConflictUpdate([]string{"file_id", "name"}, "value").
		Exec(ctx, tx)
	if err != nil {
		return fmt.Errorf("set property %s on %d: %w", o.key, o.resourceID, err)
	}
	return nil
}

func (s *sqlSession) Value(ctx context.Context, id int64, key string) (string, bool, error) {
	var value string
	err := sqlbuilder.NewSelect(s.store.db.Dialect, propertiesTable, "value").
		Where("file_id = ?", id).
		And("name = ?", key).
		QueryRow(ctx, s.store.db).
		Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get property %s on %d: %w", key, id, err)
	}
	return value, true, nil
}

func (s *sqlSession) Values(ctx context.Context, id int64) (map[string]string, error) {
	rows, err := sqlbuilder.NewSelect(s.store.db.Dialect, propertiesTable, "name", "value").
		Where("file_id = ?", id).
		Query(ctx, s.store.db)
	if err != nil {
		return nil, fmt.Errorf("list properties on %d: %w", id, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}
