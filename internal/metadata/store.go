package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/filedav-server/internal/database"
	"github.com/filedav-server/internal/database/sqlbuilder"
	"github.com/filedav-server/internal/models"
	"github.com/filedav-server/internal/storage"
)

var (
	ErrNotFound       = errors.New("file record not found")
	ErrParentNotFound = errors.New("parent record not found")
	ErrInvalidTarget  = errors.New("invalid target path")
)

const filesTable = "files"

// descendantCond matches every path below a prefix. A prefix comparison is
// used instead of LIKE, which is case-insensitive in SQLite.
const descendantCond = "substr(path, 1, ?) = ?"

func descendantArgs(path string) []interface{} {
	prefix := path + "/"
	return []interface{}{utf8.RuneCountInString(prefix), prefix}
}

var recordColumns = []string{
	"id", "owner_id", "parent_id", "path", "name", "mimetype", "mtime", "storage_mtime", "size", "etag",
}

// UpsertParams describes the physical entry a record is written for.
type UpsertParams struct {
	Parts []string
	Info  os.FileInfo
	// MimeType is ignored for directories.
	MimeType string
	// DeclaredMTime overrides Info.ModTime when non-zero.
	DeclaredMTime int64
	ETag          string
}

// Store is the owner-scoped FileRecord store. Every write runs in one
// transaction so a failure leaves nothing half written.
type Store interface {
	FindByPath(ctx context.Context, owner uuid.UUID, path string) (*models.FileRecord, error)
	ListChildren(ctx context.Context, owner uuid.UUID, parentID int64) ([]*models.FileRecord, error)
	Upsert(ctx context.Context, owner uuid.UUID, p UpsertParams) (*models.FileRecord, error)
	CopySubtree(ctx context.Context, owner uuid.UUID, srcPath string, destParts []string) error
	Move(ctx context.Context, owner uuid.UUID, srcPath, destPath, destName string) (int64, error)
	Delete(ctx context.Context, owner uuid.UUID, path string) (int64, error)
	EnsureRoot(ctx context.Context, owner uuid.UUID, info os.FileInfo) (*models.FileRecord, error)
}

// DeleteHook is told the ids of records removed by Delete, after commit.
type DeleteHook func(ctx context.Context, ids []int64)

// SQLStore implements Store on SQLite or PostgreSQL.
type SQLStore struct {
	db       *database.DB
	logger   logrus.FieldLogger
	onDelete []DeleteHook
}

func NewSQLStore(db *database.DB, logger logrus.FieldLogger) *SQLStore {
	return &SQLStore{
		db:     db,
		logger: logger.WithField("component", "metadata"),
	}
}

// OnDelete registers a hook for removed records. Hooks are registered during
// setup, before the store is shared.
func (s *SQLStore) OnDelete(hook DeleteHook) {
	s.onDelete = append(s.onDelete, hook)
}

func (s *SQLStore) dialect() sqlbuilder.Dialect {
	return s.db.Dialect
}

// withTx runs fn in a transaction and commits only when fn succeeds.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*models.FileRecord, error) {
	var (
		rec      models.FileRecord
		owner    string
		parentID sql.NullInt64
	)
	err := row.Scan(&rec.ID, &owner, &parentID, &rec.Path, &rec.Name, &rec.MimeType,
		&rec.MTime, &rec.StorageMTime, &rec.Size, &rec.ETag)
	if err != nil {
		return nil, err
	}

	rec.OwnerID, err = uuid.Parse(owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner id %q: %w", owner, err)
	}
	if parentID.Valid {
		id := parentID.Int64
		rec.ParentID = &id
	}
	return &rec, nil
}

func (s *SQLStore) findByPath(ctx context.Context, q sqlbuilder.Querier, owner uuid.UUID, path string) (*models.FileRecord, error) {
	row := sqlbuilder.NewSelect(s.dialect(), filesTable, recordColumns...).
		Where("owner_id = ?", owner.String()).
		And("path = ?", path).
		QueryRow(ctx, q)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", path, err)
	}
	return rec, nil
}

// FindByPath returns nil, nil when no record exists.
func (s *SQLStore) FindByPath(ctx context.Context, owner uuid.UUID, path string) (*models.FileRecord, error) {
	return s.findByPath(ctx, s.db, owner, path)
}

// ListChildren returns the direct children of parentID ordered by name.
func (s *SQLStore) ListChildren(ctx context.Context, owner uuid.UUID, parentID int64) ([]*models.FileRecord, error) {
	rows, err := sqlbuilder.NewSelect(s.dialect(), filesTable, recordColumns...).
		Where("owner_id = ?", owner.String()).
		And("parent_id = ?", parentID).
		OrderBy("name").
		Query(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("list children of %d: %w", parentID, err)
	}
	defer rows.Close()

	var children []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, rec)
	}
	return children, rows.Err()
}

// Upsert creates or replaces the record for p.Parts. The parent record must exist.
func (s *SQLStore) Upsert(ctx context.Context, owner uuid.UUID, p UpsertParams) (*models.FileRecord, error) {
	if p.Info == nil {
		return nil, fmt.Errorf("upsert %s: missing file info", storage.LogicalPath(p.Parts))
	}

	rec := &models.FileRecord{
		OwnerID:      owner,
		Path:         storage.LogicalPath(p.Parts),
		Name:         storage.RootSegment,
		MTime:        p.DeclaredMTime,
		StorageMTime: p.Info.ModTime().Unix(),
		ETag:         p.ETag,
	}
	if len(p.Parts) > 0 {
		rec.Name = p.Parts[len(p.Parts)-1]
	}
	if rec.MTime == 0 {
		rec.MTime = rec.StorageMTime
	}
	if p.Info.IsDir() {
		rec.MimeType = models.DirectoryMimeType
	} else {
		rec.MimeType = p.MimeType
		rec.Size = p.Info.Size()
	}

	s.logger.WithFields(logrus.Fields{
		"owner": owner,
		"path":  rec.Path,
		"etag":  rec.ETag,
	}).Debug("upsert")

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(p.Parts) > 0 {
			parentPath := storage.LogicalPath(p.Parts[:len(p.Parts)-1])
			parent, err := s.findByPath(ctx, tx, owner, parentPath)
			if err != nil {
				return err
			}
			if parent == nil {
				return fmt.Errorf("upsert %s: %w: %s", rec.Path, ErrParentNotFound, parentPath)
			}
			rec.ParentID = &parent.ID
		}

		var parentID interface{}
		if rec.ParentID != nil {
			parentID = *rec.ParentID
		}

		err := sqlbuilder.NewInsert(s.dialect(), filesTable).
			Columns(recordColumns[1:]...).
			Values(owner.String(), parentID, rec.Path, rec.Name, rec.MimeType, rec.MTime, rec.StorageMTime, rec.Size, rec.ETag).
			OnConflictUpdate([]string{"owner_id", "path"},
				"parent_id", "name", "mimetype", "mtime", "storage_mtime", "size", "etag").
			Returning("id").
			QueryRow(ctx, tx).
			Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", rec.Path, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// EnsureRoot creates the owner's "files" record if it is missing.
func (s *SQLStore) EnsureRoot(ctx context.Context, owner uuid.UUID, info os.FileInfo) (*models.FileRecord, error) {
	root, err := s.FindByPath(ctx, owner, storage.RootSegment)
	if err != nil || root != nil {
		return root, err
	}

	mtime := info.ModTime().Unix()
	_, err = sqlbuilder.NewInsert(s.dialect(), filesTable).
		Columns(recordColumns[1:]...).
		Values(owner.String(), nil, storage.RootSegment, storage.RootSegment, models.DirectoryMimeType,
			mtime, mtime, 0, storage.DirETag(info.ModTime())).
		OnConflictDoNothing("owner_id", "path").
		Exec(ctx, s.db)
	if err != nil {
		return nil, fmt.Errorf("create root record: %w", err)
	}

	s.logger.WithField("owner", owner).Info("root record created")
	return s.FindByPath(ctx, owner, storage.RootSegment)
}

func (s *SQLStore) listDescendants(ctx context.Context, q sqlbuilder.Querier, owner uuid.UUID, path string) ([]*models.FileRecord, error) {
	rows, err := sqlbuilder.NewSelect(s.dialect(), filesTable, recordColumns...).
		Where("owner_id = ?", owner.String()).
		And(descendantCond, descendantArgs(path)...).
		OrderBy("path").
		Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list descendants of %s: %w", path, err)
	}
	defer rows.Close()

	var out []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hasHiddenSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if storage.IsHidden(seg) {
			return true
		}
	}
	return false
}

// CopySubtree duplicates srcPath and every descendant under destParts.
// Hidden descendants are left out, matching the physical tree copy.
func (s *SQLStore) CopySubtree(ctx context.Context, owner uuid.UUID, srcPath string, destParts []string) error {
	if len(destParts) == 0 {
		return fmt.Errorf("copy %s: %w: destination is the root", srcPath, ErrInvalidTarget)
	}
	destPath := storage.LogicalPath(destParts)
	destParentPath := storage.LogicalPath(destParts[:len(destParts)-1])
	if destPath == srcPath || strings.HasPrefix(destPath, srcPath+"/") {
		return fmt.Errorf("copy %s: %w: %s is inside the source", srcPath, ErrInvalidTarget, destPath)
	}

	s.logger.WithFields(logrus.Fields{
		"owner": owner,
		"from":  srcPath,
		"to":    destPath,
	}).Debug("copy subtree")

	return s.withTx(ctx, func(tx *sql.Tx) error {
		src, err := s.findByPath(ctx, tx, owner, srcPath)
		if err != nil {
			return err
		}
		if src == nil {
			return fmt.Errorf("copy %s: %w", srcPath, ErrNotFound)
		}

		parent, err := s.findByPath(ctx, tx, owner, destParentPath)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("copy %s: %w: %s", srcPath, ErrParentNotFound, destParentPath)
		}

		rootID, err := s.insertCopy(ctx, tx, src, parent.ID, destPath, destParts[len(destParts)-1])
		if err != nil {
			return err
		}
		if !src.IsDir() {
			return nil
		}

		descendants, err := s.listDescendants(ctx, tx, owner, srcPath)
		if err != nil {
			return err
		}

		newIDs := map[int64]int64{src.ID: rootID}
		for _, rec := range descendants {
			rel := strings.TrimPrefix(rec.Path, srcPath+"/")
			if hasHiddenSegment(rel) || rec.ParentID == nil {
				continue
			}
			newParent, ok := newIDs[*rec.ParentID]
			if !ok {
				continue
			}
			id, err := s.insertCopy(ctx, tx, rec, newParent, destPath+"/"+rel, rec.Name)
			if err != nil {
				return err
			}
			newIDs[rec.ID] = id
		}
		return nil
	})
}

func (s *SQLStore) insertCopy(ctx context.Context, tx *sql.Tx, src *models.FileRecord, parentID int64, path, name string) (int64, error) {
	var id int64
	err := sqlbuilder.NewInsert(s.dialect(), filesTable).
		Columns(recordColumns[1:]...).
		Values(src.OwnerID.String(), parentID, path, name, src.MimeType, src.MTime, src.StorageMTime, src.Size, src.ETag).
		Returning("id").
		QueryRow(ctx, tx).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("copy to %s: %w", path, err)
	}
	return id, nil
}

// Move renames the record at srcPath and rewrites every descendant path in
// the same transaction. It returns the number of records renamed at srcPath
// (0 when the source has no record).
func (s *SQLStore) Move(ctx context.Context, owner uuid.UUID, srcPath, destPath, destName string) (int64, error) {
	idx := strings.LastIndex(destPath, "/")
	if idx < 0 {
		return 0, fmt.Errorf("move %s: %w: destination is the root", srcPath, ErrInvalidTarget)
	}
	if strings.HasPrefix(destPath, srcPath+"/") {
		return 0, fmt.Errorf("move %s: %w: %s is inside the source", srcPath, ErrInvalidTarget, destPath)
	}
	destParentPath := destPath[:idx]

	s.logger.WithFields(logrus.Fields{
		"owner": owner,
		"from":  srcPath,
		"to":    destPath,
	}).Debug("move")

	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		src, err := s.findByPath(ctx, tx, owner, srcPath)
		if err != nil || src == nil {
			return err
		}

		parent, err := s.findByPath(ctx, tx, owner, destParentPath)
		if err != nil {
			return err
		}
		if parent == nil {
			return fmt.Errorf("move %s: %w: %s", srcPath, ErrParentNotFound, destParentPath)
		}

		res, err := sqlbuilder.NewUpdate(s.dialect(), filesTable).
			Set("path = ?", destPath).
			Set("name = ?", destName).
			Set("parent_id = ?", parent.ID).
			Where("owner_id = ?", owner.String()).
			Where("id = ?", src.ID).
			Exec(ctx, tx)
		if err != nil {
			return fmt.Errorf("move %s: %w", srcPath, err)
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}

		// substr counts characters in both dialects
		_, err = sqlbuilder.NewUpdate(s.dialect(), filesTable).
			Set("path = ? || substr(path, ?)", destPath, utf8.RuneCountInString(srcPath)+1).
			Where("owner_id = ?", owner.String()).
			Where(descendantCond, descendantArgs(srcPath)...).
			Exec(ctx, tx)
		if err != nil {
			return fmt.Errorf("move descendants of %s: %w", srcPath, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// Delete removes the record at path together with its descendants. The
// returned count covers only the record at path.
func (s *SQLStore) Delete(ctx context.Context, owner uuid.UUID, path string) (int64, error) {
	s.logger.WithFields(logrus.Fields{"owner": owner, "path": path}).Debug("delete")

	var affected int64
	var removed []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if len(s.onDelete) > 0 {
			var err error
			if removed, err = s.subtreeIDs(ctx, tx, owner, path); err != nil {
				return err
			}
		}

		_, err := sqlbuilder.NewDelete(s.dialect(), filesTable).
			Where("owner_id = ?", owner.String()).
			Where(descendantCond, descendantArgs(path)...).
			Exec(ctx, tx)
		if err != nil {
			return fmt.Errorf("delete descendants of %s: %w", path, err)
		}

		res, err := sqlbuilder.NewDelete(s.dialect(), filesTable).
			Where("owner_id = ?", owner.String()).
			Where("path = ?", path).
			Exec(ctx, tx)
		if err != nil {
			return fmt.Errorf("delete %s: %w", path, err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	if len(removed) > 0 {
		for _, hook := range s.onDelete {
			hook(ctx, removed)
		}
	}
	return affected, nil
}

// subtreeIDs returns the ids of the record at path and all its descendants.
func (s *SQLStore) subtreeIDs(ctx context.Context, q sqlbuilder.Querier, owner uuid.UUID, path string) ([]int64, error) {
	var ids []int64
	rec, err := s.findByPath(ctx, q, owner, path)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		ids = append(ids, rec.ID)
	}

	descendants, err := s.listDescendants(ctx, q, owner, path)
	if err != nil {
		return nil, err
	}
	for _, d := range descendants {
		ids = append(ids, d.ID)
	}
	return ids, nil
}
