package sqlbuilder

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Dialect 数据库方言
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// ParseDialect 根据配置名称解析方言
func ParseDialect(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return SQLite, fmt.Errorf("unsupported database type %q", name)
	}
}

// DriverName 返回 database/sql 驱动名
func (d Dialect) DriverName() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite3"
}

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind 将 ? 占位符转换为方言对应的形式。
// 单引号字符串内的 ? 保持不变。
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}

	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			out.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
		default:
			out.WriteByte(ch)
		}
	}
	return out.String()
}

// Querier 由 *sql.DB 和 *sql.Tx 共同实现
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ========================================
// SELECT
// ========================================

// SelectBuilder SELECT查询构建器
type SelectBuilder struct {
	dialect    Dialect
	table      string
	selectCols []string
	whereConds []string
	orderBy    []string
	limitVal   int
	args       []interface{}
}

// NewSelect 创建新的SELECT查询构建器
func NewSelect(d Dialect, table string, cols ...string) *SelectBuilder {
	selectCols := cols
	if len(selectCols) == 0 {
		selectCols = []string{"*"}
	}

	return &SelectBuilder{
		dialect:    d,
		table:      table,
		selectCols: selectCols,
		args:       make([]interface{}, 0),
	}
}

// Where 添加WHERE条件
func (b *SelectBuilder) Where(condition string, args ...interface{}) *SelectBuilder {
	b.whereConds = append(b.whereConds, condition)
	b.args = append(b.args, args...)
	return b
}

// And AND连接
func (b *SelectBuilder) And(condition string, args ...interface{}) *SelectBuilder {
	b.whereConds = append(b.whereConds, "AND "+condition)
	b.args = append(b.args, args...)
	return b
}

// Or OR连接
func (b *SelectBuilder) Or(condition string, args ...interface{}) *SelectBuilder {
	b.whereConds = append(b.whereConds, "OR "+condition)
	b.args = append(b.args, args...)
	return b
}

// OrderBy 添加ORDER BY
func (b *SelectBuilder) OrderBy(cols ...string) *SelectBuilder {
	b.orderBy = append(b.orderBy, cols...)
	return b
}

// Limit 设置LIMIT
func (b *SelectBuilder) Limit(n int) *SelectBuilder {
	b.limitVal = n
	return b
}

// Args 获取参数
func (b *SelectBuilder) Args() []interface{} {
	return b.args
}

// Build 构建SQL语句
func (b *SelectBuilder) Build() string {
	var query strings.Builder

	query.WriteString("SELECT ")
	query.WriteString(strings.Join(b.selectCols, ", "))
	query.WriteString(" FROM " + b.table)

	if len(b.whereConds) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(b.whereConds, " "))
	}

	if len(b.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.limitVal > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT %d", b.limitVal))
	}

	return b.dialect.Rebind(query.String())
}

// Query 执行查询
func (b *SelectBuilder) Query(ctx context.Context, q Querier) (*sql.Rows, error) {
	return q.QueryContext(ctx, b.Build(), b.args...)
}

// QueryRow 执行单行查询
func (b *SelectBuilder) QueryRow(ctx context.Context, q Querier) *sql.Row {
	return q.QueryRowContext(ctx, b.Build(), b.args...)
}

// ========================================
// INSERT
// ========================================

// InsertBuilder INSERT构建器
type InsertBuilder struct {
	dialect    Dialect
	table      string
	cols       []string
	values     [][]interface{}
	conflict   []string
	updateCols []string
	doNothing  bool
	returning  []string
}

// NewInsert 创建INSERT构建器
func NewInsert(d Dialect, table string) *InsertBuilder {
	return &InsertBuilder{
		dialect: d,
		table:   table,
	}
}

// Columns 设置列
func (i *InsertBuilder) Columns(cols ...string) *InsertBuilder {
	i.cols = append(i.cols, cols...)
	return i
}

// Values 添加一行值
func (i *InsertBuilder) Values(vals ...interface{}) *InsertBuilder {
	i.values = append(i.values, vals)
	return i
}

// OnConflictDoNothing 冲突时忽略
func (i *InsertBuilder) OnConflictDoNothing(cols ...string) *InsertBuilder {
	i.conflict = cols
	i.doNothing = true
	return i
}

// OnConflictUpdate 冲突时用新值覆盖指定列
func (i *InsertBuilder) OnConflictUpdate(conflict []string, update ...string) *InsertBuilder {
	i.conflict = conflict
	i.updateCols = update
	i.doNothing = false
	return i
}

// Returning 添加RETURNING子句
func (i *InsertBuilder) Returning(cols ...string) *InsertBuilder {
	i.returning = append(i.returning, cols...)
	return i
}

// Build 构建INSERT语句
func (i *InsertBuilder) Build() string {
	var query strings.Builder

	query.WriteString("INSERT INTO " + i.table)

	if len(i.cols) > 0 {
		query.WriteString(" (" + strings.Join(i.cols, ", ") + ")")
	}

	if len(i.values) > 0 {
		query.WriteString(" VALUES ")
		for idx, row := range i.values {
			if idx > 0 {
				query.WriteString(", ")
			}
			placeholders := make([]string, len(row))
			for j := range placeholders {
				placeholders[j] = "?"
			}
			query.WriteString("(" + strings.Join(placeholders, ", ") + ")")
		}
	}

	if len(i.conflict) > 0 {
		query.WriteString(" ON CONFLICT (" + strings.Join(i.conflict, ", ") + ")")
		if i.doNothing || len(i.updateCols) == 0 {
			query.WriteString(" DO NOTHING")
		} else {
			sets := make([]string, len(i.updateCols))
			for j, col := range i.updateCols {
				sets[j] = col + " = excluded." + col
			}
			query.WriteString(" DO UPDATE SET " + strings.Join(sets, ", "))
		}
	}

	if len(i.returning) > 0 {
		query.WriteString(" RETURNING " + strings.Join(i.returning, ", "))
	}

	return i.dialect.Rebind(query.String())
}

// Args 返回参数列表，按行展开
func (i *InsertBuilder) Args() []interface{} {
	args := make([]interface{}, 0, len(i.values)*len(i.cols))
	for _, row := range i.values {
		args = append(args, row...)
	}
	return args
}

// Exec 执行INSERT
func (i *InsertBuilder) Exec(ctx context.Context, q Querier) (sql.Result, error) {
	return q.ExecContext(ctx, i.Build(), i.Args()...)
}

// QueryRow 执行带RETURNING的INSERT
func (i *InsertBuilder) QueryRow(ctx context.Context, q Querier) *sql.Row {
	return q.QueryRowContext(ctx, i.Build(), i.Args()...)
}

// ========================================
// UPDATE
// ========================================

type setClause struct {
	expr string
	args []interface{}
}

// UpdateBuilder UPDATE构建器，SET子句按调用顺序输出
type UpdateBuilder struct {
	dialect    Dialect
	table      string
	sets       []setClause
	conditions []string
	whereArgs  []interface{}
}

// NewUpdate 创建UPDATE构建器
func NewUpdate(d Dialect, table string) *UpdateBuilder {
	return &UpdateBuilder{
		dialect: d,
		table:   table,
	}
}

// Set 设置更新列。expr 是完整的赋值表达式，例如 "name = ?"
func (u *UpdateBuilder) Set(expr string, args ...interface{}) *UpdateBuilder {
	u.sets = append(u.sets, setClause{expr: expr, args: args})
	return u
}

// Where 设置WHERE条件
func (u *UpdateBuilder) Where(condition string, args ...interface{}) *UpdateBuilder {
	u.conditions = append(u.conditions, condition)
	u.whereArgs = append(u.whereArgs, args...)
	return u
}

// Build 构建UPDATE语句
func (u *UpdateBuilder) Build() string {
	var query strings.Builder

	query.WriteString("UPDATE " + u.table)

	if len(u.sets) > 0 {
		exprs := make([]string, len(u.sets))
		for i, s := range u.sets {
			exprs[i] = s.expr
		}
		query.WriteString(" SET " + strings.Join(exprs, ", "))
	}

	if len(u.conditions) > 0 {
		query.WriteString(" WHERE " + strings.Join(u.conditions, " AND "))
	}

	return u.dialect.Rebind(query.String())
}

// Args 返回参数列表，SET参数在前
func (u *UpdateBuilder) Args() []interface{} {
	args := make([]interface{}, 0, len(u.sets)+len(u.whereArgs))
	for _, s := range u.sets {
		args = append(args, s.args...)
	}
	return append(args, u.whereArgs...)
}

// Exec 执行UPDATE
func (u *UpdateBuilder) Exec(ctx context.Context, q Querier) (sql.Result, error) {
	return q.ExecContext(ctx, u.Build(), u.Args()...)
}

// ========================================
// DELETE
// ========================================

// DeleteBuilder DELETE构建器
type DeleteBuilder struct {
	dialect    Dialect
	table      string
	conditions []string
	args       []interface{}
}

// NewDelete 创建DELETE构建器
func NewDelete(d Dialect, table string) *DeleteBuilder {
	return &DeleteBuilder{
		dialect: d,
		table:   table,
	}
}

// Where 设置WHERE条件
func (d *DeleteBuilder) Where(condition string, args ...interface{}) *DeleteBuilder {
	d.conditions = append(d.conditions, condition)
	d.args = append(d.args, args...)
	return d
}

// Build 构建DELETE语句
func (d *DeleteBuilder) Build() string {
	query := "DELETE FROM " + d.table
	if len(d.conditions) > 0 {
		query += " WHERE " + strings.Join(d.conditions, " AND ")
	}
	return d.dialect.Rebind(query)
}

// Args 返回参数列表
func (d *DeleteBuilder) Args() []interface{} {
	return d.args
}

// Exec 执行DELETE
func (d *DeleteBuilder) Exec(ctx context.Context, q Querier) (sql.Result, error) {
	return q.ExecContext(ctx, d.Build(), d.args...)
}
