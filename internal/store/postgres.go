package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"chaingraph/pkg/models"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS graph_nodes (
	id         BIGSERIAL PRIMARY KEY,
	kind       TEXT    NOT NULL,
	key        TEXT    NOT NULL,
	owned      BOOLEAN NOT NULL DEFAULT false,
	height     BIGINT  NOT NULL DEFAULT 0,
	attrs      JSONB   NOT NULL DEFAULT '{}',
	superseded BOOLEAN NOT NULL DEFAULT false,
	UNIQUE (kind, key)
);
CREATE TABLE IF NOT EXISTS graph_edges (
	src       BIGINT NOT NULL REFERENCES graph_nodes(id),
	predicate TEXT   NOT NULL,
	dst       BIGINT NOT NULL REFERENCES graph_nodes(id),
	PRIMARY KEY (src, predicate, dst)
);
CREATE INDEX IF NOT EXISTS graph_edges_dst ON graph_edges (dst);
CREATE INDEX IF NOT EXISTS graph_nodes_block_height ON graph_nodes (height) WHERE kind = 'block' AND NOT superseded;
`

// PostgresStore 基于 PostgreSQL 的图存储
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewPostgresStore 连接数据库并建表
func NewPostgresStore(ctx context.Context, dsn string, logger *logrus.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化图表结构失败: %w", err)
	}

	logger.Info("PostgreSQL 图存储已就绪")
	return &PostgresStore{db: db, logger: logger}, nil
}

func decodeAttrs(raw []byte) (map[string]interface{}, error) {
	attrs := make(map[string]interface{})
	if len(raw) == 0 {
		return attrs, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("解析节点属性失败: %w", err)
	}
	return attrs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n     Node
		kind  string
		attrs []byte
	)
	if err := row.Scan(&n.ID, &kind, &n.Key, &n.Owned, &n.Height, &attrs, &n.Superseded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	n.Kind = models.Kind(kind)
	a, err := decodeAttrs(attrs)
	if err != nil {
		return nil, err
	}
	n.Attrs = a
	return &n, nil
}

const nodeColumns = `id, kind, key, owned, height, attrs, superseded`

// Begin 开启数据库事务
func (s *PostgresStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	return &pgTxn{ctx: ctx, tx: tx}, nil
}

// Lookup 按自然键查找
func (s *PostgresStore) Lookup(ctx context.Context, key models.NaturalKey) (NodeID, bool, error) {
	var id NodeID
	err := s.db.QueryRowContext(ctx, `SELECT id FROM graph_nodes WHERE kind = $1 AND key = $2`, string(key.Kind), key.Key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// Node 按自然键读取
func (s *PostgresStore) Node(ctx context.Context, key models.NaturalKey) (*Node, error) {
	return scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM graph_nodes WHERE kind = $1 AND key = $2`, string(key.Kind), key.Key))
}

// NodeByID 按ID读取
func (s *PostgresStore) NodeByID(ctx context.Context, id NodeID) (*Node, error) {
	return scanNode(s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM graph_nodes WHERE id = $1`, id))
}

// Edges 出边
func (s *PostgresStore) Edges(ctx context.Context, id NodeID) ([]Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT predicate, dst FROM graph_edges WHERE src = $1 ORDER BY predicate, dst`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e := Edge{Src: id}
		if err := rows.Scan(&e.Predicate, &e.Dst); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// CanonicalHash 某高度有效区块哈希
func (s *PostgresStore) CanonicalHash(ctx context.Context, height uint64) (string, bool, error) {
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT attrs->>'hash' FROM graph_nodes WHERE kind = $1 AND key = $2`,
		string(models.KindBlock), strconv.FormatUint(height, 10)).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash.String, true, nil
}

// HighestBlock 最高有效区块
func (s *PostgresStore) HighestBlock(ctx context.Context) (uint64, bool, error) {
	var h sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(height) FROM graph_nodes WHERE kind = $1 AND NOT superseded`, string(models.KindBlock)).Scan(&h)
	if err != nil {
		return 0, false, err
	}
	if !h.Valid {
		return 0, false, nil
	}
	return uint64(h.Int64), true, nil
}

// SupersedeAbove 递归查询沿反向边收集归属实体，一条语句内完成改名和标记
func (s *PostgresStore) SupersedeAbove(ctx context.Context, height uint64) (int, error) {
	kinds := make([]string, 0, len(models.BlockOwnedKinds))
	for _, k := range models.BlockOwnedKinds {
		kinds = append(kinds, string(k))
	}

	res, err := s.db.ExecContext(ctx, `
WITH RECURSIVE doomed(id) AS (
	SELECT id FROM graph_nodes WHERE kind = $1 AND NOT superseded AND height > $2
	UNION
	SELECT e.src FROM graph_edges e
	JOIN doomed d ON e.dst = d.id
	JOIN graph_nodes n ON n.id = e.src
	WHERE n.kind = ANY($3) AND NOT n.superseded
)
UPDATE graph_nodes SET superseded = true, key = key || '~' || id::text
WHERE id IN (SELECT id FROM doomed)`, string(models.KindBlock), height, pq.Array(kinds))
	if err != nil {
		return 0, fmt.Errorf("级联作废失败: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Stats 统计
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByKind: make(map[string]int)}
	rows, err := s.db.QueryContext(ctx, `SELECT kind, superseded, COUNT(*) FROM graph_nodes GROUP BY kind, superseded`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind       string
			superseded bool
			count      int
		)
		if err := rows.Scan(&kind, &superseded, &count); err != nil {
			return st, err
		}
		st.Nodes += count
		if superseded {
			st.Superseded += count
		} else {
			st.ByKind[kind] += count
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM graph_edges`).Scan(&st.Edges)
	return st, err
}

// Close 关闭数据库连接
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type pgTxn struct {
	ctx context.Context
	tx  *sql.Tx
}

// insertedScanner 在节点列之后多扫描一列 (xmax = 0)
type insertedScanner struct {
	row      *sql.Row
	inserted *bool
}

func (s insertedScanner) Scan(dest ...interface{}) error {
	return s.row.Scan(append(dest, s.inserted)...)
}

// ResolveOrCreate 单条 INSERT ... ON CONFLICT 完成插入或加锁取回已有行，
// 并发写同一自然键不会触发唯一约束错误
func (t *pgTxn) ResolveOrCreate(u Upsert) (NodeID, bool, error) {
	attrs, err := json.Marshal(mergeAttrs(nil, u.Attrs))
	if err != nil {
		return 0, false, err
	}

	var inserted bool
	existing, err := scanNode(insertedScanner{
		row: t.tx.QueryRowContext(t.ctx,
			`INSERT INTO graph_nodes (kind, key, owned, height, attrs) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (kind, key) DO UPDATE SET kind = EXCLUDED.kind
			RETURNING `+nodeColumns+`, (xmax = 0)`,
			string(u.Key.Kind), u.Key.Key, u.Owned, u.Height, attrs),
		inserted: &inserted,
	})
	if err != nil {
		return 0, false, fmt.Errorf("插入节点失败: %w", pgError(err))
	}
	if inserted {
		return existing.ID, true, nil
	}

	if err := checkIdentity(existing, u); err != nil {
		return 0, false, err
	}
	merged, err := json.Marshal(mergeAttrs(existing.Attrs, u.Attrs))
	if err != nil {
		return 0, false, err
	}
	owned, height := existing.Owned, existing.Height
	if u.Owned {
		owned, height = true, u.Height
	}
	_, err = t.tx.ExecContext(t.ctx,
		`UPDATE graph_nodes SET attrs = $1, owned = $2, height = $3 WHERE id = $4`,
		merged, owned, height, existing.ID)
	return existing.ID, false, pgError(err)
}

// pgError 死锁和序列化失败映射为可重试的 ErrTxnAborted
func pgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40P01", "40001":
			return fmt.Errorf("%w: %s", ErrTxnAborted, pqErr.Message)
		}
	}
	return err
}

func (t *pgTxn) Lookup(key models.NaturalKey) (NodeID, bool, error) {
	var id NodeID
	err := t.tx.QueryRowContext(t.ctx, `SELECT id FROM graph_nodes WHERE kind = $1 AND key = $2`, string(key.Kind), key.Key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (t *pgTxn) SetEdge(src NodeID, predicate string, dst NodeID) error {
	if _, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM graph_edges WHERE src = $1 AND predicate = $2 AND dst <> $3`, src, predicate, dst); err != nil {
		return pgError(err)
	}
	return t.AddEdge(src, predicate, dst)
}

func (t *pgTxn) AddEdge(src NodeID, predicate string, dst NodeID) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO graph_edges (src, predicate, dst) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, src, predicate, dst)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	return pgError(err)
}

func (t *pgTxn) Commit() error {
	return pgError(t.tx.Commit())
}

func (t *pgTxn) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
