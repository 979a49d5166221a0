package graphstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xkilldash9x/kbgraph/api/schemas"
	"go.uber.org/zap"
)

// DBPool abstracts pgxpool.Pool so the store can be mocked in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresGraph provides a persistent implementation of the GraphStore
// interface backed by PostgreSQL. This is the go to for production
// deployments.
type PostgresGraph struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.GraphStore = (*PostgresGraph)(nil)

// NewPostgresGraph creates a new store instance and verifies the connection.
func NewPostgresGraph(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresGraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresGraph{pool: pool, log: logger.Named("PostgresGraph")}, nil
}

const nodeColumns = `id, tenant_id, node_type, title, summary, tags, content, visibility, status,
	dataset_name, field_path, data_type, created_by, created_at, updated_by, updated_at, version`

const edgeColumns = `id, tenant_id, source_id, target_id, edge_type, weight, is_bidirectional, is_auto_generated, created_at`

// GetNode retrieves a node by its ID.
func (p *PostgresGraph) GetNode(ctx context.Context, id string) (schemas.Node, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM kb_nodes WHERE id = $1;`, id)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Node{}, schemas.NewNotFoundError("node with id '%s' not found", id)
		}
		return schemas.Node{}, fmt.Errorf("failed to get node: %w", err)
	}
	return node, nil
}

// ListNodes returns nodes matching the filter.
func (p *PostgresGraph) ListNodes(ctx context.Context, filter schemas.NodeFilter) ([]schemas.Node, error) {
	where, args := buildNodeWhere(filter)
	query := `SELECT ` + nodeColumns + ` FROM kb_nodes` + where + ` ORDER BY updated_at DESC, id ASC`
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		args = append(args, filter.Limit, (page-1)*filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	query += ";"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []schemas.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node row: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountNodes returns the number of nodes matching the filter.
func (p *PostgresGraph) CountNodes(ctx context.Context, filter schemas.NodeFilter) (int, error) {
	where, args := buildNodeWhere(filter)
	var count int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kb_nodes`+where+`;`, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return count, nil
}

// CreateNode validates the draft and inserts a new node.
func (p *PostgresGraph) CreateNode(ctx context.Context, draft schemas.NodeDraft) (schemas.Node, error) {
	node, err := NodeFromDraft(draft)
	if err != nil {
		return schemas.Node{}, err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO kb_nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
	`, node.ID, node.TenantID, string(node.Type), node.Title, node.Summary, node.Tags,
		[]byte(node.Content), string(node.Visibility), string(node.Status),
		node.DatasetName, node.FieldPath, node.DataType,
		node.CreatedBy, node.CreatedAt, node.UpdatedBy, node.UpdatedAt, node.Version)
	if err != nil {
		return schemas.Node{}, fmt.Errorf("failed to insert node: %w", err)
	}
	return node, nil
}

// UpdateNode applies a partial update inside a transaction so the
// read-modify-write cannot interleave with another writer.
func (p *PostgresGraph) UpdateNode(ctx context.Context, id string, patch schemas.NodePatch) (schemas.Node, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return schemas.Node{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx, p.log)

	row := tx.QueryRow(ctx, `SELECT `+nodeColumns+` FROM kb_nodes WHERE id = $1 FOR UPDATE;`, id)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schemas.Node{}, schemas.NewNotFoundError("node with id '%s' not found", id)
		}
		return schemas.Node{}, fmt.Errorf("failed to load node for update: %w", err)
	}

	updated, err := ApplyNodePatch(node, patch)
	if err != nil {
		return schemas.Node{}, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE kb_nodes SET title = $2, summary = $3, tags = $4, content = $5,
			visibility = $6, status = $7, dataset_name = $8, field_path = $9,
			data_type = $10, updated_by = $11, updated_at = $12, version = $13
		WHERE id = $1;
	`, id, updated.Title, updated.Summary, updated.Tags, []byte(updated.Content),
		string(updated.Visibility), string(updated.Status),
		updated.DatasetName, updated.FieldPath, updated.DataType,
		updated.UpdatedBy, updated.UpdatedAt, updated.Version)
	if err != nil {
		return schemas.Node{}, fmt.Errorf("failed to update node: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return schemas.Node{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, nil
}

// DeleteNode removes a node and all incident edges in one transaction, so the
// cascade is atomic.
func (p *PostgresGraph) DeleteNode(ctx context.Context, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx, p.log)

	if _, err := tx.Exec(ctx, `DELETE FROM kb_edges WHERE source_id = $1 OR target_id = $1;`, id); err != nil {
		return fmt.Errorf("failed to cascade-delete edges: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM kb_nodes WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.NewNotFoundError("node with id '%s' not found", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateEdge inserts a manual edge after checking endpoints and uniqueness
// within a transaction.
func (p *PostgresGraph) CreateEdge(ctx context.Context, draft schemas.EdgeDraft) (schemas.Edge, error) {
	if err := ValidateEdgeDraft(draft); err != nil {
		return schemas.Edge{}, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return schemas.Edge{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx, p.log)

	var endpoints int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM kb_nodes WHERE id = ANY($1);`,
		[]string{draft.SourceID, draft.TargetID}).Scan(&endpoints)
	if err != nil {
		return schemas.Edge{}, fmt.Errorf("failed to check edge endpoints: %w", err)
	}
	if endpoints != 2 {
		return schemas.Edge{}, schemas.NewReferenceError(
			"edge endpoints (%s, %s) must both exist", draft.SourceID, draft.TargetID)
	}

	var duplicates int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM kb_edges
		WHERE source_id = $1 AND target_id = $2 AND edge_type = $3 AND NOT is_auto_generated;
	`, draft.SourceID, draft.TargetID, string(draft.Type)).Scan(&duplicates)
	if err != nil {
		return schemas.Edge{}, fmt.Errorf("failed to check for duplicate edge: %w", err)
	}
	if duplicates > 0 {
		return schemas.Edge{}, schemas.NewDuplicateError(
			"edge (%s, %s, %s) already exists", draft.SourceID, draft.TargetID, draft.Type)
	}

	edge := schemas.Edge{
		ID:              uuid.NewString(),
		TenantID:        draft.TenantID,
		SourceID:        draft.SourceID,
		TargetID:        draft.TargetID,
		Type:            draft.Type,
		Weight:          draft.Weight,
		IsBidirectional: draft.IsBidirectional,
		IsAutoGenerated: false,
		CreatedAt:       time.Now().UTC(),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO kb_edges (`+edgeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`, edge.ID, edge.TenantID, edge.SourceID, edge.TargetID, string(edge.Type),
		edge.Weight, edge.IsBidirectional, edge.IsAutoGenerated, edge.CreatedAt)
	if err != nil {
		return schemas.Edge{}, fmt.Errorf("failed to insert edge: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return schemas.Edge{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return edge, nil
}

// DeleteEdge removes an edge by ID.
func (p *PostgresGraph) DeleteEdge(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM kb_edges WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return schemas.NewNotFoundError("edge with id '%s' not found", id)
	}
	return nil
}

// ListEdges returns edges matching the filter.
func (p *PostgresGraph) ListEdges(ctx context.Context, filter schemas.EdgeFilter) ([]schemas.Edge, error) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.TenantID != "" {
		clauses = append(clauses, "tenant_id = "+arg(filter.TenantID))
	}
	if len(filter.NodeIDs) > 0 {
		ph := arg(filter.NodeIDs)
		clauses = append(clauses, fmt.Sprintf("(source_id = ANY(%s) OR target_id = ANY(%s))", ph, ph))
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		clauses = append(clauses, "edge_type = ANY("+arg(types)+")")
	}
	if filter.AutoGeneratedOnly {
		clauses = append(clauses, "is_auto_generated")
	}
	if filter.ManualOnly {
		clauses = append(clauses, "NOT is_auto_generated")
	}

	query := `SELECT ` + edgeColumns + ` FROM kb_edges`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC;"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []schemas.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge row: %w", err)
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

// ReplaceAutoEdges swaps the auto-generated edge set inside one transaction:
// delete-all-then-insert-all, never incremental. A failed run rolls back and
// leaves the previous set intact.
func (p *PostgresGraph) ReplaceAutoEdges(ctx context.Context, tenantID string, types []schemas.EdgeType, edges []schemas.Edge) error {
	for _, e := range edges {
		if !e.IsAutoGenerated || !schemas.IsAutoEdgeType(e.Type) {
			return schemas.NewValidationError("replace set may only contain auto-generated edges (got %s)", e.Type)
		}
	}

	typeStrs := make([]string, len(types))
	for i, t := range types {
		typeStrs[i] = string(t)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx, p.log)

	_, err = tx.Exec(ctx, `
		DELETE FROM kb_edges
		WHERE tenant_id = $1 AND is_auto_generated AND edge_type = ANY($2);
	`, tenantID, typeStrs)
	if err != nil {
		return fmt.Errorf("failed to delete auto-generated edges: %w", err)
	}

	if len(edges) > 0 {
		batch := &pgx.Batch{}
		sql := `INSERT INTO kb_edges (` + edgeColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`
		for _, e := range edges {
			batch.Queue(sql, e.ID, e.TenantID, e.SourceID, e.TargetID, string(e.Type),
				e.Weight, e.IsBidirectional, e.IsAutoGenerated, e.CreatedAt)
		}

		br := tx.SendBatch(ctx, batch)
		if br == nil {
			return fmt.Errorf("failed to send batch: batch results is nil")
		}
		for i := range edges {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("failed to insert auto-generated edge %s: %w", edges[i].ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("failed to close batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	p.log.Debug("Auto-generated edges replaced",
		zap.String("tenant_id", tenantID), zap.Int("inserted", len(edges)))
	return nil
}

// rollback is a deferred-rollback helper; rolling back a committed (closed)
// transaction is expected and not logged.
func rollback(ctx context.Context, tx pgx.Tx, log *zap.Logger) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

// buildNodeWhere renders the WHERE clause and args for a node filter.
func buildNodeWhere(f schemas.NodeFilter) (string, []any) {
	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.TenantIDs) > 0 {
		clauses = append(clauses, "tenant_id = ANY("+arg(f.TenantIDs)+")")
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		clauses = append(clauses, "node_type = ANY("+arg(types)+")")
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		clauses = append(clauses, "status = ANY("+arg(statuses)+")")
	}
	if len(f.Tags) > 0 {
		tags := schemas.NormalizeTags(f.Tags)
		if f.TagsAllOf {
			clauses = append(clauses, "tags @> "+arg(tags))
		} else {
			clauses = append(clauses, "tags && "+arg(tags))
		}
	}
	if f.Query != "" {
		pattern := "%" + strings.ToLower(strings.TrimSpace(f.Query)) + "%"
		ph := arg(pattern)
		clauses = append(clauses, fmt.Sprintf(
			"(title ILIKE %s OR summary ILIKE %s OR EXISTS (SELECT 1 FROM unnest(tags) tag WHERE tag LIKE %s))",
			ph, ph, ph))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// scanNode reads one node row in nodeColumns order.
func scanNode(row pgx.Row) (schemas.Node, error) {
	var n schemas.Node
	var nodeType, visibility, status string
	var content []byte
	err := row.Scan(&n.ID, &n.TenantID, &nodeType, &n.Title, &n.Summary, &n.Tags, &content,
		&visibility, &status, &n.DatasetName, &n.FieldPath, &n.DataType,
		&n.CreatedBy, &n.CreatedAt, &n.UpdatedBy, &n.UpdatedAt, &n.Version)
	if err != nil {
		return schemas.Node{}, err
	}
	n.Type = schemas.NodeType(nodeType)
	n.Visibility = schemas.Visibility(visibility)
	n.Status = schemas.NodeStatus(status)
	n.Content = schemas.RawContent(content)
	return n, nil
}

// scanEdge reads one edge row in edgeColumns order.
func scanEdge(row pgx.Row) (schemas.Edge, error) {
	var e schemas.Edge
	var edgeType string
	err := row.Scan(&e.ID, &e.TenantID, &e.SourceID, &e.TargetID, &edgeType,
		&e.Weight, &e.IsBidirectional, &e.IsAutoGenerated, &e.CreatedAt)
	if err != nil {
		return schemas.Edge{}, err
	}
	e.Type = schemas.EdgeType(edgeType)
	return e, nil
}
