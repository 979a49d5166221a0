package graphstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
)

// Neo4jGraph implements schemas.GraphStore on a Neo4j database. Nodes are
// stored as (:KBNode) vertices and edges as [:KB_EDGE] relationships carrying
// the edge metadata as properties, so that traversal stays native while the
// store interface stays backend-agnostic.
type Neo4jGraph struct {
	driver   neo4j.DriverWithContext
	database string
	log      *zap.Logger
}

// Compile-time interface check.
var _ schemas.GraphStore = (*Neo4jGraph)(nil)

const connectTimeout = 10 * time.Second

// NewNeo4jGraph connects to Neo4j, verifies connectivity, and ensures the
// uniqueness constraints the store relies on.
func NewNeo4jGraph(ctx context.Context, cfg config.Neo4jConfig, logger *zap.Logger) (*Neo4jGraph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4j graph store: uri is required")
	}

	auth := neo4j.BasicAuth(cfg.User, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = 50
		c.SocketConnectTimeout = connectTimeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j graph store: init driver: %w", err)
	}

	verifyCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := driver.VerifyConnectivity(verifyCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j graph store: verify connectivity: %w", err)
	}

	g := &Neo4jGraph{
		driver:   driver,
		database: cfg.Database,
		log:      logger.Named("neo4j_graph"),
	}
	g.initSchema(ctx)
	return g, nil
}

// Close releases the underlying driver.
func (g *Neo4jGraph) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// initSchema creates uniqueness constraints. Best effort: a failure is logged
// and the store keeps working without them.
func (g *Neo4jGraph) initSchema(ctx context.Context) {
	session := g.writeSession(ctx)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT kb_node_id_unique IF NOT EXISTS FOR (n:KBNode) REQUIRE n.id IS UNIQUE`,
		`CREATE INDEX kb_node_tenant IF NOT EXISTS FOR (n:KBNode) ON (n.tenant_id)`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			g.log.Warn("Schema init statement failed, continuing.", zap.Error(err))
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}

func (g *Neo4jGraph) readSession(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: g.database,
	})
}

func (g *Neo4jGraph) writeSession(ctx context.Context) neo4j.SessionWithContext {
	return g.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: g.database,
	})
}

// -- Nodes --

func (g *Neo4jGraph) GetNode(ctx context.Context, id string) (schemas.Node, error) {
	session := g.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n:KBNode {id: $id}) RETURN n`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, schemas.NewNotFoundError("node %q not found", id)
		}
		return nodeFromRecord(rec, "n")
	})
	if err != nil {
		return schemas.Node{}, err
	}
	return out.(schemas.Node), nil
}

func (g *Neo4jGraph) ListNodes(ctx context.Context, filter schemas.NodeFilter) ([]schemas.Node, error) {
	where, params := buildNodeMatch(filter)
	cypher := fmt.Sprintf(`
		MATCH (n:KBNode)%s
		RETURN n
		ORDER BY n.updated_at DESC, n.id ASC`, where)
	if filter.Limit > 0 {
		page := filter.Page
		if page < 1 {
			page = 1
		}
		params["skip"] = (page - 1) * filter.Limit
		params["limit"] = filter.Limit
		cypher += ` SKIP $skip LIMIT $limit`
	}

	session := g.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		nodes := make([]schemas.Node, 0, len(records))
		for _, rec := range records {
			node, err := nodeFromRecord(rec, "n")
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		}
		return nodes, nil
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j graph store: list nodes: %w", err)
	}
	return out.([]schemas.Node), nil
}

func (g *Neo4jGraph) CountNodes(ctx context.Context, filter schemas.NodeFilter) (int, error) {
	where, params := buildNodeMatch(filter)
	cypher := fmt.Sprintf(`MATCH (n:KBNode)%s RETURN count(n) AS total`, where)

	session := g.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		total, _ := rec.Get("total")
		return total, nil
	})
	if err != nil {
		return 0, fmt.Errorf("neo4j graph store: count nodes: %w", err)
	}
	return int(out.(int64)), nil
}

func (g *Neo4jGraph) CreateNode(ctx context.Context, draft schemas.NodeDraft) (schemas.Node, error) {
	node, err := NodeFromDraft(draft)
	if err != nil {
		return schemas.Node{}, err
	}

	session := g.writeSession(ctx)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `CREATE (n:KBNode) SET n = $props`,
			map[string]any{"props": nodeProps(node)})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return schemas.Node{}, fmt.Errorf("neo4j graph store: create node: %w", err)
	}
	g.log.Debug("Node created.", zap.String("node_id", node.ID), zap.String("tenant_id", node.TenantID))
	return node, nil
}

func (g *Neo4jGraph) UpdateNode(ctx context.Context, id string, patch schemas.NodePatch) (schemas.Node, error) {
	session := g.writeSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n:KBNode {id: $id}) RETURN n`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, schemas.NewNotFoundError("node %q not found", id)
		}
		current, err := nodeFromRecord(rec, "n")
		if err != nil {
			return nil, err
		}
		updated, err := ApplyNodePatch(current, patch)
		if err != nil {
			return nil, err
		}
		res, err = tx.Run(ctx, `MATCH (n:KBNode {id: $id}) SET n = $props`,
			map[string]any{"id": id, "props": nodeProps(updated)})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		return updated, nil
	})
	if err != nil {
		return schemas.Node{}, err
	}
	return out.(schemas.Node), nil
}

func (g *Neo4jGraph) DeleteNode(ctx context.Context, id string) error {
	session := g.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// DETACH DELETE removes every incident relationship with the node, so
		// the cascade is native here.
		res, err := tx.Run(ctx, `MATCH (n:KBNode {id: $id}) DETACH DELETE n`,
			map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		if summary.Counters().NodesDeleted() == 0 {
			return nil, schemas.NewNotFoundError("node %q not found", id)
		}
		return nil, nil
	})
	return err
}

// -- Edges --

func (g *Neo4jGraph) CreateEdge(ctx context.Context, draft schemas.EdgeDraft) (schemas.Edge, error) {
	if err := ValidateEdgeDraft(draft); err != nil {
		return schemas.Edge{}, err
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

	session := g.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (s:KBNode {id: $source_id}), (t:KBNode {id: $target_id})
			OPTIONAL MATCH (s)-[dup:KB_EDGE {edge_type: $edge_type, is_auto_generated: false}]->(t)
			RETURN count(dup) AS dups`,
			map[string]any{
				"source_id": edge.SourceID,
				"target_id": edge.TargetID,
				"edge_type": string(edge.Type),
			})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, schemas.NewReferenceError(
				"edge endpoints %q and %q must both exist", edge.SourceID, edge.TargetID)
		}
		if dups, _ := rec.Get("dups"); dups.(int64) > 0 {
			return nil, schemas.NewDuplicateError(
				"edge %s -[%s]-> %s already exists", edge.SourceID, edge.Type, edge.TargetID)
		}

		res, err = tx.Run(ctx, `
			MATCH (s:KBNode {id: $source_id}), (t:KBNode {id: $target_id})
			CREATE (s)-[r:KB_EDGE]->(t)
			SET r = $props`,
			map[string]any{
				"source_id": edge.SourceID,
				"target_id": edge.TargetID,
				"props":     edgeProps(edge),
			})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return schemas.Edge{}, err
	}
	return edge, nil
}

func (g *Neo4jGraph) DeleteEdge(ctx context.Context, id string) error {
	session := g.writeSession(ctx)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH ()-[r:KB_EDGE {id: $id}]->() DELETE r`,
			map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		if summary.Counters().RelationshipsDeleted() == 0 {
			return nil, schemas.NewNotFoundError("edge %q not found", id)
		}
		return nil, nil
	})
	return err
}

func (g *Neo4jGraph) ListEdges(ctx context.Context, filter schemas.EdgeFilter) ([]schemas.Edge, error) {
	clauses := []string{}
	params := map[string]any{}
	if filter.TenantID != "" {
		clauses = append(clauses, `r.tenant_id = $tenant_id`)
		params["tenant_id"] = filter.TenantID
	}
	if len(filter.NodeIDs) > 0 {
		clauses = append(clauses, `(r.source_id IN $node_ids OR r.target_id IN $node_ids)`)
		params["node_ids"] = filter.NodeIDs
	}
	if len(filter.Types) > 0 {
		clauses = append(clauses, `r.edge_type IN $edge_types`)
		params["edge_types"] = edgeTypeStrings(filter.Types)
	}
	if filter.AutoGeneratedOnly {
		clauses = append(clauses, `r.is_auto_generated`)
	}
	if filter.ManualOnly {
		clauses = append(clauses, `NOT r.is_auto_generated`)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	cypher := fmt.Sprintf(`MATCH ()-[r:KB_EDGE]->()%s RETURN r ORDER BY r.created_at, r.id`, where)

	session := g.readSession(ctx)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		edges := make([]schemas.Edge, 0, len(records))
		for _, rec := range records {
			edge, err := edgeFromRecord(rec, "r")
			if err != nil {
				return nil, err
			}
			edges = append(edges, edge)
		}
		return edges, nil
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j graph store: list edges: %w", err)
	}
	return out.([]schemas.Edge), nil
}

func (g *Neo4jGraph) ReplaceAutoEdges(ctx context.Context, tenantID string, types []schemas.EdgeType, edges []schemas.Edge) error {
	for _, e := range edges {
		if !e.IsAutoGenerated || !schemas.IsAutoEdgeType(e.Type) {
			return schemas.NewValidationError(
				"replace set may only contain auto-generated edges (got %q)", e.Type)
		}
	}

	rows := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, map[string]any{
			"source_id": e.SourceID,
			"target_id": e.TargetID,
			"props":     edgeProps(e),
		})
	}

	session := g.writeSession(ctx)
	defer session.Close(ctx)

	// A managed write transaction either fully replaces the set or leaves the
	// previous edges untouched.
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH ()-[r:KB_EDGE]->()
			WHERE r.tenant_id = $tenant_id AND r.is_auto_generated AND r.edge_type IN $edge_types
			DELETE r`,
			map[string]any{
				"tenant_id":  tenantID,
				"edge_types": edgeTypeStrings(types),
			})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}

		if len(rows) == 0 {
			return nil, nil
		}
		res, err = tx.Run(ctx, `
			UNWIND $rows AS row
			MATCH (s:KBNode {id: row.source_id}), (t:KBNode {id: row.target_id})
			CREATE (s)-[r:KB_EDGE]->(t)
			SET r = row.props`,
			map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		summary, err := res.Consume(ctx)
		if err != nil {
			return nil, err
		}
		if created := summary.Counters().RelationshipsCreated(); created != len(rows) {
			return nil, schemas.NewReferenceError(
				"replace set references missing nodes (%d of %d edges created)", created, len(rows))
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	g.log.Info("Auto-generated edges replaced.",
		zap.String("tenant_id", tenantID), zap.Int("edges", len(edges)))
	return nil
}

// -- Cypher assembly & property mapping --

func buildNodeMatch(filter schemas.NodeFilter) (string, map[string]any) {
	clauses := []string{}
	params := map[string]any{}
	if len(filter.TenantIDs) > 0 {
		clauses = append(clauses, `n.tenant_id IN $tenant_ids`)
		params["tenant_ids"] = filter.TenantIDs
	}
	if len(filter.Types) > 0 {
		strs := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			strs[i] = string(t)
		}
		clauses = append(clauses, `n.node_type IN $node_types`)
		params["node_types"] = strs
	}
	if len(filter.Statuses) > 0 {
		strs := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			strs[i] = string(s)
		}
		clauses = append(clauses, `n.status IN $statuses`)
		params["statuses"] = strs
	}
	if len(filter.Tags) > 0 {
		params["tags"] = schemas.NormalizeTags(filter.Tags)
		if filter.TagsAllOf {
			clauses = append(clauses, `all(tag IN $tags WHERE tag IN n.tags)`)
		} else {
			clauses = append(clauses, `any(tag IN $tags WHERE tag IN n.tags)`)
		}
	}
	if filter.Query != "" {
		params["query"] = strings.ToLower(filter.Query)
		clauses = append(clauses, `(toLower(n.title) CONTAINS $query
			OR toLower(n.summary) CONTAINS $query
			OR any(tag IN n.tags WHERE tag CONTAINS $query))`)
	}
	if len(clauses) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(clauses, " AND "), params
}

func edgeTypeStrings(types []schemas.EdgeType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// nodeProps flattens a node into Neo4j properties. Content is kept as a JSON
// string since Neo4j properties cannot hold nested maps.
func nodeProps(n schemas.Node) map[string]any {
	return map[string]any{
		"id":           n.ID,
		"tenant_id":    n.TenantID,
		"node_type":    string(n.Type),
		"title":        n.Title,
		"summary":      n.Summary,
		"tags":         n.Tags,
		"content":      string(n.Content),
		"visibility":   string(n.Visibility),
		"status":       string(n.Status),
		"dataset_name": n.DatasetName,
		"field_path":   n.FieldPath,
		"data_type":    n.DataType,
		"created_by":   n.CreatedBy,
		"created_at":   n.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_by":   n.UpdatedBy,
		"updated_at":   n.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"version":      int64(n.Version),
	}
}

func edgeProps(e schemas.Edge) map[string]any {
	return map[string]any{
		"id":                e.ID,
		"tenant_id":         e.TenantID,
		"source_id":         e.SourceID,
		"target_id":         e.TargetID,
		"edge_type":         string(e.Type),
		"weight":            e.Weight,
		"is_bidirectional":  e.IsBidirectional,
		"is_auto_generated": e.IsAutoGenerated,
		"created_at":        e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func nodeFromRecord(rec *neo4j.Record, key string) (schemas.Node, error) {
	raw, ok := rec.Get(key)
	if !ok {
		return schemas.Node{}, fmt.Errorf("neo4j graph store: record missing %q", key)
	}
	entity, ok := raw.(neo4j.Node)
	if !ok {
		return schemas.Node{}, fmt.Errorf("neo4j graph store: unexpected record type %T", raw)
	}
	p := entity.Props
	return schemas.Node{
		ID:          propString(p, "id"),
		TenantID:    propString(p, "tenant_id"),
		Type:        schemas.NodeType(propString(p, "node_type")),
		Title:       propString(p, "title"),
		Summary:     propString(p, "summary"),
		Tags:        propStrings(p, "tags"),
		Content:     schemas.RawContent(propString(p, "content")),
		Visibility:  schemas.Visibility(propString(p, "visibility")),
		Status:      schemas.NodeStatus(propString(p, "status")),
		DatasetName: propString(p, "dataset_name"),
		FieldPath:   propString(p, "field_path"),
		DataType:    propString(p, "data_type"),
		CreatedBy:   propString(p, "created_by"),
		CreatedAt:   propTime(p, "created_at"),
		UpdatedBy:   propString(p, "updated_by"),
		UpdatedAt:   propTime(p, "updated_at"),
		Version:     int(propInt(p, "version")),
	}, nil
}

func edgeFromRecord(rec *neo4j.Record, key string) (schemas.Edge, error) {
	raw, ok := rec.Get(key)
	if !ok {
		return schemas.Edge{}, fmt.Errorf("neo4j graph store: record missing %q", key)
	}
	rel, ok := raw.(neo4j.Relationship)
	if !ok {
		return schemas.Edge{}, fmt.Errorf("neo4j graph store: unexpected record type %T", raw)
	}
	p := rel.Props
	return schemas.Edge{
		ID:              propString(p, "id"),
		TenantID:        propString(p, "tenant_id"),
		SourceID:        propString(p, "source_id"),
		TargetID:        propString(p, "target_id"),
		Type:            schemas.EdgeType(propString(p, "edge_type")),
		Weight:          propFloat(p, "weight"),
		IsBidirectional: propBool(p, "is_bidirectional"),
		IsAutoGenerated: propBool(p, "is_auto_generated"),
		CreatedAt:       propTime(p, "created_at"),
	}, nil
}

func propString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func propStrings(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func propFloat(p map[string]any, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func propInt(p map[string]any, key string) int64 {
	if v, ok := p[key].(int64); ok {
		return v
	}
	return 0
}

func propBool(p map[string]any, key string) bool {
	v, _ := p[key].(bool)
	return v
}

func propTime(p map[string]any, key string) time.Time {
	s, ok := p[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
