package schemas

// -- Filters & Pagination --

// NodeFilter selects nodes for listing and seed resolution. Zero-value slices
// mean "no constraint". Query is a case-insensitive substring match over
// title, summary, and tags.
type NodeFilter struct {
	TenantIDs []string     `json:"tenant_ids,omitempty"`
	Types     []NodeType   `json:"node_types,omitempty"`
	Tags      []string     `json:"tags,omitempty"`
	TagsAllOf bool         `json:"tags_all_of,omitempty"` // Default any-of.
	Statuses  []NodeStatus `json:"statuses,omitempty"`
	Query     string       `json:"query,omitempty"`
	Page      int          `json:"page,omitempty"`  // 1-based; 0 means first page.
	Limit     int          `json:"limit,omitempty"` // 0 means no limit.
}

// EdgeFilter selects edges for listing.
type EdgeFilter struct {
	TenantID        string     `json:"tenant_id,omitempty"`
	NodeIDs         []string   `json:"node_ids,omitempty"` // Edges incident to any of these nodes.
	Types           []EdgeType `json:"edge_types,omitempty"`
	AutoGeneratedOnly bool     `json:"auto_generated_only,omitempty"`
	ManualOnly        bool     `json:"manual_only,omitempty"`
}

// -- Drafts & Patches --

// NodeDraft carries the caller-supplied fields for node creation. The store
// assigns id, timestamps, and version.
type NodeDraft struct {
	TenantID    string              `json:"tenant_id"`
	Type        NodeType            `json:"node_type"`
	Title       string              `json:"title"`
	Summary     string              `json:"summary,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
	Content     RawContent          `json:"content"`
	Visibility  Visibility          `json:"visibility,omitempty"`
	Status      NodeStatus          `json:"status,omitempty"`
	DatasetName string              `json:"dataset_name,omitempty"`
	FieldPath   string              `json:"field_path,omitempty"`
	DataType    string              `json:"data_type,omitempty"`
	CreatedBy   string              `json:"created_by,omitempty"`
}

// NodePatch carries a partial node update. Nil pointers leave the field
// untouched. Type is intentionally absent: node_type is immutable.
type NodePatch struct {
	Title       *string     `json:"title,omitempty"`
	Summary     *string     `json:"summary,omitempty"`
	Tags        *[]string   `json:"tags,omitempty"`
	Content     *RawContent `json:"content,omitempty"`
	Visibility  *Visibility `json:"visibility,omitempty"`
	Status      *NodeStatus `json:"status,omitempty"`
	DatasetName *string     `json:"dataset_name,omitempty"`
	FieldPath   *string     `json:"field_path,omitempty"`
	DataType    *string     `json:"data_type,omitempty"`
	UpdatedBy   string      `json:"updated_by,omitempty"`
}

// EdgeDraft carries the caller-supplied fields for manual edge creation.
type EdgeDraft struct {
	TenantID        string   `json:"tenant_id"`
	SourceID        string   `json:"source_id"`
	TargetID        string   `json:"target_id"`
	Type            EdgeType `json:"edge_type"`
	Weight          float64  `json:"weight"`
	IsBidirectional bool     `json:"is_bidirectional"`
}

// -- Subgraph Expansion --

// ExpandRequest is the input to the subgraph expansion service. An empty
// Query selects every node matching the filters ("load all").
type ExpandRequest struct {
	Query           string     `json:"query"`
	TenantIDs       []string   `json:"tenant_ids"`
	NodeTypes       []NodeType `json:"node_types,omitempty"`
	EdgeTypes       []EdgeType `json:"edge_types,omitempty"`
	Depth           int        `json:"depth"`
	Limit           int        `json:"limit"`
	IncludeImplicit bool       `json:"include_implicit"`
}

// ExpandResult is the bounded subgraph returned by expansion. Matches holds
// the ids of seed nodes (direct query hits) so consumers can highlight them
// distinctly from expanded context.
type ExpandResult struct {
	Nodes   []Node   `json:"nodes"`
	Edges   []Edge   `json:"edges"`
	Matches []string `json:"matches"`
}
