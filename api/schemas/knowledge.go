package schemas

import (
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RawContent is an unparsed content payload. The shape is determined by the
// owning node's NodeType.
type RawContent = jsoniter.RawMessage

// -- Canonical Knowledge Graph Data Model --

// NodeType discriminates the shape of a node's Content payload.
type NodeType string

const (
	NodeFAQ            NodeType = "faq"
	NodePlaybook       NodeType = "playbook"
	NodePermissionRule NodeType = "permission_rule"
	NodeSchemaIndex    NodeType = "schema_index"
	NodeSchemaField    NodeType = "schema_field"
	NodeExample        NodeType = "example"
	NodeEntity         NodeType = "entity"
	NodeConcept        NodeType = "concept"
)

// KnownNodeTypes lists every valid NodeType. Used for input validation.
var KnownNodeTypes = []NodeType{
	NodeFAQ, NodePlaybook, NodePermissionRule, NodeSchemaIndex,
	NodeSchemaField, NodeExample, NodeEntity, NodeConcept,
}

// Visibility scopes who may see a node.
type Visibility string

const (
	VisibilityPublic     Visibility = "public"
	VisibilityInternal   Visibility = "internal"
	VisibilityRestricted Visibility = "restricted"
)

// NodeStatus tracks the publication lifecycle of a node. The values are
// lowercase to match the corresponding ENUM in the PostgreSQL database.
type NodeStatus string

const (
	StatusDraft     NodeStatus = "draft"
	StatusPublished NodeStatus = "published"
	StatusArchived  NodeStatus = "archived"
)

// EdgeType defines the semantic type of a relationship between two nodes.
type EdgeType string

const (
	EdgeRelated   EdgeType = "related"
	EdgeParent    EdgeType = "parent"
	EdgeExampleOf EdgeType = "example_of"
	EdgeSharedTag EdgeType = "shared_tag" // Auto-generated only.
	EdgeSimilar   EdgeType = "similar"    // Auto-generated only.
)

// AutoEdgeTypes are the edge types owned exclusively by the inference engine.
// They are always created with IsAutoGenerated set and may not be created or
// edited manually.
var AutoEdgeTypes = []EdgeType{EdgeSharedTag, EdgeSimilar}

// IsAutoEdgeType reports whether t is owned by the inference engine.
func IsAutoEdgeType(t EdgeType) bool {
	return t == EdgeSharedTag || t == EdgeSimilar
}

// Node represents a single typed knowledge item in the graph. The Content
// payload is a flexible JSON document whose shape is determined by Type; use
// ValidateContent to check it at the boundary.
type Node struct {
	ID         string              `json:"id"`
	TenantID   string              `json:"tenant_id"`
	Type       NodeType            `json:"node_type"`
	Title      string              `json:"title"`
	Summary    string              `json:"summary,omitempty"`
	Tags       []string            `json:"tags"`
	Content    RawContent          `json:"content"` // Type-specific payload, see content structs below.
	Visibility Visibility          `json:"visibility"`
	Status     NodeStatus          `json:"status"`

	// Dataset linkage, populated for schema_index / schema_field nodes.
	DatasetName string `json:"dataset_name,omitempty"`
	FieldPath   string `json:"field_path,omitempty"`
	DataType    string `json:"data_type,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version,omitempty"`
}

// Edge represents a directed, typed, weighted relationship between two nodes.
type Edge struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	SourceID        string    `json:"source_id"`
	TargetID        string    `json:"target_id"`
	Type            EdgeType  `json:"edge_type"`
	Weight          float64   `json:"weight"`
	IsBidirectional bool      `json:"is_bidirectional"`
	IsAutoGenerated bool      `json:"is_auto_generated"`
	CreatedAt       time.Time `json:"created_at"`
}

// Subgraph is a node/edge set cut out of the full graph, as returned by the
// expansion service and consumed by the layout engine.
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// -- Staging --

// StagingStatus is the review lifecycle state of a staging item. Pending is
// the initial state; approved and rejected are terminal.
type StagingStatus string

const (
	StagingPending  StagingStatus = "pending"
	StagingApproved StagingStatus = "approved"
	StagingRejected StagingStatus = "rejected"
)

// StagingAction is the dedup classification assigned to an incoming item.
type StagingAction string

const (
	ActionNew        StagingAction = "new"
	ActionMerge      StagingAction = "merge"
	ActionAddVariant StagingAction = "add_variant"
)

// ActionStrength orders staging actions by how aggressively they fold the
// incoming content into existing knowledge: new < add_variant < merge.
func ActionStrength(a StagingAction) int {
	switch a {
	case ActionAddVariant:
		return 1
	case ActionMerge:
		return 2
	default:
		return 0
	}
}

// StagingItem is a not-yet-committed candidate node awaiting human review.
type StagingItem struct {
	ID       string              `json:"id"`
	TenantID string              `json:"tenant_id"`
	Type     NodeType            `json:"node_type"`
	Title    string              `json:"title"`
	Tags     []string            `json:"tags"`
	Content  RawContent          `json:"content"`

	Status      StagingStatus `json:"status"`
	Action      StagingAction `json:"action"`
	MergeWithID string        `json:"merge_with_id,omitempty"`
	Similarity  float64       `json:"similarity,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ReviewedBy  string    `json:"reviewed_by,omitempty"`
	ReviewedAt  time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes string    `json:"review_notes,omitempty"`
}

// -- Content Variant Schemas --

// FAQContent is the payload for NodeFAQ.
type FAQContent struct {
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Variants []string `json:"variants,omitempty"` // Alternative phrasings merged in via add_variant.
}

// PlaybookContent is the payload for NodePlaybook.
type PlaybookContent struct {
	Domain string   `json:"domain"`
	Body   string   `json:"body"`
	Steps  []string `json:"steps,omitempty"`
}

// PermissionRuleContent is the payload for NodePermissionRule.
type PermissionRuleContent struct {
	Permission string   `json:"permission"`
	Roles      []string `json:"roles"`
	Resources  []string `json:"resources,omitempty"`
}

// SchemaIndexContent is the payload for NodeSchemaIndex.
type SchemaIndexContent struct {
	Description string   `json:"description"`
	Fields      []string `json:"fields,omitempty"`
}

// SchemaFieldContent is the payload for NodeSchemaField.
type SchemaFieldContent struct {
	Description string `json:"description"`
	Nullable    bool   `json:"nullable,omitempty"`
	Example     string `json:"example,omitempty"`
}

// ExampleContent is the payload for NodeExample.
type ExampleContent struct {
	Input    string `json:"input"`
	Output   string `json:"output,omitempty"`
	Language string `json:"language,omitempty"`
}

// EntityContent is the payload for NodeEntity.
type EntityContent struct {
	EntityType  string            `json:"entity_type"`
	Description string            `json:"description,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ConceptContent is the payload for NodeConcept.
type ConceptContent struct {
	Definition string   `json:"definition"`
	Aliases    []string `json:"aliases,omitempty"`
}

// ValidateContent checks that raw is a well-formed payload for the given node
// type. It returns a ValidationError describing the first problem found.
func ValidateContent(t NodeType, raw RawContent) error {
	if len(raw) == 0 || string(raw) == "null" {
		return NewValidationError("content is required for node type %q", t)
	}

	switch t {
	case NodeFAQ:
		var c FAQContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("faq content is not valid JSON: %v", err)
		}
		if c.Question == "" || c.Answer == "" {
			return NewValidationError("faq content requires question and answer")
		}
	case NodePlaybook:
		var c PlaybookContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("playbook content is not valid JSON: %v", err)
		}
		if c.Domain == "" || c.Body == "" {
			return NewValidationError("playbook content requires domain and body")
		}
	case NodePermissionRule:
		var c PermissionRuleContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("permission_rule content is not valid JSON: %v", err)
		}
		if c.Permission == "" || len(c.Roles) == 0 {
			return NewValidationError("permission_rule content requires permission and at least one role")
		}
	case NodeSchemaIndex:
		var c SchemaIndexContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("schema_index content is not valid JSON: %v", err)
		}
		if c.Description == "" {
			return NewValidationError("schema_index content requires description")
		}
	case NodeSchemaField:
		var c SchemaFieldContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("schema_field content is not valid JSON: %v", err)
		}
		if c.Description == "" {
			return NewValidationError("schema_field content requires description")
		}
	case NodeExample:
		var c ExampleContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("example content is not valid JSON: %v", err)
		}
		if c.Input == "" {
			return NewValidationError("example content requires input")
		}
	case NodeEntity:
		var c EntityContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("entity content is not valid JSON: %v", err)
		}
		if c.EntityType == "" {
			return NewValidationError("entity content requires entity_type")
		}
	case NodeConcept:
		var c ConceptContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return NewValidationError("concept content is not valid JSON: %v", err)
		}
		if c.Definition == "" {
			return NewValidationError("concept content requires definition")
		}
	default:
		return NewValidationError("unknown node type %q", t)
	}

	return nil
}

// NormalizeTags lowercases, trims, de-duplicates and sorts a tag set. Tag
// order is irrelevant in the data model, so a canonical ordering keeps
// comparisons and inference runs deterministic.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
