package graphstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/xkilldash9x/kbgraph/api/schemas"
)

// NodeFromDraft validates a draft and materializes a new node with generated
// id, normalized tags, defaults, and audit fields. Shared by every store
// implementation so validation behaves identically across backends.
func NodeFromDraft(draft schemas.NodeDraft) (schemas.Node, error) {
	if draft.TenantID == "" {
		return schemas.Node{}, schemas.NewValidationError("tenant_id is required")
	}
	if draft.Title == "" {
		return schemas.Node{}, schemas.NewValidationError("title is required")
	}
	if !knownNodeType(draft.Type) {
		return schemas.Node{}, schemas.NewValidationError("unknown node type %q", draft.Type)
	}
	if err := schemas.ValidateContent(draft.Type, draft.Content); err != nil {
		return schemas.Node{}, err
	}

	visibility := draft.Visibility
	if visibility == "" {
		visibility = schemas.VisibilityInternal
	}
	status := draft.Status
	if status == "" {
		status = schemas.StatusDraft
	}

	now := time.Now().UTC()
	return schemas.Node{
		ID:          uuid.NewString(),
		TenantID:    draft.TenantID,
		Type:        draft.Type,
		Title:       draft.Title,
		Summary:     draft.Summary,
		Tags:        schemas.NormalizeTags(draft.Tags),
		Content:     draft.Content,
		Visibility:  visibility,
		Status:      status,
		DatasetName: draft.DatasetName,
		FieldPath:   draft.FieldPath,
		DataType:    draft.DataType,
		CreatedBy:   draft.CreatedBy,
		CreatedAt:   now,
		UpdatedBy:   draft.CreatedBy,
		UpdatedAt:   now,
		Version:     1,
	}, nil
}

// ApplyNodePatch returns a copy of node with the patch applied, version
// bumped, and updated_at refreshed. Content changes are re-validated against
// the node's immutable type.
func ApplyNodePatch(node schemas.Node, patch schemas.NodePatch) (schemas.Node, error) {
	if patch.Content != nil {
		if err := schemas.ValidateContent(node.Type, *patch.Content); err != nil {
			return schemas.Node{}, err
		}
		node.Content = *patch.Content
	}
	if patch.Title != nil {
		if *patch.Title == "" {
			return schemas.Node{}, schemas.NewValidationError("title cannot be empty")
		}
		node.Title = *patch.Title
	}
	if patch.Summary != nil {
		node.Summary = *patch.Summary
	}
	if patch.Tags != nil {
		node.Tags = schemas.NormalizeTags(*patch.Tags)
	}
	if patch.Visibility != nil {
		node.Visibility = *patch.Visibility
	}
	if patch.Status != nil {
		node.Status = *patch.Status
	}
	if patch.DatasetName != nil {
		node.DatasetName = *patch.DatasetName
	}
	if patch.FieldPath != nil {
		node.FieldPath = *patch.FieldPath
	}
	if patch.DataType != nil {
		node.DataType = *patch.DataType
	}
	node.UpdatedBy = patch.UpdatedBy
	node.UpdatedAt = time.Now().UTC()
	node.Version++
	return node, nil
}

// ValidateEdgeDraft checks the backend-independent invariants of a manual
// edge draft: manual edge types only, weight in the unit interval.
func ValidateEdgeDraft(draft schemas.EdgeDraft) error {
	if draft.TenantID == "" {
		return schemas.NewValidationError("tenant_id is required")
	}
	if draft.SourceID == draft.TargetID {
		return schemas.NewValidationError("an edge cannot connect a node to itself")
	}
	if schemas.IsAutoEdgeType(draft.Type) {
		return schemas.NewValidationError(
			"edge type %q is auto-generated and owned by the inference engine", draft.Type)
	}
	switch draft.Type {
	case schemas.EdgeRelated, schemas.EdgeParent, schemas.EdgeExampleOf:
	default:
		return schemas.NewValidationError("unknown edge type %q", draft.Type)
	}
	if draft.Weight < 0 || draft.Weight > 1 {
		return schemas.NewValidationError("edge weight must lie in [0,1] (got %v)", draft.Weight)
	}
	return nil
}

func knownNodeType(t schemas.NodeType) bool {
	for _, k := range schemas.KnownNodeTypes {
		if t == k {
			return true
		}
	}
	return false
}
