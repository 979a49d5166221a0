// Package staging implements the dedup pipeline that classifies newly
// submitted content against existing knowledge and holds it for human review.
// Nothing enters the graph store without an approval.
package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Submission is one incoming content item heading into the pipeline.
type Submission struct {
	TenantID string             `json:"tenant_id"`
	Type     schemas.NodeType   `json:"node_type"`
	Title    string             `json:"title"`
	Tags     []string           `json:"tags,omitempty"`
	Content  schemas.RawContent `json:"content"`
}

// ReviewEdits carries the optional human corrections applied over the
// proposed content at approval time.
type ReviewEdits struct {
	Title   *string             `json:"title,omitempty"`
	Tags    *[]string           `json:"tags,omitempty"`
	Content *schemas.RawContent `json:"content,omitempty"`
}

// Pipeline classifies submissions using similarity thresholds and materializes
// approved items into the graph store.
type Pipeline struct {
	graph    schemas.GraphStore
	staging  schemas.StagingStore
	scorer   schemas.SimilarityScorer
	settings schemas.SettingsStore
	log      *zap.Logger
}

// NewPipeline wires the dedup pipeline.
func NewPipeline(graph schemas.GraphStore, staging schemas.StagingStore, scorer schemas.SimilarityScorer, settings schemas.SettingsStore, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		graph:    graph,
		staging:  staging,
		scorer:   scorer,
		settings: settings,
		log:      logger.Named("staging_pipeline"),
	}
}

// Submit classifies one incoming item. The returned bool reports whether a
// staging entry was created: items scoring below the skip threshold are
// discarded silently as exact duplicates of existing knowledge.
func (p *Pipeline) Submit(ctx context.Context, sub Submission) (schemas.StagingItem, bool, error) {
	if sub.TenantID == "" {
		return schemas.StagingItem{}, false, schemas.NewValidationError("tenant_id is required")
	}
	if sub.Title == "" {
		return schemas.StagingItem{}, false, schemas.NewValidationError("title is required")
	}
	if err := schemas.ValidateContent(sub.Type, sub.Content); err != nil {
		return schemas.StagingItem{}, false, err
	}

	settings, err := p.settings.Get(ctx, sub.TenantID)
	if err != nil {
		return schemas.StagingItem{}, false, fmt.Errorf("staging: load settings: %w", err)
	}

	item := schemas.StagingItem{
		ID:        uuid.NewString(),
		TenantID:  sub.TenantID,
		Type:      sub.Type,
		Title:     sub.Title,
		Tags:      schemas.NormalizeTags(sub.Tags),
		Content:   sub.Content,
		Status:    schemas.StagingPending,
		CreatedAt: time.Now().UTC(),
	}

	match, ok, err := p.scorer.BestMatch(ctx, sub.TenantID, sub.Type, sub.Title, string(sub.Content))
	switch {
	case err != nil && schemas.IsKind(err, schemas.KindScoringUnavailable):
		// Conservative fallback: stage as new with zero confidence instead of
		// failing the ingestion.
		p.log.Warn("Similarity collaborator unavailable, staging as new.",
			zap.String("tenant_id", sub.TenantID), zap.Error(err))
		item.Action = schemas.ActionNew
		item.Confidence = 0
	case err != nil:
		return schemas.StagingItem{}, false, fmt.Errorf("staging: score submission: %w", err)
	case !ok:
		// Nothing to compare against: first item of its kind.
		item.Action = schemas.ActionNew
		item.Confidence = 1
	default:
		if match.Score < settings.SkipThreshold {
			p.log.Debug("Submission discarded as an exact duplicate.",
				zap.String("tenant_id", sub.TenantID),
				zap.String("match_id", match.NodeID),
				zap.Float64("score", match.Score))
			return schemas.StagingItem{}, false, nil
		}
		item.Action = classify(match.Score, settings)
		item.Similarity = match.Score
		item.Confidence = match.Confidence
		if item.Action != schemas.ActionNew {
			item.MergeWithID = match.NodeID
		}
		if match.Confidence < settings.ConfidenceThreshold {
			item.Action = downgrade(item.Action)
			if item.Action == schemas.ActionNew {
				item.MergeWithID = ""
			}
		}
	}

	if err := p.staging.Put(ctx, item); err != nil {
		return schemas.StagingItem{}, false, fmt.Errorf("staging: store item: %w", err)
	}
	return item, true, nil
}

// classify maps a similarity score to an action using the tenant's ordered
// thresholds. Scores below the skip threshold never reach this function.
func classify(score float64, s schemas.ThresholdSettings) schemas.StagingAction {
	switch {
	case score >= s.MergeThreshold:
		return schemas.ActionMerge
	case score >= s.VariantThreshold:
		return schemas.ActionAddVariant
	default:
		return schemas.ActionNew
	}
}

// downgrade steps an action one tier toward new. A low-confidence merge
// becomes an add_variant rather than a silent discard; new is the floor.
func downgrade(a schemas.StagingAction) schemas.StagingAction {
	switch a {
	case schemas.ActionMerge:
		return schemas.ActionAddVariant
	case schemas.ActionAddVariant:
		return schemas.ActionNew
	default:
		return schemas.ActionNew
	}
}

// Approve transitions the item to approved and materializes it into the graph
// store with any human edits applied over the proposed content. The terminal
// state transition is the concurrency guard: of two concurrent approvals only
// the one that wins the transition materializes.
func (p *Pipeline) Approve(ctx context.Context, id string, edits ReviewEdits, reviewedBy, notes string) (schemas.Node, error) {
	item, err := p.staging.Transition(ctx, id, schemas.StagingApproved, reviewedBy, notes)
	if err != nil {
		return schemas.Node{}, err
	}
	applyEdits(&item, edits)

	node, err := p.materialize(ctx, item, reviewedBy)
	if err != nil {
		return schemas.Node{}, fmt.Errorf("staging: materialize approved item %q: %w", id, err)
	}
	p.log.Info("Staging item approved and materialized.",
		zap.String("item_id", id),
		zap.String("action", string(item.Action)),
		zap.String("node_id", node.ID))
	return node, nil
}

// Reject transitions the item to rejected. Nothing reaches the graph store.
func (p *Pipeline) Reject(ctx context.Context, id, reviewedBy, reason string) (schemas.StagingItem, error) {
	return p.staging.Transition(ctx, id, schemas.StagingRejected, reviewedBy, reason)
}

// Pending returns the tenant's open review queue, oldest first.
func (p *Pipeline) Pending(ctx context.Context, tenantID string) ([]schemas.StagingItem, error) {
	return p.staging.ListPending(ctx, tenantID)
}

// PendingCounts returns the number of open items per classification.
func (p *Pipeline) PendingCounts(ctx context.Context, tenantID string) (map[schemas.StagingAction]int, error) {
	return p.staging.CountsByAction(ctx, tenantID)
}

func applyEdits(item *schemas.StagingItem, edits ReviewEdits) {
	if edits.Title != nil && *edits.Title != "" {
		item.Title = *edits.Title
	}
	if edits.Tags != nil {
		item.Tags = schemas.NormalizeTags(*edits.Tags)
	}
	if edits.Content != nil {
		item.Content = *edits.Content
	}
}

// materialize turns an approved item into a graph store write according to
// its classification.
func (p *Pipeline) materialize(ctx context.Context, item schemas.StagingItem, reviewedBy string) (schemas.Node, error) {
	switch item.Action {
	case schemas.ActionMerge:
		return p.mergeInto(ctx, item, reviewedBy)
	case schemas.ActionAddVariant:
		return p.attachVariant(ctx, item, reviewedBy)
	default:
		return p.graph.CreateNode(ctx, schemas.NodeDraft{
			TenantID:  item.TenantID,
			Type:      item.Type,
			Title:     item.Title,
			Tags:      item.Tags,
			Content:   item.Content,
			CreatedBy: reviewedBy,
		})
	}
}

// mergeInto replaces the best match's content with the approved content and
// folds in the incoming tags.
func (p *Pipeline) mergeInto(ctx context.Context, item schemas.StagingItem, reviewedBy string) (schemas.Node, error) {
	target, err := p.graph.GetNode(ctx, item.MergeWithID)
	if err != nil {
		return schemas.Node{}, err
	}
	tags := schemas.NormalizeTags(append(target.Tags, item.Tags...))
	return p.graph.UpdateNode(ctx, target.ID, schemas.NodePatch{
		Content:   &item.Content,
		Tags:      &tags,
		UpdatedBy: reviewedBy,
	})
}

// attachVariant appends the approved item as an alternative phrasing of the
// best match. FAQ answers collect variants, concepts collect aliases; other
// types only fold in tags since their payloads have no variant slot.
func (p *Pipeline) attachVariant(ctx context.Context, item schemas.StagingItem, reviewedBy string) (schemas.Node, error) {
	target, err := p.graph.GetNode(ctx, item.MergeWithID)
	if err != nil {
		return schemas.Node{}, err
	}

	patch := schemas.NodePatch{UpdatedBy: reviewedBy}
	tags := schemas.NormalizeTags(append(target.Tags, item.Tags...))
	patch.Tags = &tags

	switch target.Type {
	case schemas.NodeFAQ:
		var content schemas.FAQContent
		if err := json.Unmarshal(target.Content, &content); err != nil {
			return schemas.Node{}, schemas.NewValidationError("target faq content is corrupt: %v", err)
		}
		var incoming schemas.FAQContent
		variant := item.Title
		if err := json.Unmarshal(item.Content, &incoming); err == nil && incoming.Question != "" {
			variant = incoming.Question
		}
		if !containsString(content.Variants, variant) {
			content.Variants = append(content.Variants, variant)
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return schemas.Node{}, fmt.Errorf("marshal faq content: %w", err)
		}
		rc := schemas.RawContent(raw)
		patch.Content = &rc
	case schemas.NodeConcept:
		var content schemas.ConceptContent
		if err := json.Unmarshal(target.Content, &content); err != nil {
			return schemas.Node{}, schemas.NewValidationError("target concept content is corrupt: %v", err)
		}
		if !containsString(content.Aliases, item.Title) {
			content.Aliases = append(content.Aliases, item.Title)
		}
		raw, err := json.Marshal(content)
		if err != nil {
			return schemas.Node{}, fmt.Errorf("marshal concept content: %w", err)
		}
		rc := schemas.RawContent(raw)
		patch.Content = &rc
	}

	return p.graph.UpdateNode(ctx, target.ID, patch)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
