package graphstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/kbgraph/api/schemas"
	"go.uber.org/zap"
)

const testTenant = "tenant-1"

// faqDraft builds a minimal valid FAQ draft for testing.
func faqDraft(title string, tags ...string) schemas.NodeDraft {
	return schemas.NodeDraft{
		TenantID: testTenant,
		Type:     schemas.NodeFAQ,
		Title:    title,
		Tags:     tags,
		Content:  schemas.RawContent(`{"question":"q?","answer":"a."}`),
	}
}

// seedGraph returns a store pre-populated with three connected FAQ nodes.
func seedGraph(t *testing.T) (*InMemoryGraph, []schemas.Node) {
	t.Helper()
	ctx := context.Background()
	g := NewInMemoryGraph(zap.NewNop())

	var nodes []schemas.Node
	for i := 1; i <= 3; i++ {
		n, err := g.CreateNode(ctx, faqDraft(fmt.Sprintf("Node %d", i), "po"))
		require.NoError(t, err)
		nodes = append(nodes, n)
	}

	_, err := g.CreateEdge(ctx, schemas.EdgeDraft{
		TenantID: testTenant, SourceID: nodes[0].ID, TargetID: nodes[1].ID,
		Type: schemas.EdgeRelated, Weight: 0.5,
	})
	require.NoError(t, err)
	_, err = g.CreateEdge(ctx, schemas.EdgeDraft{
		TenantID: testTenant, SourceID: nodes[1].ID, TargetID: nodes[2].ID,
		Type: schemas.EdgeParent, Weight: 1,
	})
	require.NoError(t, err)

	return g, nodes
}

func TestCreateNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("assigns id, defaults, and normalized tags", func(t *testing.T) {
		t.Parallel()
		g := NewInMemoryGraph(nil)
		n, err := g.CreateNode(ctx, faqDraft("How do POs work?", "PO", "Vendor", "po"))
		require.NoError(t, err)
		assert.NotEmpty(t, n.ID)
		assert.Equal(t, schemas.StatusDraft, n.Status)
		assert.Equal(t, schemas.VisibilityInternal, n.Visibility)
		assert.Equal(t, []string{"po", "vendor"}, n.Tags)
		assert.Equal(t, 1, n.Version)
	})

	t.Run("rejects content that does not match the node type", func(t *testing.T) {
		t.Parallel()
		g := NewInMemoryGraph(nil)
		draft := faqDraft("bad")
		draft.Content = schemas.RawContent(`{"domain":"x","body":"y"}`)
		_, err := g.CreateNode(ctx, draft)
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindValidation))
	})

	t.Run("rejects unknown node type", func(t *testing.T) {
		t.Parallel()
		g := NewInMemoryGraph(nil)
		draft := faqDraft("bad")
		draft.Type = schemas.NodeType("widget")
		_, err := g.CreateNode(ctx, draft)
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindValidation))
	})
}

func TestUpdateNode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("applies patch and bumps version", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		title := "Renamed"
		updated, err := g.UpdateNode(ctx, nodes[0].ID, schemas.NodePatch{Title: &title, UpdatedBy: "alice"})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Title)
		assert.Equal(t, 2, updated.Version)
		assert.Equal(t, "alice", updated.UpdatedBy)
		// Type untouched.
		assert.Equal(t, schemas.NodeFAQ, updated.Type)
	})

	t.Run("re-validates patched content against the immutable type", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		bad := schemas.RawContent(`{"domain":"x","body":"y"}`)
		_, err := g.UpdateNode(ctx, nodes[0].ID, schemas.NodePatch{Content: &bad})
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindValidation))
	})

	t.Run("missing node yields not found", func(t *testing.T) {
		t.Parallel()
		g := NewInMemoryGraph(nil)
		_, err := g.UpdateNode(ctx, "nope", schemas.NodePatch{})
		assert.True(t, schemas.IsKind(err, schemas.KindNotFound))
	})
}

func TestDeleteNodeCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("removes exactly the incident edges and no others", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)

		// nodes[1] is incident to both edges; deleting nodes[0] must remove
		// only the related edge between 0 and 1.
		require.NoError(t, g.DeleteNode(ctx, nodes[0].ID))

		edges, err := g.ListEdges(ctx, schemas.EdgeFilter{TenantID: testTenant})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, nodes[1].ID, edges[0].SourceID)
		assert.Equal(t, nodes[2].ID, edges[0].TargetID)

		_, err = g.GetNode(ctx, nodes[0].ID)
		assert.True(t, schemas.IsKind(err, schemas.KindNotFound))
	})

	t.Run("deleting a hub removes all of its edges", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		require.NoError(t, g.DeleteNode(ctx, nodes[1].ID))
		edges, err := g.ListEdges(ctx, schemas.EdgeFilter{TenantID: testTenant})
		require.NoError(t, err)
		assert.Empty(t, edges, "no dangling edges may survive a cascade")
	})
}

func TestCreateEdge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("fails with reference error when an endpoint is missing", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		_, err := g.CreateEdge(ctx, schemas.EdgeDraft{
			TenantID: testTenant, SourceID: nodes[0].ID, TargetID: "ghost",
			Type: schemas.EdgeRelated,
		})
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindReference))
	})

	t.Run("fails with duplicate error for an identical manual triple", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		_, err := g.CreateEdge(ctx, schemas.EdgeDraft{
			TenantID: testTenant, SourceID: nodes[0].ID, TargetID: nodes[1].ID,
			Type: schemas.EdgeRelated, Weight: 0.9,
		})
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindDuplicate))
	})

	t.Run("rejects auto-generated edge types", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		for _, et := range schemas.AutoEdgeTypes {
			_, err := g.CreateEdge(ctx, schemas.EdgeDraft{
				TenantID: testTenant, SourceID: nodes[0].ID, TargetID: nodes[2].ID, Type: et,
			})
			require.Error(t, err)
			assert.True(t, schemas.IsKind(err, schemas.KindValidation))
		}
	})

	t.Run("rejects self loops and out-of-range weights", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		_, err := g.CreateEdge(ctx, schemas.EdgeDraft{
			TenantID: testTenant, SourceID: nodes[0].ID, TargetID: nodes[0].ID,
			Type: schemas.EdgeRelated,
		})
		assert.True(t, schemas.IsKind(err, schemas.KindValidation))

		_, err = g.CreateEdge(ctx, schemas.EdgeDraft{
			TenantID: testTenant, SourceID: nodes[0].ID, TargetID: nodes[2].ID,
			Type: schemas.EdgeRelated, Weight: 1.5,
		})
		assert.True(t, schemas.IsKind(err, schemas.KindValidation))
	})
}

func TestListNodesFiltering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g := NewInMemoryGraph(zap.NewNop())

	mk := func(title string, typ schemas.NodeType, content string, tags ...string) schemas.Node {
		n, err := g.CreateNode(ctx, schemas.NodeDraft{
			TenantID: testTenant, Type: typ, Title: title,
			Tags: tags, Content: schemas.RawContent(content),
		})
		require.NoError(t, err)
		return n
	}

	mk("Purchase order FAQ", schemas.NodeFAQ, `{"question":"q","answer":"a"}`, "po", "vendor")
	mk("Vendor onboarding playbook", schemas.NodePlaybook, `{"domain":"procurement","body":"b"}`, "vendor")
	mk("Invoice concept", schemas.NodeConcept, `{"definition":"d"}`, "invoice")

	t.Run("filters by type", func(t *testing.T) {
		t.Parallel()
		got, err := g.ListNodes(ctx, schemas.NodeFilter{Types: []schemas.NodeType{schemas.NodeFAQ}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Purchase order FAQ", got[0].Title)
	})

	t.Run("tag any-of is the default", func(t *testing.T) {
		t.Parallel()
		got, err := g.ListNodes(ctx, schemas.NodeFilter{Tags: []string{"po", "invoice"}})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("tag all-of narrows the match", func(t *testing.T) {
		t.Parallel()
		got, err := g.ListNodes(ctx, schemas.NodeFilter{Tags: []string{"po", "vendor"}, TagsAllOf: true})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "Purchase order FAQ", got[0].Title)
	})

	t.Run("free text matches title, summary, and tags", func(t *testing.T) {
		t.Parallel()
		got, err := g.ListNodes(ctx, schemas.NodeFilter{Query: "onboarding"})
		require.NoError(t, err)
		require.Len(t, got, 1)

		got, err = g.ListNodes(ctx, schemas.NodeFilter{Query: "vendor"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("pagination never overlaps", func(t *testing.T) {
		t.Parallel()
		page1, err := g.ListNodes(ctx, schemas.NodeFilter{Page: 1, Limit: 2})
		require.NoError(t, err)
		page2, err := g.ListNodes(ctx, schemas.NodeFilter{Page: 2, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page1, 2)
		require.Len(t, page2, 1)
		assert.NotEqual(t, page1[0].ID, page2[0].ID)
		assert.NotEqual(t, page1[1].ID, page2[0].ID)

		count, err := g.CountNodes(ctx, schemas.NodeFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})
}

func TestReplaceAutoEdges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	autoEdge := func(id string, src, dst schemas.Node, typ schemas.EdgeType, w float64) schemas.Edge {
		return schemas.Edge{
			ID: id, TenantID: testTenant, SourceID: src.ID, TargetID: dst.ID,
			Type: typ, Weight: w, IsBidirectional: true, IsAutoGenerated: true,
		}
	}

	t.Run("replaces only the requested tenant and types", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)

		first := []schemas.Edge{autoEdge("auto-1", nodes[0], nodes[1], schemas.EdgeSharedTag, 0.5)}
		require.NoError(t, g.ReplaceAutoEdges(ctx, testTenant, schemas.AutoEdgeTypes, first))

		second := []schemas.Edge{autoEdge("auto-2", nodes[1], nodes[2], schemas.EdgeSimilar, 0.8)}
		require.NoError(t, g.ReplaceAutoEdges(ctx, testTenant, schemas.AutoEdgeTypes, second))

		auto, err := g.ListEdges(ctx, schemas.EdgeFilter{TenantID: testTenant, AutoGeneratedOnly: true})
		require.NoError(t, err)
		require.Len(t, auto, 1)
		assert.Equal(t, "auto-2", auto[0].ID)

		// The two manual edges from the seed survive every replace.
		manual, err := g.ListEdges(ctx, schemas.EdgeFilter{TenantID: testTenant, ManualOnly: true})
		require.NoError(t, err)
		assert.Len(t, manual, 2)
	})

	t.Run("restricting the type set preserves the other auto type", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)

		both := []schemas.Edge{
			autoEdge("st-1", nodes[0], nodes[1], schemas.EdgeSharedTag, 0.5),
			autoEdge("sim-1", nodes[1], nodes[2], schemas.EdgeSimilar, 0.9),
		}
		require.NoError(t, g.ReplaceAutoEdges(ctx, testTenant, schemas.AutoEdgeTypes, both))

		// Scorer outage: only shared_tag is regenerated, similar is left alone.
		replacement := []schemas.Edge{autoEdge("st-2", nodes[0], nodes[2], schemas.EdgeSharedTag, 0.4)}
		require.NoError(t, g.ReplaceAutoEdges(ctx, testTenant, []schemas.EdgeType{schemas.EdgeSharedTag}, replacement))

		auto, err := g.ListEdges(ctx, schemas.EdgeFilter{TenantID: testTenant, AutoGeneratedOnly: true})
		require.NoError(t, err)
		ids := make(map[string]struct{})
		for _, e := range auto {
			ids[e.ID] = struct{}{}
		}
		assert.Contains(t, ids, "st-2")
		assert.Contains(t, ids, "sim-1")
		assert.NotContains(t, ids, "st-1")
	})

	t.Run("a bad replacement set leaves the previous set intact", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)

		first := []schemas.Edge{autoEdge("auto-1", nodes[0], nodes[1], schemas.EdgeSharedTag, 0.5)}
		require.NoError(t, g.ReplaceAutoEdges(ctx, testTenant, schemas.AutoEdgeTypes, first))

		bad := []schemas.Edge{
			autoEdge("auto-2", nodes[1], nodes[2], schemas.EdgeSharedTag, 0.5),
			{ID: "auto-3", TenantID: testTenant, SourceID: nodes[1].ID, TargetID: "ghost",
				Type: schemas.EdgeSharedTag, IsAutoGenerated: true},
		}
		err := g.ReplaceAutoEdges(ctx, testTenant, schemas.AutoEdgeTypes, bad)
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindReference))

		auto, err := g.ListEdges(ctx, schemas.EdgeFilter{TenantID: testTenant, AutoGeneratedOnly: true})
		require.NoError(t, err)
		require.Len(t, auto, 1)
		assert.Equal(t, "auto-1", auto[0].ID)
	})

	t.Run("rejects manual edges in the replacement set", func(t *testing.T) {
		t.Parallel()
		g, nodes := seedGraph(t)
		err := g.ReplaceAutoEdges(ctx, testTenant, schemas.AutoEdgeTypes, []schemas.Edge{
			{ID: "x", TenantID: testTenant, SourceID: nodes[0].ID, TargetID: nodes[1].ID,
				Type: schemas.EdgeRelated, IsAutoGenerated: false},
		})
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindValidation))
	})
}

func TestConcurrentAccess(t *testing.T) {
	// Run with -race to catch data races.
	t.Parallel()
	ctx := context.Background()
	g := NewInMemoryGraph(zap.NewNop())

	hub, err := g.CreateNode(ctx, faqDraft("hub"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	numRoutines := 50
	errChan := make(chan error, numRoutines*2)

	for i := 0; i < numRoutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			n, err := g.CreateNode(ctx, faqDraft("spoke"))
			if err != nil {
				errChan <- err
				return
			}
			if _, err := g.CreateEdge(ctx, schemas.EdgeDraft{
				TenantID: testTenant, SourceID: hub.ID, TargetID: n.ID,
				Type: schemas.EdgeRelated, Weight: 0.1,
			}); err != nil {
				errChan <- err
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = g.GetNode(ctx, hub.ID)
			_, _ = g.ListEdges(ctx, schemas.EdgeFilter{NodeIDs: []string{hub.ID}})
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		require.NoError(t, err)
	}

	edges, err := g.ListEdges(ctx, schemas.EdgeFilter{NodeIDs: []string{hub.ID}})
	require.NoError(t, err)
	assert.Len(t, edges, numRoutines)
}
