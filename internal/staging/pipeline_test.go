package staging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/config"
	"github.com/xkilldash9x/kbgraph/internal/graphstore"
	"github.com/xkilldash9x/kbgraph/internal/settings"
)

const testTenant = "tenant-1"

// stubScorer returns a canned best match or a canned error.
type stubScorer struct {
	match schemas.PairScore
	found bool
	err   error
}

func (s *stubScorer) BestMatch(context.Context, string, schemas.NodeType, string, string) (schemas.PairScore, bool, error) {
	return s.match, s.found, s.err
}

func (s *stubScorer) PairScores(context.Context, string, []schemas.Node, float64) ([]schemas.ScoredPair, error) {
	return nil, s.err
}

type harness struct {
	graph    *graphstore.InMemoryGraph
	staging  *InMemoryStagingStore
	scorer   *stubScorer
	pipeline *Pipeline
}

func newHarness(t *testing.T, scorer *stubScorer) *harness {
	t.Helper()
	graph := graphstore.NewInMemoryGraph(zap.NewNop())
	store := NewInMemoryStagingStore(zap.NewNop())
	cfg := config.DedupConfig{
		SkipThreshold:       0.1,
		VariantThreshold:    0.5,
		MergeThreshold:      0.85,
		ConfidenceThreshold: 0.6,
		StagingRetention:    30 * 24 * time.Hour,
	}
	pipeline := NewPipeline(graph, store, scorer,
		settings.NewInMemorySettingsStore(cfg, zap.NewNop()), zap.NewNop())
	return &harness{graph: graph, staging: store, scorer: scorer, pipeline: pipeline}
}

func faqSubmission(title string) Submission {
	return Submission{
		TenantID: testTenant,
		Type:     schemas.NodeFAQ,
		Title:    title,
		Tags:     []string{"access"},
		Content:  schemas.RawContent(fmt.Sprintf(`{"question":%q,"answer":"ask your admin"}`, title)),
	}
}

// seedFAQ plants an existing node for merge/variant targets.
func seedFAQ(t *testing.T, h *harness) schemas.Node {
	t.Helper()
	node, err := h.graph.CreateNode(context.Background(), schemas.NodeDraft{
		TenantID: testTenant,
		Type:     schemas.NodeFAQ,
		Title:    "How do I request access?",
		Tags:     []string{"access", "onboarding"},
		Content:  schemas.RawContent(`{"question":"How do I request access?","answer":"File a ticket."}`),
	})
	require.NoError(t, err)
	return node
}

func TestSubmitClassification(t *testing.T) {
	cases := []struct {
		name       string
		score      float64
		confidence float64
		staged     bool
		action     schemas.StagingAction
		mergeWith  bool
	}{
		{"below skip is discarded silently", 0.05, 0.9, false, "", false},
		{"between skip and variant is new", 0.3, 0.9, true, schemas.ActionNew, false},
		{"between variant and merge adds a variant", 0.6, 0.9, true, schemas.ActionAddVariant, true},
		{"at or above merge merges", 0.92, 0.9, true, schemas.ActionMerge, true},
		{"low-confidence merge downgrades to add_variant", 0.92, 0.4, true, schemas.ActionAddVariant, true},
		{"low-confidence add_variant downgrades to new", 0.6, 0.4, true, schemas.ActionNew, false},
		{"low-confidence new stays new", 0.3, 0.4, true, schemas.ActionNew, false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, &stubScorer{
				match: schemas.PairScore{NodeID: "existing", Score: tc.score, Confidence: tc.confidence},
				found: true,
			})

			item, staged, err := h.pipeline.Submit(context.Background(), faqSubmission("Requesting access"))
			require.NoError(t, err)
			assert.Equal(t, tc.staged, staged)
			if !tc.staged {
				pending, err := h.pipeline.Pending(context.Background(), testTenant)
				require.NoError(t, err)
				assert.Empty(t, pending, "silent discard leaves no staging entry")
				return
			}

			assert.Equal(t, tc.action, item.Action)
			assert.Equal(t, schemas.StagingPending, item.Status)
			assert.InDelta(t, tc.score, item.Similarity, 1e-9)
			if tc.mergeWith {
				assert.Equal(t, "existing", item.MergeWithID)
			} else {
				assert.Empty(t, item.MergeWithID)
			}
		})
	}
}

func TestSubmitMonotonicity(t *testing.T) {
	// With confidence above the gate, increasing the score must never weaken
	// the action: new < add_variant < merge.
	scores := []float64{0.15, 0.3, 0.5, 0.6, 0.84, 0.85, 0.92, 1.0}
	prev := -1
	for _, score := range scores {
		h := newHarness(t, &stubScorer{
			match: schemas.PairScore{NodeID: "existing", Score: score, Confidence: 0.9},
			found: true,
		})
		item, staged, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
		require.NoError(t, err)
		require.True(t, staged)

		strength := schemas.ActionStrength(item.Action)
		assert.GreaterOrEqual(t, strength, prev,
			"score %v weakened the action to %s", score, item.Action)
		prev = strength
	}
}

func TestSubmitScorerOutage(t *testing.T) {
	h := newHarness(t, &stubScorer{err: schemas.NewScoringUnavailableError("offline")})

	item, staged, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
	require.NoError(t, err, "outage must not fail the ingestion")
	require.True(t, staged)
	assert.Equal(t, schemas.ActionNew, item.Action)
	assert.Zero(t, item.Confidence)
}

func TestSubmitNoCandidates(t *testing.T) {
	h := newHarness(t, &stubScorer{found: false})

	item, staged, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
	require.NoError(t, err)
	require.True(t, staged)
	assert.Equal(t, schemas.ActionNew, item.Action)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, &stubScorer{})

	_, _, err := h.pipeline.Submit(context.Background(), Submission{
		TenantID: testTenant,
		Type:     schemas.NodeFAQ,
		Title:    "q",
		Content:  schemas.RawContent(`{"question":"only a question"}`),
	})
	require.Error(t, err)
	assert.True(t, schemas.IsKind(err, schemas.KindValidation))
}

func TestApproveMaterializesNew(t *testing.T) {
	h := newHarness(t, &stubScorer{found: false})

	item, _, err := h.pipeline.Submit(context.Background(), faqSubmission("How do I reset my password?"))
	require.NoError(t, err)

	editedTitle := "How do I reset a forgotten password?"
	node, err := h.pipeline.Approve(context.Background(), item.ID,
		ReviewEdits{Title: &editedTitle}, "reviewer-1", "looks good")
	require.NoError(t, err)
	assert.Equal(t, editedTitle, node.Title, "human edits apply over the proposed content")

	stored, err := h.graph.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewer-1", stored.CreatedBy)
}

func TestApproveMaterializesMerge(t *testing.T) {
	h := newHarness(t, &stubScorer{})
	target := seedFAQ(t, h)
	h.scorer.match = schemas.PairScore{NodeID: target.ID, Score: 0.92, Confidence: 0.9}
	h.scorer.found = true

	sub := faqSubmission("How do I request access?")
	sub.Content = schemas.RawContent(`{"question":"How do I request access?","answer":"Use the self-service portal."}`)
	sub.Tags = []string{"self-service"}

	item, _, err := h.pipeline.Submit(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, schemas.ActionMerge, item.Action)

	node, err := h.pipeline.Approve(context.Background(), item.ID, ReviewEdits{}, "reviewer-1", "")
	require.NoError(t, err)
	assert.Equal(t, target.ID, node.ID, "merge updates the existing node")
	assert.Contains(t, string(node.Content), "self-service portal")
	assert.ElementsMatch(t, []string{"access", "onboarding", "self-service"}, node.Tags)
	assert.Equal(t, target.Version+1, node.Version)
}

func TestApproveMaterializesVariant(t *testing.T) {
	h := newHarness(t, &stubScorer{})
	target := seedFAQ(t, h)
	h.scorer.match = schemas.PairScore{NodeID: target.ID, Score: 0.6, Confidence: 0.9}
	h.scorer.found = true

	item, _, err := h.pipeline.Submit(context.Background(), faqSubmission("How can I get access granted?"))
	require.NoError(t, err)
	require.Equal(t, schemas.ActionAddVariant, item.Action)

	node, err := h.pipeline.Approve(context.Background(), item.ID, ReviewEdits{}, "reviewer-1", "")
	require.NoError(t, err)
	assert.Equal(t, target.ID, node.ID)

	var content schemas.FAQContent
	require.NoError(t, json.Unmarshal(node.Content, &content))
	assert.Contains(t, content.Variants, "How can I get access granted?")
	assert.Equal(t, "File a ticket.", content.Answer, "the original answer survives")
}

func TestTerminalStateGuard(t *testing.T) {
	t.Run("second approve fails with a state error", func(t *testing.T) {
		h := newHarness(t, &stubScorer{found: false})
		item, _, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
		require.NoError(t, err)

		_, err = h.pipeline.Approve(context.Background(), item.ID, ReviewEdits{}, "reviewer-1", "")
		require.NoError(t, err)

		_, err = h.pipeline.Approve(context.Background(), item.ID, ReviewEdits{}, "reviewer-2", "")
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindState))
	})

	t.Run("reject after approve fails with a state error", func(t *testing.T) {
		h := newHarness(t, &stubScorer{found: false})
		item, _, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
		require.NoError(t, err)

		_, err = h.pipeline.Approve(context.Background(), item.ID, ReviewEdits{}, "reviewer-1", "")
		require.NoError(t, err)

		_, err = h.pipeline.Reject(context.Background(), item.ID, "reviewer-2", "changed my mind")
		require.Error(t, err)
		assert.True(t, schemas.IsKind(err, schemas.KindState))
	})

	t.Run("exactly one concurrent transition succeeds", func(t *testing.T) {
		h := newHarness(t, &stubScorer{found: false})
		item, _, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
		require.NoError(t, err)

		const attempts = 16
		var wg sync.WaitGroup
		results := make(chan error, attempts)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := h.pipeline.Approve(context.Background(), item.ID,
					ReviewEdits{}, fmt.Sprintf("reviewer-%d", i), "")
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
			} else {
				assert.True(t, schemas.IsKind(err, schemas.KindState))
			}
		}
		assert.Equal(t, 1, succeeded)

		// Exactly one node materialized.
		count, err := h.graph.CountNodes(context.Background(), schemas.NodeFilter{
			TenantIDs: []string{testTenant},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestRejectLeavesGraphUntouched(t *testing.T) {
	h := newHarness(t, &stubScorer{found: false})
	item, _, err := h.pipeline.Submit(context.Background(), faqSubmission("q"))
	require.NoError(t, err)

	rejected, err := h.pipeline.Reject(context.Background(), item.ID, "reviewer-1", "duplicate of internal doc")
	require.NoError(t, err)
	assert.Equal(t, schemas.StagingRejected, rejected.Status)
	assert.Equal(t, "duplicate of internal doc", rejected.ReviewNotes)

	count, err := h.graph.CountNodes(context.Background(), schemas.NodeFilter{TenantIDs: []string{testTenant}})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPendingCounts(t *testing.T) {
	h := newHarness(t, &stubScorer{
		match: schemas.PairScore{NodeID: "existing", Score: 0.6, Confidence: 0.9},
		found: true,
	})

	for i := 0; i < 3; i++ {
		_, _, err := h.pipeline.Submit(context.Background(), faqSubmission(fmt.Sprintf("q-%d", i)))
		require.NoError(t, err)
	}
	h.scorer.found = false
	_, _, err := h.pipeline.Submit(context.Background(), faqSubmission("fresh"))
	require.NoError(t, err)

	counts, err := h.pipeline.PendingCounts(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[schemas.ActionAddVariant])
	assert.Equal(t, 1, counts[schemas.ActionNew])

	pending, err := h.pipeline.Pending(context.Background(), testTenant)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	for i := 1; i < len(pending); i++ {
		assert.False(t, pending[i].CreatedAt.Before(pending[i-1].CreatedAt), "oldest first")
	}
}
