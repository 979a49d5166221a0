package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xkilldash9x/kbgraph/api/schemas"
	"github.com/xkilldash9x/kbgraph/internal/layout"
	"github.com/xkilldash9x/kbgraph/internal/staging"
)

// writeError maps the error taxonomy onto HTTP status codes and renders the
// JSON error envelope.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	if k, ok := schemas.AsKind(err); ok {
		kind = string(k)
		switch k {
		case schemas.KindValidation:
			status = http.StatusBadRequest
		case schemas.KindNotFound:
			status = http.StatusNotFound
		case schemas.KindReference:
			status = http.StatusUnprocessableEntity
		case schemas.KindDuplicate, schemas.KindState:
			status = http.StatusConflict
		case schemas.KindScoringUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

func requireQuery(c *gin.Context, name string) (string, bool) {
	v := c.Query(name)
	if v == "" {
		writeError(c, schemas.NewValidationError("query parameter %q is required", name))
		return "", false
	}
	return v, true
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// -- Nodes --

func (s *Server) listNodes(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	filter := schemas.NodeFilter{
		TenantIDs: []string{tenantID},
		Query:     c.Query("q"),
		Page:      intQuery(c, "page", 1),
		Limit:     intQuery(c, "limit", 50),
		TagsAllOf: c.Query("tags_all_of") == "true",
	}
	for _, t := range c.QueryArray("type") {
		filter.Types = append(filter.Types, schemas.NodeType(t))
	}
	filter.Tags = c.QueryArray("tag")
	for _, st := range c.QueryArray("status") {
		filter.Statuses = append(filter.Statuses, schemas.NodeStatus(st))
	}

	nodes, err := s.components.Graph.ListNodes(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	total, err := s.components.Graph.CountNodes(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": total})
}

func (s *Server) createNode(c *gin.Context) {
	var draft schemas.NodeDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	node, err := s.components.Graph.CreateNode(c.Request.Context(), draft)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, node)
}

func (s *Server) getNode(c *gin.Context) {
	node, err := s.components.Graph.GetNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("include_edges") != "true" {
		c.JSON(http.StatusOK, node)
		return
	}
	edges, err := s.components.Graph.ListEdges(c.Request.Context(), schemas.EdgeFilter{
		TenantID: node.TenantID,
		NodeIDs:  []string{node.ID},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node, "edges": edges})
}

func (s *Server) updateNode(c *gin.Context) {
	var patch schemas.NodePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	node, err := s.components.Graph.UpdateNode(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) deleteNode(c *gin.Context) {
	if err := s.components.Graph.DeleteNode(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -- Edges --

func (s *Server) listEdges(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	filter := schemas.EdgeFilter{
		TenantID:          tenantID,
		NodeIDs:           c.QueryArray("node_id"),
		AutoGeneratedOnly: c.Query("auto_only") == "true",
		ManualOnly:        c.Query("manual_only") == "true",
	}
	for _, t := range c.QueryArray("type") {
		filter.Types = append(filter.Types, schemas.EdgeType(t))
	}
	edges, err := s.components.Graph.ListEdges(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges})
}

func (s *Server) createEdge(c *gin.Context) {
	var draft schemas.EdgeDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	edge, err := s.components.Graph.CreateEdge(c.Request.Context(), draft)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, edge)
}

func (s *Server) deleteEdge(c *gin.Context) {
	if err := s.components.Graph.DeleteEdge(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -- Search / Expansion --

// searchRequest optionally asks for layout coordinates over the expanded
// subgraph.
type searchRequest struct {
	schemas.ExpandRequest
	Layout *layoutRequest `json:"layout,omitempty"`
}

type layoutRequest struct {
	Algorithm string         `json:"algorithm"` // layered, radial, grid
	CenterID  string         `json:"center_id,omitempty"`
	Options   layout.Options `json:"options"`
}

func (s *Server) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	result, err := s.components.Expander.Expand(c.Request.Context(), req.ExpandRequest)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"nodes":   result.Nodes,
		"edges":   result.Edges,
		"matches": result.Matches,
	}
	if req.Layout != nil {
		positions, err := computeLayout(result, *req.Layout)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["positions"] = positions
	}
	c.JSON(http.StatusOK, resp)
}

func computeLayout(result schemas.ExpandResult, req layoutRequest) ([]layout.PositionedNode, error) {
	switch req.Algorithm {
	case "", "layered":
		return layout.Layered(result.Nodes, result.Edges, req.Options), nil
	case "radial":
		center := req.CenterID
		if center == "" && len(result.Matches) > 0 {
			center = result.Matches[0]
		}
		return layout.Radial(result.Nodes, center, req.Options), nil
	case "grid":
		return layout.Grid(result.Nodes, req.Options), nil
	default:
		return nil, schemas.NewValidationError("unknown layout algorithm %q", req.Algorithm)
	}
}

// -- Staging --

func (s *Server) submitStaging(c *gin.Context) {
	var sub staging.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	item, staged, err := s.components.Pipeline.Submit(c.Request.Context(), sub)
	if err != nil {
		writeError(c, err)
		return
	}
	if !staged {
		// Silently discarded as an exact duplicate.
		c.JSON(http.StatusOK, gin.H{"staged": false})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"staged": true, "item": item})
}

func (s *Server) listStaging(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	items, err := s.components.Pipeline.Pending(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) stagingCounts(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	counts, err := s.components.Pipeline.PendingCounts(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

type reviewRequest struct {
	ReviewedBy string              `json:"reviewed_by"`
	Notes      string              `json:"notes,omitempty"`
	Edits      staging.ReviewEdits `json:"edits"`
}

func (s *Server) approveStaging(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	node, err := s.components.Pipeline.Approve(c.Request.Context(), c.Param("id"),
		req.Edits, req.ReviewedBy, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"node": node})
}

func (s *Server) rejectStaging(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	item, err := s.components.Pipeline.Reject(c.Request.Context(), c.Param("id"),
		req.ReviewedBy, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

// -- Inference --

type triggerRequest struct {
	TenantID string `json:"tenant_id"`
}

func (s *Server) triggerInference(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	status, err := s.components.Inference.Regenerate(c.Request.Context(), req.TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) inferenceStatus(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	status, found := s.components.Inference.Status(tenantID)
	if !found {
		writeError(c, schemas.NewNotFoundError("no inference run recorded for tenant %q", tenantID))
		return
	}
	c.JSON(http.StatusOK, status)
}

// -- Heatmap --

func (s *Server) heatmap(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	heat, err := s.components.Heatmap.HeatForTenant(c.Request.Context(), tenantID, c.DefaultQuery("period", "30d"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"heat": heat})
}

func (s *Server) heatmapByTag(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	groups, err := s.components.Heatmap.HeatByTag(c.Request.Context(), tenantID, c.DefaultQuery("period", "30d"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (s *Server) heatmapByType(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	groups, err := s.components.Heatmap.HeatByType(c.Request.Context(), tenantID, c.DefaultQuery("period", "30d"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// -- Settings --

func (s *Server) getSettings(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	settings, err := s.components.Settings.Get(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) patchSettings(c *gin.Context) {
	tenantID, ok := requireQuery(c, "tenant_id")
	if !ok {
		return
	}
	var patch schemas.ThresholdPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		writeError(c, schemas.NewValidationError("invalid request body: %v", err))
		return
	}
	settings, err := s.components.Settings.Patch(c.Request.Context(), tenantID, patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}
