package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	app "github.com/ahrav/execution-service/internal/app/execution"
	domain "github.com/ahrav/execution-service/internal/domain/execution"
)

type listMetadata struct {
	Count   int    `json:"count"`
	LastKey string `json:"last_key,omitempty"`
}

type listResponse struct {
	Data     []*domain.Execution `json:"data"`
	Metadata listMetadata        `json:"metadata"`
}

// decode reads a JSON body into v, bounded by the server's body limit.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}

// bindTenant fills an empty body tenant from the token and rejects a
// different one.
func (s *Server) bindTenant(r *http.Request, bodyTenant *string) error {
	tenantID := TenantFrom(r.Context())
	if *bodyTenant == "" {
		*bodyTenant = tenantID
		return nil
	}
	if *bodyTenant != tenantID {
		s.metrics.IncTenantMismatches(r.Context(), routePattern(r))
		return fmt.Errorf("%w: body names tenant %q", domain.ErrTenantMismatch, *bodyTenant)
	}
	return nil
}

// keyFromQuery builds the execution key from jit_event_id and execution_id.
func keyFromQuery(r *http.Request) (domain.Key, error) {
	q := r.URL.Query()
	key := domain.Key{
		TenantID:    TenantFrom(r.Context()),
		JitEventID:  q.Get("jit_event_id"),
		ExecutionID: q.Get("execution_id"),
	}
	if key.JitEventID == "" || key.ExecutionID == "" {
		return key, fmt.Errorf("%w: jit_event_id and execution_id are required", domain.ErrInvalidRequest)
	}
	return key, nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := app.ListFilter{
		Status:       domain.Status(q.Get("status")),
		PlanItemSlug: q.Get("plan_item_slug"),
		JitEventID:   q.Get("jit_event_id"),
		AssetID:      q.Get("asset_id"),
		JobName:      q.Get("job_name"),
		StartKey:     q.Get("start_key"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidRequest))
			return
		}
		f.Limit = n
	}

	page, err := s.queries.List(r.Context(), TenantFrom(r.Context()), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []*domain.Execution{}
	}
	s.writeJSON(w, r, http.StatusOK, listResponse{
		Data:     items,
		Metadata: listMetadata{Count: len(items), LastKey: page.LastKey},
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.queries.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bindTenant(r, &req.TenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.updates.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleCompleted(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bindTenant(r, &req.TenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.updates.UpdateControlStatus(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleVendorJobStart(w http.ResponseWriter, r *http.Request) {
	var req domain.VendorJobIDUpdateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.bindTenant(r, &req.TenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.updates.VendorJobStart(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, e)
}

func (s *Server) handleExecutionData(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	payload, err := s.data.Fetch(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, payload)
}

func (s *Server) handleValidateDispatched(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	e, err := s.updates.ValidateDispatched(r.Context(), domain.ValidateDispatchedRequest{
		Key:             key,
		TargetAssetName: r.URL.Query().Get("target_asset_name"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, e)
}
