package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pipeyard/internal/cache"
	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
)

func registerRacks(api huma.API, e engine.Engine, capacity cache.Capacity) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-rack",
		Method:      http.MethodPut,
		Path:        "/racks/{rack_id}",
		Summary:     "Create a rack or change its capacity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RackID string            `path:"rack_id"`
		Body   UpsertRackRequest `json:"body"`
	}) (*struct {
		Body RackResponse `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ID != "" && input.Body.ID != input.RackID {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body id does not match path", nil)
		}
		linear, perr := parseMetres("capacity_linear", input.Body.CapacityLinear)
		if perr != nil {
			return nil, perr
		}
		rk, err := e.UpsertRack(ctx, engine.RackInput{
			ID:             input.RackID,
			Area:           input.Body.Area,
			Name:           input.Body.Name,
			Mode:           domain.AllocationMode(input.Body.Mode),
			Capacity:       input.Body.Capacity,
			CapacityLinear: linear,
			OperatorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		capacity.Invalidate(ctx)
		return &struct {
			Body RackResponse `json:"body"`
		}{Body: rackResponse(rk)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-racks",
		Method:      http.MethodGet,
		Path:        "/racks",
		Summary:     "List racks",
	}, func(ctx context.Context, input *struct {
		Area string `query:"area"`
	}) (*struct {
		Body []RackResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRacks(ctx, input.Area)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RackResponse `json:"body"`
		}{Body: mapRacks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rack",
		Method:      http.MethodGet,
		Path:        "/racks/{rack_id}",
		Summary:     "Get rack",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RackID string `path:"rack_id"`
	}) (*struct {
		Body RackResponse `json:"body"`
	}, error) {
		rk, err := e.Repo.GetRack(ctx, input.RackID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RackResponse `json:"body"`
		}{Body: rackResponse(rk)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "capacity-summary",
		Method:      http.MethodGet,
		Path:        "/capacity",
		Summary:     "Capacity per area",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AreaCapacity `json:"body"`
	}, error) {
		items, err := capacity.Summary(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AreaCapacity `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rack-availability",
		Method:      http.MethodGet,
		Path:        "/capacity/availability",
		Summary:     "What a set of racks can still accept",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RackIDs string `query:"rack_ids" doc:"Comma separated rack ids"`
	}) (*struct {
		Body AvailabilityResponse `json:"body"`
	}, error) {
		ids := splitList(input.RackIDs)
		if len(ids) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "rack_ids is required", nil)
		}
		a, err := e.Availability(ctx, ids)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailabilityResponse `json:"body"`
		}{Body: availabilityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconciliation",
		Method:      http.MethodGet,
		Path:        "/reconciliation",
		Summary:     "Compare rack occupancy with stored inventory",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []engine.ReconciliationRow `json:"body"`
	}, error) {
		rows, err := e.Reconcile(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []engine.ReconciliationRow `json:"body"`
		}{Body: nonNilSlice(rows)}, nil
	})
}
