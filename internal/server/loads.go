package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pipeyard/internal/cache"
	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
)

type loadPath struct {
	LoadID string `path:"load_id"`
}

func registerLoads(api huma.API, e engine.Engine, capacity cache.Capacity) {
	huma.Register(api, huma.Operation{
		OperationID: "load-gate",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/gate",
		Summary:     "Whether a new load may be created",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
		Direction string `query:"direction" enum:"inbound,outbound" default:"inbound"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		ok, err := e.CanCreateLoad(ctx, input.RequestID, domain.Direction(input.Direction))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: GateResponse{RequestID: input.RequestID, Direction: input.Direction, CanCreate: ok}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-load",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/loads",
		Summary:       "Book the next load for a request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      CreateLoadRequest `json:"body"`
	}) (*struct {
		Body domain.Load `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.CreateLoad(ctx, engine.CreateLoadInput{
			ID:              input.Body.ID,
			RequestID:       input.RequestID,
			Direction:       domain.Direction(input.Body.Direction),
			PlannedQuantity: input.Body.PlannedQuantity,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Load `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-loads",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/loads",
		Summary:     "Loads of a request in sequence order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body []domain.Load `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListLoads(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Load `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-load",
		Method:      http.MethodGet,
		Path:        "/loads/{load_id}",
		Summary:     "Get load",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *loadPath) (*struct {
		Body domain.Load `json:"body"`
	}, error) {
		l, err := e.Repo.GetLoad(ctx, input.LoadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Load `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-load",
		Method:      http.MethodPost,
		Path:        "/loads/{load_id}/transition",
		Summary:     "Move a load along its lifecycle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		LoadID string                `path:"load_id"`
		Body   TransitionLoadRequest `json:"body"`
	}) (*struct {
		Body domain.Load `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.Transition(ctx, engine.TransitionInput{
			LoadID:     input.LoadID,
			Target:     domain.LoadStatus(input.Body.Status),
			OperatorID: actorID,
			Reason:     input.Body.Reason,
			Issues:     input.Body.Issues,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Load `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-inbound-load",
		Method:      http.MethodPost,
		Path:        "/loads/{load_id}/complete-inbound",
		Summary:     "Store a delivered inbound load",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LoadID string                 `path:"load_id"`
		Body   CompleteInboundRequest `json:"body"`
	}) (*struct {
		Body engine.CompletionResult `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		manifest, merr := manifestFromRequest(input.Body.Manifest)
		if merr != nil {
			return nil, merr
		}
		res, err := e.CompleteInboundLoad(ctx, engine.InboundCompletion{
			LoadID:         input.LoadID,
			RackID:         input.Body.RackID,
			ActualQuantity: input.Body.ActualQuantity,
			Manifest:       manifest,
			OperatorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		capacity.Invalidate(ctx)
		return &struct {
			Body engine.CompletionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-outbound-load",
		Method:      http.MethodPost,
		Path:        "/loads/{load_id}/complete-outbound",
		Summary:     "Release picked up inventory",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		LoadID string                  `path:"load_id"`
		Body   CompleteOutboundRequest `json:"body"`
	}) (*struct {
		Body engine.CompletionResult `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteOutboundLoad(ctx, engine.OutboundCompletion{
			LoadID:         input.LoadID,
			UnitIDs:        input.Body.UnitIDs,
			ActualQuantity: input.Body.ActualQuantity,
			OperatorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		capacity.Invalidate(ctx)
		return &struct {
			Body engine.CompletionResult `json:"body"`
		}{Body: res}, nil
	})
}
