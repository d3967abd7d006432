package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pipeyard/internal/cache"
	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
	"pipeyard/internal/repo"
)

type requestPath struct {
	RequestID string `path:"request_id"`
}

func registerRequests(api huma.API, e engine.Engine, capacity cache.Capacity) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create a storage request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateStorageRequestRequest `json:"body"`
	}) (*struct {
		Body domain.StorageRequest `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		company, scopeErr := companyScope(ctx, input.Body.CompanyID)
		if scopeErr != nil {
			return nil, scopeErr
		}
		joint, perr := parseMetres("joint_length", input.Body.JointLength)
		if perr != nil {
			return nil, perr
		}
		req, err := e.CreateRequest(ctx, engine.CreateRequestInput{
			ID:               input.Body.ID,
			CompanyID:        company,
			CompanyName:      input.Body.CompanyName,
			Reference:        input.Body.Reference,
			RequiredQuantity: input.Body.RequiredQuantity,
			JointLength:      joint,
			Notes:            input.Body.Notes,
			Submit:           input.Body.Submit,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StorageRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List storage requests",
	}, func(ctx context.Context, input *struct {
		CompanyID string `query:"company_id"`
		Status    string `query:"status" enum:"draft,pending,approved,rejected,completed"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.StorageRequest `json:"body"`
	}, error) {
		company, scopeErr := companyScope(ctx, input.CompanyID)
		if scopeErr != nil {
			return nil, scopeErr
		}
		items, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
			CompanyID: company,
			Status:    input.Status,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StorageRequest `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get storage request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body domain.StorageRequest `json:"body"`
	}, error) {
		req, err := e.Repo.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StorageRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-allocations",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/allocations",
		Summary:     "Rack allocations of a request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body []domain.Allocation `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRequest(ctx, input.RequestID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAllocations(ctx, e.DB, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Allocation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/submit",
		Summary:     "Submit a draft request",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body domain.StorageRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.SubmitRequest(ctx, input.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StorageRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/approve",
		Summary:     "Approve a request and hold rack capacity",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string                `path:"request_id"`
		Body      ApproveRequestRequest `json:"body"`
	}) (*struct {
		Body engine.ApprovalResult `json:"body"`
	}, error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Approve(ctx, engine.ApproveInput{
			RequestID:        input.RequestID,
			RackIDs:          input.Body.RackIDs,
			RequiredQuantity: input.Body.RequiredQuantity,
			OperatorID:       actorID,
			Notes:            input.Body.Notes,
			Split:            input.Body.Split,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Idempotent {
			capacity.Invalidate(ctx)
		}
		return &struct {
			Body engine.ApprovalResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/reject",
		Summary:     "Reject a pending request",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id"`
		Body      ReasonRequest `json:"body"`
	}) (*struct {
		Body domain.StorageRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Reject(ctx, engine.RejectInput{
			RequestID:  input.RequestID,
			Reason:     input.Body.Reason,
			OperatorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StorageRequest `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/close",
		Summary:     "Complete an approved request and release what it still holds",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RequestID string         `path:"request_id"`
		Body      *ReasonRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body domain.StorageRequest `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		req, err := e.CloseRequest(ctx, engine.CloseRequestInput{
			RequestID:  input.RequestID,
			OperatorID: actorID,
			Reason:     reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		capacity.Invalidate(ctx)
		return &struct {
			Body domain.StorageRequest `json:"body"`
		}{Body: req}, nil
	})
}
