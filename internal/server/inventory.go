package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"pipeyard/internal/domain"
	"pipeyard/internal/engine"
	"pipeyard/internal/repo"
)

func registerInventory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-inventory",
		Method:      http.MethodGet,
		Path:        "/inventory",
		Summary:     "List inventory units",
	}, func(ctx context.Context, input *struct {
		CompanyID string `query:"company_id"`
		RackID    string `query:"rack_id"`
		RequestID string `query:"request_id"`
		LoadID    string `query:"load_id"`
		Status    string `query:"status" enum:"pending,in_storage,picked_up"`
	}) (*struct {
		Body []domain.InventoryUnit `json:"body"`
	}, error) {
		company, scopeErr := companyScope(ctx, input.CompanyID)
		if scopeErr != nil {
			return nil, scopeErr
		}
		items, err := e.Repo.ListInventory(ctx, repo.InventoryFilters{
			CompanyID: company,
			RackID:    input.RackID,
			RequestID: input.RequestID,
			LoadID:    input.LoadID,
			Status:    input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InventoryUnit `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-inventory-unit",
		Method:      http.MethodGet,
		Path:        "/inventory/{unit_id}",
		Summary:     "Get inventory unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UnitID string `path:"unit_id"`
	}) (*struct {
		Body domain.InventoryUnit `json:"body"`
	}, error) {
		u, err := e.Repo.GetInventoryUnit(ctx, input.UnitID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InventoryUnit `json:"body"`
		}{Body: u}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Audit trail, oldest first",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind" enum:"request,load,rack"`
		EntityID   string `query:"entity_id"`
		ActorID    string `query:"actor_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AuditResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilters{
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			ActorID:    input.ActorID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditResponse, 0, len(items))
		for _, a := range items {
			out = append(out, auditResponse(a))
		}
		return &struct {
			Body []AuditResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Notification intents and their delivery state",
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
	}) (*struct {
		Body []NotificationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListNotifications(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]NotificationResponse, 0, len(items))
		for _, n := range items {
			out = append(out, notificationResponse(n))
		}
		return &struct {
			Body []NotificationResponse `json:"body"`
		}{Body: out}, nil
	})
}
