package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type AdapterBody struct {
	ID          string `json:"id" doc:"Registry key, e.g. claude"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type ListAdaptersOutput struct {
	Body []AdapterBody
}

func RegisterAdapterRoutes(api huma.API, catalog AdapterCatalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-adapters",
		Method:      http.MethodGet,
		Path:        "/adapters",
		Summary:     "List registered agent adapters",
		Tags:        []string{"Adapters"},
	}, func(_ context.Context, _ *struct{}) (*ListAdaptersOutput, error) {
		regs := catalog.List()
		body := make([]AdapterBody, 0, len(regs))
		for _, reg := range regs {
			body = append(body, AdapterBody{
				ID:          reg.ID,
				Name:        reg.Name,
				Description: reg.Description,
			})
		}
		return &ListAdaptersOutput{Body: body}, nil
	})
}
