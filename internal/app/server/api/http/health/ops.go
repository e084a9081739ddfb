package health

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

func (h *Handler) healthCheckOp() huma.Operation {
	return huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Проверка доступности",
		Description: "Returns the health status of the service and its storage. Clients use it as a connectivity probe.",
		Tags:        []string{"health"},
		Middlewares: h.middleware,
	}
}
