package sync

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

var bearer = []map[string][]string{{"bearer": {}}}

func (h *Handler) pullOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-pull",
		Method:      http.MethodGet,
		Path:        "/sync/pull",
		Summary:     "Получить изменения таблицы",
		Description: "Возвращает строки таблицы (включая надгробия), измененные после lastSync, в порядке возрастания метки",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) pushOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-push",
		Method:      http.MethodPost,
		Path:        "/sync/push",
		Summary:     "Отправить пакет изменений",
		Description: "Применяет пакет upsert/delete и возвращает результат по каждой строке: accepted, conflict или rejected",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) statusOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Статус синхронизации устройства",
		Description: "Возвращает серверное время, водяные знаки устройства и список синхронизируемых таблиц",
		Tags:        []string{"sync"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) devicesOp() huma.Operation {
	return huma.Operation{
		OperationID: "sync-devices",
		Method:      http.MethodGet,
		Path:        "/sync/devices",
		Summary:     "Устройства пользователя",
		Tags:        []string{"devices"},
		Security:    bearer,
		Middlewares: h.middleware,
	}
}

func (h *Handler) revokeDeviceOp() huma.Operation {
	return huma.Operation{
		OperationID:   "sync-revoke-device",
		Method:        http.MethodDelete,
		Path:          "/sync/devices/{id}",
		Summary:       "Отозвать устройство",
		Description:   "Отозванное устройство больше не может синхронизироваться и не задерживает очистку надгробий",
		Tags:          []string{"devices"},
		DefaultStatus: http.StatusNoContent,
		Security:      bearer,
		Middlewares:   h.middleware,
	}
}
