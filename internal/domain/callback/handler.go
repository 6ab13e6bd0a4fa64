package callback

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ingest-gateway/internal/domain/ingest"
	"github.com/ehr/ingest-gateway/internal/platform/problem"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patient/ack", h.Ack)
	api.GET("/patient/status", h.Status)
}

func (h *Handler) Ack(c echo.Context) error {
	var req AckRequest
	if err := c.Bind(&req); err != nil {
		return ingest.BindError(c, err)
	}

	resp, err := h.svc.ProcessStatusUpdate(c.Request().Context(), c.Request().Header, &req)
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return problem.Write(c, problem.New(http.StatusBadRequest, "Validation failed", ve.Message).With("field", ve.Field))
	case errors.Is(err, ErrStatusConflict):
		return problem.Write(c, problem.New(http.StatusConflict, "Status conflict",
			"A different status was already recorded for this transactionId.").
			With("transactionId", req.TransactionID))
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// StatusView is the projection returned by GET /patient/status.
type StatusView struct {
	CorrelationID         string          `json:"correlationId,omitempty"`
	TransactionID         string          `json:"transactionId"`
	ShipID                string          `json:"shipId,omitempty"`
	Status                string          `json:"status"`
	Message               string          `json:"message"`
	ResourceType          string          `json:"resourceType"`
	ResourceID            string          `json:"resourceId"`
	ReceivedAtUTC         time.Time       `json:"receivedAtUtc"`
	CallbackStatus        CallbackStatus  `json:"callbackStatus"`
	CallbackAttempts      int             `json:"callbackAttempts"`
	CallbackNextAttemptAt *time.Time      `json:"callbackNextAttemptAt"`
	CallbackDeliveredAt   *time.Time      `json:"callbackDeliveredAt"`
	EMRTargetURL          string          `json:"emrTargetUrl,omitempty"`
	EMRResponseStatusCode *int            `json:"emrResponseStatusCode"`
	EMRResponseBody       string          `json:"emrResponseBody,omitempty"`
	Data                  json.RawMessage `json:"data,omitempty"`
}

func newStatusView(e *StatusEvent, includeData bool) StatusView {
	v := StatusView{
		CorrelationID:         e.CorrelationID,
		TransactionID:         e.TransactionID,
		ShipID:                e.ShipID,
		Status:                e.Status,
		Message:               e.Message,
		ResourceType:          e.ResourceType,
		ResourceID:            e.ResourceID,
		ReceivedAtUTC:         e.ReceivedAtUTC,
		CallbackStatus:        e.CallbackStatus,
		CallbackAttempts:      e.CallbackAttempts,
		CallbackNextAttemptAt: e.CallbackNextAttemptAt,
		CallbackDeliveredAt:   e.CallbackDeliveredAt,
		EMRTargetURL:          e.EMRTargetURL,
		EMRResponseBody:       e.EMRResponseBody,
	}
	if e.EMRResponseStatusCode != 0 {
		code := e.EMRResponseStatusCode
		v.EMRResponseStatusCode = &code
	}
	if includeData && len(e.Data) > 0 {
		v.Data = e.Data
	}
	return v
}

func (h *Handler) Status(c echo.Context) error {
	txID := c.QueryParam("transactionId")
	corrID := c.QueryParam("correlationId")
	if (txID == "") == (corrID == "") {
		return problem.Respond(c, http.StatusBadRequest, "Invalid query",
			"Provide exactly one of transactionId or correlationId.")
	}

	ctx := c.Request().Context()
	var (
		evt *StatusEvent
		err error
	)
	if txID != "" {
		evt, err = h.svc.GetByTransactionID(ctx, txID)
	} else {
		evt, err = h.svc.GetByCorrelationID(ctx, corrID)
	}
	if errors.Is(err, ErrNotFound) {
		return problem.Respond(c, http.StatusNotFound, "Not found", "No status event matches the query.")
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, newStatusView(evt, c.QueryParam("includeData") == "true"))
}
