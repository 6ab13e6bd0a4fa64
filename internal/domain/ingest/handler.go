package ingest

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/ingest-gateway/internal/platform/auth"
	"github.com/ehr/ingest-gateway/internal/platform/problem"
)

type Handler struct {
	svc *Service
	now func() time.Time
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/fhir-ingest", h.Ingest)
}

// IngestResponse is the 202 body.
type IngestResponse struct {
	Status        string    `json:"status"`
	ResourceType  string    `json:"resourceType"`
	ResourceID    string    `json:"resourceId,omitempty"`
	CorrelationID string    `json:"correlationId"`
	Outcome       Outcome   `json:"outcome"`
	Timestamp     time.Time `json:"timestamp"`
}

func (h *Handler) Ingest(c echo.Context) error {
	clientID := auth.ClientIDFromContext(c.Request().Context())
	if clientID == "" {
		return problem.Respond(c, http.StatusUnauthorized, "Unauthorized", "Missing 'client_id' or 'azp' claim.")
	}

	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return BindError(c, err)
	}

	res, err := h.svc.Ingest(c.Request().Context(), &req, clientID)
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return problem.Write(c, problem.New(http.StatusBadRequest, "Validation failed", ve.Message).With("field", ve.Field))
	case err != nil:
		return err
	}

	if res.Outcome == OutcomeIdempotentRepeatSamePayload {
		return problem.Write(c, problem.New(http.StatusConflict, "Duplicate submission",
			"A record with this correlationId and an identical payload already exists.").
			With("correlationId", res.Record.CorrelationID).
			With("outcome", res.Outcome))
	}

	return c.JSON(http.StatusAccepted, IngestResponse{
		Status:        "accepted",
		ResourceType:  res.Record.ResourceType,
		ResourceID:    res.Record.ResourceID,
		CorrelationID: res.Record.CorrelationID,
		Outcome:       res.Outcome,
		Timestamp:     h.now().UTC(),
	})
}

// BindError maps a c.Bind failure to a problem response. A body that
// overran the size limit keeps its 413.
func BindError(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		var inner *echo.HTTPError
		if errors.As(he.Internal, &inner) && inner.Code == http.StatusRequestEntityTooLarge {
			return inner
		}
		if he.Code == http.StatusUnsupportedMediaType {
			return problem.Respond(c, http.StatusUnsupportedMediaType, "", "Request body must be application/json.")
		}
	}
	return problem.Respond(c, http.StatusBadRequest, "Invalid request body", "Request body is not valid JSON for this endpoint.")
}
