package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/syncwell/graphsync/internal/model"
	"github.com/syncwell/graphsync/internal/repository"
)

type enqueueReq struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	ProjectID    string          `json:"project_id"`
	GraphName    string          `json:"graph_name"`
	Operation    string          `json:"operation"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	CypherQuery  *string         `json:"cypher_query,omitempty"`
	CypherParams json.RawMessage `json:"cypher_params,omitempty"`
	CreatedBy    *string         `json:"created_by,omitempty"`
}

func (r enqueueReq) toNewEvent() (repository.NewEvent, error) {
	if strings.TrimSpace(r.EventID) == "" {
		return repository.NewEvent{}, errors.New("event_id is required")
	}
	op, ok := model.ParseOperation(r.Operation)
	if !ok {
		return repository.NewEvent{}, errors.New("invalid operation")
	}
	if r.GraphName == "" || r.EntityType == "" {
		return repository.NewEvent{}, errors.New("graph_name and entity_type are required")
	}

	return repository.NewEvent{
		EventID:      r.EventID,
		EventType:    r.EventType,
		ProjectID:    r.ProjectID,
		GraphName:    r.GraphName,
		Operation:    op,
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		Payload:      r.Payload,
		CypherQuery:  r.CypherQuery,
		CypherParams: r.CypherParams,
		CreatedBy:    r.CreatedBy,
	}, nil
}

func enqueueHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req enqueueReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		e, err := req.toNewEvent()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}

		outcome, err := repo.Enqueue(c.Request().Context(), nil, e)
		if err != nil {
			log.Errorf("enqueue failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		// duplicates are success for producers retrying after a crash
		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued":  true,
			"event_id":  e.EventID,
			"duplicate": outcome == repository.Duplicate,
		})
	}
}

func enqueueBatchHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var reqs []enqueueReq
		if err := c.Bind(&reqs); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if len(reqs) == 0 || len(reqs) > 1000 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "batch size must be 1..1000"})
		}

		events := make([]repository.NewEvent, 0, len(reqs))
		for _, r := range reqs {
			e, err := r.toNewEvent()
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}
			events = append(events, e)
		}

		accepted, err := repo.EnqueueBatch(c.Request().Context(), nil, events)
		if err != nil {
			log.Errorf("enqueue batch failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued":   true,
			"accepted":   accepted,
			"duplicates": len(events) - accepted,
		})
	}
}

func statsHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats, err := repo.GetStats(c.Request().Context(), c.QueryParam("project_id"))
		if err != nil {
			log.Errorf("stats failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, stats)
	}
}

func listDeadLettersHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		projectID := c.QueryParam("project_id")
		if projectID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		}

		q := repository.DeadLetterQuery{
			UnresolvedOnly: c.QueryParam("unresolved_only") == "true",
		}
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				q.Limit = n
			}
		}

		rows, err := repo.GetDeadLetters(c.Request().Context(), projectID, q)
		if err != nil {
			log.Errorf("dead letters failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"dead_letters": rows})
	}
}

type resolveReq struct {
	Actor string `json:"actor"`
	Notes string `json:"notes"`
}

func resolveDeadLetterHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}

		var req resolveReq
		if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Actor) == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "actor is required"})
		}

		if err := repo.ResolveDeadLetter(c.Request().Context(), id, req.Actor, req.Notes); err != nil {
			if errors.Is(err, repository.ErrAlreadyResolved) {
				return c.JSON(http.StatusConflict, map[string]string{"error": "already resolved"})
			}
			log.Errorf("resolve dead letter failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"resolved": true, "id": id})
	}
}

func retryDeadLetterHandler(repo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid id"})
		}

		if err := repo.RetryDeadLetter(c.Request().Context(), id); err != nil {
			switch {
			case errors.Is(err, repository.ErrDeadLetterNotFound):
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			case errors.Is(err, repository.ErrAlreadyResolved):
				return c.JSON(http.StatusConflict, map[string]string{"error": "already resolved"})
			}
			log.Errorf("retry dead letter failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"requeued": true, "id": id})
	}
}

func syncHistoryHandler(repo repository.CHAuditRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		projectID := c.QueryParam("project_id")
		if projectID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "project_id is required"})
		}

		limit, offset := 50, 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		outcome := strings.TrimSpace(c.QueryParam("outcome"))
		if outcome != "" && outcome != "completed" && outcome != "failed" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid outcome"})
		}

		rows, err := repo.ListByProject(c.Request().Context(), projectID, outcome, limit, offset)
		if err != nil {
			log.Errorf("sync history failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		return c.JSON(http.StatusOK, map[string]any{"history": rows})
	}
}
