package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasklist-api/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, logger *log.Logger) {
	e.POST("/", createTask(deps.Orders, deps.Deduper, logger))
	e.GET("/", listTasks(deps.Tasks, logger))
	e.GET("/search", searchTasks(deps.Tasks, logger))
	e.GET("/count", countTasks(deps.Tasks, logger))
	e.GET("/healthz", healthz(deps.Health, deps.Orders, logger))
	e.PUT("/:id", updateTask(deps.Tasks, logger))
	e.PUT("/:id/order", moveTask(deps.Orders, logger))
	e.DELETE("/:id", deleteTask(deps.Orders, logger))
}

func createTask(orders Orderer, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var body taskRequest
		if err := decodeBody(c, &body); err != nil {
			return message(c, http.StatusBadRequest, "invalid request body")
		}

		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		if key != "" && deduper != nil {
			added, err := deduper.Add(ctx, key)
			switch {
			case err != nil:
				// Redis trouble must not block creates.
				logger.WithError(err).Warn("idempotency check failed")
				key = ""
			case !added:
				return message(c, http.StatusConflict, "duplicate request")
			}
		}

		task, err := orders.Append(ctx, body.fields())
		if err != nil {
			if key != "" && deduper != nil {
				if rerr := deduper.Remove(ctx, key); rerr != nil {
					logger.WithError(rerr).Warn("release idempotency key")
				}
			}
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusCreated, createResponse{
			Message:  "task created",
			TaskID:   task.ID,
			Position: task.Position,
		})
	}
}

func updateTask(tasks Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := parseID(c)
		if !ok {
			return message(c, http.StatusBadRequest, "invalid task id")
		}
		var body taskRequest
		if err := decodeBody(c, &body); err != nil {
			return message(c, http.StatusBadRequest, "invalid request body")
		}
		fields := body.fields().Normalize()
		if err := fields.Validate(); err != nil {
			return writeError(c, logger, err)
		}
		if err := tasks.UpdateFields(c.Request().Context(), id, fields); err != nil {
			return writeError(c, logger, err)
		}
		return message(c, http.StatusOK, "task updated")
	}
}

func moveTask(orders Orderer, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics, ctx := newReorderMetrics(c.Request().Context(), logger)
		c.SetRequest(c.Request().WithContext(ctx))
		var failure error
		defer func() {
			metrics.Log(c.Response().Status, failure)
		}()

		id, ok := parseID(c)
		if !ok {
			metrics.SetErrorStage("invalid_id")
			return message(c, http.StatusBadRequest, "invalid task id")
		}

		decodeStart := time.Now()
		var body moveRequest
		decodeErr := decodeBody(c, &body)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			return message(c, http.StatusBadRequest, "newOrder must be an integer")
		}
		if body.NewOrder == nil {
			metrics.SetErrorStage("decode")
			return message(c, http.StatusBadRequest, "newOrder is required")
		}
		target := *body.NewOrder
		metrics.SetTask(id, target)

		moveStart := time.Now()
		res, moveErr := orders.Move(ctx, id, target)
		metrics.ObserveMove(time.Since(moveStart))
		if moveErr != nil {
			metrics.SetErrorStage("move")
			if statusFor(moveErr) == http.StatusInternalServerError {
				failure = moveErr
			}
			return writeError(c, logger, moveErr)
		}
		metrics.SetResult(res.PreviousPosition, res.Changed)

		msg := "task order updated"
		if !res.Changed {
			msg = "task already at requested position"
		}
		encodeStart := time.Now()
		err := c.JSON(http.StatusOK, moveResponse{
			Message:          msg,
			ID:               res.ID,
			NewPosition:      res.NewPosition,
			PreviousPosition: res.PreviousPosition,
			Changed:          res.Changed,
		})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode")
			failure = err
		}
		return err
	}
}

func deleteTask(orders Orderer, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, ok := parseID(c)
		if !ok {
			return message(c, http.StatusBadRequest, "invalid task id")
		}
		if err := orders.Remove(c.Request().Context(), id); err != nil {
			return writeError(c, logger, err)
		}
		return message(c, http.StatusOK, "task deleted")
	}
}

func listTasks(tasks Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		list, err := tasks.List(c.Request().Context())
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(list))
	}
}

func searchTasks(tasks Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		term := c.QueryParam("searchTerm")
		if strings.TrimSpace(term) == "" {
			return message(c, http.StatusBadRequest, "searchTerm is required")
		}
		list, err := tasks.Search(c.Request().Context(), term)
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, nonNil(list))
	}
}

func countTasks(tasks Store, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		n, err := tasks.Count(c.Request().Context())
		if err != nil {
			return writeError(c, logger, err)
		}
		return c.JSON(http.StatusOK, countResponse{Count: n})
	}
}

func healthz(db Pinger, orders Orderer, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				logger.WithError(err).Warn("health check: store unreachable")
				return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: "store unreachable"})
			}
		}
		if deep, _ := strconv.ParseBool(c.QueryParam("deep")); deep {
			if err := orders.Check(ctx); err != nil {
				logger.WithError(err).Error("health check: order check failed")
				return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Error: err.Error()})
			}
		}
		return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
	}
}

func parseID(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func nonNil(tasks []domain.Task) []domain.Task {
	if tasks == nil {
		return []domain.Task{}
	}
	return tasks
}

func statusFor(err error) int {
	var rangeErr *domain.InvalidRangeError
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &rangeErr), errors.As(err, &verr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps domain errors to responses. Anything unexpected is logged
// and answered with a generic 500.
func writeError(c echo.Context, logger *log.Logger, err error) error {
	var rangeErr *domain.InvalidRangeError
	var verr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return message(c, http.StatusNotFound, "task not found")
	case errors.As(err, &rangeErr):
		return c.JSON(http.StatusBadRequest, rangeResponse{
			Message:    "newOrder out of range",
			ValidRange: validRange{Min: rangeErr.Min, Max: rangeErr.Max},
		})
	case errors.As(err, &verr):
		return c.JSON(http.StatusBadRequest, validationResponse{
			Message: "validation failed",
			Errors:  verr.Fields,
		})
	default:
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"route":  c.Path(),
		}).Error("request failed")
		return message(c, http.StatusInternalServerError, "internal error")
	}
}
