package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"tasklist-api/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

const HeaderIdempotencyKey = "Idempotency-Key"

// POST / and PUT /:id request body
type taskRequest struct {
	Description string       `json:"description"`
	Value       domain.Money `json:"value"`
	Deadline    domain.Date  `json:"deadline"`
}

func (r taskRequest) fields() domain.TaskFields {
	return domain.TaskFields{Description: r.Description, Value: r.Value, Deadline: r.Deadline}
}

// PUT /:id/order request body
type moveRequest struct {
	NewOrder *int `json:"newOrder"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type createResponse struct {
	Message  string `json:"message"`
	TaskID   int64  `json:"taskId"`
	Position int    `json:"display_order"`
}

type moveResponse struct {
	Message          string `json:"message"`
	ID               int64  `json:"id"`
	NewPosition      int    `json:"new_order"`
	PreviousPosition int    `json:"previous_order"`
	Changed          bool   `json:"changed"`
}

type validRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type rangeResponse struct {
	Message    string     `json:"message"`
	ValidRange validRange `json:"valid_range"`
}

type validationResponse struct {
	Message string            `json:"message"`
	Errors  map[string]string `json:"errors"`
}

type countResponse struct {
	Count int `json:"count"`
}

type healthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// decodeBody reads at most maxBodySize bytes of JSON into dst, rejecting
// unknown fields.
func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func message(c echo.Context, status int, msg string) error {
	return c.JSON(status, messageResponse{Message: msg})
}

// Serializer encodes echo responses with sonic.
type Serializer struct{}

func (Serializer) Serialize(c echo.Context, i any, indent string) error {
	var (
		data []byte
		err  error
	)
	if indent != "" {
		data, err = sonic.ConfigStd.MarshalIndent(i, "", indent)
	} else {
		data, err = sonic.ConfigStd.Marshal(i)
	}
	if err != nil {
		return err
	}
	_, err = c.Response().Write(data)
	return err
}

func (Serializer) Deserialize(c echo.Context, i any) error {
	if err := decodeBody(c, i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body").SetInternal(err)
	}
	return nil
}
