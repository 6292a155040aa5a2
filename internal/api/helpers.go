package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/splice/internal/tensor"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

// writeFailure reports err with the status its kind maps to.
func writeFailure(c *echo.Context, err error) error {
	status, errType := classify(err)
	param, code := detail(err)
	return writeError(c, status, errType, err.Error(), param, code)
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// checkRagged rejects rows of unequal length.
func checkRagged[T any](field string, rows [][]T) error {
	for i, row := range rows {
		if len(row) != len(rows[0]) {
			return newInvalidRequest(fmt.Sprintf("%s: sequence %d has length %d, want %d", field, i, len(row), len(rows[0])))
		}
	}
	return nil
}

func maskBatch(field string, rows [][]float32) (tensor.Batch, error) {
	if len(rows) == 0 {
		return tensor.Batch{}, nil
	}
	if err := checkRagged(field, rows); err != nil {
		return tensor.Batch{}, err
	}
	b, t := len(rows), len(rows[0])
	out := tensor.NewBatch(b, t, 1)
	for i, row := range rows {
		copy(out.Data[i*t:], row)
	}
	return out, nil
}

func featureBatch(rows [][][]float32) (tensor.Batch, error) {
	if len(rows) == 0 {
		return tensor.Batch{}, nil
	}
	if err := checkRagged("features", rows); err != nil {
		return tensor.Batch{}, err
	}
	b, t := len(rows), len(rows[0])
	if t == 0 {
		return tensor.Batch{}, newInvalidRequest("features: empty sequence")
	}
	d := len(rows[0][0])
	out := tensor.NewBatch(b, t, d)
	for i, seq := range rows {
		for j, vec := range seq {
			if len(vec) != d {
				return tensor.Batch{}, newInvalidRequest(fmt.Sprintf("features: vector [%d %d] has width %d, want %d", i, j, len(vec), d))
			}
			copy(out.Row(i, j), vec)
		}
	}
	return out, nil
}

func nested(x tensor.Batch) [][][]float32 {
	out := make([][][]float32, x.B)
	for b := range out {
		out[b] = make([][]float32, x.T)
		for t := range out[b] {
			out[b][t] = append([]float32(nil), x.Row(b, t)...)
		}
	}
	return out
}
