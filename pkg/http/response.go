package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// DataResponse writes data in the envelope. The envelope status mirrors the HTTP status.
func DataResponse(c echo.Context, statusCode int, data interface{}) error {
	return c.JSON(statusCode, Envelope(statusCode, data))
}

func SuccessResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusOK, data)
}

func CreatedResponse(c echo.Context, data interface{}) error {
	return DataResponse(c, http.StatusCreated, data)
}

// BadRequestResponse writes field-level problems as a 400.
func BadRequestResponse(c echo.Context, details []ValidationError) error {
	return DataResponse(c, http.StatusBadRequest, details)
}

func InternalServerErrorResponse(c echo.Context) error {
	return DataResponse(c, http.StatusInternalServerError, "Something went wrong")
}

// AppErrorResponse renders err. A 400 AppError is always rendered as a
// ValidationError list; errors that are not AppErrors become a 500.
func AppErrorResponse(c echo.Context, err error) error {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return InternalServerErrorResponse(c)
	}
	if appErr.Status != http.StatusBadRequest {
		return DataResponse(c, appErr.Status, []*AppError{appErr})
	}
	details := appErr.Details
	if len(details) == 0 {
		details = []ValidationError{{Code: appErr.Code, Field: appErr.Field, Message: appErr.Message, Params: appErr.Params}}
	}
	return BadRequestResponse(c, details)
}
