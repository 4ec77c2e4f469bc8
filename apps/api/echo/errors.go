package echoapi

import (
	"net/http"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/auth"
)

const (
	msgValidationFailed = "validation failed"
	msgNotFound         = "not found"
)

// Response is the envelope of every API response.
type Response struct {
	Success bool                `json:"success"`
	Data    interface{}         `json:"data,omitempty"`
	Error   string              `json:"error,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

func respond(ctx echo.Context, code int, data interface{}) error {
	return ctx.JSON(code, Response{Success: true, Data: data})
}

func respondMessage(ctx echo.Context, code int, msg string) error {
	return respond(ctx, code, echo.Map{"message": msg})
}

func fieldErrors(flds []core.FieldError) map[string][]string {
	errs := make(map[string][]string, len(flds))
	for _, fErr := range flds {
		errs[fErr.Field] = append(errs[fErr.Field], fErr.Error)
	}
	return errs
}

// errorResponse maps err to its status code & envelope. ok is false for server errors.
func errorResponse(err error, trans ut.Translator) (code int, resp Response, ok bool) {
	if auth.IsAuthError(err) {
		return http.StatusUnauthorized, Response{Error: errors.Cause(err).Error()}, true
	}

	var (
		vErrs    validator.ValidationErrors
		vErr     *core.ValidationError
		cErr     *core.ConflictError
		httpErr  *echo.HTTPError
		notFound = core.IsNotFound(err)
	)
	switch {
	case errors.As(err, &vErrs):
		errs := make(map[string][]string, len(vErrs))
		for _, fe := range vErrs {
			errs[fe.Field()] = append(errs[fe.Field()], fe.Translate(trans))
		}
		return http.StatusBadRequest, Response{Error: msgValidationFailed, Errors: errs}, true

	case errors.As(err, &vErr):
		if len(vErr.Fields) > 0 {
			return http.StatusBadRequest, Response{Error: msgValidationFailed, Errors: fieldErrors(vErr.Fields)}, true
		}
		return http.StatusBadRequest, Response{Error: vErr.Error()}, true

	case notFound:
		return http.StatusNotFound, Response{Error: msgNotFound}, true

	case errors.As(err, &cErr):
		msg := cErr.Error()
		return http.StatusConflict, Response{Error: msg, Errors: map[string][]string{cErr.Field: {msg}}}, true

	case errors.As(err, &httpErr):
		if httpErr == middleware.ErrJWTMissing {
			return http.StatusUnauthorized, Response{Error: auth.ErrUnauthenticated.Error()}, true
		}
		if herr, ok := httpErr.Internal.(*echo.HTTPError); ok {
			httpErr = herr
		}
		if httpErr.Code >= http.StatusInternalServerError {
			break
		}
		msg, isStr := httpErr.Message.(string)
		if !isStr {
			msg = http.StatusText(httpErr.Code)
		}
		return httpErr.Code, Response{Error: msg}, true
	}

	// any other error is a server error
	return http.StatusInternalServerError, Response{Error: http.StatusText(http.StatusInternalServerError)}, false
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, uni *ut.UniversalTranslator, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		code, resp, ok := errorResponse(err, core.Translator(uni, ctx.Request().Header.Get("Accept-Language")))
		if !ok {
			msg := resp.Error
			logger.Error(msg, errors.Wrap(err, msg), contextSession(ctx))

			if ctx.Echo().Debug {
				resp.Error = err.Error()
			}

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, resp)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
