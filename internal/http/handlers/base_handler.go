// README: Base handler utilities (request types, JSON helpers, error mapping).
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"rideflow/internal/apperr"
	"rideflow/internal/types"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// positionReq is a coordinate pair; pointers make a zero coordinate distinguishable from a missing one.
type positionReq struct {
	Lat *float64 `json:"lat" binding:"required,latitude"`
	Lng *float64 `json:"lng" binding:"required,longitude"`
}

func (p positionReq) point() types.Point {
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

type placeReq struct {
	positionReq
	Address string `json:"address" binding:"max=512"`
}

func (p placeReq) place() types.Place {
	return types.Place{Point: p.point(), Address: p.Address}
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation: http.StatusBadRequest,
	apperr.KindNotFound:   http.StatusNotFound,
	apperr.KindForbidden:  http.StatusForbidden,
	apperr.KindConflict:   http.StatusConflict,
	apperr.KindGeofence:   http.StatusUnprocessableEntity,
	apperr.KindInternal:   http.StatusInternalServerError,
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

// writeError answers with the typed rejection behind err. Untyped errors
// become a generic 500 and their detail stays in the log.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	e := apperr.From(err)
	status, ok := statusByKind[e.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(c, status, errorResponse{Code: e.Code, Error: e.Message})
}

// bind decodes the JSON body into req. An empty body is accepted when
// optional is set, leaving req at its zero value.
func bind(c *gin.Context, req any, optional bool) bool {
	err := c.ShouldBindJSON(req)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(c, apperr.Validation("%s", err.Error()))
	return false
}
