package signal

import (
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "pepehouse/pkg/errors"
)

// Subprotocol is the WebSocket subprotocol spoken by protoo clients.
const Subprotocol = "protoo"

// message is the union of the four protoo message shapes. It is only used
// for decoding; outgoing messages use the typed structs below so that
// required fields such as ok:false are always present.
type message struct {
	Request      bool            `json:"request"`
	Response     bool            `json:"response"`
	Notification bool            `json:"notification"`
	ID           uint32          `json:"id"`
	Method       string          `json:"method"`
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data"`
	ErrorCode    int             `json:"errorCode"`
	ErrorReason  string          `json:"errorReason"`
	ErrorName    string          `json:"errorName"`
}

type requestMessage struct {
	Request bool        `json:"request"`
	ID      uint32      `json:"id"`
	Method  string      `json:"method"`
	Data    interface{} `json:"data"`
}

type successResponse struct {
	Response bool        `json:"response"`
	ID       uint32      `json:"id"`
	OK       bool        `json:"ok"`
	Data     interface{} `json:"data"`
}

type errorResponse struct {
	Response    bool   `json:"response"`
	ID          uint32 `json:"id"`
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"errorCode"`
	ErrorReason string `json:"errorReason"`
	ErrorName   string `json:"errorName,omitempty"`
}

type notificationMessage struct {
	Notification bool        `json:"notification"`
	Method       string      `json:"method"`
	Data         interface{} `json:"data"`
}

func emptyIfNil(data interface{}) interface{} {
	if data == nil {
		return struct{}{}
	}
	return data
}

func newRequest(id uint32, method string, data interface{}) requestMessage {
	return requestMessage{Request: true, ID: id, Method: method, Data: emptyIfNil(data)}
}

func newSuccessResponse(id uint32, data interface{}) successResponse {
	return successResponse{Response: true, ID: id, OK: true, Data: emptyIfNil(data)}
}

func newNotification(method string, data interface{}) notificationMessage {
	return notificationMessage{Notification: true, Method: method, Data: emptyIfNil(data)}
}

// newErrorResponse renders err as a rejected reply. Application errors
// keep their HTTP status and code; anything else is an internal error.
func newErrorResponse(id uint32, err error) errorResponse {
	resp := errorResponse{Response: true, ID: id, OK: false}

	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		resp.ErrorCode = http.StatusInternalServerError
		resp.ErrorReason = err.Error()
		resp.ErrorName = string(apperrors.ErrCodeInternal)
		return resp
	}

	resp.ErrorCode = appErr.HTTPStatus
	if resp.ErrorCode == 0 {
		resp.ErrorCode = http.StatusInternalServerError
	}
	resp.ErrorReason = appErr.Message
	if appErr.Cause != nil {
		resp.ErrorReason = fmt.Sprintf("%s: %v", appErr.Message, appErr.Cause)
	}
	resp.ErrorName = string(appErr.Code)
	return resp
}

// RequestError is a rejection received from the remote side of a
// server-initiated request.
type RequestError struct {
	Code   int
	Reason string
	Name   string
}

func (e *RequestError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("request rejected (%d %s): %s", e.Code, e.Name, e.Reason)
	}
	return fmt.Sprintf("request rejected (%d): %s", e.Code, e.Reason)
}
