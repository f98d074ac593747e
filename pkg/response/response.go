package response

// Generic response envelope
type APIResponseCode int

const (
	APIResponseCodeOK              APIResponseCode = 0
	APIResponseCodeBadRequest      APIResponseCode = 40000
	APIResponseCodeUnauthorized    APIResponseCode = 40100
	APIResponseCodeForbidden       APIResponseCode = 40300
	APIResponseCodeNotFound        APIResponseCode = 40400
	APIResponseCodeConflict        APIResponseCode = 40900
	APIResponseCodeTooManyRequests APIResponseCode = 42900
	APIResponseCodeError           APIResponseCode = 50000
	APIResponseCodeUnavailable     APIResponseCode = 50300
)

var codeToMsg = map[APIResponseCode]string{
	APIResponseCodeOK:              "ok",
	APIResponseCodeBadRequest:      "bad request",
	APIResponseCodeUnauthorized:    "unauthorized",
	APIResponseCodeForbidden:       "forbidden",
	APIResponseCodeNotFound:        "not found",
	APIResponseCodeConflict:        "conflict",
	APIResponseCodeTooManyRequests: "too many requests",
	APIResponseCodeError:           "unexpected error",
	APIResponseCodeUnavailable:     "service unavailable",
}

// APIResponse is the generic response envelope used by HTTP APIs.
// Use OKT / ErrorT helpers to construct instances.
type APIResponse[T any] struct {
	Code    APIResponseCode `json:"code"`
	Message string          `json:"message"`
	Data    T               `json:"data"`
}

// OKT returns a successful response with data.
func OKT[T any](data T) *APIResponse[T] {
	return &APIResponse[T]{Code: APIResponseCodeOK, Message: codeToMsg[APIResponseCodeOK], Data: data}
}

// ErrorT returns an error response with message and optional data.
func ErrorT[T any](code APIResponseCode, data T) *APIResponse[T] {
	return &APIResponse[T]{Code: code, Message: codeToMsg[code], Data: data}
}

// ErrorMsgT is ErrorT with a caller supplied message.
func ErrorMsgT[T any](code APIResponseCode, msg string, data T) *APIResponse[T] {
	if msg == "" {
		msg = codeToMsg[code]
	}
	return &APIResponse[T]{Code: code, Message: msg, Data: data}
}

// HTTPStatus maps an envelope code to its HTTP status (40400 -> 404).
func (c APIResponseCode) HTTPStatus() int {
	if c == APIResponseCodeOK {
		return 200
	}
	return int(c) / 100
}
