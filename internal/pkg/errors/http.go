package errors

import "net/http"

// UpstreamErrorBody is the error envelope shape used on the upstream-facing
// surface (/v1/*, /backend-api/*): {error:{code, message, type}}.
type UpstreamErrorBody struct {
	Error UpstreamErrorDetail `json:"error"`
}

type UpstreamErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// DashboardErrorBody is the error envelope shape used on the dashboard
// surface (/api/*): {error:{code, message}}.
type DashboardErrorBody struct {
	Error DashboardErrorDetail `json:"error"`
}

type DashboardErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// kindToUpstreamType maps an internal Kind onto the closed set of upstream
// "type" values from spec §6.
func kindToUpstreamType(kind Kind) string {
	switch kind {
	case KindValidation:
		return "invalid_request_error"
	case KindAuthentication:
		return "authentication_error"
	case KindAuthorization:
		return "permission_error"
	case KindNoCapacity:
		return "rate_limit_error"
	case KindUpstreamTransient, KindUpstreamPermanent:
		return "upstream_error"
	case KindIntegrity:
		return "server_error"
	default:
		return "server_error"
	}
}

// ToHTTP converts an error into an HTTP status code and the upstream-facing
// error envelope. Components never call this directly; only the
// orchestrator/router boundary does.
func ToHTTP(err error) (statusCode int, body UpstreamErrorBody) {
	if err == nil {
		return http.StatusOK, UpstreamErrorBody{}
	}

	appErr := FromError(err)
	if appErr == nil {
		return http.StatusInternalServerError, UpstreamErrorBody{
			Error: UpstreamErrorDetail{Message: "internal error", Type: "server_error"},
		}
	}

	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, UpstreamErrorBody{
		Error: UpstreamErrorDetail{
			Code:    appErr.Code,
			Message: appErr.Message,
			Type:    kindToUpstreamType(appErr.Kind),
		},
	}
}

// ToDashboardHTTP converts an error into the dashboard-facing envelope.
func ToDashboardHTTP(err error) (statusCode int, body DashboardErrorBody) {
	if err == nil {
		return http.StatusOK, DashboardErrorBody{}
	}
	appErr := FromError(err)
	if appErr == nil {
		return http.StatusInternalServerError, DashboardErrorBody{
			Error: DashboardErrorDetail{Message: "internal error"},
		}
	}
	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return status, DashboardErrorBody{
		Error: DashboardErrorDetail{Code: appErr.Code, Message: appErr.Message},
	}
}
