package admission

// Reason names why a request was rejected.
type Reason string

const (
	ReasonMissingCredential  Reason = "missing_credential"
	ReasonInvalidCredential  Reason = "invalid_credential"
	ReasonPending            Reason = "pending"
	ReasonSuspended          Reason = "suspended"
	ReasonRevoked            Reason = "revoked"
	ReasonExpired            Reason = "expired"
	ReasonIPBlocked          Reason = "ip_blocked"
	ReasonIPNotAllowed       Reason = "ip_not_allowed"
	ReasonRateLimited        Reason = "rate_limited"
	ReasonQuotaExceeded      Reason = "quota_exceeded"
	ReasonBackendUnavailable Reason = "backend_unavailable"
)

// Category groups reasons for the caller-facing response.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryThrottling     Category = "throttling"
	CategoryBackend        Category = "backend"
)

// Category reports the externally visible category of r. IP rejections are
// reported as authentication failures so they cannot be told apart from a
// bad secret.
func (r Reason) Category() Category {
	switch r {
	case ReasonMissingCredential, ReasonInvalidCredential, ReasonIPBlocked, ReasonIPNotAllowed:
		return CategoryAuthentication
	case ReasonPending, ReasonSuspended, ReasonRevoked, ReasonExpired:
		return CategoryAuthorization
	case ReasonRateLimited, ReasonQuotaExceeded:
		return CategoryThrottling
	case ReasonBackendUnavailable:
		return CategoryBackend
	}
	return CategoryAuthentication
}
