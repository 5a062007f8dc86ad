package cloudcharge

import "fmt"

// BadRequestReason classifies the message body of a 400 response.
type BadRequestReason int

const (
	BadRequestUnknown BadRequestReason = iota
	BadRequestInvalidPhoneNumber
)

// ForbiddenReason classifies the message body of a 403 response.
type ForbiddenReason int

const (
	ForbiddenUnknown ForbiddenReason = iota
	ForbiddenInvalidDevToken
	ForbiddenInvalidLoginCredentials
	ForbiddenNoLoginAttemptsFound
)

// AuthError means the token was rejected outright. Callers should treat it as
// terminal and stop polling rather than retry.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "cloudcharge: unauthorized"
	}
	return fmt.Sprintf("cloudcharge: unauthorized: %s", e.Message)
}

// BadRequestError is a 400 response with the provider's message classified
// into a Reason.
type BadRequestError struct {
	Message string
	Reason  BadRequestReason
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("cloudcharge: bad request: %s", e.Message)
}

// ForbiddenError is a 403 response with the provider's message classified
// into a Reason.
type ForbiddenError struct {
	Message string
	Reason  ForbiddenReason
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("cloudcharge: forbidden: %s", e.Message)
}

// RequestError covers every other non-2xx status.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("cloudcharge: status %d", e.StatusCode)
	}
	return fmt.Sprintf("cloudcharge: status %d: %s", e.StatusCode, e.Message)
}

// NotLoggedInError is returned locally when an authenticated call is made
// before Login or SetCredentials.
type NotLoggedInError struct{}

func (*NotLoggedInError) Error() string { return "cloudcharge: not logged in" }

func badRequestReason(message string) BadRequestReason {
	switch message {
	case "Invalid phone number":
		return BadRequestInvalidPhoneNumber
	}
	return BadRequestUnknown
}

func forbiddenReason(message string) ForbiddenReason {
	switch message {
	case `field "devToken" in request body did not match any existing developer key`:
		return ForbiddenInvalidDevToken
	case "Invalid login credentials.":
		return ForbiddenInvalidLoginCredentials
	case "No loginAttempts found":
		return ForbiddenNoLoginAttemptsFound
	}
	return ForbiddenUnknown
}
