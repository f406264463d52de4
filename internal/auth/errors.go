package auth

import "errors"

// ErrTokenInvalid is returned when the bearer token presented on a request
// is empty or fails JWT verification (signature, algorithm or expiry)
// against the instance's configured secret.
var ErrTokenInvalid = errors.New("auth: token invalid")
