package auth

import "errors"

var (
	// ErrNoToken means the attempt carried no bearer credential. Not a
	// failure at this layer; the authorizer maps it to the anonymous path.
	ErrNoToken = errors.New("no token provided")

	ErrTokenExpired  = errors.New("token expired")
	ErrTokenInvalid  = errors.New("token invalid")
	ErrUnknownKey    = errors.New("signing key not found")
	ErrWrongTokenUse = errors.New("unexpected token use")
)
