package auth

import "net/http"

// Identity is the pre-validated principal behind a connection. Token
// verification happens in the gateway; the relay only consumes its
// result.
type Identity struct {
	UID      string
	Username string
}

type Client interface {
	// Auth authenticates the current request, returning its identity.
	Auth(r *http.Request) (*Identity, error)
}
