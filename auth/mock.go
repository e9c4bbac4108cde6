package auth

import (
	"fmt"
	"net/http"
)

// MockClient trusts identity headers set by the gateway. Demo and test
// use only.
type MockClient struct {
	Client
}

func (c *MockClient) Auth(r *http.Request) (*Identity, error) {
	uid := r.Header.Get("X-Uid")
	if uid == "" {
		if c, err := r.Cookie("x-uid"); err == nil {
			uid = c.Value
		}
	}
	if uid == "" {
		return nil, fmt.Errorf("empty x-uid header or cookie")
	}

	username := r.Header.Get("X-Username")
	if username == "" {
		if c, err := r.Cookie("x-username"); err == nil {
			username = c.Value
		}
	}

	return &Identity{UID: uid, Username: username}, nil
}
