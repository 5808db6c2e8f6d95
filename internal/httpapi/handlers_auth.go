package httpapi

import (
	"net"
	"net/http"
	"time"
)

// handleGetWSReconnectNonce mints a short-lived, single-use nonce an already
// authenticated caller can present on a later /ws upgrade (as
// ?reconnect_nonce=) to survive a session gap without a full password
// re-exchange.
func handleGetWSReconnectNonce(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	nonce, err := s.nonces.Issue(time.Now())
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return map[string]string{"nonce": nonce}, nil
}

type authRequest struct {
	Password string `json:"password"`
}

func handleAuth(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	ip := peerIP(r)
	if !s.limiter.Allow(ip, time.Now()) {
		return nil, unauthorized("too many attempts, try again later")
	}

	var req authRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}

	_, _, cred := s.shareState()
	if cred == nil || !cred.Verify(req.Password) {
		return nil, unauthorized("invalid password")
	}

	s.sessions.Admit(sessionID)
	return nil, nil
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
