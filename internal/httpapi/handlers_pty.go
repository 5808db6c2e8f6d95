package httpapi

import "net/http"

type ptyCreateRequest struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func handlePtyCreate(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req ptyCreateRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if req.SessionID == "" {
		return nil, badRequest("sessionId is required")
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if err := s.pty.Create(req.SessionID, req.Cwd, cols, rows); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

type ptyWriteRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

func handlePtyWrite(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req ptyWriteRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if err := s.pty.Write(req.SessionID, []byte(req.Data)); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

func handlePtyRead(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	out, err := s.pty.Read(req.SessionID)
	if err != nil {
		return nil, badRequest("%v", err)
	}
	return map[string]string{"data": out}, nil
}

type ptyResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func handlePtyResize(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req ptyResizeRequest
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if err := s.pty.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

func handlePtyClose(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	if err := s.pty.Close(req.SessionID); err != nil {
		return nil, badRequest("%v", err)
	}
	return nil, nil
}

func handlePtyExists(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	return map[string]bool{"exists": s.pty.Exists(req.SessionID)}, nil
}

func handlePtyCloseByPath(s *Server, r *http.Request, sessionID string, body []byte) (any, *apiError) {
	var req struct {
		PathPrefix string `json:"pathPrefix"`
	}
	if apiErr := decodeBody(body, &req); apiErr != nil {
		return nil, apiErr
	}
	closed := s.pty.CloseByPrefix(req.PathPrefix)
	return map[string]any{"closed": closed}, nil
}
