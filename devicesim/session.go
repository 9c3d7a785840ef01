package devicesim

import (
	"encoding/json"
	"strconv"

	"github.com/cyberinferno/rpcmux/logger"
	"github.com/cyberinferno/rpcmux/session"
)

func (s *Server) createSession(req Request) ([]byte, error) {
	var in session.CreateSessionRequest
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return nil, &Error{Code: CodeInternal, Message: "invalid create session request"}
	}

	if in.Username != s.Credentials.Username || in.Password != s.Credentials.Password {
		s.Logger.Info("login rejected", logger.Field{Key: "username", Value: in.Username})
		return nil, &Error{Code: session.CodeAuthenticationFailed, Message: "invalid username or password"}
	}

	id := "session-" + strconv.FormatUint(uint64(s.sessionIDs.Id()), 10)
	s.sessions.Store(id, req.Conn.id)
	s.Logger.Info("session created", logger.Field{Key: "session", Value: id}, logger.Field{Key: "conn", Value: req.Conn.id})

	return json.Marshal(session.CreateSessionResponse{SessionID: id})
}

func (s *Server) closeSession(req Request) ([]byte, error) {
	id, err := sessionID(req.Payload)
	if err != nil {
		return nil, err
	}

	if _, ok := s.sessions.LoadAndDelete(id); !ok {
		return nil, &Error{Code: session.CodeSessionNotFound, Message: id}
	}

	return nil, nil
}

func (s *Server) keepAlive(req Request) ([]byte, error) {
	id, err := sessionID(req.Payload)
	if err != nil {
		return nil, err
	}

	if !s.sessions.Has(id) {
		return nil, &Error{Code: session.CodeSessionNotFound, Message: id}
	}

	return nil, nil
}

func sessionID(payload []byte) (string, error) {
	var h session.Handle
	if err := json.Unmarshal(payload, &h); err != nil {
		return "", &Error{Code: CodeInternal, Message: "invalid session handle"}
	}

	return h.SessionID, nil
}
