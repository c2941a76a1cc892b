package api

import (
	"net/http"
	"time"

	"quote-cpq/decision/costmatch"
	"quote-cpq/decision/cpq"
	"quote-cpq/pkg/platform"
)

// SessionHeader lets one operator keep several independent workspaces,
// for example one per browser tab.
const SessionHeader = "X-Session-ID"

// Workspace is one operator's pricing session and cost review.
type Workspace struct {
	Session *cpq.Configurator
	Matcher *costmatch.Matcher

	lastSeen time.Time
}

// WorkspaceFactory builds the workspace for an operator seen for the first time.
type WorkspaceFactory func() *Workspace

// workspaceKey scopes state to the authenticated subject and the optional
// session header. Unauthenticated callers without a header share one workspace.
func workspaceKey(r *http.Request) string {
	return platform.Subject(r.Context()) + "|" + r.Header.Get(SessionHeader)
}

// workspace returns the caller's workspace, creating it on first use.
// Workspaces idle longer than WorkspaceIdle are dropped on the way.
func (s *Server) workspace(r *http.Request) *Workspace {
	key := workspaceKey(r)
	now := time.Now()

	s.workspacesMu.Lock()
	defer s.workspacesMu.Unlock()

	if ws, ok := s.workspaces[key]; ok {
		ws.lastSeen = now
		return ws
	}

	if idle := s.config.WorkspaceIdle; idle > 0 {
		for k, ws := range s.workspaces {
			if now.Sub(ws.lastSeen) > idle {
				delete(s.workspaces, k)
				s.logger.Debug().Str("workspace", k).Msg("idle workspace dropped")
			}
		}
	}

	ws := s.newWorkspace()
	ws.lastSeen = now
	s.workspaces[key] = ws
	s.logger.Debug().Str("workspace", key).Int("open", len(s.workspaces)).Msg("workspace created")
	return ws
}

func (s *Server) session(r *http.Request) *cpq.Configurator { return s.workspace(r).Session }

func (s *Server) matcher(r *http.Request) *costmatch.Matcher { return s.workspace(r).Matcher }
