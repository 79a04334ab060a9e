package api

import (
	"net/http"
	"strconv"
)

// ─── Reads ──────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.engine.GetTree(r.Context(), owner(r))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendGzipJSON(w, r, tree)
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	dir, err := s.engine.GetDirectory(r.Context(), owner(r), pathParam(r))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, dir)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	fc, err := s.engine.GetFileContent(r.Context(), owner(r), pathParam(r))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, fc)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.engine.SearchItems(r.Context(), owner(r), q.Get("q"), q.Get("type"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.engine.GetNode(r.Context(), owner(r), r.PathValue("id"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, node)
}

// ─── Writes ─────────────────────────────────────────────────────────────────

type createRequest struct {
	Name       string `json:"name"`
	Content    string `json:"content"`
	ParentPath string `json:"parentPath"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	node, err := s.engine.CreateFolder(r.Context(), owner(r), req.Name, req.ParentPath)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, node)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	node, err := s.engine.CreateFile(r.Context(), owner(r), req.Name, req.Content, req.ParentPath)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, node)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content *string `json:"content"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	node, err := s.engine.UpdateFileContent(r.Context(), owner(r), pathParam(r), req.Content)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, node)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewName string `json:"newName"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	node, err := s.engine.RenameItem(r.Context(), owner(r), pathParam(r), req.NewName)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, node)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewParentPath string `json:"newParentPath"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	node, err := s.engine.MoveItem(r.Context(), owner(r), pathParam(r), req.NewParentPath)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, node)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	p := pathParam(r)
	removed, err := s.engine.DeleteItem(r.Context(), owner(r), p)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]any{"deleted": removed, "path": p})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	if s.bootstrapper == nil {
		s.sendError(w, http.StatusServiceUnavailable, "bootstrap not configured")
		return
	}
	created, err := s.bootstrapper.EnsureDefaultFileSystem(r.Context(), owner(r))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]bool{"created": created})
}

// ─── Admin ──────────────────────────────────────────────────────────────────

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = b
	}
	report, err := s.engine.Reconcile(r.Context(), r.PathValue("owner"), dryRun)
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.sendError(w, http.StatusServiceUnavailable, "snapshots not enabled")
		return
	}
	key, err := s.snapshots.Export(r.Context(), r.PathValue("owner"))
	if err != nil {
		s.sendEngineError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]string{"key": key})
}
