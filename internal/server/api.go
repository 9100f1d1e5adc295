package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"

	"github.com/Dancode-188/synckit/docsync/internal/auth"
	"github.com/Dancode-188/synckit/docsync/internal/permission"
	"github.com/Dancode-188/synckit/docsync/internal/security"
	"github.com/Dancode-188/synckit/docsync/internal/storage"
)

// PermissionResponse is the body of GET /api/permissions.
type PermissionResponse struct {
	Owner        string `json:"owner"`
	Permlink     string `json:"permlink"`
	Account      string `json:"account"`
	Level        string `json:"level"`
	CanView      bool   `json:"canView"`
	CanEdit      bool   `json:"canEdit"`
	CanPublish   bool   `json:"canPublish"`
	CanDelete    bool   `json:"canDelete"`
	CanShare     bool   `json:"canShare"`
	CanManage    bool   `json:"canManagePermissions"`
	CheckedAtUTC string `json:"checkedAt"`
}

// GrantRequest is the body of PUT /api/permissions.
type GrantRequest struct {
	Owner      string `json:"owner"`
	Permlink   string `json:"permlink"`
	Account    string `json:"account"`
	AccessType string `json:"accessType"`
}

// DocumentSummary is one row of GET /api/documents.
type DocumentSummary struct {
	Owner      string    `json:"owner"`
	Permlink   string    `json:"permlink"`
	AccessType string    `json:"accessType,omitempty"`
	Version    int64     `json:"version,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

// authenticate returns the account of a valid Bearer token, or writes 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return "", false
	}
	claims, err := auth.VerifyToken(token, s.config.JWTSecret)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, auth.ErrExpiredToken) {
			msg = "token expired"
		}
		writeError(w, http.StatusUnauthorized, msg)
		return "", false
	}
	return claims.Account, true
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	account, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getPermission(w, r, account)
	case http.MethodPut, http.MethodPost:
		s.putPermission(w, r, account)
	case http.MethodDelete:
		s.deletePermission(w, r, account)
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// getPermission resolves the caller's authoritative level and refreshes the
// permission cache as a side effect.
func (s *Server) getPermission(w http.ResponseWriter, r *http.Request, account string) {
	owner, permlink := r.URL.Query().Get("owner"), r.URL.Query().Get("permlink")
	if ok, reason := security.ValidateDescriptor(owner, permlink); !ok {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	level, err := s.hub.ResolveLevel(r.Context(), account, owner, permlink)
	if err != nil {
		glog.Errorf("server: resolve %s/%s for %s: %v", owner, permlink, account, err)
		writeError(w, http.StatusInternalServerError, "could not resolve permissions")
		return
	}

	writeJSON(w, http.StatusOK, PermissionResponse{
		Owner:        owner,
		Permlink:     permlink,
		Account:      account,
		Level:        level.String(),
		CanView:      permission.CanView(level),
		CanEdit:      permission.CanEdit(level),
		CanPublish:   permission.CanPublish(level),
		CanDelete:    permission.CanDelete(level),
		CanShare:     permission.CanShare(level),
		CanManage:    permission.CanManagePermissions(level),
		CheckedAtUTC: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) putPermission(w http.ResponseWriter, r *http.Request, account string) {
	var req GrantRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !s.canManage(w, r, account, req.Owner, req.Permlink, req.Account) {
		return
	}
	level := permission.NormalizeAccessType(req.AccessType)
	if !level.Valid() || level == permission.Owner {
		writeError(w, http.StatusBadRequest, "accessType must name a grantable level")
		return
	}

	if err := s.deps.Storage.SavePermission(r.Context(), req.Owner, req.Permlink, req.Account, level.String()); err != nil {
		glog.Errorf("server: save permission: %v", err)
		writeError(w, http.StatusInternalServerError, "could not save permission")
		return
	}
	s.permissionChanged(r.Context(), storage.PermissionChange{Owner: req.Owner, Permlink: req.Permlink, Account: req.Account})
	writeJSON(w, http.StatusOK, map[string]string{"account": req.Account, "level": level.String()})
}

func (s *Server) deletePermission(w http.ResponseWriter, r *http.Request, account string) {
	q := r.URL.Query()
	owner, permlink, grantee := q.Get("owner"), q.Get("permlink"), q.Get("account")
	if !s.canManage(w, r, account, owner, permlink, grantee) {
		return
	}

	removed, err := s.deps.Storage.DeletePermission(r.Context(), owner, permlink, grantee)
	if err != nil {
		glog.Errorf("server: delete permission: %v", err)
		writeError(w, http.StatusInternalServerError, "could not delete permission")
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such grant")
		return
	}
	s.permissionChanged(r.Context(), storage.PermissionChange{Owner: owner, Permlink: permlink, Account: grantee})
	w.WriteHeader(http.StatusNoContent)
}

// canManage validates a grant target and checks that account may manage the
// document's permissions, writing the error response if not.
func (s *Server) canManage(w http.ResponseWriter, r *http.Request, account, owner, permlink, grantee string) bool {
	if ok, reason := security.ValidateDescriptor(owner, permlink); !ok {
		writeError(w, http.StatusBadRequest, reason)
		return false
	}
	if !security.AccountPattern.MatchString(grantee) || grantee == owner {
		writeError(w, http.StatusBadRequest, "invalid grantee account")
		return false
	}
	level, err := s.hub.ResolveLevel(r.Context(), account, owner, permlink)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not resolve permissions")
		return false
	}
	if !permission.CanManagePermissions(level) {
		writeError(w, http.StatusForbidden, "only the owner can manage permissions")
		return false
	}
	return true
}

// permissionChanged drops the stale cache entry and tells every relay to
// re-check the grantee's subscriptions.
func (s *Server) permissionChanged(ctx context.Context, change storage.PermissionChange) {
	if s.deps.Cache != nil {
		if err := s.deps.Cache.Invalidate(ctx, change.Account, change.Owner, change.Permlink); err != nil {
			glog.Warningf("server: invalidate cached permission: %v", err)
		}
	}
	if s.deps.PubSub != nil {
		err := s.deps.PubSub.PublishBroadcast(ctx, storage.EventPermissionChanged, change)
		if err == nil {
			return
		}
		glog.Warningf("server: broadcast permission change: %v", err)
	}
	s.hub.PermissionChanged(change)
}

// handleDocuments lists the caller's own documents and those shared with it.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	account, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	owned, err := s.deps.Storage.ListDocuments(r.Context(), account, limit, offset)
	if err != nil {
		glog.Errorf("server: list documents for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "could not list documents")
		return
	}
	shared, err := s.deps.Storage.ListCollaborativeDocuments(r.Context(), account)
	if err != nil {
		glog.Errorf("server: list shared documents for %s: %v", account, err)
		writeError(w, http.StatusInternalServerError, "could not list documents")
		return
	}

	resp := struct {
		Owned  []DocumentSummary `json:"owned"`
		Shared []DocumentSummary `json:"shared"`
	}{
		Owned:  make([]DocumentSummary, 0, len(owned)),
		Shared: make([]DocumentSummary, 0, len(shared)),
	}
	for _, d := range owned {
		resp.Owned = append(resp.Owned, DocumentSummary{Owner: d.Owner, Permlink: d.Permlink, Version: d.Version, UpdatedAt: d.UpdatedAt})
	}
	for _, d := range shared {
		resp.Shared = append(resp.Shared, DocumentSummary{Owner: d.Owner, Permlink: d.Permlink, AccessType: d.AccessType})
	}
	writeJSON(w, http.StatusOK, resp)
}
