// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keyserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/requestlog"

	"github.com/quuynXp/LinguaMonkey-sub004/id"
)

// Store is the storage backend of [Server]. Getters return nil without an error if nothing is stored.
type Store interface {
	PutBundle(ctx context.Context, userID id.UserID, bundle *PreKeyBundle) error
	GetBundle(ctx context.Context, userID id.UserID) (*PreKeyBundle, error)
	PutBackup(ctx context.Context, userID id.UserID, backup *KeyBackup) error
	GetBackup(ctx context.Context, userID id.UserID) (*KeyBackup, error)
}

// RelayHandler accepts a websocket connection for a user. It is implemented by transport.Hub.
type RelayHandler interface {
	ServeUser(w http.ResponseWriter, r *http.Request, userID id.UserID)
}

// Server implements the key-exchange HTTP API, plus an optional envelope relay.
//
// It does not authenticate users: anyone can upload a bundle or backup for any user ID.
// It's meant for development and tests.
type Server struct {
	Store Store
	Relay RelayHandler
	Log   zerolog.Logger
}

// Register registers the key server endpoints to the given router.
func (ks *Server) Register(r *mux.Router) {
	r.Use(hlog.NewHandler(ks.Log))
	keyRouter := r.PathPrefix("/keys").Subrouter()
	// the access logger wraps the response writer, so it can't be used on the websocket route
	keyRouter.Use(requestlog.AccessLogger(false))
	keyRouter.HandleFunc("/upload/{userID}", ks.PostUploadBundle).Methods(http.MethodPost)
	keyRouter.HandleFunc("/fetch/{userID}", ks.GetFetchBundle).Methods(http.MethodGet)
	keyRouter.HandleFunc("/backup/{userID}", ks.PostBackup).Methods(http.MethodPost)
	keyRouter.HandleFunc("/backup/{userID}", ks.GetBackup).Methods(http.MethodGet)
	if ks.Relay != nil {
		r.HandleFunc("/relay/{userID}", ks.GetRelay).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		MUnrecognized.WithMessage("Unrecognized endpoint").Write(w)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, http.StatusMethodNotAllowed, MUnrecognized.WithMessage("Invalid method for endpoint"))
	})
}

// Handler returns a new router with the key server endpoints registered.
func (ks *Server) Handler() http.Handler {
	r := mux.NewRouter()
	ks.Register(r)
	return r
}

func userIDFromRequest(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID := id.UserID(mux.Vars(r)["userID"])
	if userID == "" {
		MInvalidParam.WithMessage("Missing user ID").Write(w)
		return "", false
	}
	return userID, true
}

// PostUploadBundle implements the `POST /keys/upload/{userID}` endpoint.
func (ks *Server) PostUploadBundle(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	var bundle PreKeyBundle
	if err := json.NewDecoder(r.Body).Decode(&bundle); err != nil {
		MBadJSON.WithMessage("failed to parse request: %v", err).Write(w)
		return
	} else if bundle.IsEmpty() {
		MInvalidParam.WithMessage("Bundle is missing required keys").Write(w)
		return
	}
	bundle.UploadedAt = jsontime.UM(time.Now())
	if err := ks.Store.PutBundle(r.Context(), userID, &bundle); err != nil {
		hlog.FromRequest(r).Err(err).Stringer("user_id", userID).Msg("Failed to store bundle")
		MUnknown.WithMessage("Failed to store bundle").Write(w)
		return
	}
	hlog.FromRequest(r).Debug().
		Stringer("user_id", userID).
		Stringer("prekey_id", bundle.SignedPreKeyID).
		Int("one_time_key_count", len(bundle.OneTimePreKeys)).
		Msg("Stored prekey bundle")
	jsonResponse(w, http.StatusOK, struct{}{})
}

// GetFetchBundle implements the `GET /keys/fetch/{userID}` endpoint.
func (ks *Server) GetFetchBundle(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	bundle, err := ks.Store.GetBundle(r.Context(), userID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Stringer("user_id", userID).Msg("Failed to get bundle")
		MUnknown.WithMessage("Failed to get bundle").Write(w)
	} else if bundle == nil {
		MNotFound.WithMessage("No bundle uploaded for %s", userID).Write(w)
	} else {
		jsonResponse(w, http.StatusOK, bundle)
	}
}

// PostBackup implements the `POST /keys/backup/{userID}` endpoint.
func (ks *Server) PostBackup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	var backup KeyBackup
	if err := json.NewDecoder(r.Body).Decode(&backup); err != nil {
		MBadJSON.WithMessage("failed to parse request: %v", err).Write(w)
		return
	} else if backup.IsEmpty() {
		MInvalidParam.WithMessage("Backup is missing required keys").Write(w)
		return
	}
	backup.CreatedAt = jsontime.UM(time.Now())
	if err := ks.Store.PutBackup(r.Context(), userID, &backup); err != nil {
		hlog.FromRequest(r).Err(err).Stringer("user_id", userID).Msg("Failed to store backup")
		MUnknown.WithMessage("Failed to store backup").Write(w)
		return
	}
	jsonResponse(w, http.StatusOK, struct{}{})
}

// GetBackup implements the `GET /keys/backup/{userID}` endpoint.
func (ks *Server) GetBackup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	backup, err := ks.Store.GetBackup(r.Context(), userID)
	if err != nil {
		hlog.FromRequest(r).Err(err).Stringer("user_id", userID).Msg("Failed to get backup")
		MUnknown.WithMessage("Failed to get backup").Write(w)
	} else if backup == nil {
		MNotFound.WithMessage("No backup found").Write(w)
	} else {
		jsonResponse(w, http.StatusOK, backup)
	}
}

// GetRelay implements the `GET /relay/{userID}` websocket endpoint.
func (ks *Server) GetRelay(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(w, r)
	if !ok {
		return
	}
	ks.Relay.ServeUser(w, r, userID)
}
