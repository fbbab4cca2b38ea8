// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mockserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	globallog "github.com/rs/zerolog/log" // zerolog-allow-global-log
	"github.com/stretchr/testify/require"

	"github.com/quuynXp/LinguaMonkey-sub004/crypto"
	"github.com/quuynXp/LinguaMonkey-sub004/id"
	"github.com/quuynXp/LinguaMonkey-sub004/keyserver"
)

// Route names as reported by [MockServer.Count].
const (
	RouteUploadBundle = "POST /keys/upload/{userID}"
	RouteFetchBundle  = "GET /keys/fetch/{userID}"
	RouteUploadBackup = "POST /keys/backup/{userID}"
	RouteGetBackup    = "GET /keys/backup/{userID}"
)

// MockServer is an in-memory key server for tests. It counts requests per route and can be told
// to fail specific routes with HTTP 503.
type MockServer struct {
	Router    *mux.Router
	Server    *httptest.Server
	Store     *keyserver.MemoryStore
	KeyServer *keyserver.Server

	lock    sync.Mutex
	counts  map[string]int
	failing map[string]bool
}

func Create(t *testing.T) *MockServer {
	t.Helper()

	server := MockServer{
		Store:   keyserver.NewMemoryStore(),
		counts:  map[string]int{},
		failing: map[string]bool{},
	}
	server.KeyServer = &keyserver.Server{
		Store: server.Store,
		Log:   globallog.Logger.With().Str("component", "mock key server").Logger(),
	}
	router := mux.NewRouter()
	server.KeyServer.Register(router)
	router.Use(server.countMiddleware)
	server.Router = router
	server.Server = httptest.NewServer(router)
	t.Cleanup(server.Server.Close)
	return &server
}

func (ms *MockServer) countMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var route string
		if cur := mux.CurrentRoute(r); cur != nil {
			tpl, _ := cur.GetPathTemplate()
			route = r.Method + " " + tpl
		}
		ms.lock.Lock()
		ms.counts[route]++
		fail := ms.failing[route]
		ms.lock.Unlock()
		if fail {
			respErr := keyserver.MUnknown.WithMessage("Simulated failure")
			respErr.StatusCode = http.StatusServiceUnavailable
			respErr.Write(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Count returns how many requests the given route has received.
func (ms *MockServer) Count(route string) int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return ms.counts[route]
}

// SetFailing makes the given route fail (or stop failing).
func (ms *MockServer) SetFailing(route string, fail bool) {
	ms.lock.Lock()
	ms.failing[route] = fail
	ms.lock.Unlock()
}

// Client returns a key server client pointed at the mock server.
func (ms *MockServer) Client(t *testing.T) *keyserver.Client {
	t.Helper()
	client, err := keyserver.NewClient(ms.Server.URL, "")
	require.NoError(t, err)
	client.Log = globallog.Logger.With().Str("component", "key server client").Logger()
	return client
}

// Machine creates a machine for the given user with a fresh in-memory store and initializes it.
func (ms *MockServer) Machine(t *testing.T, ctx context.Context, userID id.UserID) (*crypto.Machine, *crypto.MemoryStore) {
	t.Helper()
	store := crypto.NewMemoryStore()
	machineLog := globallog.Logger.With().
		Stringer("my_user_id", userID).
		Logger()
	mach := crypto.NewMachine(ms.Client(t), store, &machineLog)
	mach.OneTimeKeyCount = 5
	require.NoError(t, mach.Initialize(ctx, userID))
	return mach, store
}
