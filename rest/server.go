// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/health"
)

// Handler wraps a Supervisor, adding http.Handler functionality.
type Handler struct {
	s      *poolvisor.Supervisor
	r      *mux.Router
	prober *health.Prober
	user   string
	hash   []byte
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// await implements the conditional and long-poll protocol for a resource
// whose version is cur.  It returns the version to serve, and whether the
// client already has it.
func (h *Handler) await(r *http.Request, cur int64, watch func(int64, time.Duration) int64) (int64, bool) {
	if old, ok := parseEtag(r.Header.Get(PollEtagHeader)); ok && old == cur {
		secs, _ := strconv.Atoi(r.Header.Get(PollTimeHeader))
		wait := time.Duration(secs) * time.Second
		if wait > MaxPollTime {
			wait = MaxPollTime
		}
		if wait > 0 {
			cur = watch(old, wait)
		}
	}
	return cur, r.Header.Get("If-None-Match") == formatEtag(cur)
}

func notModified(w http.ResponseWriter, etag int64) {
	w.Header().Set("Etag", formatEtag(etag))
	w.WriteHeader(http.StatusNotModified)
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	serial, same := h.await(r, h.s.Serial(), h.s.WatchSerial)
	if same {
		notModified(w, serial)
		return
	}
	info := h.s.Info()
	w.Header().Set("Etag", formatEtag(info.Serial))
	h.writeJson(w, info)
}

func (h *Handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	serial, same := h.await(r, h.s.Serial(), h.s.WatchSerial)
	if same {
		notModified(w, serial)
		return
	}
	w.Header().Set("Etag", formatEtag(serial))
	h.writeJson(w, h.s.Workers())
}

func (h *Handler) workerID(r *http.Request) (int, *Error) {
	id, e := strconv.Atoi(mux.Vars(r)["id"])
	if e != nil {
		return 0, &Error{http.StatusBadRequest, "Bad worker id"}
	}
	return id, nil
}

func (h *Handler) getWorker(w http.ResponseWriter, r *http.Request) {
	id, err := h.workerID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if info, e := h.s.Worker(id); e != nil {
		h.writeError(w, &Error{http.StatusNotFound, "Worker not found"})
	} else {
		h.writeJson(w, info)
	}
}

func (h *Handler) recycleWorker(w http.ResponseWriter, r *http.Request) {
	id, err := h.workerID(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	switch e := h.s.Recycle(id); {
	case errors.Is(e, poolvisor.ErrNoWorker):
		h.writeError(w, &Error{http.StatusNotFound, "Worker not found"})
	case e != nil:
		h.writeError(w, &Error{http.StatusConflict, e.Error()})
	default:
		h.writeJson(w, ok)
	}
}

func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	_, id := h.s.GetLog(0)
	id, same := h.await(r, id, h.s.WatchLog)
	if same {
		notModified(w, id)
		return
	}
	records, id := h.s.GetLog(0)
	w.Header().Set("Etag", formatEtag(id))
	h.writeJson(w, records)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	info := h.s.Info()
	hi := &HealthInfo{Live: info.Live, Ready: info.Ready, Target: info.Target}
	if h.prober != nil {
		hi.Status = h.prober.Status().String()
	}
	w.Header().Set("Cache-Control", "no-store")
	if !hi.Live {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(http.StatusServiceUnavailable)
		b, _ := json.Marshal(hi)
		w.Write(b)
		return
	}
	h.writeJson(w, hi)
}

// authenticate requires HTTP basic auth when a user has been set.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.user == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, found := r.BasicAuth()
		if !found || user != h.user ||
			bcrypt.CompareHashAndPassword(h.hash, []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="poolvisor"`)
			h.writeError(w, &Error{http.StatusUnauthorized, "Unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetAuth requires basic auth as user, with a password matching the
// bcrypt hash.  An empty user disables authentication.
func (h *Handler) SetAuth(user string, hash string) {
	h.user = user
	h.hash = []byte(hash)
}

// SetProber adds the prober's verdict to /health.
func (h *Handler) SetProber(p *health.Prober) {
	h.prober = p
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(s *poolvisor.Supervisor) *Handler {
	r := mux.NewRouter()
	h := &Handler{s: s, r: r}
	r.Use(h.authenticate)
	r.HandleFunc("/info", h.getInfo).Methods("GET")
	r.HandleFunc("/workers", h.listWorkers).Methods("GET")
	r.HandleFunc("/workers/{id:[0-9]+}", h.getWorker).Methods("GET")
	r.HandleFunc("/workers/{id:[0-9]+}/recycle", h.recycleWorker).Methods("POST")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/health", h.getHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return h
}
