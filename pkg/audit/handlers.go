package audit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tenantgate/pkg/apperr"
	"github.com/platinummonkey/tenantgate/pkg/httputil"
)

// Searcher is the read side used by the HTTP API.
type Searcher interface {
	Search(ctx context.Context, filter Filter) ([]Entry, error)
}

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	store Searcher
}

// NewHandlers creates new audit handlers
func NewHandlers(store Searcher) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router, guards httputil.Guards) {
	router.Handle("/audit", guards.AdminHandler(h.search)).Methods("GET")
}

// search handles GET /audit
func (h *Handlers) search(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	entries, err := h.store.Search(r.Context(), filter)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
		"limit":   filter.Limit,
		"offset":  filter.Offset,
	})
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	filter := Filter{
		TargetType: q.Get("targetType"),
		TargetID:   q.Get("targetId"),
	}

	var err error
	if filter.Limit, err = httputil.QueryInt(r, "limit", 100); err != nil {
		return filter, err
	}
	if filter.Offset, err = httputil.QueryInt(r, "offset", 0); err != nil {
		return filter, err
	}

	if v := q.Get("actorId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, apperr.Validation("actorId must be an integer")
		}
		filter.ActorID = &id
	}

	if v := q.Get("action"); v != "" {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				filter.Actions = append(filter.Actions, Action(a))
			}
		}
	}

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperr.Validation("since must be an RFC 3339 timestamp")
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, apperr.Validation("until must be an RFC 3339 timestamp")
		}
		filter.Until = &t
	}

	return filter, nil
}
