package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/store"
)

const (
	defaultHostsLimit = 100
	maxHostsLimit     = 1000
	progressTimeout   = 3 * time.Second
)

// ProgressHandler exposes read-only crawl progress endpoints.
type ProgressHandler struct {
	repo    store.ProgressRepository
	current uuid.UUID
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the repository and logger. current is the crawl
// the "current" path alias resolves to.
func NewProgressHandler(repo store.ProgressRepository, current uuid.UUID, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		repo:    repo,
		current: current,
		timeout: progressTimeout,
		logger:  logger,
	}
}

// GetCrawl handles GET /v1/crawls/{crawl_id}. It returns {"crawl": {...}} on
// success, 400 for malformed IDs, 404 when the repository reports
// store.ErrNotFound, 503 if the repo is not initialized, or 500 otherwise.
func (h *ProgressHandler) GetCrawl(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	crawlID, err := h.parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetCrawl(ctx, crawlID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "crawl not found")
			return
		}
		h.logger.Error("get crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load crawl")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": toCrawlDTO(run)})
}

// ListCrawlHosts handles GET /v1/crawls/{crawl_id}/hosts?limit=&offset=. It
// returns {"hosts": [...]} on success, 400 for invalid query parameters, 503
// when the repository is missing, or 500 for repository errors.
func (h *ProgressHandler) ListCrawlHosts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "progress repository unavailable")
		return
	}
	crawlID, err := h.parseCrawlID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultHostsLimit, maxHostsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	hosts, err := h.repo.ListCrawlHosts(ctx, crawlID, limit, offset)
	if err != nil {
		h.logger.Error("list crawl hosts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list crawl hosts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hosts": toHostDTOs(hosts),
	})
}

func (h *ProgressHandler) parseCrawlID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "crawl_id"))
	switch raw {
	case "":
		return uuid.UUID{}, errors.New("crawl_id is required")
	case "current":
		return h.current, nil
	}
	crawlID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid crawl_id")
	}
	return crawlID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toCrawlDTO(run store.CrawlRun) crawlDTO {
	return crawlDTO{
		ID:         run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

func toHostDTOs(in []store.HostStats) []hostDTO {
	out := make([]hostDTO, 0, len(in))
	for _, s := range in {
		out = append(out, hostDTO{
			Host:       s.Host,
			LastUpdate: s.LastUpdate,
			Visits:     s.Visits,
			BytesTotal: s.BytesTotal,
			Fetch2xx:   s.Fetch2xx,
			Fetch3xx:   s.Fetch3xx,
			Fetch4xx:   s.Fetch4xx,
			Fetch5xx:   s.Fetch5xx,
			Failed:     s.Failed,
		})
	}
	return out
}

type crawlDTO struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type hostDTO struct {
	Host       string    `json:"host"`
	LastUpdate time.Time `json:"last_update"`
	Visits     int64     `json:"visits"`
	BytesTotal int64     `json:"bytes_total"`
	Fetch2xx   int64     `json:"fetch_2xx"`
	Fetch3xx   int64     `json:"fetch_3xx"`
	Fetch4xx   int64     `json:"fetch_4xx"`
	Fetch5xx   int64     `json:"fetch_5xx"`
	Failed     int64     `json:"failed"`
}
