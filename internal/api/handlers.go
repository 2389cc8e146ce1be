package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Ashfaaq98/evilwatch/internal/cvefeed"
	"github.com/Ashfaaq98/evilwatch/internal/enrich"
	"github.com/Ashfaaq98/evilwatch/internal/indicator"
	"github.com/Ashfaaq98/evilwatch/internal/metrics"
	"github.com/Ashfaaq98/evilwatch/internal/store"
)

const (
	defaultListLimit     = 100
	defaultSearchLimit   = 50
	defaultFullTextLimit = 10
	maxLimit             = 1000
	maxBodyBytes         = 1 << 20
)

// checkResponse is a point lookup answer; Matches is filled for all=true.
type checkResponse struct {
	indicator.Match
	Matches []indicator.Indicator `json:"matches,omitempty"`
}

// parseLimit reads ?limit=, applying def when absent.
func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func requiredParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("missing required parameter %q", name))
		return "", false
	}
	return v, true
}

func matches(inds []indicator.Indicator) []indicator.Match {
	out := make([]indicator.Match, 0, len(inds))
	for i := range inds {
		out = append(out, indicator.MatchOf(inds[i].Value, &inds[i]))
	}
	return out
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	typ, err := indicator.ParseType(r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "type must be one of ip, email, domain")
		return
	}
	value, ok := requiredParam(w, r, "value")
	if !ok {
		return
	}
	all := r.URL.Query().Get("all") == "true"

	if s.deps.Filter != nil && !s.deps.Filter.MightContain(r.Context(), typ, value) {
		writeJSON(w, http.StatusOK, checkResponse{Match: indicator.MatchOf(value, nil)})
		return
	}

	if all {
		found, err := s.deps.Store.QueryAll(r.Context(), typ, value)
		if err != nil {
			s.storeError(w, r, err)
			return
		}
		resp := checkResponse{Match: indicator.MatchOf(value, nil), Matches: found}
		if len(found) > 0 {
			resp.Match = indicator.MatchOf(value, &found[0])
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	found, err := s.deps.Store.QueryExact(r.Context(), typ, value)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusOK, checkResponse{Match: indicator.MatchOf(value, nil)})
	case err != nil:
		s.storeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, checkResponse{Match: indicator.MatchOf(value, &found)})
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inds, err := s.deps.Store.List(r.Context(), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches(inds))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, ok := requiredParam(w, r, "q")
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inds, err := s.deps.Store.Search(r.Context(), q, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches(inds))
}

func (s *Server) handleFullText(w http.ResponseWriter, r *http.Request) {
	q, ok := requiredParam(w, r, "q")
	if !ok {
		return
	}
	limit, err := parseLimit(r, defaultFullTextLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Index == nil {
		writeError(w, http.StatusNotImplemented, "search index not configured")
		return
	}
	inds, err := s.deps.Index.Search(r.Context(), q, limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if inds == nil {
		inds = []indicator.Indicator{}
	}
	writeJSON(w, http.StatusOK, inds)
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.CountDistinctValues(r.Context())
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) writeBreakdown(w http.ResponseWriter, r *http.Request, buckets []store.Bucket, err error) {
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		out[b.Name] = b.Count
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTypeBreakdown(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.deps.Store.CategoryBreakdown(r.Context())
	s.writeBreakdown(w, r, buckets, err)
}

func (s *Server) handleSourceBreakdown(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.deps.Store.SourceBreakdown(r.Context())
	s.writeBreakdown(w, r, buckets, err)
}

func (s *Server) handleSearches(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.Counter(r.Context(), store.SearchCounter)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleIncrementSearch(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Store.IncrementCounter(r.Context(), store.SearchCounter)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	metrics.Searches.Inc()
	s.audit(r, store.AuditEntry{Action: store.AuditSearchIncrement})
	writeJSON(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	value, ok := requiredParam(w, r, "value")
	if !ok {
		return
	}
	if s.deps.Enricher == nil {
		writeError(w, http.StatusNotImplemented, "enrichment not configured")
		return
	}
	res, err := s.deps.Enricher.Fallback(r.Context(), value)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReputationCache(w http.ResponseWriter, r *http.Request) {
	ip, ok := requiredParam(w, r, "ip")
	if !ok {
		return
	}
	if s.deps.Enricher == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Enricher.CachedReputation(r.Context(), ip))
}

func (s *Server) handleReputationLive(w http.ResponseWriter, r *http.Request) {
	ip, ok := requiredParam(w, r, "ip")
	if !ok {
		return
	}
	if net.ParseIP(ip) == nil {
		writeError(w, http.StatusBadRequest, "ip must be an IP address")
		return
	}
	if s.deps.Enricher == nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": "Failed to fetch from Neutrino"})
		return
	}
	data, err := s.deps.Enricher.LiveReputation(r.Context(), ip)
	if err != nil {
		s.logger.Printf("live reputation lookup for %s failed: %v", ip, err)
		msg := "Failed to fetch from Neutrino"
		if errors.Is(err, enrich.ErrNotConfigured) {
			msg = "Neutrino credentials not configured"
		}
		writeJSON(w, http.StatusOK, map[string]string{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, data)
}

type saveRequest struct {
	IP   string                 `json:"ip"`
	Data map[string]interface{} `json:"data"`
}

func (s *Server) handleReputationSave(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.IP) == "" {
		writeError(w, http.StatusBadRequest, `missing required field "ip"`)
		return
	}
	if s.deps.Enricher == nil {
		writeError(w, http.StatusNotImplemented, "enrichment not configured")
		return
	}
	ip := strings.TrimSpace(req.IP)
	if err := s.deps.Enricher.SaveReputation(r.Context(), ip, req.Data); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.audit(r, store.AuditEntry{
		Action:  store.AuditReputationSave,
		Target:  ip,
		Details: map[string]interface{}{"keys": len(req.Data)},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// audit records a mutation. The call has already succeeded, so a failed
// write is logged and not reported to the client.
func (s *Server) audit(r *http.Request, entry store.AuditEntry) {
	entry.Actor = subject(r)
	entry.Remote = remoteIP(r.RemoteAddr)
	if err := s.deps.Store.AddAuditEntry(r.Context(), entry); err != nil {
		s.logger.Printf("failed to record %s audit entry: %v", entry.Action, err)
	}
}

func (s *Server) handleRecentCVEs(w http.ResponseWriter, r *http.Request) {
	if s.deps.CVEs == nil {
		writeError(w, http.StatusNotImplemented, "CVE feed not configured")
		return
	}
	items, err := s.deps.CVEs.Recent(r.Context())
	if err != nil {
		s.logger.Printf("CVE feed unavailable: %v", err)
		writeError(w, http.StatusBadGateway, "CVE feed unavailable")
		return
	}
	if items == nil {
		items = []cvefeed.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// handleIngestRun queues a run on the scheduler. A request made while one
// is already queued is accepted and folded into it.
func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	sch := s.deps.Scheduler
	if sch == nil {
		writeError(w, http.StatusNotImplemented, "ingestion scheduler not running")
		return
	}
	queued := sch.Trigger()
	s.audit(r, store.AuditEntry{
		Action:  store.AuditIngestTrigger,
		Details: map[string]interface{}{"queued": queued},
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": queued,
		"state":  sch.State().String(),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.deps.Store.GetAuditEntries(r.Context(), r.URL.Query().Get("action"), limit)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	code := http.StatusOK

	if err := s.deps.Store.Ping(r.Context()); err != nil {
		resp["status"] = "unavailable"
		resp["store"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		resp["store"] = "ok"
	}

	if s.deps.Bus != nil {
		if err := s.deps.Bus.HealthCheck(r.Context()); err != nil {
			resp["bus"] = err.Error()
			if code == http.StatusOK {
				resp["status"] = "degraded"
			}
		} else {
			resp["bus"] = "ok"
		}
	}

	if s.deps.Index != nil {
		resp["search_backend"] = s.deps.Index.Backend()
	}

	if sch := s.deps.Scheduler; sch != nil {
		resp["scheduler"] = sch.State().String()
		if last, ok := sch.Runner().LastRun(); ok {
			resp["last_run"] = map[string]interface{}{
				"run_id":      last.RunID,
				"finished_at": last.FinishedAt.Format(time.RFC3339),
				"inserted":    last.Inserted(),
				"error":       last.Error,
			}
		}
	}
	writeJSON(w, code, resp)
}
