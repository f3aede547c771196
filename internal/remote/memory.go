package remote

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repcue/localsync/internal/schema"
)

// MemoryServer is an in-memory implementation of the sync API. It backs the
// `rcsync dev-remote` command and the sync driver tests.
//
// A pushed record is accepted when its version is higher than the stored
// one; re-sending the stored copy is acknowledged again. Anything else is a
// conflict answered with the server copy.
type MemoryServer struct {
	mu       sync.Mutex
	seq      uint64
	records  map[schema.Kind]map[string]memEntry
	token    string
	failNext int
	logger   *zap.Logger
	now      func() time.Time

	// Validate, when set, may reject a pushed record by returning a
	// non-nil result.
	Validate func(kind schema.Kind, w schema.Wire) *Result
}

type memEntry struct {
	wire schema.Wire
	seq  uint64
}

// NewMemoryServer creates an empty server. A non-empty token is required
// as the bearer credential of every request.
func NewMemoryServer(token string, logger *zap.Logger) *MemoryServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryServer{
		records: make(map[schema.Kind]map[string]memEntry),
		token:   token,
		logger:  logger.Named("memremote"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handler returns the HTTP routes of the API.
func (s *MemoryServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync/{kind}/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/sync/{kind}/changes", s.handleChanges)
	return s.middleware(mux)
}

// FailNext makes the next n requests fail with 503.
func (s *MemoryServer) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Put stores w as if another device had pushed it.
func (s *MemoryServer) Put(kind schema.Kind, w schema.Wire) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store(kind, w)
}

// Get returns the stored copy of a record.
func (s *MemoryServer) Get(kind schema.Kind, id string) (schema.Wire, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[kind][id]
	return e.wire, ok
}

// Len returns the number of stored records of kind, tombstones included.
func (s *MemoryServer) Len(kind schema.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[kind])
}

func (s *MemoryServer) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		s.mu.Lock()
		fail := s.failNext > 0
		if fail {
			s.failNext--
		}
		s.mu.Unlock()
		if fail {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "try again later")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *MemoryServer) handleBatch(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind", err.Error())
		return
	}
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := BatchResponse{Results: make([]Result, 0, len(req.Records))}
	for _, rec := range req.Records {
		resp.Results = append(resp.Results, s.apply(kind, rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *MemoryServer) apply(kind schema.Kind, in schema.Wire) Result {
	if in.ID == "" {
		return Result{Status: StatusRejected, Code: "validation", Message: "id is required"}
	}
	if s.Validate != nil {
		if res := s.Validate(kind, in); res != nil {
			res.ID = in.ID
			return *res
		}
	}

	cur, exists := s.records[kind][in.ID]
	switch {
	case !exists, in.Version > cur.wire.Version:
		stored := s.store(kind, in)
		at := stored.UpdatedAt
		return Result{ID: in.ID, Status: StatusOK, Version: stored.Version, UpdatedAt: &at}
	case sameContent(in, cur.wire):
		at := cur.wire.UpdatedAt
		return Result{ID: in.ID, Status: StatusOK, Version: cur.wire.Version, UpdatedAt: &at}
	default:
		server := cur.wire
		at := server.UpdatedAt
		s.logger.Debug("conflict",
			zap.String("kind", string(kind)),
			zap.String("id", in.ID),
			zap.Uint64("pushed", in.Version),
			zap.Uint64("stored", server.Version))
		return Result{ID: in.ID, Status: StatusConflict, Version: server.Version, UpdatedAt: &at, Record: &server}
	}
}

// store must be called with mu held.
func (s *MemoryServer) store(kind schema.Kind, w schema.Wire) schema.Wire {
	w.Kind = kind
	w.Dirty = false
	w.SyncedAt = nil
	if w.Version < 1 {
		w.Version = 1
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = s.now()
	}
	s.seq++
	if s.records[kind] == nil {
		s.records[kind] = make(map[string]memEntry)
	}
	s.records[kind][w.ID] = memEntry{wire: w, seq: s.seq}
	return w
}

func sameContent(a, b schema.Wire) bool {
	return a.Version == b.Version && a.Deleted == b.Deleted && bytes.Equal(compact(a.Data), compact(b.Data))
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

func (s *MemoryServer) handleChanges(w http.ResponseWriter, r *http.Request) {
	kind, err := schema.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_kind", err.Error())
		return
	}
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		if since, err = strconv.ParseUint(raw, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "bad_cursor", "since must be a cursor returned by this server")
			return
		}
	}
	limit := 500
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	s.mu.Lock()
	var entries []memEntry
	for _, e := range s.records[kind] {
		if e.seq > since {
			entries = append(entries, e)
		}
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := ChangeSet{Records: []schema.Wire{}, Cursor: strconv.FormatUint(since, 10)}
	if len(entries) > limit {
		entries = entries[:limit]
		out.HasMore = true
	}
	for _, e := range entries {
		out.Records = append(out.Records, e.wire)
		out.Cursor = strconv.FormatUint(e.seq, 10)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
