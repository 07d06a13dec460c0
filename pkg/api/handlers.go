package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/custodian-labs/custodian/pkg/audit"
	"github.com/custodian-labs/custodian/pkg/duty"
	"github.com/custodian-labs/custodian/pkg/observability"
	"github.com/custodian-labs/custodian/pkg/pdp"
	"github.com/custodian-labs/custodian/pkg/policy"
)

// maxBodyBytes bounds request bodies. Policy documents are small; anything
// past 1MB is abuse.
const maxBodyBytes = 1 << 20

// Server wires the decision point, the policy store, the audit log and the
// duty scheduler behind HTTP handlers.
type Server struct {
	policies  policy.Store
	log       *audit.Log
	scheduler *duty.Scheduler
	duties    duty.Store
	clock     func() time.Time
	logger    *slog.Logger
	obs       *observability.Provider
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithClock overrides the request timestamp source, for tests.
func WithClock(clock func() time.Time) ServerOption {
	return func(s *Server) { s.clock = clock }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithObservability attaches metrics and tracing to the decision path.
func WithObservability(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

// NewServer creates the HTTP surface over the given components.
func NewServer(policies policy.Store, log *audit.Log, scheduler *duty.Scheduler, duties duty.Store, opts ...ServerOption) *Server {
	s := &Server{
		policies:  policies,
		log:       log,
		scheduler: scheduler,
		duties:    duties,
		clock:     time.Now,
		logger:    slog.Default().With("component", "api"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the full handler with middleware applied.
func (s *Server) Routes(rl *GlobalRateLimiter, jwtSecret string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/decisions", s.handleDecide)
	mux.HandleFunc("/v1/policies", s.handlePolicies)
	mux.HandleFunc("/v1/policies/", s.handlePolicyByID)
	mux.HandleFunc("/v1/audit", s.handleAuditRead)
	mux.HandleFunc("/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("/v1/duties", s.handleDuties)
	mux.HandleFunc("/v1/duties/flush", s.handleDutiesFlush)

	var h http.Handler = mux
	h = BearerAuth(jwtSecret)(h)
	if rl != nil {
		h = rl.Middleware(h)
	}
	return WithRequestID(h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"audit_entries": s.log.Len(),
	})
}

// DecisionRequest is the body of POST /v1/decisions.
type DecisionRequest struct {
	PolicyID string `json:"policy_id"`
	Context  struct {
		Role       string `json:"role"`
		Purpose    string `json:"purpose"`
		DataTarget string `json:"data_target"`
		Location   string `json:"location"`
	} `json:"context"`
}

// decisionRecord is the audit payload of one decision.
type decisionRecord struct {
	Context  pdp.RequestContext `json:"context"`
	Decision pdp.Decision       `json:"decision"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	started := time.Now()
	reqCtx := r.Context()
	var span trace.Span
	if s.obs != nil {
		reqCtx, span = s.obs.Tracer().Start(reqCtx, "decisions.evaluate")
		defer span.End()
		defer func() { s.obs.RecordDuration(reqCtx, "/v1/decisions", time.Since(started)) }()
		r = r.WithContext(reqCtx)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PolicyID == "" {
		WriteBadRequest(w, "Missing required field: policy_id")
		return
	}
	if req.Context.Role == "" || req.Context.Purpose == "" || req.Context.DataTarget == "" || req.Context.Location == "" {
		WriteBadRequest(w, "Context requires role, purpose, data_target and location")
		return
	}

	pol, err := s.policies.Get(r.Context(), req.PolicyID)
	if err != nil {
		if errors.Is(err, policy.ErrPolicyNotFound) {
			WriteNotFound(w, "Unknown policy: "+req.PolicyID)
			return
		}
		WriteInternal(w, err)
		return
	}

	ctx := pdp.RequestContext{
		Role:       req.Context.Role,
		Purpose:    req.Context.Purpose,
		DataTarget: req.Context.DataTarget,
		Location:   req.Context.Location,
		Timestamp:  s.clock().UTC(),
	}
	decision := pdp.Evaluate(pol, ctx)

	// The decision is recorded before it is answered. A request whose
	// audit write fails gets an error, not an untraced Permit.
	if _, err := s.log.Append(audit.KindDecision, decisionRecord{Context: ctx, Decision: decision}); err != nil {
		WriteInternal(w, err)
		return
	}
	if _, err := s.scheduler.OnDecision(r.Context(), decision); err != nil {
		WriteInternal(w, err)
		return
	}

	if s.obs != nil {
		s.obs.RecordDecision(r.Context(), string(decision.Effect))
		span.SetAttributes(
			attribute.String("policy.id", decision.PolicyID),
			attribute.String("decision.effect", string(decision.Effect)),
		)
	}
	s.logger.InfoContext(r.Context(), "decision evaluated",
		"policy_id", decision.PolicyID,
		"effect", decision.Effect,
		"matched_rule", decision.MatchedRuleID,
		"obligations", len(decision.Obligations),
	)
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.policies.List(r.Context())
		if err != nil {
			WriteInternal(w, err)
			return
		}
		if list == nil {
			list = []*policy.Policy{}
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		pol, ok := s.decodePolicy(w, r)
		if !ok {
			return
		}
		if err := s.policies.Create(r.Context(), pol); err != nil {
			if errors.Is(err, policy.ErrDuplicatePolicy) {
				WriteConflict(w, "Policy already exists: "+pol.ID)
				return
			}
			WriteInternal(w, err)
			return
		}
		s.logger.InfoContext(r.Context(), "policy created", "policy_id", pol.ID, "rules", len(pol.Rules))
		writeJSON(w, http.StatusCreated, pol)
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) handlePolicyByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "No such resource")
		return
	}
	switch r.Method {
	case http.MethodGet:
		pol, err := s.policies.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, policy.ErrPolicyNotFound) {
				WriteNotFound(w, "Unknown policy: "+id)
				return
			}
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pol)
	case http.MethodPut:
		pol, ok := s.decodePolicy(w, r)
		if !ok {
			return
		}
		if pol.ID != id {
			WriteBadRequest(w, "Policy id in body does not match URL")
			return
		}
		if err := s.policies.Update(r.Context(), pol); err != nil {
			if errors.Is(err, policy.ErrPolicyNotFound) {
				WriteNotFound(w, "Unknown policy: "+id)
				return
			}
			WriteInternal(w, err)
			return
		}
		s.logger.InfoContext(r.Context(), "policy updated", "policy_id", pol.ID)
		writeJSON(w, http.StatusOK, pol)
	case http.MethodDelete:
		if err := s.policies.Delete(r.Context(), id); err != nil {
			if errors.Is(err, policy.ErrPolicyNotFound) {
				WriteNotFound(w, "Unknown policy: "+id)
				return
			}
			WriteInternal(w, err)
			return
		}
		s.logger.InfoContext(r.Context(), "policy deleted", "policy_id", id)
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteMethodNotAllowed(w)
	}
}

// decodePolicy reads and validates a policy document, mapping validation
// failures to 422 so the caller can tell "malformed" from "invalid".
func (s *Server) decodePolicy(w http.ResponseWriter, r *http.Request) (*policy.Policy, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteBadRequest(w, "Unreadable request body")
		return nil, false
	}
	pol, err := policy.Parse(raw)
	if err != nil {
		WriteUnprocessable(w, err.Error())
		return nil, false
	}
	return pol, true
}

func (s *Server) handleAuditRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	from, ok := queryUint(w, r, "from", 0)
	if !ok {
		return
	}
	defTo := uint64(0)
	if n := s.log.Len(); n > 0 {
		defTo = uint64(n - 1)
	}
	to, ok := queryUint(w, r, "to", defTo)
	if !ok {
		return
	}
	entries, err := s.log.Read(from, to)
	if err != nil {
		if errors.Is(err, audit.ErrEntryNotFound) {
			WriteBadRequest(w, "Invalid audit range")
			return
		}
		WriteInternal(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryUint(w http.ResponseWriter, r *http.Request, key string, def uint64) (uint64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		WriteBadRequest(w, "Query parameter "+key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

// VerifyResponse is the body of GET /v1/audit/verify.
type VerifyResponse struct {
	Valid         bool   `json:"valid"`
	FirstBadIndex int    `json:"first_bad_index"`
	Entries       int    `json:"entries"`
	Head          string `json:"head"`
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	valid, bad := s.log.Verify()
	if !valid {
		s.logger.ErrorContext(r.Context(), "audit chain verification failed", "first_bad_index", bad)
	}
	writeJSON(w, http.StatusOK, VerifyResponse{
		Valid:         valid,
		FirstBadIndex: bad,
		Entries:       s.log.Len(),
		Head:          s.log.Head(),
	})
}

func (s *Server) handleDuties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	duties, err := s.duties.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if duties == nil {
		duties = []*duty.Duty{}
	}
	writeJSON(w, http.StatusOK, duties)
}

func (s *Server) handleDutiesFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	sum, err := s.scheduler.Tick(r.Context(), s.clock().UTC())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
