package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
	"github.com/hapostgres/pg-auto-failover-sub002/pkg/log"
)

// Server exposes the §6 "Monitor RPC surface" as JSON-over-HTTP endpoints
// routed with gorilla/mux, the transport the pack's daemon examples use for
// the same shape of problem (a small set of named, idempotent RPCs over a
// long-lived service).
type Server struct {
	store   *Store
	fsm     *FSM
	metrics *Metrics
	router  *mux.Router
}

// NewServer wires every route named in spec.md §6 plus the supplemented
// /metrics endpoint (SPEC_FULL.md §12).
func NewServer(store *Store, f *FSM, metrics *Metrics) *Server {
	s := &Server{store: store, fsm: f, metrics: metrics, router: mux.NewRouter()}

	s.router.HandleFunc("/register_node", s.handleRegisterNode).Methods(http.MethodPost)
	s.router.HandleFunc("/node_active", s.handleNodeActive).Methods(http.MethodPost)
	s.router.HandleFunc("/get_nodes", s.handleGetNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/get_other_nodes", s.handleGetOtherNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/get_primary", s.handleGetPrimary).Methods(http.MethodGet)
	s.router.HandleFunc("/get_coordinator", s.handleGetCoordinator).Methods(http.MethodGet)
	s.router.HandleFunc("/set_node_candidate_priority", s.handleSetCandidatePriority).Methods(http.MethodPost)
	s.router.HandleFunc("/set_node_replication_quorum", s.handleSetReplicationQuorum).Methods(http.MethodPost)
	s.router.HandleFunc("/set_formation_number_sync_standbys", s.handleSetNumberSyncStandbys).Methods(http.MethodPost)
	s.router.HandleFunc("/perform_failover", s.handlePerformFailover).Methods(http.MethodPost)
	s.router.HandleFunc("/start_maintenance", s.handleStartMaintenance).Methods(http.MethodPost)
	s.router.HandleFunc("/stop_maintenance", s.handleStopMaintenance).Methods(http.MethodPost)
	s.router.HandleFunc("/remove_node", s.handleRemoveNode).Methods(http.MethodPost)
	s.router.HandleFunc("/synchronous_standby_names", s.handleSynchronousStandbyNames).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics != nil {
			s.metrics.Refresh(r.Context())
		}
		promhttp.Handler().ServeHTTP(w, r)
	}).Methods(http.MethodGet)

	return s
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Default().Warning("encoding RPC response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNodeNotFound), errors.Is(err, ErrFormationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrRegistrationInProgress):
		status = http.StatusConflict
	case errors.Is(err, ErrDuplicateNodeName), errors.Is(err, ErrDuplicateHostPort),
		errors.Is(err, ErrSystemIdentifierMismatch), errors.Is(err, ErrFailoverInProgress),
		errors.Is(err, ErrNoFailoverCandidate), errors.Is(err, ErrNoPrimary),
		errors.Is(err, ErrInvalidMaintenanceTransition), errors.Is(err, ErrCannotRemoveWritableNode),
		errors.Is(err, ErrSecondaryActive), errors.Is(err, ErrFormationInUse):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

type registerNodeRequest struct {
	Formation    string `json:"formation"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	NodeName     string `json:"nodename"`
	DesiredGroup int    `json:"desiredGroup"`
	Priority     int    `json:"candidatePriority"`
	Quorum       bool   `json:"replicationQuorum"`
	SystemID     uint64 `json:"systemIdentifier"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Priority == 0 {
		req.Priority = 50
	}

	result, err := s.fsm.RegisterNode(r.Context(), req.Formation, req.Host, req.Port, req.NodeName,
		req.DesiredGroup, req.Priority, req.Quorum, req.SystemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type nodeActiveRequest struct {
	NodeID        int64       `json:"nodeId"`
	CurrentState  fsm.State   `json:"currentState"`
	PgIsRunning   bool        `json:"pgIsRunning"`
	ReportedTLI   int         `json:"reportedTLI"`
	ReportedLSN   uint64      `json:"reportedLSN"`
	PgsrSyncState fsm.SyncState `json:"pgsrSyncState"`
}

func (s *Server) handleNodeActive(w http.ResponseWriter, r *http.Request) {
	var req nodeActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := s.fsm.NodeActive(r.Context(), NodeActiveReport{
		NodeID: req.NodeID, CurrentState: req.CurrentState, PgIsRunning: req.PgIsRunning,
		ReportedTLI: req.ReportedTLI, ReportedLSN: req.ReportedLSN, PgsrSyncState: req.PgsrSyncState,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// Resolving report_lsn is driven from here rather than from a separate
	// timer: every node_active call is a natural point to check whether the
	// group just became fully reported, keeping the monitor's decision loop
	// entirely request-driven.
	if result.AssignedState == fsm.ReportLSN {
		node, getErr := s.store.GetNodeByID(r.Context(), req.NodeID)
		if getErr == nil {
			if resolveErr := s.fsm.ResolveReportLSN(r.Context(), node.FormationID, node.GroupID); resolveErr != nil {
				log.Default().Warning("resolving report_lsn failed", "err", resolveErr)
			}
		}
	}
	if promotionAdvanceTriggers[result.AssignedState] && req.CurrentState == result.AssignedState {
		if advErr := s.fsm.AdvancePromotion(r.Context(), req.NodeID); advErr != nil {
			log.Default().Warning("advancing promotion failed", "err", advErr)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetNodes(w http.ResponseWriter, r *http.Request) {
	formation := r.URL.Query().Get("formation")
	group := queryInt(r, "group", -1)

	var (
		nodes []Node
		err   error
	)
	if group >= 0 {
		nodes, err = s.store.ListGroup(r.Context(), formation, group)
	} else {
		nodes, err = s.listFormationNodes(r, formation)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) listFormationNodes(r *http.Request, formation string) ([]Node, error) {
	groups, err := s.store.GroupIDs(r.Context(), formation)
	if err != nil {
		return nil, err
	}
	var all []Node
	for _, g := range groups {
		nodes, err := s.store.ListGroup(r.Context(), formation, g)
		if err != nil {
			return nil, err
		}
		all = append(all, nodes...)
	}
	return all, nil
}

func (s *Server) handleGetOtherNodes(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	port := queryInt(r, "port", 0)

	self, err := s.store.GetNodeByHostPort(r.Context(), host, port)
	if err != nil {
		writeError(w, err)
		return
	}
	nodes, err := s.store.ListGroup(r.Context(), self.FormationID, self.GroupID)
	if err != nil {
		writeError(w, err)
		return
	}

	var others []Node
	for _, n := range nodes {
		if n.NodeID != self.NodeID {
			others = append(others, n)
		}
	}
	writeJSON(w, http.StatusOK, others)
}

func (s *Server) handleGetPrimary(w http.ResponseWriter, r *http.Request) {
	formation := r.URL.Query().Get("formation")
	group := queryInt(r, "group", 0)

	node, err := s.store.GetPrimary(r.Context(), formation, group)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleGetCoordinator implements get_coordinator for Citus formations: the
// coordinator is the primary of group 0.
func (s *Server) handleGetCoordinator(w http.ResponseWriter, r *http.Request) {
	formation := r.URL.Query().Get("formation")
	node, err := s.store.GetPrimary(r.Context(), formation, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type hostPortRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *Server) resolveNode(r *http.Request) (Node, error) {
	var req hostPortRequest
	if err := decodeJSON(r, &req); err != nil {
		return Node{}, err
	}
	return s.store.GetNodeByHostPort(r.Context(), req.Host, req.Port)
}

type setCandidatePriorityRequest struct {
	hostPortRequest
	CandidatePriority int `json:"candidatePriority"`
}

func (s *Server) handleSetCandidatePriority(w http.ResponseWriter, r *http.Request) {
	var req setCandidatePriorityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	node, err := s.store.GetNodeByHostPort(r.Context(), req.Host, req.Port)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetCandidatePriority(r.Context(), node.NodeID, req.CandidatePriority); err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.ApplySettings(r.Context(), node.FormationID, node.GroupID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type setReplicationQuorumRequest struct {
	hostPortRequest
	ReplicationQuorum bool `json:"replicationQuorum"`
}

func (s *Server) handleSetReplicationQuorum(w http.ResponseWriter, r *http.Request) {
	var req setReplicationQuorumRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	node, err := s.store.GetNodeByHostPort(r.Context(), req.Host, req.Port)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetReplicationQuorum(r.Context(), node.NodeID, req.ReplicationQuorum); err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.ApplySettings(r.Context(), node.FormationID, node.GroupID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type setNumberSyncStandbysRequest struct {
	Formation          string `json:"formation"`
	NumberSyncStandbys int    `json:"numberSyncStandbys"`
}

func (s *Server) handleSetNumberSyncStandbys(w http.ResponseWriter, r *http.Request) {
	var req setNumberSyncStandbysRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SetNumberSyncStandbys(r.Context(), req.Formation, req.NumberSyncStandbys); err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.ApplySettings(r.Context(), req.Formation, 0); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type performFailoverRequest struct {
	Formation string `json:"formation"`
	Group     int    `json:"group"`
}

func (s *Server) handlePerformFailover(w http.ResponseWriter, r *http.Request) {
	var req performFailoverRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.PerformFailover(r.Context(), req.Formation, req.Group); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStartMaintenance(w http.ResponseWriter, r *http.Request) {
	node, err := s.resolveNode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.StartMaintenance(r.Context(), node.NodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStopMaintenance(w http.ResponseWriter, r *http.Request) {
	node, err := s.resolveNode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.StopMaintenance(r.Context(), node.NodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.resolveNode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.fsm.RemoveNode(r.Context(), node.NodeID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSynchronousStandbyNames(w http.ResponseWriter, r *http.Request) {
	formation := r.URL.Query().Get("formation")
	group := queryInt(r, "group", 0)

	nodes, err := s.store.ListGroup(r.Context(), formation, group)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.store.GetFormation(r.Context(), formation)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"value": SynchronousStandbyNames(nodes, f.NumberSyncStandbys),
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
