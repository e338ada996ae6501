package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hapostgres/pg-auto-failover-sub002/pkg/fsm"
)

// MonitorClient is the keeper-side half of the §6 RPC surface: a small
// JSON-over-HTTP client matching the monitor's gorilla/mux server
// (internal/monitor/rpcserver.go) one RPC at a time.
type MonitorClient struct {
	baseURL string
	http    *http.Client
}

// NewMonitorClient builds a client bound to one monitor base URL (e.g.
// "http://monitor.example.com:6000").
func NewMonitorClient(baseURL string, timeout time.Duration) *MonitorClient {
	return &MonitorClient{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

// RegisterNodeRequest mirrors the monitor's registerNodeRequest wire shape.
type RegisterNodeRequest struct {
	Formation    string `json:"formation"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	NodeName     string `json:"nodename"`
	DesiredGroup int    `json:"desiredGroup"`
	Priority     int    `json:"candidatePriority"`
	Quorum       bool   `json:"replicationQuorum"`
	SystemID     uint64 `json:"systemIdentifier"`
}

// NodeActiveRequest mirrors the monitor's nodeActiveRequest wire shape.
type NodeActiveRequest struct {
	NodeID        int64         `json:"nodeId"`
	CurrentState  fsm.State     `json:"currentState"`
	PgIsRunning   bool          `json:"pgIsRunning"`
	ReportedTLI   int           `json:"reportedTLI"`
	ReportedLSN   uint64        `json:"reportedLSN"`
	PgsrSyncState fsm.SyncState `json:"pgsrSyncState"`
}

// RPCResult mirrors the monitor's NodeActiveResult / registration result.
type RPCResult struct {
	NodeID            int64     `json:"NodeID"`
	GroupID           int       `json:"GroupID"`
	AssignedState     fsm.State `json:"AssignedState"`
	CandidatePriority int       `json:"CandidatePriority"`
	ReplicationQuorum bool      `json:"ReplicationQuorum"`
}

// RegisterNode calls POST /register_node.
func (c *MonitorClient) RegisterNode(ctx context.Context, req RegisterNodeRequest) (RPCResult, error) {
	var result RPCResult
	err := c.post(ctx, "/register_node", req, &result)
	return result, err
}

// NodeActive calls POST /node_active.
func (c *MonitorClient) NodeActive(ctx context.Context, req NodeActiveRequest) (RPCResult, error) {
	var result RPCResult
	err := c.post(ctx, "/node_active", req, &result)
	return result, err
}

// OtherNode mirrors the subset of the monitor's Node registry row that the
// keeper's local FSM needs to converge catchingup/wait_primary/join_secondary
// against its peers, without the keeper importing internal/monitor.Node
// directly.
type OtherNode struct {
	NodeID        int64     `json:"NodeID"`
	NodeHost      string    `json:"NodeHost"`
	NodePort      int       `json:"NodePort"`
	ReportedState fsm.State `json:"ReportedState"`
}

// GetOtherNodes calls GET /get_other_nodes, returning every node sharing
// this one's formation/group.
func (c *MonitorClient) GetOtherNodes(ctx context.Context, host string, port int) ([]OtherNode, error) {
	raw, err := url.JoinPath(c.baseURL, "/get_other_nodes")
	if err != nil {
		return nil, fmt.Errorf("building request URL: %w", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("building request URL: %w", err)
	}
	q := u.Query()
	q.Set("host", host)
	q.Set("port", strconv.Itoa(port))
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransientError{Op: "/get_other_nodes", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("monitor returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	var others []OtherNode
	if err := json.NewDecoder(resp.Body).Decode(&others); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return others, nil
}

func (c *MonitorClient) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("building request URL: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &TransientError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrRegistrationInProgress
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("monitor returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
