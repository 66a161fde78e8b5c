package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/clustercore/clustercore"
	"github.com/clustercore/clustercore/pkg/cluster/nodes"
)

// TriggerReader is the read side of the scheduler served by the API.
type TriggerReader interface {
	ListByOrg(ctx context.Context, org string, module *clustercore.Module) ([]*clustercore.Trigger, error)
	Get(ctx context.Context, key clustercore.TriggerKey) (*clustercore.Trigger, error)
}

type api struct {
	logger   logrus.FieldLogger
	cluster  *nodes.Cluster
	triggers TriggerReader
}

// OwnerResponse is the answer of a ring lookup.
type OwnerResponse struct {
	Key   string            `json:"key"`
	Ring  nodes.RingName    `json:"ring"`
	Owner *clustercore.Node `json:"owner"`
	Self  bool              `json:"self"`
}

func writeJSON(resp http.ResponseWriter, status int, value interface{}) {
	resp.Header().Set("content-type", "application/json")
	resp.WriteHeader(status)
	_ = jsoniter.NewEncoder(resp).Encode(value)
}

func writeError(resp http.ResponseWriter, status int, err error) {
	writeJSON(resp, status, map[string]string{"error": err.Error()})
}

// listNodes returns the local view of the membership, sorted by name.
func (a *api) listNodes(resp http.ResponseWriter, req *http.Request) {
	list := a.cluster.Registry().List()
	if list == nil {
		list = []*clustercore.Node{}
	}
	writeJSON(resp, http.StatusOK, list)
}

func (a *api) getNode(resp http.ResponseWriter, req *http.Request) {
	n, ok := a.cluster.Registry().Get(mux.Vars(req)["uuid"])
	if !ok {
		writeError(resp, http.StatusNotFound, clustercore.ErrKeyNotExists)
		return
	}
	writeJSON(resp, http.StatusOK, n)
}

func (a *api) ringSizes(resp http.ResponseWriter, req *http.Request) {
	writeJSON(resp, http.StatusOK, a.cluster.Rings().Sizes())
}

// lookupOwner resolves ?key= on the ring of the role, optionally narrowed with ?group=.
func (a *api) lookupOwner(resp http.ResponseWriter, req *http.Request) {
	role, err := clustercore.ParseRole(mux.Vars(req)["role"])
	if err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return
	}
	group, err := clustercore.ParseRoleGroup(req.URL.Query().Get("group"))
	if err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return
	}
	key := req.URL.Query().Get("key")
	if key == "" {
		writeError(resp, http.StatusBadRequest, errors.New("key must not be empty"))
		return
	}
	ring, ok := nodes.RingFor(role, group)
	if !ok {
		writeError(resp, http.StatusBadRequest, errors.New("role has no ring: "+string(role)))
		return
	}
	owner, ok := a.cluster.NodeFor(key, role, group)
	if !ok {
		writeError(resp, http.StatusServiceUnavailable, errors.New("ring is empty: "+string(ring)))
		return
	}
	writeJSON(resp, http.StatusOK, OwnerResponse{
		Key:   key,
		Ring:  ring,
		Owner: owner,
		Self:  owner.UUID == a.cluster.Self().UUID,
	})
}

// listTriggers returns the triggers of the org, optionally narrowed with ?module=.
func (a *api) listTriggers(resp http.ResponseWriter, req *http.Request) {
	var module *clustercore.Module
	if s := req.URL.Query().Get("module"); s != "" {
		m, err := clustercore.ParseModule(s)
		if err != nil {
			writeError(resp, http.StatusBadRequest, err)
			return
		}
		module = &m
	}
	list, err := a.triggers.ListByOrg(req.Context(), mux.Vars(req)["org"], module)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to list triggers")
		writeError(resp, http.StatusServiceUnavailable, err)
		return
	}
	if list == nil {
		list = []*clustercore.Trigger{}
	}
	writeJSON(resp, http.StatusOK, list)
}

func (a *api) getTrigger(resp http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	module, err := clustercore.ParseModule(vars["module"])
	if err != nil {
		writeError(resp, http.StatusBadRequest, err)
		return
	}
	t, err := a.triggers.Get(req.Context(), clustercore.TriggerKey{Org: vars["org"], Module: module, ModuleKey: vars["key"]})
	switch {
	case err == nil:
		writeJSON(resp, http.StatusOK, t)
	case errors.Is(err, clustercore.ErrKeyNotExists):
		writeError(resp, http.StatusNotFound, err)
	default:
		a.logger.WithError(err).Warn("Failed to get trigger")
		writeError(resp, http.StatusServiceUnavailable, err)
	}
}
