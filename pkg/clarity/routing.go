package clarity

import (
	"context"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// Routing actions.
const (
	RouteAssign   = "assign"
	RouteUnassign = "unassign"
)

// RoutingTag is the root tag of a routing request.
const RoutingTag = "{http://genologics.com/ri/routing}routing"

type route struct {
	action    string
	uri       string
	artifacts []*Artifact
}

// Router collects artifact assignments to workflows and stages and sends
// them in one routing request. Routes keep the order they were first staged
// in.
type Router struct {
	session *Session
	routes  []*route
}

// NewRouter returns an empty router.
func NewRouter(s *Session) *Router { return &Router{session: s} }

func (r *Router) route(action, uri string) *route {
	for _, rt := range r.routes {
		if rt.action == action && rt.uri == uri {
			return rt
		}
	}
	rt := &route{action: action, uri: uri}
	r.routes = append(r.routes, rt)
	return rt
}

func (r *Router) add(action, uri string, artifacts []*Artifact) {
	rt := r.route(action, uri)
	for _, a := range artifacts {
		if !containsArtifact(rt.artifacts, a) {
			rt.artifacts = append(rt.artifacts, a)
		}
	}
}

func containsArtifact(list []*Artifact, a *Artifact) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

// Assign stages artifacts to be queued. A workflow URI queues them to its
// first stage; a stage URI queues them to that stage.
func (r *Router) Assign(uri string, artifacts ...*Artifact) {
	r.add(RouteAssign, uri, artifacts)
}

// Unassign stages artifacts to be removed from a workflow or stage.
func (r *Router) Unassign(uri string, artifacts ...*Artifact) {
	r.add(RouteUnassign, uri, artifacts)
}

// Remove drops artifacts from every staged route. Unknown artifacts are
// ignored.
func (r *Router) Remove(artifacts ...*Artifact) {
	for _, rt := range r.routes {
		kept := rt.artifacts[:0]
		for _, a := range rt.artifacts {
			if !containsArtifact(artifacts, a) {
				kept = append(kept, a)
			}
		}
		rt.artifacts = kept
	}
}

// Clear drops every staged route.
func (r *Router) Clear() { r.routes = nil }

// Document builds the routing request. Routes with no artifacts are skipped.
func (r *Router) Document() *etree.Element {
	root := xmltree.NewElement(RoutingTag)
	for _, rt := range r.routes {
		if len(rt.artifacts) == 0 {
			continue
		}
		node := root.CreateElement(rt.action)
		if strings.Contains(rt.uri, "/stages/") {
			node.CreateAttr("stage-uri", rt.uri)
		} else {
			node.CreateAttr("workflow-uri", rt.uri)
		}
		for _, a := range rt.artifacts {
			node.CreateElement("artifact").CreateAttr("uri", a.URI())
		}
	}
	return root
}

// Commit posts the routing request.
func (r *Router) Commit(ctx context.Context) error {
	_, err := r.session.Request(ctx, http.MethodPost, r.session.rootURI+"/route/artifacts", r.Document())
	return err
}
