package clarity

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/codec"
	"github.com/SemaphoreSolutions/s4-clarity-lib/pkg/xmltree"
)

// QueueKind describes step queues. A queue shares its id with its step
// configuration.
var QueueKind = &Kind{Name: "Queue", Tag: "{http://genologics.com/ri/queue}queue"}

// Queue is the list of artifacts waiting for a step.
type Queue struct {
	*Element
}

func newQueue(el *Element) *Queue { return &Queue{Element: el} }

// QueuedArtifacts returns every queued artifact, prefetched.
func (q *Queue) QueuedArtifacts(ctx context.Context) ([]*QueueArtifact, error) {
	return q.Query(ctx, true, nil)
}

// Query pages through the queue with the given filters. Underscores in
// parameter names are sent as dashes, so "project_name" becomes
// "project-name".
func (q *Queue) Query(ctx context.Context, prefetch bool, params url.Values) ([]*QueueArtifact, error) {
	filters := url.Values{}
	for k, v := range params {
		filters[strings.ReplaceAll(k, "_", "-")] = v
	}

	next := q.URI() + "?" + filters.Encode()
	var out []*QueueArtifact
	for next != "" {
		page, err := q.session.Request(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, err
		}
		for _, node := range xmltree.FindAll(page, "artifacts/artifact") {
			out = append(out, &QueueArtifact{Node: NewNode(q.session, node)})
		}
		next = ""
		if link := xmltree.Find(page, "next-page"); link != nil {
			next, _ = xmltree.Attr(link, "uri")
		}
	}

	if prefetch && len(out) > 0 {
		artifacts := make([]*Artifact, 0, len(out))
		for _, qa := range out {
			artifacts = append(artifacts, qa.Artifact())
		}
		if _, err := q.session.Artifacts.BatchFetch(ctx, artifacts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// QueueArtifact is one queue entry.
type QueueArtifact struct {
	*Node
}

var _ Wrapped = (*QueueArtifact)(nil)

func (qa *QueueArtifact) LimsID() string { return qa.Attr("limsid") }
func (qa *QueueArtifact) URI() string    { return qa.Attr("uri") }

// Artifact returns the queued artifact.
func (qa *QueueArtifact) Artifact() *Artifact {
	return qa.session.Artifacts.Ref(qa.URI(), "", qa.LimsID())
}

// QueueTime returns when the artifact was queued.
func (qa *QueueArtifact) QueueTime() (time.Time, bool, error) {
	return Subnode[time.Time]{Path: "queue-time", Codec: codec.Datetime}.Lookup(context.Background(), qa)
}
