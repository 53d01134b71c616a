package node

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/raghuariga/serval-dna/pkg/mesh/directory"
)

// Operator API paths.
const (
	EPStatus      = "/status"
	EPSubscribers = "/subscribers"
)

// StatusBody reports a node's identity and headline counters.
type StatusBody struct {
	SID         string            `json:"sid" doc:"full hex identifier of this node"`
	Subscribers int               `json:"subscribers" doc:"number of subscribers in the directory"`
	Uptime      string            `json:"uptime" doc:"time since the node started"`
	Interfaces  []InterfaceStatus `json:"interfaces" doc:"registered link-layer interfaces"`
}

// InterfaceStatus is one interface row of a status response.
type InterfaceStatus struct {
	Name  string `json:"name"`
	State string `json:"state" enum:"UP,DOWN"`
}

// StatusOutput wraps StatusBody for huma.
type StatusOutput struct {
	Body StatusBody
}

// SubscriberInfo is the operator-visible view of one directory entry.
type SubscriberInfo struct {
	SID           string `json:"sid" doc:"full hex identifier"`
	AbbreviateLen int    `json:"abbreviate_len" doc:"shortest unique prefix, in nibbles"`
	Stored        string `json:"stored" doc:"stored reachability state"`
	Resolved      string `json:"resolved" doc:"validated reachability state"`
}

// SubscribersOutput wraps the directory listing for huma.
type SubscribersOutput struct {
	Body struct {
		Subscribers []SubscriberInfo `json:"subscribers"`
	}
}

// buildEndpoints registers the operator API onto the node's huma instance.
func (n *Node) buildEndpoints() {
	huma.Get(n.endpoint.api, EPStatus, func(ctx context.Context, input *struct{}) (*StatusOutput, error) {
		n.mu.Lock()
		defer n.mu.Unlock()

		out := &StatusOutput{}
		out.Body.SID = n.sid.String()
		out.Body.Subscribers = n.dir.Len()
		if !n.started.IsZero() {
			out.Body.Uptime = time.Since(n.started).Round(time.Millisecond).String()
		}
		n.ifaces.All(func(i *Interface) {
			out.Body.Interfaces = append(out.Body.Interfaces, InterfaceStatus{
				Name:  i.Name(),
				State: i.State().String(),
			})
		})
		return out, nil
	})

	huma.Get(n.endpoint.api, EPSubscribers, func(ctx context.Context, input *struct{}) (*SubscribersOutput, error) {
		n.mu.Lock()
		defer n.mu.Unlock()

		out := &SubscribersOutput{}
		n.dir.Enumerate(nil, func(s *directory.Subscriber) bool {
			out.Body.Subscribers = append(out.Body.Subscribers, SubscriberInfo{
				SID:           s.SID.String(),
				AbbreviateLen: s.AbbreviateLen,
				Stored:        s.Reachable.String(),
				Resolved:      directory.Resolve(s).String(),
			})
			return false
		})
		return out, nil
	})
}
