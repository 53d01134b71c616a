// Package client provides static subroutines for querying a running mesh node over its operator
// HTTP API. They can be called from operator tooling or from tests.
package client

import (
	"fmt"
	"strings"

	"github.com/raghuariga/serval-dna/pkg/mesh/node"
	"resty.dev/v3"
)

// Status fetches the node's headline status.
//
// addrStr should be of the form "http://<ip>:<port>".
func Status(addrStr string) (*node.StatusBody, error) {
	cli := resty.New()
	defer cli.Close()

	out := &node.StatusBody{}
	res, err := cli.R().
		SetResult(out).
		Get(strings.TrimSuffix(addrStr, "/") + node.EPStatus)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("status request failed: %d", res.StatusCode())
	}
	return out, nil
}

// Subscribers fetches the node's full directory listing.
func Subscribers(addrStr string) ([]node.SubscriberInfo, error) {
	cli := resty.New()
	defer cli.Close()

	out := &struct {
		Subscribers []node.SubscriberInfo `json:"subscribers"`
	}{}
	res, err := cli.R().
		SetResult(out).
		Get(strings.TrimSuffix(addrStr, "/") + node.EPSubscribers)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fmt.Errorf("subscribers request failed: %d", res.StatusCode())
	}
	return out.Subscribers, nil
}
