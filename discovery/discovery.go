// Package discovery finds relays on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."
)

// ErrNotFound is returned by First when no relay answered in time.
var ErrNotFound = errors.New("discovery: no relay found")

// Relay is one advertised relay.
type Relay struct {
	Instance string
	Host     string
	Port     int
	Text     map[string]string
}

// URL is the websocket base URL of the relay.
func (r Relay) URL() string {
	return "ws://" + net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Advertisement keeps a relay registered until Shutdown.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise announces a relay listening on port.
func Advertise(instance string, port int, text map[string]string) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, formatText(text), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: registering %s: %w", instance, err)
	}
	return &Advertisement{server: server}, nil
}

func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
}

// Browse calls found for every relay seen until ctx ends. found runs on
// its own goroutine and may still be called briefly after Browse returns.
func Browse(ctx context.Context, found func(Relay)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: creating resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if r, ok := fromEntry(entry); ok {
				found(r)
			}
		}
	}()
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return fmt.Errorf("discovery: browsing: %w", err)
	}
	<-ctx.Done()
	return nil
}

// First returns the first relay that answers before ctx ends.
func First(ctx context.Context) (Relay, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := make(chan Relay, 1)
	err := Browse(ctx, func(r Relay) {
		select {
		case result <- r:
			cancel()
		default:
		}
	})
	if err != nil {
		return Relay{}, err
	}
	select {
	case r := <-result:
		return r, nil
	default:
		return Relay{}, ErrNotFound
	}
}

func fromEntry(e *zeroconf.ServiceEntry) (Relay, bool) {
	if e == nil || e.Port == 0 {
		return Relay{}, false
	}
	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Relay{}, false
	}
	return Relay{Instance: e.Instance, Host: host, Port: e.Port, Text: parseText(e.Text)}, true
}

func formatText(text map[string]string) []string {
	out := make([]string, 0, len(text))
	for k, v := range text {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func parseText(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			out[k] = v
		}
	}
	return out
}
