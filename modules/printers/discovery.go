package printers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/TheLab-ms/spoolbuddy/engine"
)

// Bambu printers announce themselves with SSDP NOTIFY datagrams on this port.
const ssdpPort = 2021

var ssdpGroup = net.IPv4(239, 255, 255, 250)

// Candidate is a printer seen on the local network.
type Candidate struct {
	Serial     string `json:"serial"`
	IPAddress  string `json:"ip_address"`
	Name       string `json:"name,omitempty"`
	Model      string `json:"model,omitempty"`
	Registered bool   `json:"registered"`
}

// discover collects printer announcements for the given duration and returns
// one candidate per serial.
func discover(ctx context.Context, timeout time.Duration) ([]Candidate, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, &net.UDPAddr{IP: ssdpGroup, Port: ssdpPort})
	if err != nil {
		return nil, fmt.Errorf("listening for printer announcements: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	seen := map[string]Candidate{}
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, fmt.Errorf("reading printer announcement: %w", err)
		}
		c := parseAnnouncement(buf[:n])
		if c == nil {
			continue
		}
		if c.IPAddress == "" {
			c.IPAddress = addr.IP.String()
		}
		seen[c.Serial] = *c
	}

	out := make([]Candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Candidate) int { return strings.Compare(a.Serial, b.Serial) })
	return out, nil
}

// parseAnnouncement decodes one SSDP datagram, returning nil for anything
// that is not a printer announcement.
func parseAnnouncement(data []byte) *Candidate {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return nil
	}
	start := strings.ToUpper(strings.TrimSpace(lines[0]))
	if !strings.HasPrefix(start, "NOTIFY") && !strings.HasPrefix(start, "HTTP/1.1 200") {
		return nil
	}

	headers := map[string]string{}
	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}

	c := &Candidate{
		Serial:    headers["usn"],
		IPAddress: headers["location"],
		Name:      headers["devname.bambu.com"],
		Model:     headers["devmodel.bambu.com"],
	}
	if c.Serial == "" {
		return nil
	}
	return c
}

func (m *Module) handleDiscover(w http.ResponseWriter, r *http.Request) {
	timeout := 5 * time.Second
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 100 || ms > 30000 {
			http.Error(w, "timeout_ms must be between 100 and 30000", 400)
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	found, err := discover(r.Context(), timeout)
	if engine.HandleError(w, err) {
		return
	}

	registered, err := m.listPrinters(r.Context())
	if engine.HandleError(w, err) {
		return
	}
	known := map[string]bool{}
	for _, p := range registered {
		known[p.Serial] = true
	}
	for i := range found {
		found[i].Registered = known[found[i].Serial]
	}

	if found == nil {
		found = []Candidate{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(found)
}
