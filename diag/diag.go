// Package diag provides best-effort packet decoding for Trace-level log
// lines and an optional recent-frames debug dump. It never participates in
// the data path: a decode failure is swallowed and logged, never returned
// to a caller that could let it influence driver behavior.
package diag

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// Direction labels whether a frame was received from, or transmitted to,
// the host backend.
type Direction string

const (
	DirectionRx Direction = "rx"
	DirectionTx Direction = "tx"
)

// Summarize best-effort decodes frame's Ethernet/IPv4/IPv6/TCP/UDP layers
// and returns a short human-readable description, e.g.
// "rx eth 52:54:00:12:34:56->ff:ff:ff:ff:ff:ff ipv4 10.0.0.1->10.0.0.2 tcp 443->51820 len=60".
// A frame that doesn't parse as any recognized layer yields a description
// naming only its direction and length; Summarize never panics and never
// returns an error.
func Summarize(dir Direction, frame []byte) string {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)

	var b []byte
	b = append(b, dir...)

	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		b = appendf(b, " eth %s->%s", eth.SrcMAC, eth.DstMAC)
	}

	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		b = appendf(b, " ipv4 %s->%s", ip.SrcIP, ip.DstIP)
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		b = appendf(b, " ipv6 %s->%s", ip.SrcIP, ip.DstIP)
	}

	switch {
	case pkt.Layer(layers.LayerTypeTCP) != nil:
		tcp := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		b = appendf(b, " tcp %d->%d", tcp.SrcPort, tcp.DstPort)
	case pkt.Layer(layers.LayerTypeUDP) != nil:
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		b = appendf(b, " udp %d->%d", udp.SrcPort, udp.DstPort)
	}

	b = appendf(b, " len=%d", len(frame))
	return string(b)
}

func appendf(b []byte, format string, args ...any) []byte {
	return append(b, []byte(fmt.Sprintf(format, args...))...)
}

// LogFrame decodes and logs frame at Trace level, doing nothing (not even
// decoding) unless l's level is at least Trace — decoding every frame in
// the hot path would defeat the purpose of a zero-copy driver.
func LogFrame(l *logrus.Logger, dir Direction, frame []byte) {
	if l.GetLevel() < logrus.TraceLevel {
		return
	}
	l.WithField("dir", dir).Trace(Summarize(dir, frame))
}

// recentEntry is one frame captured by a [Recorder].
type recentEntry struct {
	at      time.Time
	summary string
}

// Recorder keeps a fixed-size ring buffer of recently summarized frames for
// debugging, independent of the logger's configured level. It is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []recentEntry
	next    int
	filled  bool
}

// NewRecorder returns a Recorder holding up to capacity frames.
func NewRecorder(capacity int) *Recorder {
	if capacity < 1 {
		capacity = 1
	}
	return &Recorder{entries: make([]recentEntry, capacity)}
}

// Record decodes and stores a summary of frame, evicting the oldest entry
// once the recorder is full.
func (r *Recorder) Record(dir Direction, frame []byte) {
	summary := Summarize(dir, frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = recentEntry{at: timeNow(), summary: summary}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.filled = true
	}
}

// RecentPackets returns the recorded summaries, oldest first.
func (r *Recorder) RecentPackets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.filled {
		n = len(r.entries)
	}
	out := make([]string, 0, n)
	if r.filled {
		for i := 0; i < len(r.entries); i++ {
			idx := (r.next + i) % len(r.entries)
			out = append(out, r.entries[idx].summary)
		}
		return out
	}
	for i := 0; i < r.next; i++ {
		out = append(out, r.entries[i].summary)
	}
	return out
}

// timeNow exists so tests can exercise Recorder without depending on wall
// clock ordering across a single call.
var timeNow = time.Now
