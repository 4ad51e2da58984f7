// Package capture records the Ethernet frames read from an adapter into a pcap file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
	"github.com/ubuntu/decorate"
	"golang.org/x/time/rate"
)

const (
	// DefaultSnapLen is the largest frame recorded in full.
	DefaultSnapLen = 65536

	// maxFrameSize is an Ethernet frame with a VLAN tag, without frame check sequence.
	maxFrameSize = 1518
)

type options struct {
	count    int64
	snapLen  int
	logEvery rate.Limit
	logBurst int
	registry metrics.Registry
}

// Option is an optional argument of Run.
type Option func(*options)

// WithCount stops the capture after n frames. Zero captures until the source ends.
func WithCount(n int64) Option {
	return func(o *options) {
		if n >= 0 {
			o.count = n
		}
	}
}

// WithSnapLen truncates recorded frames to n bytes.
func WithSnapLen(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.snapLen = n
		}
	}
}

// WithLogRate limits the frame summaries logged to perSecond, after an initial burst.
// A zero rate only logs the burst.
func WithLogRate(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond < 0 || burst < 0 {
			return
		}
		o.logEvery = rate.Limit(perSecond)
		o.logBurst = burst
	}
}

// WithRegistry registers the capture counters in r.
func WithRegistry(r metrics.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// Stats are the counters of a capture.
type Stats struct {
	Frames metrics.Counter
	Bytes  metrics.Counter
	Sizes  metrics.Histogram
}

// Run reads frames from src and writes them as a pcap stream with Ethernet link type to w.
//
// It returns once the requested count is reached, ctx is done, or src is closed. Any other read
// or write failure is returned.
func Run(ctx context.Context, src io.Reader, w io.Writer, args ...Option) (stats Stats, err error) {
	defer decorate.OnError(&err, "capture failed")

	o := options{
		snapLen:  DefaultSnapLen,
		logEvery: 5,
		logBurst: 10,
		registry: metrics.NewRegistry(),
	}
	for _, f := range args {
		f(&o)
	}

	stats = Stats{
		Frames: metrics.GetOrRegisterCounter("capture.frames", o.registry),
		Bytes:  metrics.GetOrRegisterCounter("capture.bytes", o.registry),
		Sizes:  metrics.GetOrRegisterHistogram("capture.frame_size", o.registry, metrics.NewUniformSample(1028)),
	}

	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(o.snapLen), layers.LinkTypeEthernet); err != nil {
		return stats, err
	}

	limiter := rate.NewLimiter(o.logEvery, o.logBurst)
	buf := make([]byte, max(o.snapLen, maxFrameSize))

	for o.count == 0 || stats.Frames.Count() < o.count {
		if ctx.Err() != nil {
			return stats, nil
		}

		n, err := src.Read(buf)
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) || (err != nil && ctx.Err() != nil) {
			return stats, nil
		}
		if err != nil {
			return stats, err
		}
		frame := buf[:n]

		ci := gopacket.CaptureInfo{
			Timestamp:     time.Now(),
			CaptureLength: min(n, o.snapLen),
			Length:        n,
		}
		if err := pw.WritePacket(ci, frame[:ci.CaptureLength]); err != nil {
			return stats, err
		}

		stats.Frames.Inc(1)
		stats.Bytes.Inc(int64(n))
		stats.Sizes.Update(int64(n))

		if limiter.Allow() {
			log.Infof("Frame %d: %s", stats.Frames.Count(), Summary(frame))
		}
	}

	return stats, nil
}

// Summary is a one line description of an Ethernet frame.
func Summary(frame []byte) string {
	p := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	eth, ok := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return fmt.Sprintf("undecodable frame of %d bytes", len(frame))
	}

	var names []string
	for _, l := range p.Layers() {
		names = append(names, l.LayerType().String())
	}

	s := fmt.Sprintf("%s > %s", eth.SrcMAC, eth.DstMAC)
	switch {
	case p.Layer(layers.LayerTypeIPv4) != nil:
		ip, _ := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		s = fmt.Sprintf("%s %s > %s", s, ip.SrcIP, ip.DstIP)
	case p.Layer(layers.LayerTypeIPv6) != nil:
		ip, _ := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		s = fmt.Sprintf("%s %s > %s", s, ip.SrcIP, ip.DstIP)
	case p.Layer(layers.LayerTypeARP) != nil:
		arp, _ := p.Layer(layers.LayerTypeARP).(*layers.ARP)
		s = fmt.Sprintf("%s who-has %s", s, net.IP(arp.DstProtAddress))
	}

	return fmt.Sprintf("%s [%s] %d bytes", s, strings.Join(names, "/"), len(frame))
}
