// Package capture records inbound frames to a pcap file and replays them.
// Every frame is stored as one UDP datagram whose source port names the
// tab role it arrived on.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"deltatabs/world"
)

const (
	basePort   = 40000
	clientPort = 50000
	tileBase   = 10
	snapLen    = 65535
	maxPayload = 65507
)

var (
	serverIP  = net.IP{10, 0, 0, 1}
	clientIP  = net.IP{10, 0, 0, 2}
	serverMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

// Port returns the UDP source port a role is recorded under.
func Port(r world.Role) uint16 {
	if r.Kind == world.Tiled {
		return basePort + tileBase + uint16(r.Index)
	}
	return basePort + uint16(r.Kind)
}

// RoleOf inverts Port.
func RoleOf(port uint16) (world.Role, bool) {
	if port < basePort {
		return world.Role{}, false
	}
	off := port - basePort
	switch {
	case off < uint16(world.Tiled):
		return world.Role{Kind: world.RoleKind(off)}, true
	case off >= tileBase && off < tileBase+world.TileCount:
		return world.Tile(int(off - tileBase)), true
	}
	return world.Role{}, false
}

type Recorder struct {
	mu      sync.Mutex
	f       *os.File
	w       *pcapgo.Writer
	skipped int
}

func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	return &Recorder{f: f, w: w}, nil
}

// Record appends one inbound frame. Frames too large for a datagram are
// skipped and counted.
func (r *Recorder) Record(role world.Role, frame []byte, ts time.Time) error {
	if r == nil {
		return nil
	}
	if len(frame) > maxPayload {
		r.mu.Lock()
		r.skipped++
		r.mu.Unlock()
		return nil
	}
	eth := &layers.Ethernet{SrcMAC: serverMAC, DstMAC: clientMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: serverIP, DstIP: clientIP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(Port(role)), DstPort: clientPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(frame)); err != nil {
		return fmt.Errorf("serialize frame: %w", err)
	}
	data := buf.Bytes()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return os.ErrClosed
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return r.w.WritePacket(ci, data)
}

func (r *Recorder) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f, r.w = nil, nil
	return err
}

// Replay feeds every recorded frame to fn in file order. With realtime set
// it sleeps for the recorded gap between frames.
func Replay(ctx context.Context, path string, realtime bool, fn func(world.Role, []byte)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var source *gopacket.PacketSource
	if ng, err := pcapgo.NewNgReader(f, pcapgo.NgReaderOptions{}); err == nil {
		source = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		r, err := pcapgo.NewReader(f)
		if err != nil {
			return 0, err
		}
		source = gopacket.NewPacketSource(r, r.LinkType())
	}

	var prevTS time.Time
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		pkt, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}

		ts := pkt.Metadata().CaptureInfo.Timestamp
		if realtime && !prevTS.IsZero() {
			if d := ts.Sub(prevTS); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return n, ctx.Err()
				}
			}
		}
		prevTS = ts

		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		role, ok := RoleOf(uint16(udp.SrcPort))
		if !ok {
			continue
		}
		fn(role, append([]byte(nil), udp.Payload...))
		n++
	}
}
