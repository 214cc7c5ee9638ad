package probes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/user/netdiag/internal/model"
)

const echoData = "netdiag"

// Pinger sends a single echo and returns the round trip time.
type Pinger interface {
	Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error)
}

// ICMPPinger sends ICMP echo requests over a raw socket.
type ICMPPinger struct {
	id  int
	seq uint32
}

// NewICMPPinger creates a pinger with a process-scoped identifier.
func NewICMPPinger() *ICMPPinger {
	return &ICMPPinger{id: os.Getpid() & 0xffff}
}

// Ping sends one echo request and waits for the matching reply.
func (p *ICMPPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dst, err := net.ResolveIPAddr("ip", addr)
	if err != nil {
		return 0, err
	}

	network, protocol, reqType, replyType := icmpSettings(dst.IP)
	conn, err := icmp.ListenPacket(network, "")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	seq := int(atomic.AddUint32(&p.seq, 1) & 0xffff)
	msg := icmp.Message{
		Type: reqType,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: []byte(echoData)},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, err
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, fmt.Errorf("ping timeout: %w", err)
			}
			return 0, err
		}

		reply, err := icmp.ParseMessage(protocol, buf[:n])
		if err != nil || reply.Type != replyType {
			continue
		}
		body, ok := reply.Body.(*icmp.Echo)
		if !ok || body.ID != p.id || body.Seq != seq {
			continue
		}
		return time.Since(start), nil
	}
}

func icmpSettings(ip net.IP) (string, int, icmp.Type, icmp.Type) {
	if ip.To4() != nil {
		return "ip4:icmp", ipv4.ICMPTypeEcho.Protocol(), ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply
	}
	return "ip6:ipv6-icmp", ipv6.ICMPTypeEchoRequest.Protocol(), ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply
}

// TCPPinger measures reachability with TCP connects. A refused connection
// still proves the host is up.
type TCPPinger struct {
	Ports []int
}

// NewTCPPinger creates a TCP pinger over common service ports.
func NewTCPPinger() *TCPPinger {
	return &TCPPinger{Ports: []int{443, 80, 53, 22}}
}

// Ping tries each port until one answers.
func (p *TCPPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	var lastErr error
	for _, port := range p.Ports {
		dialer := net.Dialer{Timeout: timeout}
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, fmt.Sprint(port)))
		rtt := time.Since(start)

		if err == nil {
			conn.Close()
			return rtt, nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
			return rtt, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
	}
	return 0, fmt.Errorf("no tcp port answered: %w", lastErr)
}

// FallbackPinger uses primary, switching to secondary on permission errors.
type FallbackPinger struct {
	primary   Pinger
	secondary Pinger
	degraded  atomic.Bool
}

// NewFallbackPinger wraps primary with a secondary fallback.
func NewFallbackPinger(primary, secondary Pinger) *FallbackPinger {
	return &FallbackPinger{primary: primary, secondary: secondary}
}

// Ping uses the primary pinger until it reports a permission error.
func (p *FallbackPinger) Ping(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	if p.degraded.Load() {
		return p.secondary.Ping(ctx, addr, timeout)
	}
	rtt, err := p.primary.Ping(ctx, addr, timeout)
	if err == nil || !isPermissionError(err) {
		return rtt, err
	}
	p.degraded.Store(true)
	return p.secondary.Ping(ctx, addr, timeout)
}

func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "operation not permitted") || strings.Contains(msg, "permission denied")
}

// PingProbe sends a burst of echoes and reports latency and loss.
type PingProbe struct {
	pinger  Pinger
	count   int
	timeout time.Duration
	gap     time.Duration
}

// NewPingProbe creates a ping probe that falls back to TCP when raw sockets
// are not permitted.
func NewPingProbe(count int, timeout time.Duration) *PingProbe {
	return NewPingProbeWith(NewFallbackPinger(NewICMPPinger(), NewTCPPinger()), count, timeout)
}

// NewPingProbeWith creates a ping probe over a specific pinger.
func NewPingProbeWith(pinger Pinger, count int, timeout time.Duration) *PingProbe {
	if count <= 0 {
		count = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &PingProbe{pinger: pinger, count: count, timeout: timeout, gap: 200 * time.Millisecond}
}

// Run pings target count times.
func (p *PingProbe) Run(ctx context.Context, target string) (model.DiagnosticResult, error) {
	result := model.DiagnosticResult{Kind: model.KindPing, Target: target}

	var (
		received int
		total    time.Duration
		lastErr  error
	)
	for i := 0; i < p.count; i++ {
		if i > 0 && p.gap > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(p.gap):
			}
		}

		rtt, err := p.pinger.Ping(ctx, target, p.timeout)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			continue
		}
		received++
		total += rtt
	}

	result.LossPct = float64(p.count-received) / float64(p.count) * 100
	if received == 0 {
		result.Summary = fmt.Sprintf("%s unreachable", target)
		return result, fmt.Errorf("%s unreachable: %w", target, lastErr)
	}

	result.Reachable = true
	result.LatencyMs = float64(total.Microseconds()) / 1000.0 / float64(received)
	result.Summary = fmt.Sprintf("%d/%d replies, avg %.1f ms", received, p.count, result.LatencyMs)
	return result, nil
}
