// Command loadtest floods a gateway with synthetic clients. Each client
// runs the real wire flow: version handshake, cipher enable, login, then
// a steady stream of lobby pings until the test window closes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Portalcake/Soldin/internal/netconn"
	"github.com/Portalcake/Soldin/internal/protocol"
	"github.com/Portalcake/Soldin/internal/wire"
)

var (
	addr        = flag.String("addr", "localhost:15550", "Gateway address")
	connections = flag.Int("connections", 100, "Number of concurrent clients")
	duration    = flag.Duration("duration", 30*time.Second, "Test duration")
	rate        = flag.Float64("rate", 10.0, "Pings per second per client")
	account     = flag.String("account", "loadtest", "Account name prefix; client i logs in as <prefix><i>")
	password    = flag.String("password", "loadtest", "Account password")
	timeout     = flag.Duration("timeout", 5*time.Second, "Per-reply timeout")
	verbose     = flag.Bool("verbose", false, "Verbose output")
)

type Stats struct {
	TotalConnections int64
	FailedConns      int64
	Handshakes       int64
	LoginsOK         int64
	LoginsRejected   int64
	PingsSent        int64
	BytesIn          int64
	BytesOut         int64
	MinLatency       time.Duration
	MaxLatency       time.Duration
	TotalLatency     time.Duration
	LatencyCount     int64
}

var stats Stats

func main() {
	flag.Parse()

	fmt.Printf("=== Soldin Gateway Load Test ===\n")
	fmt.Printf("Target: %s\n", *addr)
	fmt.Printf("Clients: %d\n", *connections)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Rate: %.2f ping/s per client\n", *rate)
	fmt.Printf("Account prefix: %s\n\n", *account)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	statsDone := make(chan struct{})
	go reportStats(ctx, statsDone)

	startTime := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runClient(ctx, id)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	<-statsDone
	printFinalReport(elapsed)
}

func runClient(ctx context.Context, id int) {
	atomic.AddInt64(&stats.TotalConnections, 1)

	conn, err := netconn.Dial(*addr, *timeout)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if *verbose {
			fmt.Printf("client %d: dial: %v\n", id, err)
		}
		return
	}
	defer conn.Close()

	// Version handshake. The reply carries the cipher seed; everything
	// after it runs encrypted.
	start := time.Now()
	send(conn, protocol.MsgClientHash, &wire.Buffer{})
	reply, err := await(ctx, conn, protocol.MsgClientHash)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if *verbose {
			fmt.Printf("client %d: handshake: %v\n", id, err)
		}
		return
	}
	key, err := handshakeKey(reply.Body)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if *verbose {
			fmt.Printf("client %d: handshake reply: %v\n", id, err)
		}
		return
	}
	conn.EnableEncryption(key)
	atomic.AddInt64(&stats.Handshakes, 1)

	login := &wire.Buffer{}
	login.WriteWideString(*account + strconv.Itoa(id))
	login.WriteString(*password)
	send(conn, protocol.MsgLogin, login)
	reply, err = await(ctx, conn, protocol.MsgLogin)
	if err != nil {
		atomic.AddInt64(&stats.FailedConns, 1)
		if *verbose {
			fmt.Printf("client %d: login: %v\n", id, err)
		}
		return
	}
	recordLatency(time.Since(start))

	code, _ := reply.Body.ReadUint32()
	if code != 0 {
		atomic.AddInt64(&stats.LoginsRejected, 1)
		if *verbose {
			fmt.Printf("client %d: login rejected with 0x%X\n", id, code)
		}
		return
	}
	atomic.AddInt64(&stats.LoginsOK, 1)

	interval := time.Duration(float64(time.Second) / *rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send(conn, protocol.MsgPing, &wire.Buffer{})
			atomic.AddInt64(&stats.PingsSent, 1)
			n, err := conn.Drain()
			if err != nil {
				if *verbose {
					fmt.Printf("client %d: dropped: %v\n", id, err)
				}
				return
			}
			atomic.AddInt64(&stats.BytesIn, int64(n))
			// Character list pushes arrive here too; the flood only
			// cares that the socket stays healthy.
			for {
				frame, err := protocol.NextFrame(conn.Inbound())
				if err != nil || frame == nil {
					break
				}
			}
		}
	}
}

func send(conn *netconn.Conn, cmd uint16, body *wire.Buffer) {
	pkt := protocol.New(cmd)
	pkt.Body = body
	conn.Queue(pkt)
	for conn.PendingOut() > 0 {
		n, err := conn.Flush()
		atomic.AddInt64(&stats.BytesOut, int64(n))
		if err != nil {
			return
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// await drains until a frame with the wanted command arrives, discarding
// anything else the gateway pushes in between.
func await(ctx context.Context, conn *netconn.Conn, cmd uint16) (*protocol.Packet, error) {
	deadline := time.Now().Add(*timeout)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for 0x%X", cmd)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := conn.Drain()
		if err != nil {
			return nil, err
		}
		atomic.AddInt64(&stats.BytesIn, int64(n))

		for {
			frame, err := protocol.NextFrame(conn.Inbound())
			if err != nil {
				return nil, err
			}
			if frame == nil {
				break
			}
			pkt, err := protocol.Decode(frame)
			if err != nil {
				return nil, err
			}
			if pkt.Command == cmd {
				return pkt, nil
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// handshakeKey pulls the cipher seed out of the version handshake reply:
// result, date hash, seven time fields, advertised address, then the key.
func handshakeKey(b *wire.Buffer) (uint32, error) {
	code, err := b.ReadUint32()
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("handshake refused with 0x%X", code)
	}
	if _, err := b.ReadUint32(); err != nil {
		return 0, err
	}
	for i := 0; i < 7; i++ {
		if _, err := b.ReadUint16(); err != nil {
			return 0, err
		}
	}
	if _, err := b.ReadString(); err != nil {
		return 0, err
	}
	return b.ReadUint32()
}

func recordLatency(latency time.Duration) {
	atomic.AddInt64(&stats.LatencyCount, 1)
	atomic.AddInt64((*int64)(&stats.TotalLatency), int64(latency))

	for {
		oldMin := atomic.LoadInt64((*int64)(&stats.MinLatency))
		if oldMin != 0 && latency >= time.Duration(oldMin) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MinLatency), oldMin, int64(latency)) {
			break
		}
	}
	for {
		oldMax := atomic.LoadInt64((*int64)(&stats.MaxLatency))
		if latency <= time.Duration(oldMax) {
			break
		}
		if atomic.CompareAndSwapInt64((*int64)(&stats.MaxLatency), oldMax, int64(latency)) {
			break
		}
	}
}

func reportStats(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("\r[Stats] Conns: %d (failed: %d) | Logins: %d ok, %d rejected | Pings: %d",
				atomic.LoadInt64(&stats.TotalConnections),
				atomic.LoadInt64(&stats.FailedConns),
				atomic.LoadInt64(&stats.LoginsOK),
				atomic.LoadInt64(&stats.LoginsRejected),
				atomic.LoadInt64(&stats.PingsSent))
		}
	}
}

func printFinalReport(elapsed time.Duration) {
	totalConns := atomic.LoadInt64(&stats.TotalConnections)
	failedConns := atomic.LoadInt64(&stats.FailedConns)
	handshakes := atomic.LoadInt64(&stats.Handshakes)
	loginsOK := atomic.LoadInt64(&stats.LoginsOK)
	loginsRejected := atomic.LoadInt64(&stats.LoginsRejected)
	pings := atomic.LoadInt64(&stats.PingsSent)
	bytesIn := atomic.LoadInt64(&stats.BytesIn)
	bytesOut := atomic.LoadInt64(&stats.BytesOut)
	latencyCount := atomic.LoadInt64(&stats.LatencyCount)

	fmt.Printf("\n\n=== Final Report ===\n")
	fmt.Printf("Duration: %v\n", elapsed)

	fmt.Printf("\n--- Clients ---\n")
	fmt.Printf("Total: %d\n", totalConns)
	fmt.Printf("Failed: %d\n", failedConns)
	fmt.Printf("Handshakes: %d\n", handshakes)
	fmt.Printf("Logins: %d ok, %d rejected\n", loginsOK, loginsRejected)

	fmt.Printf("\n--- Traffic ---\n")
	fmt.Printf("Pings: %d (%.2f/s)\n", pings, float64(pings)/elapsed.Seconds())
	fmt.Printf("Bytes in: %d, out: %d\n", bytesIn, bytesOut)

	if latencyCount > 0 {
		fmt.Printf("\n--- Login Latency ---\n")
		fmt.Printf("Min: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MinLatency))))
		fmt.Printf("Max: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.MaxLatency))))
		fmt.Printf("Avg: %v\n", time.Duration(atomic.LoadInt64((*int64)(&stats.TotalLatency))/latencyCount))
	}

	if failedConns > totalConns/10 {
		fmt.Printf("\nTest failed: too many connection errors\n")
		os.Exit(1)
	}
	fmt.Printf("\nTest completed\n")
}
