//go:build linux

package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/godzie44/udpecho/reactor"
)

// seqSize is the payload prefix carrying the datagram sequence number.
const seqSize = 4

type probeOptions struct {
	addr    *net.UDPAddr
	size    int
	count   int
	rate    float64
	timeout time.Duration
}

type probeReport struct {
	sent     int
	echoed   int
	lost     int
	mismatch int
	stale    int
	bytes    uint64
	rtt      time.Duration
}

func (r probeReport) String() string {
	avg := time.Duration(0)
	if r.echoed > 0 {
		avg = r.rtt / time.Duration(r.echoed)
	}
	return fmt.Sprintf("sent %d, echoed %d (%s), lost %d, mismatched %d, late %d, avg rtt %s",
		r.sent, r.echoed, humanize.Bytes(r.bytes), r.lost, r.mismatch, r.stale, avg)
}

func probeCmd() *cobra.Command {
	var (
		addr    string
		size    string
		count   int
		pps     float64
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send datagrams to an echo server and verify the replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			udpAddr, err := net.ResolveUDPAddr("udp4", addr)
			if err != nil {
				return errors.Wrap(err, "resolve address")
			}

			payloadSize, err := humanize.ParseBytes(size)
			if err != nil {
				return errors.Wrap(err, "parse size")
			}
			if payloadSize > reactor.MaxDatagramSize {
				return errors.Errorf("size %d exceeds %d bytes", payloadSize, reactor.MaxDatagramSize)
			}

			report, err := runProbe(cmd.Context(), probeOptions{
				addr:    udpAddr,
				size:    int(payloadSize),
				count:   count,
				rate:    pps,
				timeout: timeout,
			})
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5123", "echo server address")
	cmd.Flags().StringVar(&size, "size", "64", "payload size, e.g. 512 or 1.4kB")
	cmd.Flags().IntVar(&count, "count", 10, "number of datagrams to send")
	cmd.Flags().Float64Var(&pps, "rate", 100, "datagrams per second, 0 sends unpaced")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Second, "time to wait for each reply")

	return cmd
}

// runProbe send opts.count random payloads one by one and check every reply
// carries the same bytes and comes from the probed address.
func runProbe(ctx context.Context, opts probeOptions) (probeReport, error) {
	var report probeReport

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return report, errors.Wrap(err, "open probe socket")
	}
	defer conn.Close()

	limit := rate.Inf
	if opts.rate > 0 {
		limit = rate.Limit(opts.rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	payload := make([]byte, opts.size)
	reply := make([]byte, 2*reactor.MaxDatagramSize)

	for i := 0; i < opts.count; i++ {
		if err = limiter.Wait(ctx); err != nil {
			return report, errors.Wrap(err, "wait for send slot")
		}

		if _, err = io.ReadFull(rand.Reader, payload); err != nil {
			return report, errors.Wrap(err, "generate payload")
		}
		if len(payload) >= seqSize {
			binary.BigEndian.PutUint32(payload, uint32(i))
		}

		start := time.Now()
		if _, err = conn.WriteToUDP(payload, opts.addr); err != nil {
			return report, errors.Wrap(err, "send probe")
		}
		report.sent++

		if err = conn.SetReadDeadline(start.Add(opts.timeout)); err != nil {
			return report, errors.Wrap(err, "set read deadline")
		}

		if err = awaitReply(conn, opts.addr, payload, reply, start, &report); err != nil {
			return report, err
		}
	}

	if report.lost > 0 || report.mismatch > 0 {
		return report, errors.Errorf("%d lost, %d mismatched of %d", report.lost, report.mismatch, report.sent)
	}
	return report, nil
}

// awaitReply read until the reply to payload arrives or the read deadline expires.
// Late replies to earlier datagrams are counted and skipped.
func awaitReply(conn *net.UDPConn, server *net.UDPAddr, payload, reply []byte, start time.Time, report *probeReport) error {
	for {
		n, from, err := conn.ReadFromUDP(reply)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				report.lost++
				return nil
			}
			return errors.Wrap(err, "receive reply")
		}

		got := reply[:n]
		if !from.IP.Equal(server.IP) || from.Port != server.Port {
			report.mismatch++
			return nil
		}
		if isLate(got, payload) {
			report.stale++
			continue
		}
		if !bytes.Equal(payload, got) {
			report.mismatch++
			return nil
		}

		report.echoed++
		report.bytes += uint64(n)
		report.rtt += time.Since(start)
		return nil
	}
}

// isLate report whether got answers an earlier datagram. Payloads too short for a
// sequence number can only be told apart by content.
func isLate(got, payload []byte) bool {
	if len(payload) < seqSize {
		return !bytes.Equal(got, payload)
	}
	if len(got) < seqSize {
		return false
	}
	return binary.BigEndian.Uint32(got) != binary.BigEndian.Uint32(payload)
}
