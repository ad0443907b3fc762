package http

import (
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"
)

// Throttle is a RoundTripper that adds latency and limits bandwidth.
// It is used to simulate slow networks.
type Throttle struct {
	Base           nethttp.RoundTripper
	Latency        time.Duration
	BytesPerSecond int64
}

// RoundTrip implements nethttp.RoundTripper.
func (rt *Throttle) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	base := rt.Base
	if base == nil {
		base = nethttp.DefaultTransport
	}
	if rt.Latency > 0 {
		timer := time.NewTimer(rt.Latency)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if rt.BytesPerSecond > 0 && resp.Body != nil {
		resp.Body = &throttleReadCloser{
			rc:             resp.Body,
			bytesPerSecond: rt.BytesPerSecond,
			start:          time.Now(),
		}
	}
	return resp, nil
}

type throttleReadCloser struct {
	rc             io.ReadCloser
	bytesPerSecond int64
	start          time.Time
	readBytes      int64
}

func (tr *throttleReadCloser) Read(p []byte) (int, error) {
	n, err := tr.rc.Read(p)
	if n > 0 {
		tr.readBytes += int64(n)
		expected := time.Duration(float64(tr.readBytes) / float64(tr.bytesPerSecond) * float64(time.Second))
		elapsed := time.Since(tr.start)
		if expected > elapsed {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}

func (tr *throttleReadCloser) Close() error {
	return tr.rc.Close()
}

var sizeUnits = []struct {
	suffix string
	mult   int64
}{
	{"kib", 1 << 10},
	{"kb", 1 << 10},
	{"k", 1 << 10},
	{"mib", 1 << 20},
	{"mb", 1 << 20},
	{"m", 1 << 20},
	{"gib", 1 << 30},
	{"gb", 1 << 30},
	{"g", 1 << 30},
}

// ParseBytes parses sizes like "512k", "32MiB" or "1000".
// Units are binary multiples.
func ParseBytes(value string) (int64, error) {
	text := strings.TrimSpace(value)
	lower := strings.ToLower(text)
	multiplier := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(lower, u.suffix) {
			multiplier = u.mult
			text = text[:len(text)-len(u.suffix)]
			break
		}
	}
	if multiplier == 1 {
		text = strings.TrimSuffix(strings.TrimSuffix(text, "B"), "b")
	}
	text = strings.TrimSpace(text)

	raw, err := strconv.ParseInt(text, 10, 64)
	if err != nil || raw <= 0 {
		return 0, fmt.Errorf("invalid byte size %q", value)
	}
	return raw * multiplier, nil
}

// ParseBytesPerSecond parses rates like "512k", "2MB/s" or "1000".
// Units are binary multiples.
func ParseBytesPerSecond(value string) (int64, error) {
	text := strings.TrimSpace(value)
	text = strings.TrimSuffix(text, "/s")
	text = strings.TrimSuffix(text, "ps")
	n, err := ParseBytes(text)
	if err != nil {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return n, nil
}
