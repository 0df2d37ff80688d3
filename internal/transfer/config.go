package transfer

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	MinChunkSize = 1
	MaxChunkSize = 1024 * 1024

	MinTimeout = time.Second
	MaxTimeout = time.Hour

	// MaxUDPChunkSize is the largest payload of one UDP datagram over IPv4.
	MaxUDPChunkSize = 65507

	DefaultChunkSize    = 8192
	DefaultUDPChunkSize = 1024
	DefaultTimeout      = 30 * time.Second
)

// Config is the validated, immutable configuration of one transfer.
type Config struct {
	Mode      Mode
	Protocol  Protocol
	TargetIP  string
	Port      int
	Filename  string
	ChunkSize int
	Timeout   time.Duration
}

// NewConfig validates the parameters and returns a Config. Transmitters must name a
// syntactically valid IP address or hostname; resolution happens at dispatch.
func NewConfig(mode Mode, protocol Protocol, targetIP string, port int, filename string, chunkSize int, timeout time.Duration) (Config, error) {
	cfg := Config{
		Mode:      mode,
		Protocol:  protocol,
		TargetIP:  strings.TrimSpace(targetIP),
		Port:      port,
		Filename:  filename,
		ChunkSize: chunkSize,
		Timeout:   timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every invariant of a Config.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeTransmitter, ModeReceiver:
	default:
		return NewConfigError("mode", fmt.Sprintf("unknown mode %q", c.Mode))
	}

	switch c.Protocol {
	case ProtocolReliable, ProtocolBestEffort:
	default:
		return NewConfigError("protocol", fmt.Sprintf("unknown protocol %q", c.Protocol))
	}

	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return NewConfigError("chunk_size", fmt.Sprintf("chunk size %d outside %d..%d", c.ChunkSize, MinChunkSize, MaxChunkSize))
	}
	if c.Protocol == ProtocolBestEffort && c.ChunkSize > MaxUDPChunkSize {
		return NewConfigError("chunk_size", fmt.Sprintf("chunk size %d does not fit in a datagram (max %d)", c.ChunkSize, MaxUDPChunkSize))
	}
	if c.Timeout < MinTimeout || c.Timeout > MaxTimeout {
		return NewConfigError("timeout", fmt.Sprintf("timeout %s outside %s..%s", c.Timeout, MinTimeout, MaxTimeout))
	}
	if c.Port < 0 || c.Port > 65535 {
		return NewConfigError("port", fmt.Sprintf("port %d out of range", c.Port))
	}

	if c.Mode == ModeTransmitter {
		if c.TargetIP == "" {
			return NewConfigError("target_ip", "transmitter mode requires a target address")
		}
		if !ValidHost(c.TargetIP) {
			return NewConfigError("target_ip", fmt.Sprintf("invalid address or hostname %q", c.TargetIP))
		}
		if c.Port == 0 {
			return NewConfigError("port", "transmitter mode requires a destination port")
		}
	}
	return nil
}

// ValidHost reports whether s is an IP literal or an RFC 1123 hostname.
func ValidHost(s string) bool {
	if s == "" {
		return false
	}
	if net.ParseIP(strings.Trim(s, "[]")) != nil {
		return true
	}
	if len(s) > 253 {
		return false
	}
	labels := strings.Split(strings.TrimSuffix(s, "."), ".")
	if strings.Trim(labels[len(labels)-1], "0123456789") == "" {
		// an all-numeric final label is a malformed IPv4 literal
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '-' {
				return false
			}
		}
	}
	return true
}

// Endpoint joins target with the configured port unless target already carries one.
func (c Config) Endpoint(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		target = c.TargetIP
	}
	if host, port, err := net.SplitHostPort(target); err == nil {
		if !ValidHost(host) {
			return "", NewConfigError("target_ip", fmt.Sprintf("invalid address or hostname %q", host))
		}
		return net.JoinHostPort(host, port), nil
	}
	if !ValidHost(target) {
		return "", NewConfigError("target_ip", fmt.Sprintf("invalid address or hostname %q", target))
	}
	return net.JoinHostPort(strings.Trim(target, "[]"), strconv.Itoa(c.Port)), nil
}
