package logging

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// RFC 5424 severities
const (
	severityCritical = 2
	severityError    = 3
	severityWarning  = 4
	severityInfo     = 6
	severityDebug    = 7
)

// LOG_DAEMON
const facilityDaemon = 3

// Syslog writes entries as RFC 3164 lines over UDP or TCP.
type Syslog struct {
	network string
	addr    string
	tag     string
	pid     int
	dial    func(network, addr string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
}

var _ Output = (*Syslog)(nil)

// DialSyslog connects to the syslog server at addr (host:port).
func DialSyslog(network, addr, tag string) (*Syslog, error) {
	if network == "" {
		network = "udp"
	}
	s := &Syslog{
		network: network,
		addr:    addr,
		tag:     tag,
		pid:     os.Getpid(),
		dial:    func(n, a string) (net.Conn, error) { return net.DialTimeout(n, a, 5*time.Second) },
	}
	conn, err := s.dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog at %s: %w", addr, err)
	}
	s.conn = conn
	return s, nil
}

func (s *Syslog) Write(entry *Entry) error {
	line, err := s.format(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if s.conn, err = s.dial(s.network, s.addr); err != nil {
			s.conn = nil
			return fmt.Errorf("failed to reconnect to syslog: %w", err)
		}
	}
	if _, err := s.conn.Write(line); err != nil {
		// One reconnect attempt, then give up on this entry.
		s.conn.Close()
		s.conn, err = s.dial(s.network, s.addr)
		if err != nil {
			s.conn = nil
			return fmt.Errorf("failed to write to syslog: %w", err)
		}
		if _, err := s.conn.Write(line); err != nil {
			return fmt.Errorf("failed to write to syslog after reconnect: %w", err)
		}
	}
	return nil
}

// format renders "<pri>Mmm dd hh:mm:ss tag[pid]: {json}\n".
func (s *Syslog) format(entry *Entry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	priority := facilityDaemon*8 + severity(entry.Level)
	return fmt.Appendf(nil, "<%d>%s %s[%d]: %s\n",
		priority, entry.Time.Format(time.Stamp), s.tag, s.pid, body), nil
}

func severity(level string) int {
	switch level {
	case "debug", "trace":
		return severityDebug
	case "warn", "warning":
		return severityWarning
	case "error":
		return severityError
	case "fatal", "panic":
		return severityCritical
	default:
		return severityInfo
	}
}

func (s *Syslog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
