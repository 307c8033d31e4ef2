// Package streamer copies every acquired sample to external sinks.
//
// Sinks are described by URL-like tokens, several joined by commas:
//
//	file://<path>:<w|a>
//	streaming_board://<multicast ip>:<port>
//	mqtt://<host>:<port>/<topic>
//	sqlite://<path>
//	mysql://<user>:<password>@tcp(<host>:<port>)/<database>
package streamer

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/brainwire/boardkit/internal/catalog"
	"github.com/brainwire/boardkit/internal/errcode"
	"github.com/brainwire/boardkit/internal/errors"
	"github.com/brainwire/boardkit/internal/logger"
)

// Streamer is one output sink. Stream is called from the acquisition
// goroutine only; Init and Close from the session lifecycle.
type Streamer interface {
	Init(ctx context.Context) error
	Stream(sample []float64) error
	Close() error
	// Spec returns the token the streamer was parsed from.
	Spec() string
	// Kind returns the scheme, used as a metrics label.
	Kind() string
}

// MQTTOptions carry broker credentials for mqtt:// sinks.
type MQTTOptions struct {
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Options give streamers the context of the stream they serve.
type Options struct {
	Board      string
	Preset     catalog.Preset
	Descriptor catalog.Descriptor
	MQTT       MQTTOptions
	Logger     logger.Logger
}

const (
	schemeFile      = "file"
	schemeMulticast = "streaming_board"
	schemeMQTT      = "mqtt"
	schemeSQLite    = "sqlite"
	schemeMySQL     = "mysql"
)

// Parse splits a comma-joined list of sink tokens into streamers. Nothing is
// opened; call Init on each. An empty string yields no streamers.
func Parse(params string, opts Options) ([]Streamer, error) {
	var out []Streamer
	for token := range strings.SplitSeq(params, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		s, err := parseOne(token, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func invalid(token, reason string) error {
	return errors.New(fmt.Errorf("%w: streamer %q: %s", errcode.InvalidArguments, token, reason)).
		Component("streamer").
		Category(errors.CategoryValidation).
		Build()
}

func parseOne(token string, opts Options) (Streamer, error) {
	scheme, rest, ok := strings.Cut(token, "://")
	if !ok || rest == "" {
		return nil, invalid(token, "expected <scheme>://<target>")
	}

	switch scheme {
	case schemeFile:
		idx := strings.LastIndex(rest, ":")
		if idx <= 0 {
			return nil, invalid(token, "expected file://<path>:<w|a>")
		}
		path, mode := rest[:idx], rest[idx+1:]
		if mode != "w" && mode != "a" {
			return nil, invalid(token, "file mode must be w or a")
		}
		return newFileStreamer(token, path, mode == "a"), nil

	case schemeMulticast:
		host, portStr, err := net.SplitHostPort(rest)
		if err != nil {
			return nil, invalid(token, err.Error())
		}
		ip := net.ParseIP(host).To4()
		if ip == nil || ip[0] < 224 || ip[0] > 239 {
			return nil, invalid(token, "address must be IPv4 multicast 224.0.0.0-239.255.255.255")
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, invalid(token, "port must be 1-65535")
		}
		return newMulticastStreamer(token, &net.UDPAddr{IP: ip, Port: port}), nil

	case schemeMQTT:
		u, err := url.Parse(token)
		if err != nil || u.Host == "" {
			return nil, invalid(token, "expected mqtt://<host>:<port>/<topic>")
		}
		topic := strings.TrimPrefix(u.Path, "/")
		if topic == "" {
			return nil, invalid(token, "topic is required")
		}
		return newMQTTStreamer(token, "tcp://"+u.Host, topic, opts), nil

	case schemeSQLite:
		return newSQLiteStreamer(token, rest, opts), nil

	case schemeMySQL:
		return newMySQLStreamer(token, rest, opts), nil

	default:
		return nil, invalid(token, "unknown scheme "+scheme)
	}
}

// formatLine renders a sample as tab separated values with six decimals.
func formatLine(b []byte, sample []float64) []byte {
	for i, v := range sample {
		if i > 0 {
			b = append(b, '\t')
		}
		b = strconv.AppendFloat(b, v, 'f', 6, 64)
	}
	return append(b, '\n')
}
