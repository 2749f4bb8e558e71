// Package turn runs the embedded relay and hands out the ICE server list
// that call transports are configured with.
package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pion/turn/v3"

	"github.com/mpetrov/chatline/internal/call"
)

type Credentials struct {
	Username string
	Password string
}

type Options struct {
	Port  int
	Realm string

	// PublicIP overrides relay address detection.
	PublicIP string

	// Static credentials. When empty a username/password pair is generated
	// for the lifetime of the process.
	Username string
	Password string
}

type Server struct {
	server *turn.Server
	creds  Credentials
	relay  net.IP
	port   int
	log    *slog.Logger
}

// Start binds the relay listener and starts serving. The relay address is
// taken from opts, detected via ipify, or falls back to the local address.
func Start(opts Options, log *slog.Logger) (*Server, error) {
	listener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("bind relay listener: %w", err)
	}

	creds := Credentials{Username: opts.Username, Password: opts.Password}
	if creds.Username == "" {
		creds.Username = "chatline"
	}
	if creds.Password == "" {
		creds.Password = randomPassword()
	}

	relay := relayAddress(opts.PublicIP, log)
	log.Info("relay address selected", "ip", relay.String(), "port", opts.Port)

	srv, err := turn.NewServer(turn.ServerConfig{
		Realm:       opts.Realm,
		AuthHandler: staticAuthHandler(creds),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: listener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relay,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("start relay: %w", err)
	}

	return &Server{
		server: srv,
		creds:  creds,
		relay:  relay,
		port:   opts.Port,
		log:    log,
	}, nil
}

func (s *Server) Credentials() Credentials {
	return s.creds
}

// ICEServers returns the STUN and TURN entries clients configure their
// transports with. host is the address clients reach this server on.
func (s *Server) ICEServers(host string) []call.ICEServer {
	if host == "" {
		host = s.relay.String()
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", s.port))
	return []call.ICEServer{
		{URLs: []string{"stun:" + addr}},
		{
			URLs:       []string{"turn:" + addr},
			Username:   s.creds.Username,
			Credential: s.creds.Password,
		},
	}
}

func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func staticAuthHandler(creds Credentials) turn.AuthHandler {
	return func(username, realm string, _ net.Addr) ([]byte, bool) {
		if username != creds.Username {
			return nil, false
		}
		return turn.GenerateAuthKey(username, realm, creds.Password), true
	}
}

func randomPassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func relayAddress(override string, log *slog.Logger) net.IP {
	if override != "" {
		if ip := net.ParseIP(override); ip != nil {
			return ip
		}
		log.Warn("invalid public ip override, falling back to detection", "ip", override)
	}
	if ip := detectPublicIP(log); ip != nil {
		return ip
	}
	return detectLocalIP(log)
}

func detectPublicIP(log *slog.Logger) net.IP {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		log.Warn("public ip lookup failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("public ip lookup failed", "status", resp.StatusCode)
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Warn("public ip lookup failed", "error", err)
		return nil
	}
	return net.ParseIP(strings.TrimSpace(string(body)))
}

func detectLocalIP(log *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Warn("local ip detection failed", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
