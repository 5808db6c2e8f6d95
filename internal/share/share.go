// Package share implements the Share Controller: the sole mutator of the
// process-wide Share State, composing the HTTP API, TLS cert generation,
// and authentication into start/stop/update-password/kick operations.
package share

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"wtshare/internal/authsvc"
	"wtshare/internal/httpapi"
	"wtshare/internal/tlscert"
)

// minPort is the lowest port start_sharing will accept, per spec.md §4.3.
const minPort = 3000

// ErrEmptyPassword is returned when start_sharing or update_share_password
// is given an empty password.
var ErrEmptyPassword = fmt.Errorf("share: password must not be empty")

// ErrAlreadyActive is returned by start_sharing when a share is already
// running.
var ErrAlreadyActive = fmt.Errorf("share: already sharing")

// ErrNotActive is returned by update_share_password when no share is
// running.
var ErrNotActive = fmt.Errorf("share: not currently sharing")

// Info answers get_share_info and connected-clients style queries.
type Info struct {
	Active        bool     `json:"active"`
	WorkspacePath string   `json:"workspacePath"`
	URL           string   `json:"url"`
	Port          int      `json:"port"`
	ConnectedIDs  []string `json:"connectedIds"`
}

// Controller is the apex component: the only thing permitted to mutate
// Share State. It composes an httpapi.Server, whose own active/workspace/
// credential mirror it keeps in sync via Activate/Deactivate, so httpapi
// never needs to import this package.
type Controller struct {
	api *httpapi.Server

	mu            sync.Mutex
	active        bool
	workspacePath string
	port          int
	url           string
	httpSrv       *http.Server
	httpsSrv      *http.Server
}

// New returns an inactive Controller composing api.
func New(api *httpapi.Server) *Controller {
	return &Controller{api: api}
}

// StartSharing brings a LAN HTTP+HTTPS share up, following spec.md §4.3's
// ordered startup: validate, probe the port, generate cert + credential,
// flip Share State, then spawn the listeners. Any failure after the port
// probe rolls the whole share back to inactive (no half-started state).
func (c *Controller) StartSharing(workspacePath string, port int, password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if port < minPort {
		return "", fmt.Errorf("share: port must be >= %d", minPort)
	}

	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return "", ErrAlreadyActive
	}
	c.mu.Unlock()

	if err := probePort(port); err != nil {
		return "", fmt.Errorf("share: port %d unavailable: %w", port, err)
	}

	ips, err := tlscert.LocalIPv4s()
	if err != nil {
		return "", fmt.Errorf("share: enumerate LAN addresses: %w", err)
	}
	sort.Strings(ips)

	pair, err := tlscert.Generate(ips)
	if err != nil {
		return "", fmt.Errorf("share: generate certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(pair.CertPEM, pair.KeyPEM)
	if err != nil {
		return "", fmt.Errorf("share: load certificate: %w", err)
	}

	cred, err := authsvc.NewCredential(password)
	if err != nil {
		return "", fmt.Errorf("share: derive credential: %w", err)
	}

	c.api.Activate(workspacePath, cred)

	httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: c.api.Handler()}
	httpsSrv := &http.Server{
		Addr:      fmt.Sprintf(":%d", port+1),
		Handler:   c.api.Handler(),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}

	if err := c.serve(httpSrv, httpsSrv); err != nil {
		c.api.Deactivate()
		return "", err
	}

	host := "127.0.0.1"
	if len(ips) > 0 {
		host = ips[0]
	}
	url := fmt.Sprintf("https://%s:%d", host, port)

	c.mu.Lock()
	c.active = true
	c.workspacePath = workspacePath
	c.port = port
	c.url = url
	c.httpSrv = httpSrv
	c.httpsSrv = httpsSrv
	c.mu.Unlock()

	slog.Info("[share] sharing started", "workspacePath", workspacePath, "port", port, "url", url)
	return url, nil
}

// serve binds both listeners before returning, so a bind failure on either
// rolls back symmetrically instead of leaving one half running.
func (c *Controller) serve(httpSrv, httpsSrv *http.Server) error {
	httpLn, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("share: bind HTTP listener: %w", err)
	}
	httpsLn, err := net.Listen("tcp", httpsSrv.Addr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("share: bind HTTPS listener: %w", err)
	}

	go func() {
		if err := httpSrv.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			slog.Error("[share] HTTP server exited", "error", err)
		}
	}()
	go func() {
		if err := httpsSrv.ServeTLS(httpsLn, "", ""); err != nil && err != http.ErrServerClosed {
			slog.Error("[share] HTTPS server exited", "error", err)
		}
	}()
	return nil
}

// StopSharing is idempotent: calling it when not active is a no-op success.
func (c *Controller) StopSharing() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	httpSrv, httpsSrv := c.httpSrv, c.httpsSrv
	c.active = false
	c.workspacePath = ""
	c.port = 0
	c.url = ""
	c.httpSrv = nil
	c.httpsSrv = nil
	c.mu.Unlock()

	c.api.Deactivate()
	c.api.ClearSessions()
	c.api.CloseAllConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(ctx)
	}
	if httpsSrv != nil {
		_ = httpsSrv.Shutdown(ctx)
	}

	slog.Info("[share] sharing stopped")
	return nil
}

// UpdateSharePassword rederives the credential with a fresh salt and forces
// every remote peer to re-authenticate.
func (c *Controller) UpdateSharePassword(newPassword string) error {
	if newPassword == "" {
		return ErrEmptyPassword
	}

	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	if !active {
		return ErrNotActive
	}

	cred, err := authsvc.NewCredential(newPassword)
	if err != nil {
		return fmt.Errorf("share: derive credential: %w", err)
	}
	c.api.SetCredential(cred)
	c.api.ClearSessions()
	c.api.CloseAllConnections()
	return nil
}

// Kick evicts sessionID: it is revoked from the authenticated set and its
// live WebSocket (if any) is sent a notification frame and torn down.
func (c *Controller) Kick(sessionID, reason string) {
	c.api.Kick(sessionID, reason)
}

// ConnectedClients lists every session id with a live WebSocket connection.
func (c *Controller) ConnectedClients() []string {
	return c.api.ConnectedSessionIDs()
}

// Info reports the current share state for get_share_info / status queries.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Active:        c.active,
		WorkspacePath: c.workspacePath,
		URL:           c.url,
		Port:          c.port,
		ConnectedIDs:  c.api.ConnectedSessionIDs(),
	}
}

func probePort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
