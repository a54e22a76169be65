// Copyright 2025 PhotoFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
)

// Request types
const (
	RequestStatus     = "status"
	RequestSync       = "sync"
	RequestUnmount    = "unmount"
	RequestStop       = "stop"
	RequestInvalidate = "invalidate" // Drop cached content and records
)

// Request represents an IPC request
type Request struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"` // Unmount: expected mount point

	// Sync scope. Both false means everything.
	Albums bool `json:"albums,omitempty"`
	Media  bool `json:"media,omitempty"`
}

// StatusInfo describes the running daemon for `photofs info`
type StatusInfo struct {
	MountPoint string `json:"mount_point"`
	SessionID  string `json:"session_id"`
	StartedAt  int64  `json:"started_at"` // Unix timestamp
	NFSAddress string `json:"nfs_address,omitempty"`

	CacheUsedBytes   int64 `json:"cache_used_bytes"`
	CacheBudgetBytes int64 `json:"cache_budget_bytes"`

	Albums         int64 `json:"albums"`
	MediaRecords   int64 `json:"media_records"`
	StaleRecords   int64 `json:"stale_records"`
	LastAlbumsSync int64 `json:"last_albums_sync,omitempty"` // Unix timestamp, 0 = never
	LastMediaSync  int64 `json:"last_media_sync,omitempty"`  // Unix timestamp, 0 = never
}

// Response represents an IPC response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	PID     int         `json:"pid,omitempty"`
	Status  *StatusInfo `json:"status,omitempty"`
}

// Server is the IPC server
type Server struct {
	listener net.Listener
	handler  func(*Request) *Response
}

// NewServer creates a new IPC server
func NewServer(handler func(*Request) *Response) *Server {
	return &Server{handler: handler}
}

// Start starts the IPC server
func (s *Server) Start() error {
	// Remove existing socket
	os.Remove(SocketPath())

	listener, err := net.Listen("unix", SocketPath())
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	s.listener = listener

	// Owner-only: the socket can unmount the filesystem
	os.Chmod(SocketPath(), 0600)

	go s.accept()

	return nil
}

// Stop stops the IPC server
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(SocketPath())
	}
}

func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return // Server stopped
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		return
	}

	resp := s.handler(&req)

	encoder := json.NewEncoder(conn)
	encoder.Encode(resp)
}

// Client is the IPC client
type Client struct {
	conn net.Conn
}

// Connect connects to the daemon
func Connect() (*Client, error) {
	conn, err := net.Dial("unix", SocketPath())
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send sends a request and returns the response
func (c *Client) Send(req *Request) (*Response, error) {
	encoder := json.NewEncoder(c.conn)
	if err := encoder.Encode(req); err != nil {
		return nil, err
	}

	decoder := json.NewDecoder(c.conn)
	var resp Response
	if err := decoder.Decode(&resp); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("daemon closed connection")
		}
		return nil, err
	}

	return &resp, nil
}

// Status sends a status request
func (c *Client) Status() (*Response, error) {
	return c.Send(&Request{Type: RequestStatus})
}

// Sync asks the daemon to reconcile against the remote. With both flags
// false everything is synced.
func (c *Client) Sync(albums, media bool) (*Response, error) {
	return c.Send(&Request{
		Type:   RequestSync,
		Albums: albums,
		Media:  media,
	})
}

// Unmount asks the daemon to unmount and shut down. An empty target
// means whatever the daemon has mounted.
func (c *Client) Unmount(target string) (*Response, error) {
	return c.Send(&Request{
		Type:   RequestUnmount,
		Target: target,
	})
}

// Stop sends a stop request
func (c *Client) Stop() (*Response, error) {
	return c.Send(&Request{Type: RequestStop})
}

// Invalidate asks the daemon to drop cached content and records
func (c *Client) Invalidate() error {
	resp, err := c.Send(&Request{Type: RequestInvalidate})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("invalidate failed: %s", resp.Error)
	}
	return nil
}

// IsDaemonRunning checks if the daemon is running
func IsDaemonRunning() bool {
	client, err := Connect()
	if err != nil {
		return false
	}
	client.Close()
	return true
}
