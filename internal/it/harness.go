package it

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kexclusion/internal/config"
	"kexclusion/internal/trace"
)

// Cluster represents a test cluster of peer processes sharing one trace
// store.
type Cluster struct {
	peers      []*Peer
	logDir     string
	binaryPath string
	traceDB    string
	run        uuid.UUID
	mu         sync.Mutex
}

// Peer represents a single peer process in the test cluster
type Peer struct {
	ID      int
	Addr    string
	cmd     *exec.Cmd
	logFile *os.File
	done    chan error
}

// NewCluster creates a new test cluster harness
func NewCluster(binaryPath, workDir string) (*Cluster, error) {
	logDir := filepath.Join(".local", "it-logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	run, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to create run id: %w", err)
	}

	return &Cluster{
		logDir:     logDir,
		binaryPath: binaryPath,
		traceDB:    filepath.Join(workDir, "trace.db"),
		run:        run,
	}, nil
}

// StartCluster starts n peers running "run <k> <l>" with the given extra
// arguments, then waits for every peer to listen.
func (c *Cluster) StartCluster(ctx context.Context, n, k, l int, extra ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addrs := make([]string, n)
	for i := range addrs {
		addr, err := freeAddr()
		if err != nil {
			return err
		}
		addrs[i] = addr
	}
	peerList := make([]string, n)
	for i, addr := range addrs {
		peerList[i] = fmt.Sprintf("%d=%s", i, addr)
	}

	for id := 0; id < n; id++ {
		logPath := filepath.Join(c.logDir, fmt.Sprintf("peer-%d.log", id))
		logFile, err := os.Create(logPath)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}

		args := []string{"run", fmt.Sprint(k), fmt.Sprint(l),
			"--trace-db", c.traceDB,
			"--run", c.run.String(),
		}
		cmd := exec.CommandContext(ctx, c.binaryPath, append(args, extra...)...)
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", config.EnvPeerID, id),
			fmt.Sprintf("%s=%s", config.EnvPeers, strings.Join(peerList, ",")),
		)
		cmd.Stdout = logFile
		cmd.Stderr = logFile

		if err := cmd.Start(); err != nil {
			logFile.Close()
			return fmt.Errorf("failed to start peer %d: %w", id, err)
		}
		p := &Peer{ID: id, Addr: addrs[id], cmd: cmd, logFile: logFile, done: make(chan error, 1)}
		go func() { p.done <- cmd.Wait() }()
		c.peers = append(c.peers, p)
	}

	for _, p := range c.peers {
		if err := waitForListen(ctx, p, 10*time.Second); err != nil {
			return fmt.Errorf("peer %d failed to become ready: %w", p.ID, err)
		}
	}
	return nil
}

// waitForListen waits until the peer accepts TCP connections.
func waitForListen(ctx context.Context, p *Peer, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-p.done:
			p.done <- err
			return fmt.Errorf("peer exited early: %v", err)
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("timeout waiting for %s", p.Addr)
			}
			conn, err := net.DialTimeout("tcp", p.Addr, time.Second)
			if err == nil {
				conn.Close()
				return nil
			}
		}
	}
}

// Stop interrupts every peer at once and waits for them to exit. Returns
// the exit errors of peers that did not stop cleanly.
func (c *Cluster) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.peers {
		if p.cmd.Process != nil {
			p.cmd.Process.Signal(os.Interrupt)
		}
	}
	var errs []error
	for _, p := range c.peers {
		if err := p.Stop(10 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", p.ID, err))
		}
	}
	c.peers = nil
	return errors.Join(errs...)
}

// Stop waits for the peer to exit, killing it after timeout.
func (p *Peer) Stop(timeout time.Duration) error {
	defer p.logFile.Close()
	select {
	case err := <-p.done:
		return err
	case <-time.After(timeout):
		p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("killed after %s", timeout)
	}
}

// Verify reads the shared run back from the trace store and checks it.
func (c *Cluster) Verify(ctx context.Context, width int) (trace.Report, error) {
	st, err := trace.Open(c.traceDB)
	if err != nil {
		return trace.Report{}, err
	}
	defer st.Close()

	events, err := st.Events(ctx, c.run.String())
	if err != nil {
		return trace.Report{}, err
	}
	return trace.Verify(events, width), nil
}

// Run returns the trace run id shared by every peer.
func (c *Cluster) Run() uuid.UUID {
	return c.run
}

func freeAddr() (string, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to reserve port: %w", err)
	}
	defer lis.Close()
	return lis.Addr().String(), nil
}
