package fifo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/ardnew/softgb/pkg"
)

// Client is the host end of a FIFO bridge link.
type Client struct {
	dir string

	toBridge   *os.File
	fromBridge *os.File
	connection *os.File

	writeMutex sync.Mutex
	readMutex  sync.Mutex
	closeCh    chan struct{}
	closeOnce  sync.Once
}

// FindBridges returns the bridge directories present under busDir.
func FindBridges(busDir string) ([]string, error) {
	entries, err := os.ReadDir(busDir)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), DirPrefix) {
			dirs = append(dirs, filepath.Join(busDir, entry.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Dial opens the FIFOs of the bridge in dir.
func Dial(dir string) (*Client, error) {
	c := &Client{
		dir:     dir,
		closeCh: make(chan struct{}),
	}

	var err error
	if c.toBridge, err = openFIFO(dir, fifoHostToBridge); err != nil {
		return nil, err
	}
	if c.fromBridge, err = openFIFO(dir, fifoBridgeToHost); err != nil {
		c.closeFiles()
		return nil, err
	}
	if c.connection, err = openFIFO(dir, fifoConnection); err != nil {
		c.closeFiles()
		return nil, err
	}

	pkg.LogDebug(pkg.ComponentHAL, "fifo client attached", "dir", dir)
	return c, nil
}

// Ready tells the bridge the host is ready for traffic.
func (c *Client) Ready() error {
	_, err := c.connection.Write([]byte{sigReady})
	return err
}

// WriteFrame sends one tagged frame to the bridge.
func (c *Client) WriteFrame(frame []byte) error {
	select {
	case <-c.closeCh:
		return pkg.ErrClosed
	default:
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return writeMessage(context.Background(), c.closeCh, c.toBridge, msgFrame, frame)
}

// ReadFrame reads one tagged frame from the bridge into buf.
func (c *Client) ReadFrame(ctx context.Context, buf []byte) (int, error) {
	c.readMutex.Lock()
	defer c.readMutex.Unlock()
	n, err := readMessage(ctx, c.closeCh, c.fromBridge, buf)
	if err != nil {
		return 0, fmt.Errorf("read frame: %w", err)
	}
	return n, nil
}

// Dir returns the bridge directory.
func (c *Client) Dir() string {
	return c.dir
}

// Close signals goaway and closes the FIFOs.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		if c.connection != nil {
			c.connection.Write([]byte{sigGoaway})
		}
		err = c.closeFiles()
	})
	return err
}

func (c *Client) closeFiles() error {
	var err error
	for _, f := range []*os.File{c.toBridge, c.fromBridge, c.connection} {
		if f != nil {
			err = multierr.Append(err, f.Close())
		}
	}
	return err
}
