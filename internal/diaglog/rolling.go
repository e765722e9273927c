package diaglog

import "os"

// capFile appends to a single log file and starts over from zero once the
// next write would push it past the cap, so the newest entries always
// survive. Callers synchronize; capFile itself is not goroutine-safe.
type capFile struct {
	f    *os.File
	size int64
	cap  int64
}

func openCapFile(path string, cap int64) (*capFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &capFile{f: f, size: info.Size(), cap: cap}, nil
}

func (c *capFile) Write(p []byte) (int, error) {
	if c.size+int64(len(p)) > c.cap {
		if err := c.f.Truncate(0); err != nil {
			return 0, err
		}
		if _, err := c.f.Seek(0, 0); err != nil {
			return 0, err
		}
		c.size = 0
	}

	n, err := c.f.Write(p)
	c.size += int64(n)
	if err != nil {
		return n, err
	}
	// Entries must hit disk before a crash; diag logs exist for postmortems.
	_ = c.f.Sync()
	return n, nil
}

func (c *capFile) close() error {
	_ = c.f.Sync()
	return c.f.Close()
}
