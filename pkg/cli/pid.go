//go:build !windows

package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog"
)

// PIDFile holds an exclusive flock on a file for as long as the process runs, so two runs never write into the same
// downloads folder at once.
type PIDFile struct {
	file   *os.File
	fd     int
	logger zerolog.Logger
}

func NewPIDFile(path string, logger zerolog.Logger) (*PIDFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &PIDFile{file: file, fd: int(file.Fd()), logger: logger}, nil
}

func (p *PIDFile) Acquire() error {
	funcs := []func() error{
		func() error {
			p.logger.Debug().Str("blocking_lock_acquire", "false").Msg("Waiting on Lock")
			err := syscall.Flock(p.fd, syscall.LOCK_EX|syscall.LOCK_NB)
			if err != nil {
				p.logger.Warn().
					Err(err).
					Str("pid_file", p.file.Name()).
					Msg("Another batchget process holds the lock, waiting for it to finish")
				p.logger.Debug().Str("blocking_lock_acquire", "true").Msg("Waiting on Lock")
				err = syscall.Flock(p.fd, syscall.LOCK_EX)
			}
			return err
		},
		func() error { return p.file.Truncate(0) },
		p.writePID,
		p.file.Sync,
	}
	return p.executeFuncs(funcs)
}

func (p *PIDFile) Release() error {
	funcs := []func() error{
		func() error { return syscall.Flock(p.fd, syscall.LOCK_UN) },
		p.file.Close,
		func() error { return os.Remove(p.file.Name()) },
	}
	return p.executeFuncs(funcs)
}

func (p *PIDFile) writePID() error {
	pid := os.Getpid()
	_, err := p.file.WriteAt([]byte(fmt.Sprintf("%d", pid)), 0)
	return err
}

func (p *PIDFile) executeFuncs(funcs []func() error) error {
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
