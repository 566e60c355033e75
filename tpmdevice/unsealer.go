package tpmdevice

import (
	"context"
	"fmt"
	"io"

	tpm2 "github.com/google/go-tpm/legacy/tpm2"

	"github.com/quantumauth-io/tpm-decrypt/cmdrun"
)

// Unsealer returns the raw bytes of the sealed object at a persistent
// handle. Callers own the returned slice and should wipe it.
type Unsealer interface {
	Unseal(ctx context.Context, handle string) ([]byte, error)
}

// ToolUnsealer runs "tpm2_unseal -c <handle>". The handle is passed through
// unchanged so anything tpm2-tools accepts as a context works.
type ToolUnsealer struct {
	Runner cmdrun.Runner
	Tool   string
}

var _ Unsealer = (*ToolUnsealer)(nil)

func NewToolUnsealer(runner cmdrun.Runner, tool string) *ToolUnsealer {
	if runner == nil {
		runner = cmdrun.ExecRunner{}
	}
	if tool == "" {
		tool = "tpm2_unseal"
	}
	return &ToolUnsealer{Runner: runner, Tool: tool}
}

func (t *ToolUnsealer) Unseal(ctx context.Context, handle string) ([]byte, error) {
	return t.Runner.Run(ctx, t.Tool, "-c", handle)
}

// DeviceUnsealer unseals in process with go-tpm. The object must have an
// empty auth value, as objects created by Provision do.
type DeviceUnsealer struct {
	Paths []string

	open func([]string) (io.ReadWriteCloser, error)
}

var _ Unsealer = (*DeviceUnsealer)(nil)

func NewDeviceUnsealer(paths []string) *DeviceUnsealer {
	return &DeviceUnsealer{Paths: paths, open: openTPM}
}

func (d *DeviceUnsealer) Unseal(ctx context.Context, handle string) ([]byte, error) {
	h, err := ParseHandle(handle)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	open := d.open
	if open == nil {
		open = openTPM
	}
	rwc, err := open(d.Paths)
	if err != nil {
		return nil, err
	}
	defer rwc.Close()

	secret, err := tpm2.Unseal(rwc, h, "")
	if err != nil {
		return nil, fmt.Errorf("tpmdevice: Unseal 0x%x: %w", uint32(h), err)
	}
	return secret, nil
}
