package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/poundfs/poundfs/pkg/blockdev"
	"github.com/poundfs/poundfs/pkg/blockdev/remote"
	"github.com/poundfs/poundfs/pkg/config"
)

// remotePrefix selects a remote block server instead of an image file.
const remotePrefix = "grpc://"

// openDevice opens target, which is an image path or grpc://host:port. A
// missing image file is created with the configured size when create is set.
func openDevice(cfg *config.Config, target string, create bool) (blockdev.Device, error) {
	if addr, ok := strings.CutPrefix(target, remotePrefix); ok {
		timeout := time.Duration(cfg.RemoteTimeoutMs) * time.Millisecond
		dev, err := remote.Dial(context.Background(), addr, timeout)
		if err != nil {
			return nil, err
		}
		return checkBlockSize(cfg, dev)
	}

	if _, err := os.Stat(target); errors.Is(err, os.ErrNotExist) {
		if !create {
			return nil, fmt.Errorf("image %s does not exist", target)
		}
		f, err := blockdev.CreateFile(target, cfg.ImageSize)
		if err != nil {
			return nil, err
		}
		if !cfg.UseMMap {
			return checkBlockSize(cfg, f)
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	}

	if cfg.UseMMap {
		dev, err := blockdev.OpenMMap(target)
		if err != nil {
			return nil, err
		}
		return checkBlockSize(cfg, dev)
	}

	dev, err := blockdev.OpenFile(target)
	if err != nil {
		return nil, err
	}
	return checkBlockSize(cfg, dev)
}

func checkBlockSize(cfg *config.Config, dev blockdev.Device) (blockdev.Device, error) {
	if dev.BlockSize() != cfg.PhysBlockSize {
		dev.Close()
		return nil, fmt.Errorf("device block size %d does not match configured %d", dev.BlockSize(), cfg.PhysBlockSize)
	}
	return dev, nil
}
