/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vmm boots throwaway libvirt domains from a qcow2 image.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/alexandremahdhaoui/openclaw-vmtest/pkg/network"
	"libvirt.org/go/libvirt"
)

// DefaultURI is the libvirt connection used when none is configured.
const DefaultURI = "qemu:///system"

var errConnectLibvirt = errors.New("failed to connect to libvirt")

// VMM manages libvirt virtual machines. It is safe for concurrent use.
type VMM struct {
	conn    *libvirt.Connect
	uri     string
	baseDir string // Optional base directory for VM temporary files

	mu      sync.Mutex
	domains map[string]*libvirt.Domain
}

// Option is a functional option for configuring VMM
type Option func(*VMM)

// WithBaseDir sets the base directory for VM artifacts
func WithBaseDir(dir string) Option {
	return func(v *VMM) {
		v.baseDir = dir
	}
}

// WithURI sets a custom libvirt connection URI
func WithURI(uri string) Option {
	return func(v *VMM) {
		if uri != "" {
			v.uri = uri
		}
	}
}

// NewVMM creates a new VMM instance connected to qemu:///system by default
func NewVMM(opts ...Option) (*VMM, error) {
	v := &VMM{
		uri:     DefaultURI,
		domains: make(map[string]*libvirt.Domain),
	}

	for _, opt := range opts {
		opt(v)
	}

	conn, err := libvirt.NewConnect(v.uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errConnectLibvirt, v.uri, err)
	}

	v.conn = conn
	return v, nil
}

// Close closes the libvirt connection.
func (v *VMM) Close() error {
	if v.conn == nil {
		return nil
	}
	_, err := v.conn.Close()
	return err
}

// tempDir is where overlays, seeds and console logs are written.
func (v *VMM) tempDir() string {
	if v.baseDir != "" {
		return v.baseDir
	}
	return os.TempDir()
}

// EnsureNetwork makes sure the network domains attach to is active,
// creating it when cfg carries a gateway. It reports whether it was created.
func (v *VMM) EnsureNetwork(ctx context.Context, cfg network.Config) (bool, error) {
	if v.conn == nil {
		return false, errLibvirtNotInitialized
	}
	return network.NewManager(v.conn).Ensure(ctx, cfg)
}
