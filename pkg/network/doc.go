// Copyright 2024 Alexandre Mahdhaoui
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

// Package network manages the libvirt network test domains are attached to.
//
// Guest addresses are read from the DHCP leases of the network, so a network
// created by Manager.Ensure is a NAT network whose DHCP range covers the
// subnet of its gateway.
//
// # Example Usage
//
//	mgr := network.NewManager(conn)
//
//	// Start "default" if it is inactive. Fails if it does not exist.
//	_, err := mgr.Ensure(ctx, network.Config{Name: "default"})
//
//	// Create a dedicated network on first use.
//	created, err := mgr.Ensure(ctx, network.Config{
//	    Name:    "openclaw-vmtest",
//	    Gateway: "192.168.150.1/24",
//	})
//
//	// Delete is idempotent.
//	err = mgr.Delete(ctx, "openclaw-vmtest")
package network
