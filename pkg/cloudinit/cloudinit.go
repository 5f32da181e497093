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

package cloudinit

import (
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// User is a cloud-config user entry.
type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo,omitempty"`
	Shell             string   `json:"shell,omitempty"`
	HomeDir           string   `json:"homedir,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys"`
}

// NewUser returns a passwordless-sudo user logging in with authorizedKeys.
// Surrounding whitespace of each key is trimmed.
func NewUser(name string, authorizedKeys ...string) User {
	keys := make([]string, 0, len(authorizedKeys))
	for _, k := range authorizedKeys {
		keys = append(keys, strings.TrimSpace(k))
	}

	u := User{
		Name:              name,
		SSHAuthorizedKeys: keys,
	}
	if name != "root" {
		u.Sudo = "ALL=(ALL) NOPASSWD:ALL"
	}
	return u
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

type UserData struct {
	Hostname string `json:"hostname"`

	// DisableRoot must be false for the test harness to log in as root.
	DisableRoot *bool       `json:"disable_root,omitempty"`
	SSHPwAuth   *bool       `json:"ssh_pwauth,omitempty"`
	Users       []User      `json:"users"`
	WriteFiles  []WriteFile `json:"write_files,omitempty"`
	RunCommands []string    `json:"runcmd,omitempty"`
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("cannot render cloud-config from UserData: %v", err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData is the NoCloud meta-data document.
type MetaData struct {
	InstanceID    string `json:"instance-id"`
	LocalHostname string `json:"local-hostname"`
}

func (md MetaData) Render() (string, error) {
	b, err := yaml.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("cannot render meta-data: %v", err)
	}
	return string(b), nil
}
