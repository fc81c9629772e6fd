// Copyright 2025 The vmharness authors
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

// Package cloudinit renders first-boot configuration payloads (nocloud
// user-data and meta-data) consumed by a guest provisioning agent on its
// first startup.
package cloudinit

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"
)

// ErrConfig indicates malformed cloud-config input.
var ErrConfig = errors.New("cloud-config error")

// Config is the first-boot configuration for one VM. It is a pure value
// object: consumed once at VM creation, never mutated afterwards.
type Config struct {
	// InstanceID identifies the guest instance and doubles as its
	// local hostname. Generated when empty, see NewConfig.
	InstanceID string
	// Password, when set, enables root password login.
	Password string
	// AuthorizedKeys are installed for root. Required when Password is
	// empty, since key-based login is the only way in then.
	AuthorizedKeys []string
	// RunCommands are executed by the guest agent in order, once at the
	// end of first boot.
	RunCommands []string
}

// NewConfig returns a Config with a generated instance id.
func NewConfig(namePrefix string, authorizedKeys []string) Config {
	return Config{
		InstanceID:     fmt.Sprintf("%s-%s", namePrefix, uuid.NewString()[:8]),
		AuthorizedKeys: authorizedKeys,
	}
}

// Validate checks the config for input the guest agent cannot act on.
func (c Config) Validate() error {
	if len(c.AuthorizedKeys) == 0 && c.Password == "" {
		return fmt.Errorf("%w: no authorized keys and no password, the guest would be unreachable", ErrConfig)
	}
	for _, key := range c.AuthorizedKeys {
		if key == "" {
			return fmt.Errorf("%w: empty authorized key", ErrConfig)
		}
	}
	return nil
}

// userData is the wire schema of the rendered #cloud-config document.
type userData struct {
	DisableRoot       bool      `json:"disable_root"`
	Chpasswd          *chpasswd `json:"chpasswd,omitempty"`
	Password          string    `json:"password,omitempty"`
	SSHPwAuth         bool      `json:"ssh_pwauth,omitempty"`
	RunCommands       []string  `json:"runcmd,omitempty"`
	SSHAuthorizedKeys []string  `json:"ssh_authorized_keys,omitempty"`
}

type chpasswd struct {
	Expire bool   `json:"expire"`
	List   string `json:"list,omitempty"`
}

// UserData renders the user-data payload. Same inputs produce the same
// payload.
func (c Config) UserData() (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	ud := userData{
		DisableRoot:       false,
		Chpasswd:          &chpasswd{Expire: false},
		SSHAuthorizedKeys: c.AuthorizedKeys,
	}
	if c.Password != "" {
		ud.Chpasswd.List = fmt.Sprintf("root:%s", c.Password)
		ud.Password = c.Password
		ud.SSHPwAuth = true
	}
	ud.RunCommands = c.RunCommands

	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", fmt.Errorf("%w: cannot render user-data: %v", ErrConfig, err)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData renders the meta-data payload.
func (c Config) MetaData() string {
	return fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", c.InstanceID, c.InstanceID)
}
