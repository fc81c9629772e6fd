package vm

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"libvirt.org/go/libvirt"
)

var errGuestAgent = errors.New("guest agent command failed")

// Post writes content to a file inside the running guest, out-of-band via
// the qemu guest agent. Used to pre-seed configuration (answer files,
// client config) before a provisioning tool runs. Requires Running state.
func (v *VM) Post(path, content string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateRunning {
		return fmt.Errorf("%w: cannot post files in state %q", ErrState, v.state)
	}

	handle, err := v.agentFileOpen(path)
	if err != nil {
		return err
	}
	// Close even when the write fails; a leaked handle blocks later opens.
	defer func() {
		if cerr := v.agentFileClose(handle); cerr != nil {
			slog.Debug("closing guest file", "vm", v.name, "path", path, "err", cerr.Error())
		}
	}()

	if err := v.agentFileWrite(handle, content); err != nil {
		return err
	}

	slog.Info("posted file to guest", "vm", v.name, "path", path, "bytes", len(content))
	return nil
}

func (v *VM) agentCommand(cmd any) (string, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("%w: marshaling command: %v", errGuestAgent, err)
	}

	out, err := v.dom.QemuAgentCommand(
		string(b),
		libvirt.DOMAIN_QEMU_AGENT_COMMAND_DEFAULT,
		0,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", errGuestAgent, v.name, err)
	}
	return out, nil
}

func (v *VM) agentFileOpen(path string) (int64, error) {
	out, err := v.agentCommand(map[string]any{
		"execute": "guest-file-open",
		"arguments": map[string]any{
			"path": path,
			"mode": "w",
		},
	})
	if err != nil {
		return 0, err
	}

	var resp struct {
		Return int64 `json:"return"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		return 0, fmt.Errorf("%w: parsing guest-file-open response: %v", errGuestAgent, err)
	}
	return resp.Return, nil
}

func (v *VM) agentFileWrite(handle int64, content string) error {
	_, err := v.agentCommand(map[string]any{
		"execute": "guest-file-write",
		"arguments": map[string]any{
			"handle":  handle,
			"buf-b64": base64.StdEncoding.EncodeToString([]byte(content)),
		},
	})
	return err
}

func (v *VM) agentFileClose(handle int64) error {
	_, err := v.agentCommand(map[string]any{
		"execute": "guest-file-close",
		"arguments": map[string]any{
			"handle": handle,
		},
	})
	return err
}
