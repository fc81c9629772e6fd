package vm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"libvirt.org/go/libvirt"
)

// EventKind names an observable lifecycle event.
type EventKind string

const (
	// EventPoweredOff is observed when the guest reaches shutoff, e.g.
	// after a shutdown triggered from inside the guest.
	EventPoweredOff EventKind = "powered-off"
	// EventRunning is observed when the guest is up.
	EventRunning EventKind = "running"
)

var errUnknownEvent = errors.New("unknown lifecycle event")

// WaitEvent blocks until the named lifecycle event is observed, polling
// the domain with bounded backoff. Fails with ErrTimeout otherwise.
func (v *VM) WaitEvent(kind EventKind, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == StateUndefined {
		return fmt.Errorf("%w: cannot wait for events in state %q", ErrState, v.state)
	}

	var target libvirt.DomainState
	switch kind {
	case EventPoweredOff:
		target = libvirt.DOMAIN_SHUTOFF
	case EventRunning:
		target = libvirt.DOMAIN_RUNNING
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, kind)
	}

	if err := v.waitState(target, timeout); err != nil {
		return err
	}

	// Keep the harness-side state in sync with externally triggered
	// transitions (guest-initiated poweroff).
	switch target {
	case libvirt.DOMAIN_SHUTOFF:
		v.state = StateStopped
	case libvirt.DOMAIN_RUNNING:
		v.state = StateRunning
	}
	return nil
}

// waitState polls until the domain reports the target state. Callers hold
// v.mu.
func (v *VM) waitState(target libvirt.DomainState, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	probe := func() (struct{}, error) {
		state, _, err := v.dom.GetState()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s: %v", errGetDomainState, v.name, err))
		}
		if state != target {
			return struct{}{}, fmt.Errorf("domain %s in state %d, want %d", v.name, state, target)
		}
		return struct{}{}, nil
	}

	if _, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(timeout),
	); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		return fmt.Errorf("%w: %s did not reach target state within %s", ErrTimeout, v.name, timeout)
	}
	return nil
}

// leasedIP polls the DHCP lease table for the guest's IPv4 address.
// Callers hold v.mu.
func (v *VM) leasedIP(timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second

	probe := func() (string, error) {
		ifaces, err := v.dom.ListAllInterfaceAddresses(
			libvirt.DOMAIN_INTERFACE_ADDRESSES_SRC_LEASE,
		)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", errGetDomainIP, v.name, err)
		}
		for _, iface := range ifaces {
			for _, addr := range iface.Addrs {
				if addr.Type == libvirt.IP_ADDR_TYPE_IPV4 {
					return strings.Split(addr.Addr, "/")[0], nil
				}
			}
		}
		return "", fmt.Errorf("no IPv4 lease for %s yet", v.name)
	}

	ip, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(timeout),
	)
	if err != nil {
		return "", fmt.Errorf("%w: no IP address for %s within %s", ErrTimeout, v.name, timeout)
	}
	return ip, nil
}
