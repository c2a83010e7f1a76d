// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// CapabilityMask is a bitmask of Linux capabilities, bit N set for
// capability number N. The sandboxed process's effective, permitted,
// inheritable, and ambient sets are all reduced to exactly this mask:
// deny by default, then add back only what was requested.
type CapabilityMask uint64

// capabilityNumbers maps lower-case capability names (without the CAP_
// prefix) to their kernel numbers.
var capabilityNumbers = map[string]int{
	"chown":              unix.CAP_CHOWN,
	"dac_override":       unix.CAP_DAC_OVERRIDE,
	"dac_read_search":    unix.CAP_DAC_READ_SEARCH,
	"fowner":             unix.CAP_FOWNER,
	"fsetid":             unix.CAP_FSETID,
	"kill":               unix.CAP_KILL,
	"setgid":             unix.CAP_SETGID,
	"setuid":             unix.CAP_SETUID,
	"setpcap":            unix.CAP_SETPCAP,
	"linux_immutable":    unix.CAP_LINUX_IMMUTABLE,
	"net_bind_service":   unix.CAP_NET_BIND_SERVICE,
	"net_broadcast":      unix.CAP_NET_BROADCAST,
	"net_admin":          unix.CAP_NET_ADMIN,
	"net_raw":            unix.CAP_NET_RAW,
	"ipc_lock":           unix.CAP_IPC_LOCK,
	"ipc_owner":          unix.CAP_IPC_OWNER,
	"sys_module":         unix.CAP_SYS_MODULE,
	"sys_rawio":          unix.CAP_SYS_RAWIO,
	"sys_chroot":         unix.CAP_SYS_CHROOT,
	"sys_ptrace":         unix.CAP_SYS_PTRACE,
	"sys_pacct":          unix.CAP_SYS_PACCT,
	"sys_admin":          unix.CAP_SYS_ADMIN,
	"sys_boot":           unix.CAP_SYS_BOOT,
	"sys_nice":           unix.CAP_SYS_NICE,
	"sys_resource":       unix.CAP_SYS_RESOURCE,
	"sys_time":           unix.CAP_SYS_TIME,
	"sys_tty_config":     unix.CAP_SYS_TTY_CONFIG,
	"mknod":              unix.CAP_MKNOD,
	"lease":              unix.CAP_LEASE,
	"audit_write":        unix.CAP_AUDIT_WRITE,
	"audit_control":      unix.CAP_AUDIT_CONTROL,
	"setfcap":            unix.CAP_SETFCAP,
	"mac_override":       unix.CAP_MAC_OVERRIDE,
	"mac_admin":          unix.CAP_MAC_ADMIN,
	"syslog":             unix.CAP_SYSLOG,
	"wake_alarm":         unix.CAP_WAKE_ALARM,
	"block_suspend":      unix.CAP_BLOCK_SUSPEND,
	"audit_read":         unix.CAP_AUDIT_READ,
	"perfmon":            unix.CAP_PERFMON,
	"bpf":                unix.CAP_BPF,
	"checkpoint_restore": unix.CAP_CHECKPOINT_RESTORE,
}

// ParseCapabilities computes the capability mask for the requested names.
// Names are case-insensitive and the CAP_ prefix is optional. An unknown
// name is an error; a nil or empty list yields the empty mask.
func ParseCapabilities(names []string) (CapabilityMask, error) {
	var mask CapabilityMask
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		key = strings.TrimPrefix(key, "cap_")
		number, ok := capabilityNumbers[key]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", name)
		}
		mask |= 1 << uint(number)
	}
	return mask, nil
}

// Numbers returns the capability numbers present in the mask, ascending.
func (m CapabilityMask) Numbers() []int {
	var numbers []int
	for n := 0; n <= unix.CAP_LAST_CAP; n++ {
		if m&(1<<uint(n)) != 0 {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

// Words splits the mask into the two 32-bit words used by capset(2) with
// the V3 capability ABI.
func (m CapabilityMask) Words() (lo, hi uint32) {
	return uint32(m), uint32(m >> 32)
}

// Names renders the mask as sorted capability names, for logging.
func (m CapabilityMask) Names() []string {
	var names []string
	for name, number := range capabilityNumbers {
		if m&(1<<uint(number)) != 0 {
			names = append(names, "CAP_"+strings.ToUpper(name))
		}
	}
	sort.Strings(names)
	return names
}

// effectiveCapabilities reads the calling process's effective capability
// set via capget(2).
func effectiveCapabilities() (CapabilityMask, error) {
	header := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capget(&header, &data[0]); err != nil {
		return 0, fmt.Errorf("capget: %w", err)
	}
	return CapabilityMask(data[0].Effective) | CapabilityMask(data[1].Effective)<<32, nil
}
