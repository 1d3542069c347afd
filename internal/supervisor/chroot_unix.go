//go:build unix

package supervisor

import (
	"fmt"
	"os/user"
	"strconv"
	"syscall"
)

// Chroot drops privileges to user and confines the process to path before
// Listen accepts any connection (spec.md §4.10 listen, §9 run-as/chroot).
// Order matters: the chroot happens while we still hold root's mount
// visibility, then the uid/gid switch happens last so it can't be undone.
// Grounded on the teacher's own privilege-confinement pattern for
// containerized workers (containerChroot / syscall.Chroot +
// syscall.Setuid/Setgid in the sandia-minimega reference material this
// pack carries for process isolation).
func Chroot(username, path string) error {
	if err := syscall.Chroot(path); err != nil {
		return fmt.Errorf("supervisor: chroot %s: %w", path, err)
	}
	if err := syscall.Chdir("/"); err != nil {
		return fmt.Errorf("supervisor: chdir after chroot: %w", err)
	}

	if username == "" {
		return nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("supervisor: lookup user %s: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("supervisor: parse gid for %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("supervisor: parse uid for %s: %w", username, err)
	}
	if err := syscall.Setgroups(nil); err != nil {
		return fmt.Errorf("supervisor: drop supplementary groups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("supervisor: setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("supervisor: setuid %d: %w", uid, err)
	}
	return setMaxCoreDump()
}

// setMaxCoreDump raises the core-dump limit to its hard max, matching the
// teacher's pattern of maximizing debuggability for a confined worker
// process rather than leaving the caller's inherited rlimit in place.
func setMaxCoreDump() error {
	var rl syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		return fmt.Errorf("supervisor: getrlimit core: %w", err)
	}
	rl.Cur = rl.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_CORE, &rl); err != nil {
		return fmt.Errorf("supervisor: setrlimit core: %w", err)
	}
	return nil
}
